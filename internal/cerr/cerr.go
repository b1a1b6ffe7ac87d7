// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Package cerr provides the constant error type shared by the packages that
// declare sentinel errors as constants.
package cerr

// Error is a string that satisfies the error interface, so that sentinel
// errors can be declared with const and compared with [errors.Is].
type Error string

func (e Error) Error() string {
	return string(e)
}
