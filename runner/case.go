// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

package runner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Case identifies one simulation deck.
type Case struct {
	// RunPath is the absolute directory holding the data file. The
	// simulator runs there and writes its outputs there.
	RunPath string

	// Base is the data file name without its extension; every output file
	// is named after it.
	Base string

	// DataFile is the data file name relative to RunPath.
	DataFile string
}

// Path returns the path of the run directory file named after the case
// with the given extension, such as ".PRT".
func (c Case) Path(ext string) string {
	return filepath.Join(c.RunPath, c.Base+ext)
}

func (c Case) String() string {
	return filepath.Join(c.RunPath, c.Base)
}

// ResolveCase interprets a case argument, which may name the data file
// directly (CASE.DATA or case.data) or just the case (CASE). In the latter
// form the extension is ".data" if the case name is all lower case and
// ".DATA" otherwise. The data file must exist.
func ResolveCase(arg string) (Case, error) {
	dataPath := arg
	switch ext := filepath.Ext(arg); ext {
	case ".data", ".DATA":
	default:
		if isLower(filepath.Base(arg)) {
			dataPath += ".data"
		} else {
			dataPath += ".DATA"
		}
	}

	fi, err := os.Stat(dataPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Case{}, fmt.Errorf("%w: %s", ErrMissingInput, dataPath)
	case err != nil:
		return Case{}, fmt.Errorf("%w: %w", ErrUnreadableInput, err)
	case fi.IsDir():
		return Case{}, fmt.Errorf("%w: %s is a directory", ErrMissingInput, dataPath)
	}

	abs, err := filepath.Abs(dataPath)
	if err != nil {
		return Case{}, err
	}
	dir, file := filepath.Split(abs)
	return Case{
		RunPath:  filepath.Clean(dir),
		Base:     strings.TrimSuffix(file, filepath.Ext(file)),
		DataFile: file,
	}, nil
}

// isLower reports whether s has at least one cased letter and no upper case
// ones.
func isLower(s string) bool {
	return strings.ToLower(s) == s && strings.ToUpper(s) != s
}
