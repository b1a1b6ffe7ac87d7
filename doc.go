// Copyright (c) Peter Newcomb. All rights reserved.
// Licensed under the MIT License.

// Package jobq schedules and supervises large batches of independent,
// long-running external jobs, such as the realizations of a reservoir
// simulation ensemble. A [Queue] hands jobs to a [Driver], which places them
// on some compute backend (the local machine, a cluster batch system), and
// keeps polling the driver until every job has succeeded, failed
// permanently, or been killed.
//
// The queue bounds how many jobs may be submitted or running at once, and
// the bound can be changed while the queue runs. A job whose attempt fails
// is put back into the waiting pool, optionally after a backoff delay, until
// it has used up its allowed number of submissions. Dispatching can be
// paused and resumed, individual jobs can be killed, and a user exit stops
// all further dispatching so that a batch can be wound down cleanly.
//
// A queue either knows its size up front ([Config.Size]) and finishes when
// that many jobs are done, or grows as jobs are submitted and finishes only
// after [Queue.DeclareComplete] has been called and every job is done. This
// lets a caller start running jobs before it has finished creating them.
//
// The runner subpackage executes a single simulation job and judges its
// outcome from the simulator's completion report, and the local subpackage
// provides a Driver that runs jobs as child processes.
package jobq
