// Package render drives the external print renderer one sheet at a time.
//
// # Overview
//
// The renderer is a stateful, global, fire-and-forget collaborator: it holds a
// single active selection and a single output target, accepts a job, and
// reports completion only by the output file appearing on disk. This package
// turns that into an explicit per-sheet state machine:
//
//	Pending -> Submitted -> {Completed, TimedOut, Failed}
//
// The [Orchestrator] scopes the renderer to exactly one sheet, submits the job,
// and polls for the output file with a bounded number of attempts. Sheets are
// processed strictly in order; no sheet is submitted before the previous one
// reaches a terminal state.
//
// # Renderers
//
//   - [CommandRenderer] starts an external command per sheet and returns
//     immediately, reaping the process in the background.
//   - [ProofRenderer] writes a one-page proof PDF per sheet after a delay, for
//     dry runs and tests.
//
// # Waiting
//
// Poll waits go through a [Waiter]. [SleepWaiter] sleeps on a [Clock], which
// tests replace with a fake. [NotifyWaiter] uses fsnotify to wake as soon as
// the output file is created, keeping the same attempt ceiling.
package render
