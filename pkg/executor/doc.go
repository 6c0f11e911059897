// Package executor runs one pipeline invocation end to end: it resolves the
// tenant's runtime, specializes and delivers the pipeline's source tree,
// installs its dependencies and runs the generated entry point with
// short-lived callback credentials.
//
// Invocations of one pipeline are serialized with a lock.Locker held for the
// whole invocation. A failure before the process runs is a *StageError and
// records nothing. Once the process has run, its exit code is recorded as a
// chat turn and a non-zero exit is not an error.
package executor
