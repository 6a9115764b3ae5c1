// Package worker is the program side of the isolated process runner.
//
// The runner starts the worker as "<worker-entrypoint> <module_path>", writes
// one Envelope to its standard input and reads exactly one Response document
// from its standard output. The worker exits 0 only when the Response status
// is "success".
//
// The worker polices itself: it refuses relative or non-Lua module paths,
// re-checks the module digest the runner pinned, bounds its own run time and
// output size, and reports panics as error responses. Transforms run on the
// capability-free VM from package script, so no socket, file or process API
// is reachable from module code.
package worker
