//go:build !unix

package executor

import "os/exec"

// configureProcess keeps exec's default cancellation, which kills the worker
// process itself.
func configureProcess(*exec.Cmd) {}
