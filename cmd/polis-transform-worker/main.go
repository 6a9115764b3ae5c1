// Package main is a standalone transform worker. Point executor.worker_command
// at this binary to keep the worker image separate from the service.
package main

import (
	"os"

	"github.com/polisai/polis-transform/pkg/worker"
)

func main() {
	os.Exit(worker.Main(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
