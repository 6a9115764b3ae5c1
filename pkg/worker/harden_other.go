//go:build !unix

package worker

func hardenProcess() {}
