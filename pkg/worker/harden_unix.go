//go:build unix

package worker

import "syscall"

// hardenProcess disables core dumps and caps open descriptors. Failures are
// ignored: the limits only tighten what the VM already denies.
func hardenProcess() {
	_ = syscall.Setrlimit(syscall.RLIMIT_CORE, &syscall.Rlimit{Cur: 0, Max: 0})

	var nofile syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &nofile); err == nil && nofile.Cur > 64 {
		nofile.Cur = 64
		_ = syscall.Setrlimit(syscall.RLIMIT_NOFILE, &nofile)
	}
}
