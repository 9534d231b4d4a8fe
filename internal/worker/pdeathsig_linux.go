//go:build linux

package worker

import "golang.org/x/sys/unix"

// EnableParentDeathSignal asks the kernel to deliver SIGTERM to this process
// when its direct parent exits, so a worker started under a wrapper never
// outlives it.
func EnableParentDeathSignal() error {
	return unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGTERM), 0, 0, 0)
}
