//go:build linux

package threadpool

import "golang.org/x/sys/unix"

// pinToCPU binds the calling OS thread to one core. The caller must hold
// runtime.LockOSThread.
func pinToCPU(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
