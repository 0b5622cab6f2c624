//go:build !windows

package ownership

import "syscall"

func sendTerminate(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
