//go:build !windows

package jobs

import (
	"errors"

	"golang.org/x/sys/unix"
)

// leadGroup makes the entry point the leader of a new process group, which
// the interpreter inherits.
func leadGroup() error {
	if unix.Getpgrp() == unix.Getpid() {
		return nil
	}
	return unix.Setpgid(0, 0)
}

// killGroup kills the process group led by pid, or pid alone when it leads
// none.
func killGroup(pid int) error {
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		return unix.Kill(-pid, unix.SIGKILL)
	}
	err := unix.Kill(pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
