//go:build !windows

package principal

import "golang.org/x/sys/unix"

func elevated() bool {
	return unix.Geteuid() == 0
}

// root stands for the local system account
func system() bool {
	return unix.Geteuid() == 0
}

func uid() int {
	return unix.Getuid()
}
