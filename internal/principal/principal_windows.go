//go:build windows

package principal

import "golang.org/x/sys/windows"

func elevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}

func system() bool {
	u, err := windows.GetCurrentProcessToken().GetTokenUser()
	if err != nil {
		return false
	}
	return u.User.Sid.IsWellKnown(windows.WinLocalSystemSid)
}

func uid() int {
	return -1
}
