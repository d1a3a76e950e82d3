// Package principal reports the security principal of the running process.
package principal

import (
	"os/user"
	"strconv"
	"strings"
)

// Current returns the user name of the running process, suffixed with
// " (elevated)" when it runs with administrative rights.
func Current() string {
	name := Name()
	if Elevated() {
		name += " (elevated)"
	}
	return name
}

// Name returns the user name of the running process.
func Name() string {
	u, err := user.Current()
	if err != nil {
		return "uid:" + strconv.Itoa(uid())
	}
	return u.Username
}

// Elevated reports whether the running process has administrative rights.
func Elevated() bool {
	return elevated()
}

// Is reports whether the process runs as account.
func Is(account string) bool {
	return Same(account, Name())
}

// IsSystem reports whether the process runs as the local system account.
func IsSystem() bool {
	return system()
}

// Same compares two account names case-insensitively. A DOMAIN\ qualifier
// present on one side only is ignored.
func Same(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	_, ua, qa := strings.Cut(a, `\`)
	_, ub, qb := strings.Cut(b, `\`)
	switch {
	case qa && !qb:
		return strings.EqualFold(ua, b)
	case qb && !qa:
		return strings.EqualFold(a, ub)
	}
	return false
}
