package model

import (
	"errors"
	"fmt"
	"strings"
)

// IdentityKind selects the principal a work item executes under.
type IdentityKind int

const (
	CallerDefault IdentityKind = iota
	ExplicitCredential
	LocalSystem
	GroupManagedServiceAccount
)

func (k IdentityKind) String() string {
	switch k {
	case CallerDefault:
		return "caller"
	case ExplicitCredential:
		return "credential"
	case LocalSystem:
		return "system"
	case GroupManagedServiceAccount:
		return "gmsa"
	default:
		return "unknown"
	}
}

// ParseIdentityKind is the inverse of IdentityKind.String.
func ParseIdentityKind(s string) (IdentityKind, error) {
	switch s {
	case "", "caller":
		return CallerDefault, nil
	case "credential":
		return ExplicitCredential, nil
	case "system":
		return LocalSystem, nil
	case "gmsa":
		return GroupManagedServiceAccount, nil
	default:
		return CallerDefault, fmt.Errorf("unknown identity kind %q", s)
	}
}

// LocalSystemPrincipal is the user id the scheduler receives for LocalSystem.
const LocalSystemPrincipal = `NT AUTHORITY\SYSTEM`

// Identity is exactly one of the IdentityKind variants plus an elevation flag.
type Identity struct {
	Kind      IdentityKind
	Principal string
	Secret    string
	Elevated  bool
}

func Caller() Identity {
	return Identity{Kind: CallerDefault}
}

func Credential(principal, secret string) Identity {
	return Identity{Kind: ExplicitCredential, Principal: principal, Secret: secret}
}

func System() Identity {
	return Identity{Kind: LocalSystem, Principal: LocalSystemPrincipal}
}

// GMSA returns a group managed service account identity. Account names are
// normalized to carry the trailing $.
func GMSA(name string) Identity {
	if name != "" && !strings.HasSuffix(name, "$") {
		name += "$"
	}
	return Identity{Kind: GroupManagedServiceAccount, Principal: name}
}

func (i Identity) WithElevation(elevated bool) Identity {
	i.Elevated = elevated
	return i
}

// NeedsTask reports whether a scheduled task must broker the principal switch.
func (i Identity) NeedsTask() bool {
	return i.Kind != CallerDefault
}

func (i Identity) Validate() error {
	switch i.Kind {
	case CallerDefault:
		if i.Principal != "" || i.Secret != "" {
			return errors.New("caller identity must not carry a principal")
		}
	case ExplicitCredential:
		if i.Principal == "" {
			return errors.New("credential identity requires a principal")
		}
	case LocalSystem:
		if i.Secret != "" {
			return errors.New("system identity must not carry a secret")
		}
	case GroupManagedServiceAccount:
		if i.Principal == "" || i.Principal == "$" {
			return errors.New("gmsa identity requires an account name")
		}
		if i.Secret != "" {
			return errors.New("gmsa identity must not carry a secret")
		}
	default:
		return fmt.Errorf("unknown identity kind %d", i.Kind)
	}
	return nil
}

// String never includes the secret.
func (i Identity) String() string {
	s := i.Kind.String()
	if i.Principal != "" {
		s += ":" + i.Principal
	}
	if i.Elevated {
		s += " (elevated)"
	}
	return s
}
