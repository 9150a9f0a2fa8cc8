package session

import (
	"github.com/lachlan2k/busline/internal/model"
)

type State int

const (
	Unauthenticated State = iota
	Authenticating
	AuthenticatedIncompleteProfile
	AuthenticatedComplete
	Unauthorized
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "Unauthenticated"
	case Authenticating:
		return "Authenticating"
	case AuthenticatedIncompleteProfile:
		return "AuthenticatedIncompleteProfile"
	case AuthenticatedComplete:
		return "AuthenticatedComplete"
	case Unauthorized:
		return "Unauthorized"
	}
	return "Invalid"
}

func (s State) Authenticated() bool {
	return s == AuthenticatedComplete || s == AuthenticatedIncompleteProfile
}

// Snapshot is a read-only view of the session. Profile is a copy.
type Snapshot struct {
	State   State
	Profile *model.UserProfile
	// Err is the failure from the most recent action, if it failed
	Err error
	// Busy is true while an action is running
	Busy bool
}
