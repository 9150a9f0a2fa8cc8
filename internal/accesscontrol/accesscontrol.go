package accesscontrol

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/lachlan2k/busline/internal/config"
	"github.com/lachlan2k/busline/internal/utils"
)

var ErrRoleNotAuthorized = errors.New("role is not authorized to use the app")

// RolePolicy is the closed set of roles that may reach the main app.
type RolePolicy struct {
	authorized []string
}

func NewRolePolicy(roles ...string) RolePolicy {
	return RolePolicy{authorized: slices.Clone(roles)}
}

func FromConfig(conf *config.Config) RolePolicy {
	return NewRolePolicy(conf.AccessControl.AuthorizedRoles...)
}

func (p RolePolicy) CheckRole(role string) error {
	// An empty policy admits nobody
	if role != "" && slices.Contains(p.authorized, role) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrRoleNotAuthorized, role)
}

func (p RolePolicy) Roles() []string {
	return slices.Clone(p.authorized)
}

// AssignRole picks the role the development backend hands to a user.
// Exact email entries in the role mapping win over wildcard ones, and
// wildcard entries are tried in a fixed order so the result is stable.
func AssignRole(conf *config.Config, email string) string {
	mapping := conf.DevBackend.RoleMapping

	if role, ok := mapping[email]; ok {
		return role
	}

	patterns := make([]string, 0, len(mapping))
	for pattern := range mapping {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)

	for _, pattern := range patterns {
		if utils.MatchesWithWildcard(email, pattern) {
			return mapping[pattern]
		}
	}

	return conf.DevBackend.DefaultRole
}
