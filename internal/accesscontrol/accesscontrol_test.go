package accesscontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lachlan2k/busline/internal/config"
)

func TestRolePolicyCheckRole(t *testing.T) {
	policy := NewRolePolicy("DRIVER")

	assert.NoError(t, policy.CheckRole("DRIVER"))
	assert.ErrorIs(t, policy.CheckRole("PASSENGER"), ErrRoleNotAuthorized)
	assert.ErrorIs(t, policy.CheckRole("driver"), ErrRoleNotAuthorized)
	assert.ErrorIs(t, policy.CheckRole(""), ErrRoleNotAuthorized)
}

func TestEmptyPolicyAdmitsNobody(t *testing.T) {
	assert.Error(t, NewRolePolicy().CheckRole("DRIVER"))
}

func TestFromConfig(t *testing.T) {
	conf := config.Default()
	conf.AccessControl.AuthorizedRoles = []string{"DRIVER", "SUPERVISOR"}

	policy := FromConfig(conf)
	assert.NoError(t, policy.CheckRole("SUPERVISOR"))

	conf.AccessControl.AuthorizedRoles[0] = "CHANGED"
	assert.NoError(t, policy.CheckRole("DRIVER"), "policy should not alias the config slice")
	assert.Equal(t, []string{"DRIVER", "SUPERVISOR"}, policy.Roles())
}

func TestAssignRole(t *testing.T) {
	conf := config.Default()
	conf.DevBackend.DefaultRole = "PASSENGER"
	conf.DevBackend.RoleMapping = map[string]string{
		"*@depot.example.com":    "DRIVER",
		"boss@depot.example.com": "SUPERVISOR",
	}

	assert.Equal(t, "SUPERVISOR", AssignRole(conf, "boss@depot.example.com"))
	assert.Equal(t, "DRIVER", AssignRole(conf, "kim@depot.example.com"))
	assert.Equal(t, "PASSENGER", AssignRole(conf, "kim@gmail.com"))
}
