package middleware

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-gate/types"
)

func staticRoles(roles map[string][]string) types.RoleSource {
	return types.RoleSourceFunc(func(ctx *types.RequestCtx, actor string) ([]string, error) {
		return roles[actor], nil
	})
}

func permitNext(called *bool) types.PermissionNext {
	return func(ctx *types.RequestCtx) *types.Error {
		*called = true
		return nil
	}
}

func TestRolesAllowsActorWithAllRoles(t *testing.T) {
	source := staticRoles(map[string][]string{"alice": {"admin", "editor"}})
	unit, err := NewRolesUnit(source, testLogger(), "admin", "editor")
	require.NoError(t, err)

	ctx := newCtx("GET", "/api/admin")
	ctx.SetActor("alice")

	called := false
	halt := unit.Permit(ctx, permitNext(&called))
	require.Nil(t, halt)
	assert.True(t, called)
}

func TestRolesDeniesMissingRole(t *testing.T) {
	source := staticRoles(map[string][]string{"bob": {"viewer"}})
	unit, err := NewRolesUnit(source, testLogger(), "admin")
	require.NoError(t, err)

	ctx := newCtx("GET", "/api/admin")
	ctx.SetActor("bob")

	called := false
	halt := unit.Permit(ctx, permitNext(&called))
	require.NotNil(t, halt)
	assert.False(t, called)
	assert.Equal(t, types.CodePermissionDenied, halt.Code)
	assert.Contains(t, halt.Message, "admin")
}

func TestRolesDeniesAnonymous(t *testing.T) {
	source := staticRoles(nil)
	unit, err := NewRolesUnit(source, testLogger(), "admin")
	require.NoError(t, err)

	called := false
	halt := unit.Permit(newCtx("GET", "/api/admin"), permitNext(&called))
	require.NotNil(t, halt)
	assert.Equal(t, types.CodePermissionDenied, halt.Code)
	assert.Contains(t, halt.Message, "authentication")
}

func TestRolesLookupFailureIsAFault(t *testing.T) {
	source := types.RoleSourceFunc(func(ctx *types.RequestCtx, actor string) ([]string, error) {
		return nil, errors.New("directory unavailable")
	})
	unit, err := NewRolesUnit(source, testLogger(), "admin")
	require.NoError(t, err)

	ctx := newCtx("GET", "/api/admin")
	ctx.SetActor("alice")

	called := false
	halt := unit.Permit(ctx, permitNext(&called))
	require.NotNil(t, halt)
	assert.Equal(t, types.CodePermissionFault, halt.Code,
		"a broken role source is an internal fault, not a denial")
}

func TestRolesUnitRequiresSourceAndRoles(t *testing.T) {
	_, err := NewRolesUnit(nil, testLogger(), "admin")
	assert.Error(t, err)

	_, err = NewRolesUnit(staticRoles(nil), testLogger())
	assert.Error(t, err)
}

func TestRolesCreatorUsesRegisteredSource(t *testing.T) {
	SetRoleSource(staticRoles(map[string][]string{"alice": {"admin"}}))
	defer SetRoleSource(nil)

	creator := RolesCreator(nil, testLogger())
	unit, err := creator(map[string]interface{}{"required": []interface{}{"admin"}})
	require.NoError(t, err)

	ctx := newCtx("GET", "/api/admin")
	ctx.SetActor("alice")

	called := false
	halt := unit.Permit(ctx, permitNext(&called))
	assert.Nil(t, halt)
	assert.True(t, called)
}

func TestRolesCreatorFailsWithoutAnySource(t *testing.T) {
	SetRoleSource(nil)

	creator := RolesCreator(nil, testLogger())
	_, err := creator(map[string]interface{}{"required": []interface{}{"admin"}})
	assert.Error(t, err)
}
