package permissions

import (
	"testing"

	"archivesync/internal/model"
	"github.com/stretchr/testify/require"
)

func TestComputeServerPermissions_Owner(t *testing.T) {
	server := &model.Server{Roles: map[model.RoleID]model.Permission{}}
	perms := ComputeServerPermissions(nil, server, true)
	require.Equal(t, model.AllPermissions, perms)
}

func TestComputeServerPermissions_Administrator(t *testing.T) {
	server := &model.Server{Roles: map[model.RoleID]model.Permission{
		1: model.PermAdministrator,
	}}
	perms := ComputeServerPermissions(map[model.RoleID]struct{}{1: {}}, server, false)
	require.Equal(t, model.AllPermissions, perms)
}

func TestComputeServerPermissions_ORsRoles(t *testing.T) {
	server := &model.Server{Roles: map[model.RoleID]model.Permission{
		1: model.PermViewChannel,
		2: model.PermReadMessageHistory,
	}}
	perms := ComputeServerPermissions(map[model.RoleID]struct{}{1: {}, 2: {}}, server, false)
	require.True(t, HasReadHistory(perms))
}

func TestComputeChannelPermissions_OverwriteOrder(t *testing.T) {
	const everyone model.RoleID = 0
	const role model.RoleID = 5
	const account model.UserID = 99

	channel := &model.Channel{
		Overwrites: map[model.PrincipalID]model.Overwrite{
			everyone: {PrincipalID: everyone, IsRole: true, Deny: model.PermReadMessageHistory},
			role:     {PrincipalID: role, IsRole: true, Allow: model.PermReadMessageHistory},
			account:  {PrincipalID: account, IsRole: false, Deny: model.PermReadMessageHistory},
		},
	}

	base := model.PermViewChannel | model.PermReadMessageHistory
	perms := ComputeChannelPermissions(account, map[model.RoleID]struct{}{role: {}}, everyone, channel, base)

	// @everyone denies READ_MESSAGE_HISTORY, role overwrite allows it back,
	// then the member overwrite denies it again: member overwrite wins.
	require.False(t, HasReadHistory(perms))
	require.True(t, HasPermission(perms, model.PermViewChannel))
}

func TestComputeChannelPermissions_RoleOverwriteWithoutMember(t *testing.T) {
	const everyone model.RoleID = 0
	const role model.RoleID = 5
	const account model.UserID = 99

	channel := &model.Channel{
		Overwrites: map[model.PrincipalID]model.Overwrite{
			everyone: {PrincipalID: everyone, IsRole: true, Deny: model.PermReadMessageHistory},
			role:     {PrincipalID: role, IsRole: true, Allow: model.PermReadMessageHistory},
		},
	}
	base := model.PermViewChannel | model.PermReadMessageHistory
	perms := ComputeChannelPermissions(account, map[model.RoleID]struct{}{role: {}}, everyone, channel, base)
	require.True(t, HasReadHistory(perms))
}

func TestComputeChannelPermissions_AdministratorShortcut(t *testing.T) {
	channel := &model.Channel{Overwrites: map[model.PrincipalID]model.Overwrite{
		0: {PrincipalID: 0, IsRole: true, Deny: model.PermViewChannel},
	}}
	perms := ComputeChannelPermissions(1, nil, 0, channel, model.AllPermissions)
	require.Equal(t, model.AllPermissions, perms)
}
