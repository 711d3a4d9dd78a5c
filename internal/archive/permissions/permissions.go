// Package permissions implements the pure functions from spec.md §4.5.
// Every function here is side-effect free: no network, no database, no
// logging. Tests assert the (computed & required) == required property.
package permissions

import "archivesync/internal/model"

// ComputeServerPermissions ORs the permission bitfield of every role in
// roleIDs. If the account is the server owner, or any held role carries
// ADMINISTRATOR, the result is all-ones.
func ComputeServerPermissions(roleIDs map[model.RoleID]struct{}, server *model.Server, accountIsOwner bool) model.Permission {
	if accountIsOwner {
		return model.AllPermissions
	}
	var perms model.Permission
	for roleID := range roleIDs {
		perms |= server.Roles[roleID]
	}
	if perms&model.PermAdministrator != 0 {
		return model.AllPermissions
	}
	return perms
}

// ComputeChannelPermissions starts from the account's server permissions
// and applies channel overwrites in the platform's documented order:
// (1) @everyone overwrite, (2) role overwrites (deny then allow, OR'd
// across roles), (3) member overwrite.
//
// everyoneRoleID identifies the @everyone role in server.Roles/overwrites.
func ComputeChannelPermissions(
	accountID model.UserID,
	roleIDs map[model.RoleID]struct{},
	everyoneRoleID model.RoleID,
	channel *model.Channel,
	serverPerms model.Permission,
) model.Permission {
	if serverPerms == model.AllPermissions {
		return model.AllPermissions
	}

	perms := serverPerms

	if ow, ok := channel.Overwrites[everyoneRoleID]; ok {
		perms &^= ow.Deny
		perms |= ow.Allow
	}

	var roleAllow, roleDeny model.Permission
	for roleID := range roleIDs {
		if roleID == everyoneRoleID {
			continue
		}
		if ow, ok := channel.Overwrites[roleID]; ok && ow.IsRole {
			roleDeny |= ow.Deny
			roleAllow |= ow.Allow
		}
	}
	perms &^= roleDeny
	perms |= roleAllow

	if ow, ok := channel.Overwrites[accountID]; ok && !ow.IsRole {
		perms &^= ow.Deny
		perms |= ow.Allow
	}

	return perms
}

// HasPermission implements the test idiom from spec.md §4.5:
// (computed & required) == required.
func HasPermission(computed, required model.Permission) bool {
	return computed&required == required
}

// HasReadHistory reports whether perms includes both VIEW_CHANNEL and
// READ_MESSAGE_HISTORY, the condition the accounts-with-read invariant
// (spec.md §3) is built on.
func HasReadHistory(perms model.Permission) bool {
	return HasPermission(perms, model.PermViewChannel|model.PermReadMessageHistory)
}

func HasManageThreads(perms model.Permission) bool {
	return HasPermission(perms, model.PermManageThreads)
}
