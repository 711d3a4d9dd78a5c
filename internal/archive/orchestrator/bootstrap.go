package orchestrator

import (
	"archivesync/internal/archive/permissions"
	"archivesync/internal/logging"
	"archivesync/internal/model"

	"go.uber.org/zap"
)

// pendingUnavailable tracks, per account, the set of server ids its READY
// event listed as unavailable but not yet seen via a server-create
// (spec.md §4.6 r.1: "ready" once every such server has arrived).
var pendingUnavailable = map[string]map[model.ServerID]struct{}{}

func (o *Orchestrator) handleReady(accountName string, ev readyDispatch) {
	if rt := o.accounts[accountName]; rt != nil {
		rt.userID = ev.UserID
	}
	pending := make(map[model.ServerID]struct{}, len(ev.Servers))
	for _, s := range ev.Servers {
		if s.Unavailable {
			pending[s.ID] = struct{}{}
		}
	}
	pendingUnavailable[accountName] = pending
	if len(pending) == 0 {
		o.markAccountReady(accountName)
	}
	logging.Info("orchestrator: account identified", zap.String("account", accountName), zap.Int("pending_servers", len(pending)))
}

func (o *Orchestrator) markAccountReady(accountName string) {
	rt, ok := o.accounts[accountName]
	if !ok || rt.account.Ready {
		return
	}
	rt.account.Ready = true
	logging.Info("orchestrator: account ready", zap.String("account", accountName))
	o.checkAllReady()
}

// handleServerCreate implements spec.md §4.6 r.1: construct or reuse the
// cached server, index its channels, compute this account's permissions,
// and update the accounts-with-read/manage-threads sets.
func (o *Orchestrator) handleServerCreate(accountName string, d serverCreateDispatch) {
	rt := o.accounts[accountName]
	if rt == nil {
		return
	}

	server := o.cache.UpsertServer(d.ID, func(s *model.Server) {
		s.Name = d.Name
		s.OwnerID = d.OwnerID
		s.Unavailable = d.Unavailable
		for _, r := range d.Roles {
			s.Roles[r.ID] = model.Permission(r.Permissions)
		}
	})
	o.everyoneRole[d.ID] = d.ID // the @everyone role shares the server's id, by platform convention

	roleSet := make(map[model.RoleID]struct{}, len(d.MemberRoleIDs))
	for _, r := range d.MemberRoleIDs {
		roleSet[r] = struct{}{}
	}
	server.AccountRecords[accountName] = &model.AccountServerRecord{
		RoleIDs:    roleSet,
		GuildPerms: permissions.ComputeServerPermissions(roleSet, server, d.OwnerID == rt.accountUserID()),
	}

	for _, cw := range d.Channels {
		ch := o.cache.UpsertChannel(d.ID, cw.ID, func(c *model.Channel) {
			c.Kind = model.ChannelKind(cw.Kind)
			c.Name = cw.Name
			for _, ow := range cw.Overwrites {
				c.Overwrites[ow.PrincipalID] = model.Overwrite{
					PrincipalID: ow.PrincipalID, IsRole: ow.IsRole,
					Allow: model.Permission(ow.Allow), Deny: model.Permission(ow.Deny),
				}
			}
		})
		o.recomputeChannelAccess(server, ch, accountName)
	}

	if pending, ok := pendingUnavailable[accountName]; ok {
		delete(pending, d.ID)
		if len(pending) == 0 {
			o.markAccountReady(accountName)
		}
	}
}

// recomputeChannelAccess derives this account's read/manage-threads
// membership for one channel and writes it into the cache, maintaining the
// permission-consistency invariant from spec.md §8.
func (o *Orchestrator) recomputeChannelAccess(server *model.Server, ch *model.Channel, accountName string) {
	rec, ok := server.AccountRecords[accountName]
	if !ok {
		return
	}
	rt := o.accounts[accountName]
	perms := permissions.ComputeChannelPermissions(
		rt.accountUserID(), rec.RoleIDs, o.everyoneRole[server.ID], ch, rec.GuildPerms)
	o.cache.SetAccountAccess(ch, accountName,
		permissions.HasReadHistory(perms), permissions.HasManageThreads(perms))
}

func (rt *accountRuntime) accountUserID() model.UserID {
	return rt.userID
}
