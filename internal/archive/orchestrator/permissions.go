// Permission change handling, spec.md §4.6 r.7. The Open Question flagged
// in spec.md §9 ("the areMapsEqual call that compares a map to itself is
// almost certainly a bug") is resolved here: mapsEqual always compares the
// incoming overwrites against the channel's previously cached overwrites,
// and permissions are only recomputed when they differ.
package orchestrator

import (
	"archivesync/internal/archive/permissions"
	"archivesync/internal/dbwriter"
	"archivesync/internal/logging"
	"archivesync/internal/model"

	"go.uber.org/zap"
)

func mapsEqual(a, b map[model.PrincipalID]model.Overwrite) bool {
	if len(a) != len(b) {
		return false
	}
	for k, va := range a {
		vb, ok := b[k]
		if !ok || va != vb {
			return false
		}
	}
	return true
}

func (o *Orchestrator) handleChannelUpdate(cw channelWire, live bool) {
	newOverwrites := make(map[model.PrincipalID]model.Overwrite, len(cw.Overwrites))
	for _, ow := range cw.Overwrites {
		newOverwrites[ow.PrincipalID] = model.Overwrite{
			PrincipalID: ow.PrincipalID, IsRole: ow.IsRole,
			Allow: model.Permission(ow.Allow), Deny: model.Permission(ow.Deny),
		}
	}

	ch, server, existed := o.cache.ChannelByID(cw.ID)
	if !existed {
		server, existed = o.cache.Server(cw.ServerID)
		if !existed {
			return
		}
		ch = o.cache.UpsertChannel(cw.ServerID, cw.ID, func(c *model.Channel) {
			c.Kind = model.ChannelKind(cw.Kind)
			c.Name = cw.Name
			c.Overwrites = newOverwrites
		})
		o.reevaluateChannelForAllAccounts(server, ch)
		o.writeChannelSnapshot(ch, live)
		return
	}

	changed := !mapsEqual(ch.Overwrites, newOverwrites)
	ch.Kind = model.ChannelKind(cw.Kind)
	ch.Name = cw.Name
	ch.Overwrites = newOverwrites

	if changed {
		o.reevaluateChannelForAllAccounts(server, ch)
	}
	o.writeChannelSnapshot(ch, live)
}

func (o *Orchestrator) writeChannelSnapshot(ch *model.Channel, live bool) {
	if o.db == nil {
		return
	}
	timing := model.Now(live)
	_, err := o.db.AddSnapshot(o.ctx, dbwriter.KindChannel, []any{int64(ch.ID)}, timing.Encode(),
		map[string]any{"server_id": int64(ch.ServerID), "kind": int16(ch.Kind), "name": ch.Name}, false)
	if err != nil && !isAbort(err) {
		logging.Warn("orchestrator: channel snapshot failed", zap.Error(err))
	}
}

func (o *Orchestrator) handleRoleChange(serverID model.ServerID, role roleWire) {
	server, ok := o.cache.Server(serverID)
	if !ok {
		return
	}
	server.Roles[role.ID] = model.Permission(role.Permissions)
	o.recomputeEveryAccountInServer(server)

	if o.db != nil {
		timing := model.Now(true)
		_, err := o.db.AddSnapshot(o.ctx, dbwriter.KindRole, []any{int64(role.ID)}, timing.Encode(),
			map[string]any{"server_id": int64(serverID), "name": role.Name, "permissions": int64(role.Permissions)}, false)
		if err != nil && !isAbort(err) {
			logging.Warn("orchestrator: role snapshot failed", zap.Error(err))
		}
	}
}

func (o *Orchestrator) handleRoleDelete(serverID model.ServerID, roleID model.RoleID) {
	server, ok := o.cache.Server(serverID)
	if !ok {
		return
	}
	delete(server.Roles, roleID)
	for _, rec := range server.AccountRecords {
		delete(rec.RoleIDs, roleID)
	}
	o.recomputeEveryAccountInServer(server)
}

// recomputeAccountPermissions applies a changed role-id set for one
// account (a MEMBER_UPDATE of our own member, spec.md §4.6 r.7) and
// reevaluates every channel in the server for that account.
func (o *Orchestrator) recomputeAccountPermissions(server *model.Server, rec *model.AccountServerRecord, accountName string, roleIDs map[model.RoleID]struct{}) {
	rt := o.accounts[accountName]
	if rt == nil {
		return
	}
	rec.RoleIDs = roleIDs
	rec.GuildPerms = permissions.ComputeServerPermissions(roleIDs, server, server.OwnerID == rt.accountUserID())
	for _, ch := range server.Channels {
		o.reevaluateChannelForAccount(server, ch, accountName)
	}
}

func (o *Orchestrator) recomputeEveryAccountInServer(server *model.Server) {
	for name, rec := range server.AccountRecords {
		rt := o.accounts[name]
		if rt == nil {
			continue
		}
		rec.GuildPerms = permissions.ComputeServerPermissions(rec.RoleIDs, server, server.OwnerID == rt.accountUserID())
	}
	for _, ch := range server.Channels {
		o.reevaluateChannelForAllAccounts(server, ch)
	}
}

func (o *Orchestrator) reevaluateChannelForAllAccounts(server *model.Server, ch *model.Channel) {
	for name := range server.AccountRecords {
		o.reevaluateChannelForAccount(server, ch, name)
	}
}

// reevaluateChannelForAccount recomputes one account's read/manage-threads
// membership on ch and drives the handoff/spawn transitions spec.md §4.6
// r.7 describes.
func (o *Orchestrator) reevaluateChannelForAccount(server *model.Server, ch *model.Channel, accountName string) {
	rec, ok := server.AccountRecords[accountName]
	if !ok {
		return
	}
	rt := o.accounts[accountName]
	if rt == nil {
		return
	}
	_, hadRead := ch.AccountsWithRead[accountName]
	_, hadManage := ch.AccountsWithManageThreads[accountName]

	perms := permissions.ComputeChannelPermissions(rt.accountUserID(), rec.RoleIDs, o.everyoneRole[server.ID], ch, rec.GuildPerms)
	hasRead := permissions.HasReadHistory(perms)
	hasManage := permissions.HasManageThreads(perms)
	o.cache.SetAccountAccess(ch, accountName, hasRead, hasManage)

	if hadRead && !hasRead {
		o.handleReadLost(rt, ch)
	}
	if hadManage && !hasManage {
		o.handleManageThreadsLost(rt, ch)
	}
	if !hadRead && hasRead && o.allReady {
		o.spawnChannelTrio(ch)
	}
	if !hadManage && hasManage && o.allReady && hasRead {
		o.spawnPrivateThreadEnumerationIfAbsent(ch)
	}
}

// handleReadLost aborts rt's message sync on ch and every private-thread
// message sync under it, then hands off to another reader if one remains.
func (o *Orchestrator) handleReadLost(rt *accountRuntime, ch *model.Channel) {
	if op, ok := rt.account.Lookup(model.RegistryMessageSyncs, ch.ID); ok {
		op.Abort()
		rt.account.Unregister(model.RegistryMessageSyncs, ch.ID)
	}
	for id, op := range rt.account.PrivateThreadMessageSyncs {
		if op.ParentID == ch.ID {
			op.Abort()
			rt.account.Unregister(model.RegistryPrivateThreadMessageSyncs, id)
		}
	}
	logging.Info("orchestrator: account lost read, handing off", zap.String("account", rt.account.Name), zap.Uint64("channel_id", ch.ID))
	if remaining := o.accountsWithRead(ch); len(remaining) > 0 {
		o.spawnMessageSync(selectByREST(remaining), ch.ID, ch.ID, false)
	}
}

func (o *Orchestrator) handleManageThreadsLost(rt *accountRuntime, ch *model.Channel) {
	if op, ok := rt.account.Lookup(model.RegistryPrivateArchivedThreadSyncs, ch.ID); ok {
		op.Abort()
		rt.account.Unregister(model.RegistryPrivateArchivedThreadSyncs, ch.ID)
	}
	for id, op := range rt.account.PrivateThreadMessageSyncs {
		if op.ParentID == ch.ID {
			op.Abort()
			rt.account.Unregister(model.RegistryPrivateThreadMessageSyncs, id)
		}
	}
	if remaining := o.accountsWithManageThreads(ch); len(remaining) > 0 {
		o.spawnThreadEnumeration(selectByREST(remaining), ch, true)
	}
}

// handleSessionLost is the gateway's OnSessionLost callback. It runs on
// the gateway's own goroutine, so it only hands the account name to the
// decision loop rather than touching the cache directly (spec.md §5: "the
// cache is mutated only from the main loop").
func (o *Orchestrator) handleSessionLost(accountName string) {
	select {
	case o.sessionLostCh <- accountName:
	case <-o.abortCh:
	}
}

// processSessionLost implements spec.md §4.6 r.9: any in-flight gateway
// member request from this account is considered lost. It decrements the
// counter, clears the server's member_user_ids, and leaves resync to be
// triggered again once the account re-identifies and sees the server's
// next bootstrap dispatch.
func (o *Orchestrator) processSessionLost(accountName string) {
	rt := o.accounts[accountName]
	if rt == nil {
		return
	}
	if rt.pendingMemberServer != 0 {
		rt.account.DecGatewayOps()
		serverID := rt.pendingMemberServer
		rt.pendingMemberServer = 0
		if server, ok := o.cache.Server(serverID); ok {
			server.MemberUserIDs = nil
		}
	}
}
