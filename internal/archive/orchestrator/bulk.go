// Initial bulk sync pass, spec.md §4.6 r.3, and the permission-gain spawn
// path r.7 reuses via spawnChannelTrio.
package orchestrator

import (
	"archivesync/internal/logging"
	"archivesync/internal/model"

	"go.uber.org/zap"
)

// runBulkPass fires once, right after allReady flips (spec.md §4.6 r.2).
func (o *Orchestrator) runBulkPass() {
	for _, server := range o.cache.Servers() {
		if !o.inGuildFilter(server.ID) || server.Unavailable {
			continue
		}
		o.spawnMemberRequest(server)
		for _, ch := range server.Channels {
			o.spawnChannelTrio(ch)
		}
	}
}

// onServerBecameAvailable handles a server-create arriving after
// all_ready — e.g. an account newly joining a server mid-run.
func (o *Orchestrator) onServerBecameAvailable(serverID model.ServerID) {
	server, ok := o.cache.Server(serverID)
	if !ok || !o.inGuildFilter(serverID) || server.Unavailable {
		return
	}
	o.spawnMemberRequest(server)
	for _, ch := range server.Channels {
		o.spawnChannelTrio(ch)
	}
}

// spawnMemberRequest issues one gateway member enumeration for server,
// choosing the account with the smallest gateway operation count
// (spec.md §4.6 r.3). A server already mid-enumeration (non-nil
// MemberUserIDs, or a pending request) is skipped.
func (o *Orchestrator) spawnMemberRequest(server *model.Server) {
	if server.MemberUserIDs != nil {
		return
	}
	candidates := make([]*accountRuntime, 0, len(o.accounts))
	for _, rt := range o.accounts {
		if rt.pendingMemberServer == server.ID {
			return
		}
		if rt.pendingMemberServer == 0 {
			candidates = append(candidates, rt)
		}
	}
	rt := selectByGateway(candidates)
	if rt == nil {
		return
	}
	rt.pendingMemberServer = server.ID
	rt.account.IncGatewayOps()
	logging.Info("orchestrator: requesting members", zap.String("account", rt.account.Name), zap.Uint64("server_id", server.ID))
	rt.gw.RequestMembers(server.ID)
}

// spawnChannelTrio spawns the three bootstrap operations for one channel
// (spec.md §4.6 r.3): public thread enumeration, message sync for every
// active thread known at startup, and message sync for the channel
// itself — plus private thread enumeration if any account with read also
// has manage-threads.
func (o *Orchestrator) spawnChannelTrio(ch *model.Channel) {
	if o.opts.NoSync || !isTextLike(ch.Kind) {
		return
	}
	readers := o.accountsWithRead(ch)
	if len(readers) == 0 {
		return
	}

	o.spawnThreadEnumeration(selectByREST(readers), ch, false)

	if ch.SyncInfo != nil {
		for _, threadID := range ch.SyncInfo.ActiveThreads {
			o.spawnThreadMessageSyncIfAbsent(ch, threadID, false)
		}
	}

	o.spawnMessageSync(selectByREST(readers), ch.ID, ch.ID, false)

	if managers := o.accountsWithManageThreads(ch); len(managers) > 0 {
		o.spawnThreadEnumeration(selectByREST(managers), ch, true)
	}
}

func isTextLike(kind model.ChannelKind) bool {
	switch kind {
	case model.ChannelKindText, model.ChannelKindVoiceText, model.ChannelKindForum, model.ChannelKindAnnouncement:
		return true
	default:
		return false
	}
}
