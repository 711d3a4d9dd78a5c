package orchestrator

import (
	"archivesync/internal/dbwriter"
	"archivesync/internal/errs"
	"archivesync/internal/gateway"
	"archivesync/internal/logging"
	"archivesync/internal/model"

	"go.uber.org/zap"
)

// dispatchSafely runs handleEvent with a panic guard. It executes on the
// single decision-loop goroutine, so a panic from one malformed dispatch
// must not take the whole loop down with it.
func (o *Orchestrator) dispatchSafely(accountName string, ev gateway.Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("orchestrator: dispatch handling panicked",
				zap.String("account", accountName), zap.String("type", ev.Type), zap.Error(errs.ErrPanic(r)))
		}
	}()
	o.handleEvent(accountName, ev)
}

// handleEvent routes one gateway dispatch to its handler (spec.md §4.6
// r.8: "for every realtime dispatch: write the corresponding snapshot(s)
// to the database with realtime = true timing").
func (o *Orchestrator) handleEvent(accountName string, ev gateway.Event) {
	switch ev.Type {
	case "READY":
		if d, err := decode[readyDispatch](ev.Data); err == nil {
			o.handleReady(accountName, d)
		}
	case "SERVER_CREATE":
		if d, err := decode[serverCreateDispatch](ev.Data); err == nil {
			o.handleServerCreate(accountName, d)
			if o.allReady && !o.opts.NoSync {
				o.onServerBecameAvailable(d.ID)
			}
		}
	case "CHANNEL_CREATE", "CHANNEL_UPDATE":
		if d, err := decode[channelUpdateDispatch](ev.Data); err == nil {
			o.handleChannelUpdate(d.Channel, ev.Live)
		}
	case "ROLE_CREATE", "ROLE_UPDATE":
		if d, err := decode[roleDispatch](ev.Data); err == nil {
			o.handleRoleChange(d.ServerID, d.Role)
		}
	case "ROLE_DELETE":
		if d, err := decode[roleDeleteDispatch](ev.Data); err == nil {
			o.handleRoleDelete(d.ServerID, d.RoleID)
		}
	case "MEMBER_UPDATE":
		if d, err := decode[memberUpdateDispatch](ev.Data); err == nil {
			o.handleMemberUpdate(accountName, d)
		}
	case "MEMBER_REMOVE":
		if d, err := decode[memberRemoveDispatch](ev.Data); err == nil {
			o.handleMemberRemove(d)
		}
	case "MEMBERS_CHUNK":
		if d, err := decode[membersChunkDispatch](ev.Data); err == nil {
			o.handleMembersChunk(accountName, d)
		}
	case "MESSAGE_CREATE":
		if d, err := decode[messageDispatch](ev.Data); err == nil {
			o.handleMessageDispatch(d, ev.Live)
		}
	case "MESSAGE_UPDATE":
		if d, err := decode[messageDispatch](ev.Data); err == nil {
			o.handleMessageUpdate(d, ev.Live)
		}
	case "MESSAGE_DELETE":
		if d, err := decode[messageDeleteDispatch](ev.Data); err == nil {
			o.handleMessageDelete(d)
		}
	case "MESSAGE_REACTION_ADD":
		if d, err := decode[reactionDispatch](ev.Data); err == nil {
			o.handleReactionAdd(d, ev.Live)
		}
	case "MESSAGE_REACTION_REMOVE":
		if d, err := decode[reactionDispatch](ev.Data); err == nil {
			o.handleReactionRemove(d)
		}
	case "THREAD_LIST_SYNC":
		if d, err := decode[threadListSyncDispatch](ev.Data); err == nil {
			o.handleThreadListSync(accountName, d)
		}
	case "SESSION_LOST":
		if d, err := decode[sessionLostDispatch](ev.Data); err == nil {
			_ = d
		}
	default:
		logging.Debug("orchestrator: unhandled dispatch", zap.String("type", ev.Type))
	}
}

// handleMessageUpdate implements spec.md §4.4's MESSAGE_UPDATE special
// case: a dispatch with no edited_timestamp is the platform's
// embed-backfill behavior (link unfurling), not a real edit. It carries no
// column this schema tracks (embeds aren't a monitored column here), so
// there is nothing to mutate in place; one that also touches
// content/flags/attachments contradicts that and is logged and skipped
// rather than written or treated as fatal (spec.md §9 open question).
func (o *Orchestrator) handleMessageUpdate(d messageDispatch, live bool) {
	if d.EditedTimestamp == nil {
		if d.Content != "" || d.Flags != 0 || len(d.Attachments) > 0 {
			logging.Warn("orchestrator: message update without edited_timestamp touched tracked columns, skipping",
				zap.Uint64("message_id", d.ID))
		}
		return
	}
	o.handleMessageDispatch(d, live)
}

func (o *Orchestrator) handleMessageDispatch(d messageDispatch, live bool) {
	if o.db == nil {
		return
	}

	authorID := d.AuthorID
	if d.WebhookID != nil {
		id, err := o.db.ResolveWebhookAuthor(o.ctx, int64(*d.WebhookID), d.AuthorName, d.AuthorAvatar)
		if err != nil {
			logging.Warn("orchestrator: resolve webhook author failed", zap.Error(err))
			return
		}
		authorID = uint64(id)
	}

	timing := model.Now(live)
	fields := map[string]any{
		"channel_id": int64(d.ChannelID),
		"author_id":  int64(authorID),
		"content":    d.Content,
		"edited_at":  editedAtColumn(d.EditedTimestamp),
		"flags":      int16(d.Flags),
	}
	_, err := o.db.AddSnapshot(o.ctx, dbwriter.KindMessage,
		[]any{int64(d.ID)}, timing.Encode(), fields, false)
	if err != nil && !isAbort(err) {
		logging.Warn("orchestrator: message snapshot failed", zap.Uint64("message_id", d.ID), zap.Error(err))
	}

	for _, a := range d.Attachments {
		if err := o.db.AddAttachment(o.ctx, int64(a.ID), int64(d.ID), a.URL, a.ContentType, a.ImageHash, timing.Encode()); err != nil && !isAbort(err) {
			logging.Warn("orchestrator: attachment insert failed", zap.Error(err))
		}
	}
}

func editedAtColumn(ts *int64) int64 {
	if ts == nil {
		return 0
	}
	return *ts
}

func uint64PtrToInt64Ptr(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	out := int64(*v)
	return &out
}

func (o *Orchestrator) handleReactionAdd(d reactionDispatch, live bool) {
	if o.db == nil || o.opts.NoReactions {
		return
	}
	emojiID, err := o.db.ResolveEmoji(o.ctx, uint64PtrToInt64Ptr(d.EmojiID), d.EmojiName)
	if err != nil {
		logging.Warn("orchestrator: resolve emoji failed", zap.Error(err))
		return
	}
	timing := model.Now(live)
	if err := o.db.AddRealtimeReaction(o.ctx, int64(d.MessageID), int64(d.UserID), emojiID, timing.Encode()); err != nil && !isAbort(err) {
		logging.Warn("orchestrator: add reaction failed", zap.Error(err))
	}
}

func (o *Orchestrator) handleReactionRemove(d reactionDispatch) {
	if o.db == nil || o.opts.NoReactions {
		return
	}
	emojiID, err := o.db.ResolveEmoji(o.ctx, uint64PtrToInt64Ptr(d.EmojiID), d.EmojiName)
	if err != nil {
		logging.Warn("orchestrator: resolve emoji failed", zap.Error(err))
		return
	}
	timing := model.Now(true)
	if err := o.db.RemoveReaction(o.ctx, int64(d.MessageID), int64(d.UserID), emojiID, timing.Encode()); err != nil && !isAbort(err) {
		logging.Warn("orchestrator: remove reaction failed", zap.Error(err))
	}
}

// handleThreadListSync covers both the startup enumeration and the
// "user just gained access" case spec.md §4.6 r.8 calls out: for any
// thread not already being synced, spawn a message sync.
func (o *Orchestrator) handleThreadListSync(accountName string, d threadListSyncDispatch) {
	if o.opts.NoSync {
		return
	}
	for _, t := range d.Threads {
		ch, server, ok := o.cache.ChannelByID(t.ParentID)
		if !ok {
			continue
		}
		_ = server
		o.spawnThreadMessageSyncIfAbsent(ch, t.ID, t.IsPrivate)
	}
	_ = accountName
}

func (o *Orchestrator) handleMemberUpdate(accountName string, d memberUpdateDispatch) {
	rt := o.accounts[accountName]
	if rt == nil || rt.userID != d.UserID {
		return // only our own member object changes our permissions
	}
	server, ok := o.cache.Server(d.ServerID)
	if !ok {
		return
	}
	roleSet := make(map[model.RoleID]struct{}, len(d.RoleIDs))
	for _, r := range d.RoleIDs {
		roleSet[r] = struct{}{}
	}
	rec := server.AccountRecords[accountName]
	if rec == nil {
		return
	}
	o.recomputeAccountPermissions(server, rec, accountName, roleSet)
}

func (o *Orchestrator) handleMembersChunk(accountName string, d membersChunkDispatch) {
	server, ok := o.cache.Server(d.ServerID)
	if !ok {
		return
	}
	if server.MemberUserIDs == nil {
		server.MemberUserIDs = make(map[model.UserID]struct{})
	}
	for _, id := range d.UserIDs {
		server.MemberUserIDs[id] = struct{}{}
	}
	if rt := o.accounts[accountName]; rt != nil && d.ChunkIdx == d.ChunkCnt-1 {
		rt.account.DecGatewayOps()
		rt.pendingMemberServer = 0
		o.writeMembershipSet(server)
	}
}

// writeMembershipSet persists the full member id set accumulated across
// every MEMBERS_CHUNK for server (spec.md §4.4's "sync membership set"
// point mutation, end-to-end scenario 6's expected final row).
func (o *Orchestrator) writeMembershipSet(server *model.Server) {
	if o.db == nil {
		return
	}
	ids := make([]int64, 0, len(server.MemberUserIDs))
	for id := range server.MemberUserIDs {
		ids = append(ids, int64(id))
	}
	timing := model.Now(false)
	if err := o.db.SyncMembershipSet(o.ctx, int64(server.ID), ids, timing.Encode()); err != nil && !isAbort(err) {
		logging.Warn("orchestrator: sync membership set failed", zap.Uint64("server_id", server.ID), zap.Error(err))
	}
}

// handleMemberRemove implements spec.md §4.4's distinguished "leave" add:
// a snapshot with every membership field null, so a later rejoin is
// representable as an ordinary change back to non-null values.
func (o *Orchestrator) handleMemberRemove(d memberRemoveDispatch) {
	if o.db == nil {
		return
	}
	server, ok := o.cache.Server(d.ServerID)
	if ok && server.MemberUserIDs != nil {
		delete(server.MemberUserIDs, d.UserID)
	}
	timing := model.Now(true)
	fields := map[string]any{
		"nickname":  nil,
		"role_ids":  nil,
		"joined_at": nil,
	}
	_, err := o.db.AddSnapshot(o.ctx, dbwriter.KindMember,
		[]any{int64(d.ServerID), int64(d.UserID)}, timing.Encode(), fields, false)
	if err != nil && !isAbort(err) {
		logging.Warn("orchestrator: member leave snapshot failed", zap.Uint64("server_id", d.ServerID), zap.Uint64("user_id", d.UserID), zap.Error(err))
	}
}

// handleMessageDelete implements spec.md §4.4's "mark deleted" point
// mutation: the message's latest row gets a deleted_at marker, the
// writer never removes or overwrites the row itself.
func (o *Orchestrator) handleMessageDelete(d messageDeleteDispatch) {
	if o.db == nil {
		return
	}
	timing := model.Now(true)
	if err := o.db.MarkDeleted(o.ctx, dbwriter.KindMessage, []any{int64(d.ID)}, timing.Millis); err != nil && !isAbort(err) {
		logging.Warn("orchestrator: mark message deleted failed", zap.Uint64("message_id", d.ID), zap.Error(err))
	}
}
