// Message backfill loop, spec.md §4.6 r.4. State machine: start →
// check-stored-max → page-loop[page → insert-batch → (done if short | done
// if overlap | continue)] → complete | aborted.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"archivesync/internal/dbwriter"
	"archivesync/internal/errs"
	"archivesync/internal/logging"
	"archivesync/internal/model"
	"archivesync/internal/restclient"

	"go.uber.org/zap"
)

const backfillPageLimit = 100

// hangCeiling bounds spec.md §9's deliberate 403/404 hang: if no
// permission-change path aborts the operation within this window, it is
// logged and aborted itself rather than leaking forever.
const hangCeiling = 30 * time.Minute

// spawnMessageSync registers and starts one backfill operation for
// (channelOrThreadID under parentID) on rt, unless one is already
// registered for id on any account — spec.md §8's at-most-one-backfill-per-(parent,id)
// invariant. isPrivateThread selects which registry governs the
// operation, so the handoff/abort path in permissions.go can find it.
func (o *Orchestrator) spawnMessageSync(rt *accountRuntime, id, parentID model.ChannelID, isPrivateThread bool) {
	if rt == nil || o.opts.NoSync {
		return
	}
	kind := model.RegistryMessageSyncs
	if isPrivateThread {
		kind = model.RegistryPrivateThreadMessageSyncs
	}
	for _, other := range o.accounts {
		if _, exists := other.account.Lookup(kind, id); exists {
			return
		}
	}

	ctx, cancel := context.WithCancel(o.ctx)
	op := &model.SyncOperation{
		ID: o.newOpID(), ChannelID: id, ParentID: parentID,
		Cancel: cancel, Done: make(chan struct{}),
	}
	rt.account.Register(kind, op)
	rt.account.IncRESTOps()

	o.shutdownWG.Add(1)
	go func() {
		defer o.shutdownWG.Done()
		defer close(op.Done)
		defer rt.account.DecRESTOps()
		defer rt.account.Unregister(kind, id)
		defer func() {
			if r := recover(); r != nil {
				logging.Error("orchestrator: message backfill panicked", zap.Error(errs.ErrPanic(r)))
			}
		}()
		o.runMessageBackfill(ctx, rt, id)
	}()
}

// runMessageBackfill is the per-operation goroutine body. It talks to the
// REST client and the db writer directly; the only state it shares with
// the decision loop is what it reads once at entry (rt, id) and its own
// ctx, matching spec.md §5's "suspension points only" concurrency model —
// each operation is its own state machine, coordination happens through
// the database's equality check, not shared memory.
func (o *Orchestrator) runMessageBackfill(ctx context.Context, rt *accountRuntime, channelID model.ChannelID) {
	cursor, lastKnown, err := o.loadBackfillCursor(ctx, channelID)
	if err != nil {
		if !isAbort(err) {
			logging.Warn("orchestrator: backfill cursor lookup failed", zap.Uint64("channel_id", channelID), zap.Error(err))
		}
		return
	}
	if lastKnown != 0 && cursor >= lastKnown {
		return
	}

	for {
		page, err := o.fetchMessagePage(ctx, rt, channelID, cursor)
		if err != nil {
			if isAbort(err) {
				return
			}
			if errs.IsKind(err, errs.KindAuthExpired) {
				o.requestAccountRemoval(rt.account.Name)
				return
			}
			if errs.IsKind(err, errs.KindAccessDenied) {
				o.hangUntilAborted(ctx)
				return
			}
			logging.Warn("orchestrator: backfill page fetch failed", zap.Uint64("channel_id", channelID), zap.Error(err))
			return
		}
		if len(page) == 0 {
			return
		}

		overlapped, maxID, err := o.insertMessagePage(ctx, rt, page)
		if err != nil {
			if isAbort(err) {
				return
			}
			logging.Warn("orchestrator: backfill insert failed", zap.Uint64("channel_id", channelID), zap.Error(err))
			return
		}
		if overlapped {
			return
		}
		cursor = maxID
		if len(page) < backfillPageLimit {
			return
		}
	}
}

// hangUntilAborted implements spec.md §7's deliberate "hang on 403/404":
// the operation suspends until a permission-change path aborts it, or
// until hangCeiling elapses with no such abort arriving (spec.md §9: "a
// known limitation... should be modeled as a supervised task with a
// timeout ceiling chosen by the implementer").
func (o *Orchestrator) hangUntilAborted(ctx context.Context) {
	timer := time.NewTimer(hangCeiling)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		logging.Warn("orchestrator: hang ceiling reached, aborting operation", zap.Duration("ceiling", hangCeiling))
	}
}

func (o *Orchestrator) loadBackfillCursor(ctx context.Context, channelID model.ChannelID) (cursor, lastKnown model.MessageID, err error) {
	max, err := o.maxStoredMessageID(ctx, channelID)
	if err != nil {
		return 0, 0, err
	}
	ch, _, ok := o.cache.ChannelByID(channelID)
	if ok && ch.SyncInfo != nil {
		lastKnown = ch.SyncInfo.LastMessageID
	}
	return max, lastKnown, nil
}

// maxStoredMessageID queries the highest stored message id for a channel,
// via the db writer's single-writer Do handle rather than a bespoke
// "SELECT max(...)" helper method, since this is the only caller.
func (o *Orchestrator) maxStoredMessageID(ctx context.Context, channelID model.ChannelID) (model.MessageID, error) {
	if o.db == nil {
		return 0, nil
	}
	result, err := o.db.Do(ctx, func(ctx context.Context, q dbwriter.Queryer) (any, error) {
		row := q.QueryRow(ctx, `SELECT COALESCE(max(id), 0) FROM latest_messages WHERE channel_id = $1`, int64(channelID))
		var max int64
		if err := row.Scan(&max); err != nil {
			return nil, err
		}
		return max, nil
	})
	if err != nil {
		return 0, err
	}
	return model.MessageID(result.(int64)), nil
}

type wireMessage struct {
	ID              uint64           `json:"id"`
	ChannelID       uint64           `json:"channel_id"`
	AuthorID        uint64           `json:"author_id"`
	Content         string           `json:"content"`
	EditedTimestamp *int64           `json:"edited_timestamp"`
	Flags           int              `json:"flags"`
	WebhookID       *uint64          `json:"webhook_id"`
	AuthorName      string           `json:"author_name"`
	AuthorAvatar    string           `json:"author_avatar"`
	Attachments     []attachmentWire `json:"attachments"`
	Reactions       []struct {
		EmojiID   *uint64 `json:"emoji_id"`
		EmojiName string  `json:"emoji_name"`
		Count     int     `json:"count"`
	} `json:"reactions"`
}

// fetchMessagePage issues one paginated messages?after=cursor&limit=100
// request and returns the page in the order the response lists it; the
// page is not re-sorted here.
func (o *Orchestrator) fetchMessagePage(ctx context.Context, rt *accountRuntime, channelID model.ChannelID, cursor model.MessageID) ([]wireMessage, error) {
	path := fmt.Sprintf("/channels/%d/messages", channelID)
	result, err := rt.rest.Do(ctx, restclient.Request{
		Method: "GET",
		Path:   fmt.Sprintf("%s?after=%d&limit=%d", path, cursor, backfillPageLimit),
	})
	if err != nil {
		return nil, err
	}
	var page []wireMessage
	if err := json.Unmarshal(result.Body, &page); err != nil {
		return nil, errs.ErrDecodeError.WrapMsg(err.Error())
	}
	return page, nil
}

// resolvedMessage is a wireMessage with its author id and (if
// reaction-bearing) reacting-user lists already resolved via REST/db
// calls outside any transaction, so the transaction that finally inserts
// it touches only the database.
type resolvedMessage struct {
	msg        wireMessage
	authorID   uint64
	reactions  []resolvedReaction
}

type resolvedReaction struct {
	emojiID int64
	userIDs []uint64
}

// resolveMessage resolves webhook authorship and, for reaction-bearing
// messages, every reacting user via its own paginated loop (spec.md §4.6
// r.4). Every call here is either a REST request or a standalone
// Writer.Do call — never issued from inside a transaction.
func (o *Orchestrator) resolveMessage(ctx context.Context, rt *accountRuntime, m wireMessage) (resolvedMessage, error) {
	rm := resolvedMessage{msg: m, authorID: m.AuthorID}
	if m.WebhookID != nil {
		id, err := o.db.ResolveWebhookAuthor(ctx, int64(*m.WebhookID), m.AuthorName, m.AuthorAvatar)
		if err != nil {
			return rm, err
		}
		rm.authorID = uint64(id)
	}
	if o.opts.NoReactions {
		return rm, nil
	}
	for _, r := range m.Reactions {
		emojiID, err := o.db.ResolveEmoji(ctx, uint64PtrToInt64Ptr(r.EmojiID), r.EmojiName)
		if err != nil {
			return rm, err
		}
		users, err := o.fetchAllReactingUsers(ctx, rt, m.ChannelID, m.ID, r.EmojiID, r.EmojiName)
		if err != nil {
			return rm, err
		}
		rm.reactions = append(rm.reactions, resolvedReaction{emojiID: emojiID, userIDs: users})
	}
	return rm, nil
}

func (o *Orchestrator) fetchAllReactingUsers(ctx context.Context, rt *accountRuntime, channelID, messageID uint64, emojiID *uint64, emojiName string) ([]uint64, error) {
	var out []uint64
	after := uint64(0)
	for {
		users, err := o.fetchReactingUsers(ctx, rt, channelID, messageID, emojiID, emojiName, after)
		if err != nil {
			return nil, err
		}
		if len(users) == 0 {
			break
		}
		out = append(out, users...)
		for _, u := range users {
			if u > after {
				after = u
			}
		}
		if len(users) < backfillPageLimit {
			break
		}
	}
	return out, nil
}

func (o *Orchestrator) fetchReactingUsers(ctx context.Context, rt *accountRuntime, channelID, messageID uint64, emojiID *uint64, emojiName string, after uint64) ([]uint64, error) {
	emoji := emojiName
	if emojiID != nil {
		emoji = fmt.Sprintf("%s:%d", emojiName, *emojiID)
	}
	path := fmt.Sprintf("/channels/%d/messages/%d/reactions/%s?after=%d&limit=%d", channelID, messageID, emoji, after, backfillPageLimit)
	result, err := rt.rest.Do(ctx, restclient.Request{Method: "GET", Path: path})
	if err != nil {
		return nil, err
	}
	var users []struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal(result.Body, &users); err != nil {
		return nil, errs.ErrDecodeError.WrapMsg(err.Error())
	}
	out := make([]uint64, len(users))
	for i, u := range users {
		out[i] = u.ID
	}
	return out, nil
}

// insertMessagePage implements the oldest-to-newest-insert-within-page
// rule and the transaction batching rule (spec.md §4.6 r.4): group
// reactionless messages into one transaction; for a message with
// reactions, flush the pending batch, insert that message plus its
// initial reactions in its own transaction, then resume batching.
func (o *Orchestrator) insertMessagePage(ctx context.Context, rt *accountRuntime, page []wireMessage) (overlapped bool, maxID model.MessageID, err error) {
	if o.db == nil {
		return false, 0, nil
	}

	batch := make([]resolvedMessage, 0, len(page))
	flush := func() (bool, error) {
		if len(batch) == 0 {
			return false, nil
		}
		overlapped := false
		txErr := o.db.Transaction(ctx, func(ctx context.Context, q dbwriter.Queryer) error {
			for _, rm := range batch {
				outcome, err := insertResolvedMessageTx(ctx, q, rm)
				if err != nil {
					return err
				}
				if outcome != dbwriter.OutcomeFirstSnapshot {
					overlapped = true
					return nil
				}
			}
			return nil
		})
		batch = batch[:0]
		return overlapped, txErr
	}

	for i := len(page) - 1; i >= 0; i-- { // resolve+insert oldest-to-newest
		m := page[i]
		if m.ID > uint64(maxID) {
			maxID = model.MessageID(m.ID)
		}

		rm, err := o.resolveMessage(ctx, rt, m)
		if err != nil {
			return false, maxID, err
		}

		if len(rm.reactions) == 0 {
			batch = append(batch, rm)
			continue
		}

		if overlapped, err := flush(); err != nil {
			return false, maxID, err
		} else if overlapped {
			return true, maxID, nil
		}
		var outcome dbwriter.Outcome
		txErr := o.db.Transaction(ctx, func(ctx context.Context, q dbwriter.Queryer) error {
			var err error
			outcome, err = insertResolvedMessageTx(ctx, q, rm)
			return err
		})
		if txErr != nil {
			return false, maxID, txErr
		}
		if outcome != dbwriter.OutcomeFirstSnapshot {
			return true, maxID, nil
		}
	}

	if overlapped, err := flush(); err != nil {
		return false, maxID, err
	} else if overlapped {
		return true, maxID, nil
	}
	return false, maxID, nil
}

// insertResolvedMessageTx writes one message's snapshot plus its
// attachments and initial reactions, all through the caller's
// transaction — pure Queryer calls, no REST, no nested Writer.Do.
func insertResolvedMessageTx(ctx context.Context, q dbwriter.Queryer, rm resolvedMessage) (dbwriter.Outcome, error) {
	m := rm.msg
	timing := model.Now(false)
	fields := map[string]any{
		"channel_id": int64(m.ChannelID),
		"author_id":  int64(rm.authorID),
		"content":    m.Content,
		"edited_at":  editedAtColumn(m.EditedTimestamp),
		"flags":      int16(m.Flags),
	}
	outcome, err := dbwriter.AddSnapshotTx(ctx, q, dbwriter.KindMessage, []any{int64(m.ID)}, timing.Encode(), fields, false)
	if err != nil {
		return 0, err
	}
	for _, a := range m.Attachments {
		if err := dbwriter.AddAttachmentTx(ctx, q, int64(a.ID), int64(m.ID), a.URL, a.ContentType, a.ImageHash, timing.Encode()); err != nil {
			return outcome, err
		}
	}
	if outcome != dbwriter.OutcomeFirstSnapshot {
		return outcome, nil
	}
	for _, r := range rm.reactions {
		for _, u := range r.userIDs {
			if err := dbwriter.AddInitialReactionTx(ctx, q, int64(m.ID), int64(u), r.emojiID); err != nil {
				return outcome, err
			}
		}
	}
	return outcome, nil
}
