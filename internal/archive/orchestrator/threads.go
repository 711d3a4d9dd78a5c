// Thread enumeration loop, spec.md §4.6 r.5.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"archivesync/internal/dbwriter"
	"archivesync/internal/errs"
	"archivesync/internal/logging"
	"archivesync/internal/model"
	"archivesync/internal/restclient"

	"go.uber.org/zap"
)

type wireThread struct {
	ID        uint64 `json:"id"`
	ParentID  uint64 `json:"parent_id"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
}

type archivedThreadsPage struct {
	Threads []wireThread `json:"threads"`
	HasMore bool         `json:"has_more"`
}

// spawnThreadEnumeration starts one archived-thread enumeration for ch,
// public or private, unless one is already registered on rt.
func (o *Orchestrator) spawnThreadEnumeration(rt *accountRuntime, ch *model.Channel, private bool) {
	if rt == nil || o.opts.NoSync {
		return
	}
	kind := model.RegistryPublicArchivedThreadSyncs
	if private {
		kind = model.RegistryPrivateArchivedThreadSyncs
	}
	if _, exists := rt.account.Lookup(kind, ch.ID); exists {
		return
	}

	ctx, cancel := context.WithCancel(o.ctx)
	op := &model.SyncOperation{ID: o.newOpID(), ChannelID: ch.ID, ParentID: ch.ID, Cancel: cancel, Done: make(chan struct{})}
	rt.account.Register(kind, op)
	rt.account.IncRESTOps()

	o.shutdownWG.Add(1)
	go func() {
		defer o.shutdownWG.Done()
		defer close(op.Done)
		defer rt.account.DecRESTOps()
		defer rt.account.Unregister(kind, ch.ID)
		defer func() {
			if r := recover(); r != nil {
				logging.Error("orchestrator: thread enumeration panicked", zap.Error(errs.ErrPanic(r)))
			}
		}()
		o.runThreadEnumeration(ctx, rt, ch, private)
	}()
}

func (o *Orchestrator) runThreadEnumeration(ctx context.Context, rt *accountRuntime, ch *model.Channel, private bool) {
	visibility := "public"
	if private {
		visibility = "private"
	}
	var before uint64
	for {
		page, err := o.fetchArchivedThreadsPage(ctx, rt, ch.ID, visibility, before)
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
			logging.Warn("orchestrator: thread enumeration failed", zap.Uint64("channel_id", ch.ID), zap.Error(err))
			return
		}
		if len(page.Threads) == 0 {
			return
		}

		oldest := page.Threads[0].ID
		for _, t := range page.Threads {
			if t.ID < oldest {
				oldest = t.ID
			}
			o.writeThreadSnapshot(ctx, ch, t)
			o.spawnThreadMessageSyncIfAbsent(ch, t.ID, t.IsPrivate)
		}
		before = oldest

		if !page.HasMore {
			return
		}
	}
}

func (o *Orchestrator) fetchArchivedThreadsPage(ctx context.Context, rt *accountRuntime, channelID model.ChannelID, visibility string, before uint64) (archivedThreadsPage, error) {
	path := fmt.Sprintf("/channels/%d/threads/archived/%s?before=%d&limit=%d", channelID, visibility, before, backfillPageLimit)
	result, err := rt.rest.Do(ctx, restclient.Request{Method: "GET", Path: path})
	if err != nil {
		return archivedThreadsPage{}, err
	}
	var page archivedThreadsPage
	if err := json.Unmarshal(result.Body, &page); err != nil {
		return archivedThreadsPage{}, errs.ErrDecodeError.WrapMsg(err.Error())
	}
	return page, nil
}

func (o *Orchestrator) writeThreadSnapshot(ctx context.Context, parent *model.Channel, t wireThread) {
	if o.db == nil {
		return
	}
	timing := model.Now(false)
	kind := model.ChannelKindText
	_, err := o.db.AddSnapshot(ctx, dbwriter.KindChannel, []any{int64(t.ID)}, timing.Encode(),
		map[string]any{"server_id": int64(parent.ServerID), "kind": int16(kind), "name": t.Name}, false)
	if err != nil && !isAbort(err) {
		logging.Warn("orchestrator: thread snapshot failed", zap.Uint64("thread_id", t.ID), zap.Error(err))
	}
}

// spawnThreadMessageSyncIfAbsent picks the least-REST-occupied account in
// the appropriate permission set for a thread under parent and spawns its
// message sync, unless one is already registered anywhere.
func (o *Orchestrator) spawnThreadMessageSyncIfAbsent(parent *model.Channel, threadID model.ChannelID, isPrivate bool) {
	for _, rt := range o.accounts {
		kind := model.RegistryMessageSyncs
		if isPrivate {
			kind = model.RegistryPrivateThreadMessageSyncs
		}
		if _, exists := rt.account.Lookup(kind, threadID); exists {
			return
		}
	}

	var candidates []*accountRuntime
	if isPrivate {
		candidates = o.accountsWithManageThreads(parent)
	} else {
		candidates = o.accountsWithRead(parent)
	}
	rt := selectByREST(candidates)
	if rt == nil {
		return
	}
	o.spawnMessageSync(rt, threadID, parent.ID, isPrivate)
}

func (o *Orchestrator) spawnPrivateThreadEnumerationIfAbsent(ch *model.Channel) {
	managers := o.accountsWithManageThreads(ch)
	rt := selectByREST(managers)
	if rt == nil {
		return
	}
	o.spawnThreadEnumeration(rt, ch, true)
}
