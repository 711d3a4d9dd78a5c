package model

import (
	"context"
	"sync"
)

// SyncOperation is a (channel-or-thread, abort handle) pair (spec.md §3).
// It belongs to exactly one account at a time and exactly one registry on
// that account.
type SyncOperation struct {
	ID        int64
	ChannelID ChannelID // the channel or thread this operation syncs
	ParentID  ChannelID // the parent channel, for thread message syncs
	Cancel    context.CancelFunc
	Done      chan struct{}
}

func (op *SyncOperation) Abort() {
	if op == nil {
		return
	}
	op.Cancel()
}

// GatewayHandle is the subset of internal/gateway.Connection the model
// package needs to reference without importing it (avoids an import
// cycle between model and gateway, which itself depends on model).
type GatewayHandle interface {
	Destroy()
}

// Account is one authenticated credential connected to the platform
// (spec.md §3).
type Account struct {
	Name        string
	Credential  string // token including its kind prefix, spec.md §6
	Gateway     GatewayHandle
	RESTOptions any

	mu sync.Mutex

	restOps    int
	gatewayOps int

	MessageSyncs                     map[ChannelID]*SyncOperation
	PrivateThreadMessageSyncs        map[ChannelID]*SyncOperation
	PublicArchivedThreadSyncs        map[ChannelID]*SyncOperation
	PrivateArchivedThreadSyncs       map[ChannelID]*SyncOperation
	JoinedPrivateArchivedThreadSyncs map[ChannelID]*SyncOperation

	// Ready is set once this account has seen a server-create dispatch for
	// every server its READY event listed as unavailable (spec.md §4.6 r.1).
	Ready bool
}

func NewAccount(name, credential string) *Account {
	return &Account{
		Name:                             name,
		Credential:                       credential,
		MessageSyncs:                     make(map[ChannelID]*SyncOperation),
		PrivateThreadMessageSyncs:        make(map[ChannelID]*SyncOperation),
		PublicArchivedThreadSyncs:        make(map[ChannelID]*SyncOperation),
		PrivateArchivedThreadSyncs:       make(map[ChannelID]*SyncOperation),
		JoinedPrivateArchivedThreadSyncs: make(map[ChannelID]*SyncOperation),
	}
}

func (a *Account) IncRESTOps() {
	a.mu.Lock()
	a.restOps++
	a.mu.Unlock()
}

func (a *Account) DecRESTOps() {
	a.mu.Lock()
	a.restOps--
	a.mu.Unlock()
}

func (a *Account) RESTOps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restOps
}

func (a *Account) IncGatewayOps() {
	a.mu.Lock()
	a.gatewayOps++
	a.mu.Unlock()
}

func (a *Account) DecGatewayOps() {
	a.mu.Lock()
	a.gatewayOps--
	a.mu.Unlock()
}

func (a *Account) GatewayOps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gatewayOps
}

// RegistryKind selects one of the five per-account registries of ongoing
// work, so the orchestrator can register/unregister operations
// generically. Each registry is keyed by the operation's ChannelID (the
// channel or thread being synced); the parent channel is in ParentID.
type RegistryKind int

const (
	RegistryMessageSyncs RegistryKind = iota
	RegistryPrivateThreadMessageSyncs
	RegistryPublicArchivedThreadSyncs
	RegistryPrivateArchivedThreadSyncs
	RegistryJoinedPrivateArchivedThreadSyncs
)

func (a *Account) registry(kind RegistryKind) map[ChannelID]*SyncOperation {
	switch kind {
	case RegistryMessageSyncs:
		return a.MessageSyncs
	case RegistryPrivateThreadMessageSyncs:
		return a.PrivateThreadMessageSyncs
	case RegistryPublicArchivedThreadSyncs:
		return a.PublicArchivedThreadSyncs
	case RegistryPrivateArchivedThreadSyncs:
		return a.PrivateArchivedThreadSyncs
	case RegistryJoinedPrivateArchivedThreadSyncs:
		return a.JoinedPrivateArchivedThreadSyncs
	default:
		return nil
	}
}

// Register adds op to the given registry. Callers hold no lock on a; the
// registries are plain maps mutated only from the single orchestrator
// goroutine (spec.md §5: "the cache is mutated only from the main loop").
func (a *Account) Register(kind RegistryKind, op *SyncOperation) {
	a.registry(kind)[op.ChannelID] = op
}

func (a *Account) Unregister(kind RegistryKind, channelID ChannelID) {
	delete(a.registry(kind), channelID)
}

func (a *Account) Lookup(kind RegistryKind, channelID ChannelID) (*SyncOperation, bool) {
	op, ok := a.registry(kind)[channelID]
	return op, ok
}

// AbortAll cancels every operation registered on this account across all
// five registries, and clears them (spec.md §3: "disconnecting an account
// must abort exactly the operations in those registries").
func (a *Account) AbortAll() {
	for _, kind := range []RegistryKind{
		RegistryMessageSyncs,
		RegistryPrivateThreadMessageSyncs,
		RegistryPublicArchivedThreadSyncs,
		RegistryPrivateArchivedThreadSyncs,
		RegistryJoinedPrivateArchivedThreadSyncs,
	} {
		reg := a.registry(kind)
		for id, op := range reg {
			op.Abort()
			delete(reg, id)
		}
	}
}
