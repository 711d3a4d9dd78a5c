// Package model holds the runtime data model from spec.md §3 — the minimum
// the orchestrator needs to route work and compute permissions. It is
// deliberately distinct from the persisted schema (internal/dbwriter owns
// that): these types live only in memory.
package model

import "time"

type (
	ServerID  = uint64
	ChannelID = uint64
	RoleID    = uint64
	UserID    = uint64
	MessageID = uint64
	ThreadID  = uint64
)

// PrincipalID is a role id or a member id that can appear in a channel
// overwrite (spec.md GLOSSARY: "Principal").
type PrincipalID = uint64

// Permission is the platform's 64-bit permission bitfield.
type Permission uint64

const (
	PermViewChannel       Permission = 1 << 10
	PermReadMessageHistory Permission = 1 << 16
	PermManageThreads     Permission = 1 << 34
	PermAdministrator     Permission = 1 << 3
)

// AllPermissions is the all-ones bitfield returned for administrators and
// server owners.
const AllPermissions Permission = ^Permission(0)

// ChannelKind enumerates the text-like channel kinds in scope (spec.md §3:
// "text-like channels only").
type ChannelKind int

const (
	ChannelKindText ChannelKind = iota
	ChannelKindVoiceText
	ChannelKindForum
	ChannelKindAnnouncement
)

// Timing is the (millisecond timestamp, realtime-flag) pair from spec.md
// GLOSSARY, with the (millis<<1)|realtime_flag wire encoding from §6.
type Timing struct {
	Millis   int64
	Realtime bool
}

func Now(realtime bool) Timing {
	return Timing{Millis: time.Now().UnixMilli(), Realtime: realtime}
}

func (t Timing) Encode() int64 {
	v := t.Millis << 1
	if t.Realtime {
		v |= 1
	}
	return v
}

func DecodeTiming(encoded int64) Timing {
	return Timing{Millis: encoded >> 1, Realtime: encoded&1 == 1}
}

func (t Timing) After(other Timing) bool { return t.Millis > other.Millis }
func (t Timing) Equal(other Timing) bool { return t.Millis == other.Millis && t.Realtime == other.Realtime }

// Overwrite is a per-principal (allow, deny) permission pair attached to a
// channel.
type Overwrite struct {
	PrincipalID PrincipalID
	IsRole      bool
	Allow       Permission
	Deny        Permission
}

// AccountServerRecord is the per-account record on a Server (spec.md §3).
type AccountServerRecord struct {
	RoleIDs    map[RoleID]struct{}
	GuildPerms Permission
}

// Server is the cached picture of one server (spec.md §3).
type Server struct {
	ID      ServerID
	Name    string
	OwnerID UserID
	Roles   map[RoleID]Permission

	// AccountRecords keyed by account name: role ids held plus derived
	// guild permissions per account.
	AccountRecords map[string]*AccountServerRecord

	Channels map[ChannelID]*Channel

	// MemberUserIDs is nil until the first gateway member enumeration
	// completes for this server (spec.md §3: "null means we have not yet
	// enumerated members").
	MemberUserIDs map[UserID]struct{}

	Unavailable bool
}

// ChannelSyncInfo is the optional bootstrap bookkeeping on a Channel,
// cleared to nil once the initial sync has been scheduled (spec.md §3).
type ChannelSyncInfo struct {
	LastMessageID  MessageID
	CountEstimate  int
	ActiveThreads  []ThreadID
}

// Channel is a text-like channel (spec.md §3).
type Channel struct {
	ID       ChannelID
	Kind     ChannelKind
	ServerID ServerID
	Name     string

	Overwrites map[PrincipalID]Overwrite

	AccountsWithRead         map[string]struct{}
	AccountsWithManageThreads map[string]struct{}

	SyncInfo *ChannelSyncInfo
}

// ThreadSyncInfo mirrors the channel-level bookkeeping for a thread.
type ThreadSyncInfo struct {
	LastMessageID MessageID
	MessageCount  int
}

// Thread is an ephemeral descriptor created when enumerating archived or
// active threads (spec.md §3: "Threads are not cached persistently").
type Thread struct {
	ID        ThreadID
	Name      string
	ParentID  ChannelID
	IsPrivate bool
	SyncInfo  ThreadSyncInfo
}
