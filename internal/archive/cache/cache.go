// Package cache is the in-memory authoritative runtime picture from
// spec.md §4.6: servers, their channels and threads, per-role permission
// bitfields, and per-account derived permission sets per channel. It is
// mutated only from the orchestrator's single goroutine per spec.md §5,
// so the mutex here guards against the rare cross-goroutine read (e.g. a
// debug/stats reporter) rather than concurrent writers — the same
// single-writer-many-reader shape as the teacher's ConnManager.
package cache

import (
	"sync"

	"archivesync/internal/model"
)

type Cache struct {
	mu      sync.RWMutex
	servers map[model.ServerID]*model.Server
}

func New() *Cache {
	return &Cache{servers: make(map[model.ServerID]*model.Server)}
}

// UpsertServer constructs or reuses the cached server for id, applying fn
// to populate/update it (spec.md §4.6 r.1: "construct or reuse the cached
// server"). The server is never removed by the core even if it is later
// reported deleted (spec.md §3).
func (c *Cache) UpsertServer(id model.ServerID, fn func(*model.Server)) *model.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.servers[id]
	if !ok {
		s = &model.Server{
			ID:             id,
			Roles:          make(map[model.RoleID]model.Permission),
			AccountRecords: make(map[string]*model.AccountServerRecord),
			Channels:       make(map[model.ChannelID]*model.Channel),
		}
		c.servers[id] = s
	}
	if fn != nil {
		fn(s)
	}
	return s
}

func (c *Cache) Server(id model.ServerID) (*model.Server, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.servers[id]
	return s, ok
}

func (c *Cache) Servers() []*model.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.Server, 0, len(c.servers))
	for _, s := range c.servers {
		out = append(out, s)
	}
	return out
}

func (c *Cache) Channel(serverID model.ServerID, channelID model.ChannelID) (*model.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.servers[serverID]
	if !ok {
		return nil, false
	}
	ch, ok := s.Channels[channelID]
	return ch, ok
}

// ChannelByID scans every cached server for channelID. Used sparingly
// (permission-change dispatches carry only a channel id, not its server).
func (c *Cache) ChannelByID(channelID model.ChannelID) (*model.Channel, *model.Server, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.servers {
		if ch, ok := s.Channels[channelID]; ok {
			return ch, s, true
		}
	}
	return nil, nil, false
}

func (c *Cache) UpsertChannel(serverID model.ServerID, channelID model.ChannelID, fn func(*model.Channel)) *model.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.servers[serverID]
	if !ok {
		return nil
	}
	ch, ok := s.Channels[channelID]
	if !ok {
		ch = &model.Channel{
			ID:                        channelID,
			ServerID:                  serverID,
			Overwrites:                make(map[model.PrincipalID]model.Overwrite),
			AccountsWithRead:          make(map[string]struct{}),
			AccountsWithManageThreads: make(map[string]struct{}),
		}
		s.Channels[channelID] = ch
	}
	if fn != nil {
		fn(ch)
	}
	return ch
}

// SetAccountAccess updates the accounts-with-read / accounts-with-manage-
// threads sets for one (account, channel) pair, maintaining the invariant
// from spec.md §3: membership mirrors permission computation exactly.
func (c *Cache) SetAccountAccess(ch *model.Channel, account string, hasRead, hasManageThreads bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hasRead {
		ch.AccountsWithRead[account] = struct{}{}
	} else {
		delete(ch.AccountsWithRead, account)
	}
	if hasManageThreads {
		ch.AccountsWithManageThreads[account] = struct{}{}
	} else {
		delete(ch.AccountsWithManageThreads, account)
	}
}

func (c *Cache) AccountsWithRead(ch *model.Channel) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(ch.AccountsWithRead))
	for a := range ch.AccountsWithRead {
		out = append(out, a)
	}
	return out
}

func (c *Cache) AccountsWithManageThreads(ch *model.Channel) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(ch.AccountsWithManageThreads))
	for a := range ch.AccountsWithManageThreads {
		out = append(out, a)
	}
	return out
}
