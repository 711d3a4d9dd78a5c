package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionData is the resumable state a gateway session needs to survive a
// process restart (spec.md §4.3: "saved session id and sequence").
type SessionData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
	Seq              *int64 `json:"seq,omitempty"`
}

// SessionStore persists and retrieves resume state per account. It exists
// as an interface so a restart can resume rather than re-identify from
// scratch, without forcing every caller onto Redis.
type SessionStore interface {
	Load(key string) (SessionData, bool)
	Save(key string, data SessionData)
	Clear(key string)
}

// MemorySessionStore is the default: resume survives a reconnect within
// the same process but not a process restart.
type MemorySessionStore struct {
	mu   sync.Mutex
	data map[string]SessionData
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{data: make(map[string]SessionData)}
}

func (s *MemorySessionStore) Load(key string) (SessionData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[key]
	return d, ok
}

func (s *MemorySessionStore) Save(key string, data SessionData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = data
}

func (s *MemorySessionStore) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// RedisSessionStore persists session state across process restarts. This
// is a purely local use of Redis (one process, one instance) — spec.md
// §1's "no distribution across machines" non-goal rules out using it for
// cross-instance coordination, so it is scoped to this single concern,
// grounded on the teacher's service/storage/redis client construction.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisSessionStore(addr, password string, db int) *RedisSessionStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisSessionStore{client: client, ttl: 24 * time.Hour, prefix: "archivesync:gateway:session:"}
}

func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

func (s *RedisSessionStore) Load(key string) (SessionData, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		return SessionData{}, false
	}
	var data SessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return SessionData{}, false
	}
	return data, true
}

func (s *RedisSessionStore) Save(key string, data SessionData) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	_ = s.client.Set(ctx, s.prefix+key, raw, s.ttl).Err()
}

func (s *RedisSessionStore) Clear(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.client.Del(ctx, s.prefix+key).Err()
}
