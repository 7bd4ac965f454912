// Package lock guards technicians against being committed to two matchings at once.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TechnicianLock grants exclusive ownership of a technician to one owner.
type TechnicianLock interface {
	// Acquire returns true when owner now holds the technician. Re-acquiring a
	// lock already held by the same owner succeeds and extends it.
	Acquire(ctx context.Context, technicianID, owner string, ttl time.Duration) (bool, error)
	// Release drops the lock only if owner still holds it.
	Release(ctx context.Context, technicianID, owner string) error
}

type memoryEntry struct {
	owner   string
	expires time.Time
}

type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *Memory) Acquire(_ context.Context, technicianID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[technicianID]; ok && e.owner != owner && now.Before(e.expires) {
		return false, nil
	}
	m.entries[technicianID] = memoryEntry{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(_ context.Context, technicianID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[technicianID]; ok && e.owner == owner {
		delete(m.entries, technicianID)
	}
	return nil
}

// acquireScript sets the key when free or already owned by the caller.
var acquireScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or cur == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a TechnicianLock shared by every orchestrator instance.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis { return &Redis{client: client} }

func (r *Redis) Acquire(ctx context.Context, technicianID, owner string, ttl time.Duration) (bool, error) {
	n, err := acquireScript.Run(ctx, r.client, []string{key(technicianID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) Release(ctx context.Context, technicianID, owner string) error {
	return releaseScript.Run(ctx, r.client, []string{key(technicianID)}, owner).Err()
}

func key(technicianID string) string { return "technician:lock:" + technicianID }
