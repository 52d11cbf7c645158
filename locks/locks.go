// Package locks provides short-TTL advisory locks used to collapse
// concurrent hierarchy builds for the same project into one.
package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when releasing a lock this holder does not own,
// typically because the TTL expired and another holder took it over.
var ErrNotHeld = errors.New("locks: lock not held")

// Lock is one acquired advisory lock.
type Lock struct {
	Key   string
	Token string
}

// Locker acquires and releases named TTL locks. TryAcquire never blocks:
// it reports ok=false when another holder owns the key. Expired locks are
// free to steal.
//
// Flags are named markers stored beside the locks, visible to every process
// sharing the locker. SetFlag raises a flag; TakeFlag reports whether it was
// raised and lowers it in the same step, so exactly one caller observes each
// raise.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error)
	Release(ctx context.Context, l *Lock) error
	SetFlag(ctx context.Context, key string) error
	TakeFlag(ctx context.Context, key string) (bool, error)
}

// --- Redis ---

// releaseScript deletes the key only when the stored token matches, so a
// holder whose TTL expired cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker on a shared redis instance so builds
// coordinate across processes.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "casegraph:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (r *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Token: token}, true, nil
}

func (r *RedisLocker) Release(ctx context.Context, l *Lock) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.prefix + l.Key}, l.Token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// flagTTL keeps a flag from lingering forever if every process that would
// consume it dies.
const flagTTL = 24 * time.Hour

func (r *RedisLocker) SetFlag(ctx context.Context, key string) error {
	return r.client.Set(ctx, r.prefix+key, "1", flagTTL).Err()
}

func (r *RedisLocker) TakeFlag(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- In-process ---

type memoryEntry struct {
	token   string
	expires time.Time
}

// MemoryLocker implements Locker for single-process deployments and tests.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryEntry
	flags map[string]bool
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		locks: make(map[string]memoryEntry),
		flags: make(map[string]bool),
		now:   time.Now,
	}
}

func (m *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.locks[key]; ok && m.now().Before(e.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	m.locks[key] = memoryEntry{token: token, expires: m.now().Add(ttl)}
	return &Lock{Key: key, Token: token}, true, nil
}

func (m *MemoryLocker) Release(_ context.Context, l *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.locks[l.Key]
	if !ok || e.token != l.Token {
		return ErrNotHeld
	}
	delete(m.locks, l.Key)
	return nil
}

func (m *MemoryLocker) SetFlag(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[key] = true
	return nil
}

func (m *MemoryLocker) TakeFlag(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.flags[key]
	delete(m.flags, key)
	return was, nil
}
