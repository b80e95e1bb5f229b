/*
lock.go - Key-scoped mutual exclusion for booking and registration writers

OVERVIEW:
The studio services wrap every check-then-act section (collision check,
capacity count, promotion) in a lock over the keys it touches:

	resource:<id>     every session using a room or equipment
	instructor:<id>   every session led by an instructor
	occurrence:<id>   registrations of one class occurrence

Two implementations satisfy studio.Locker:

  - Local:  in-process, one channel per key. Enough for a single instance.
  - Redis:  SET NX PX with a random token and a compare-and-delete release,
            for several instances sharing one database.

DEADLOCK AVOIDANCE:
Keys are de-duplicated and acquired in sorted order. A caller that fails
half-way releases what it holds before returning.
*/
package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/warp/studio-engine/logger"
	"github.com/warp/studio-engine/studio"
)

// ErrNotHeld is returned when releasing a Redis key whose token no longer
// matches, typically because the TTL expired first.
var ErrNotHeld = errors.New("lock not held")

func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// LOCAL
// =============================================================================

type slot struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process keyed mutex. The zero value is not usable; call
// NewLocal.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Lock blocks until every key is held or ctx is done.
func (l *Local) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	held := make([]string, 0, len(keys))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k := held[i]
			l.mu.Lock()
			s := l.slots[k]
			l.mu.Unlock()
			<-s.ch
			l.unref(k)
		}
	}

	for _, k := range keys {
		s := l.ref(k)
		select {
		case s.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			l.unref(k)
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Held reports how many keys currently have holders or waiters.
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

// =============================================================================
// REDIS
// =============================================================================

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis holds locks as plain keys with a TTL so a crashed holder cannot
// block a slot forever. TTL must exceed the longest critical section.
type Redis struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
	Retry  time.Duration
	Log    *logger.Logger
}

func NewRedis(client *redis.Client, prefix string, ttl, retry time.Duration) *Redis {
	if prefix == "" {
		prefix = "studio:lock:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &Redis{Client: client, Prefix: prefix, TTL: ttl, Retry: retry, Log: logger.Discard()}
}

type redisHold struct {
	key   string
	token string
}

// Lock acquires every key in sorted order, polling until ctx is done.
func (r *Redis) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	held := make([]redisHold, 0, len(keys))

	for _, k := range keys {
		h := redisHold{key: r.Prefix + k, token: uuid.NewString()}
		if err := r.acquire(ctx, h); err != nil {
			r.release(held)
			return nil, err
		}
		held = append(held, h)
	}

	var once sync.Once
	return func() { once.Do(func() { r.release(held) }) }, nil
}

func (r *Redis) acquire(ctx context.Context, h redisHold) error {
	ticker := time.NewTicker(r.Retry)
	defer ticker.Stop()
	for {
		ok, err := r.Client.SetNX(ctx, h.key, h.token, r.TTL).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// release runs with a fresh context: the caller's may already be cancelled
// and the keys still have to go.
func (r *Redis) release(held []redisHold) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := len(held) - 1; i >= 0; i-- {
		h := held[i]
		n, err := releaseScript.Run(ctx, r.Client, []string{h.key}, h.token).Int()
		if err == nil && n == 0 {
			err = ErrNotHeld
		}
		if err != nil {
			r.Log.Warn("Failed to release lock", "key", h.key, "error", err)
		}
	}
}

var (
	_ studio.Locker = (*Local)(nil)
	_ studio.Locker = (*Redis)(nil)
)
