// Package lock provides run-level mutual exclusion for settlement runs.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

var (
	// ErrHeld is returned when another owner holds the lock.
	ErrHeld = errors.New("lock: held by another owner")
	// ErrNotHeld is returned by Extend when the token no longer owns the lock.
	ErrNotHeld = errors.New("lock: not held")
)

// Locker hands out expiring, token-guarded locks.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	// Extend resets the lock's expiry to ttl from now if token still owns it.
	Extend(ctx context.Context, key, token string, ttl time.Duration) error
	Release(ctx context.Context, key, token string) error
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every process pointing at the same server.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis parses a redis:// URL and verifies the connection.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Redis{client: client, prefix: "refdrop:lock:"}, nil
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrHeld
	}
	return token, nil
}

func (r *Redis) Extend(ctx context.Context, key, token string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, r.client, []string{r.prefix + key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, r.client, []string{r.prefix + key}, token).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type memLock struct {
	token   string
	expires time.Time
}

// Memory is an in-process Locker.
type Memory struct {
	mu    sync.Mutex
	locks map[string]memLock
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{locks: make(map[string]memLock), now: time.Now}
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.locks[key]; ok && now.Before(l.expires) {
		return "", ErrHeld
	}
	token := uuid.NewString()
	m.locks[key] = memLock{token: token, expires: now.Add(ttl)}
	return token, nil
}

func (m *Memory) Extend(_ context.Context, key, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	l, ok := m.locks[key]
	if !ok || l.token != token || !now.Before(l.expires) {
		return ErrNotHeld
	}
	m.locks[key] = memLock{token: token, expires: now.Add(ttl)}
	return nil
}

func (m *Memory) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[key]; ok && l.token == token {
		delete(m.locks, key)
	}
	return nil
}
