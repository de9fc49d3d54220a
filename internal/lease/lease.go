// Package lease keeps at most one live booking worker per rule across
// replicas by holding a Redis key per running worker.
package lease

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/wodbooker/internal/logger"
)

const KeyPrefix = "wodbooker:booking:"

func Key(id int64) string { return KeyPrefix + strconv.FormatInt(id, 10) }

// Only the owner may touch its key.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Leaser acquires and refreshes booking leases for this process.
type Leaser struct {
	client Client
	owner  string
	ttl    time.Duration
	log    logger.Logger

	mu   sync.Mutex
	held map[int64]struct{}
}

// Client is the part of *redis.Client a Leaser needs.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

func New(client Client, ttl time.Duration, log logger.Logger) *Leaser {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Leaser{
		client: client,
		owner:  uuid.NewString(),
		ttl:    ttl,
		log:    log.With(logger.String("component", "lease")),
		held:   map[int64]struct{}{},
	}
}

func (l *Leaser) Owner() string { return l.owner }

// Acquire takes the lease for booking id. It returns false when another
// process holds it.
func (l *Leaser) Acquire(ctx context.Context, id int64) (bool, error) {
	ok, err := l.client.SetNX(ctx, Key(id), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %d: %w", id, err)
	}
	if ok {
		l.mu.Lock()
		l.held[id] = struct{}{}
		l.mu.Unlock()
	}
	return ok, nil
}

func (l *Leaser) Release(ctx context.Context, id int64) error {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()

	if err := releaseScript.Run(ctx, l.client, []string{Key(id)}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lease %d: %w", id, err)
	}
	return nil
}

// Refresh extends a held lease. False means the lease was lost.
func (l *Leaser) Refresh(ctx context.Context, id int64) (bool, error) {
	n, err := refreshScript.Run(ctx, l.client, []string{Key(id)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("refresh lease %d: %w", id, err)
	}
	return n == 1, nil
}

func (l *Leaser) Held() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int64, 0, len(l.held))
	for id := range l.held {
		out = append(out, id)
	}
	return out
}

// Run refreshes every held lease each ttl/3 until ctx is done. onLost is
// called for leases another process took over.
func (l *Leaser) Run(ctx context.Context, onLost func(id int64)) error {
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		for _, id := range l.Held() {
			ok, err := l.Refresh(ctx, id)
			if err != nil {
				// keep the worker, redis may come back before the ttl runs out
				l.log.Warn("lease refresh failed", logger.Int64("booking_id", id), logger.Error(err))
				continue
			}
			if !ok {
				l.log.Warn("lease lost", logger.Int64("booking_id", id))
				l.mu.Lock()
				delete(l.held, id)
				l.mu.Unlock()
				if onLost != nil {
					onLost(id)
				}
			}
		}
	}
}
