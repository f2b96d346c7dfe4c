// Package relay defines the abstract pub/sub seam the relay transport
// runs against (spec §1: "relay implementations... appears only as an
// interface the core uses or exposes") plus the event-id dedup cache
// shared by any Bus implementation.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is a relay-bus event in the shape the original Nostr-based
// implementation used (_examples/original_source/src/nostr.rs's
// NostrEvent), general enough to also carry the minimal
// EVENT/REQ/EOSE framing wsrelay speaks.
type Event struct {
	ID        string     `json:"id"`
	PubkeyHex string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig,omitempty"`
}

// Bus is the abstract relay pub/sub seam. Publish addresses an event
// to a recipient pubkey (tagged "p"); Subscribe returns events
// addressed to addr as they arrive.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, addr string) (<-chan Event, error)
	Close() error
}

// Dedup reports whether an event id has already been seen, and marks
// it seen if not, in one atomic check. Two implementations exist: an
// in-memory bounded LRU (default) and a Redis-backed SetNX cache for
// when dedup must survive a restart across a fleet of listeners.
type Dedup interface {
	// SeenOrMark returns true if id was already recorded, false if
	// this call is the one that recorded it.
	SeenOrMark(ctx context.Context, id string) (bool, error)
}

// lruDedup is a bounded in-memory Dedup. Eviction is oldest-first once
// capacity is exceeded, which is sufficient for the relay's purpose:
// bounding memory, not correctness beyond a single process's lifetime.
type lruDedup struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

// NewLRUDedup creates an in-memory dedup cache holding up to capacity
// event ids.
func NewLRUDedup(capacity int) Dedup {
	if capacity <= 0 {
		capacity = 4096
	}
	return &lruDedup{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

func (d *lruDedup) SeenOrMark(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		return true, nil
	}
	if len(d.order) >= d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	return false, nil
}

// redisDedup is a Redis-backed Dedup adapted from
// _examples/0gfoundation-0g-sandbox-billing/internal/auth/middleware.go's
// nonce-dedup idiom: a SetNX with a TTL, reusing the same client the
// event replay window needs to expire keys automatically.
type redisDedup struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisDedup creates a Redis-backed dedup cache. ttl bounds how
// long an event id is remembered; it should exceed the relay's
// expected clock skew and retry window.
func NewRedisDedup(rdb *redis.Client, ttl time.Duration) Dedup {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &redisDedup{rdb: rdb, ttl: ttl}
}

func (d *redisDedup) SeenOrMark(ctx context.Context, id string) (bool, error) {
	set, err := d.rdb.SetNX(ctx, "paygress:relay:seen:"+id, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}
