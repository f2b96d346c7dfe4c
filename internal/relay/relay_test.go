package relay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLRUDedup_SecondSeenReturnsTrue(t *testing.T) {
	d := NewLRUDedup(4)
	ctx := context.Background()

	seen, err := d.SeenOrMark(ctx, "event-1")
	if err != nil || seen {
		t.Fatalf("first mark: seen=%v err=%v, want seen=false", seen, err)
	}
	seen, err = d.SeenOrMark(ctx, "event-1")
	if err != nil || !seen {
		t.Fatalf("second mark: seen=%v err=%v, want seen=true", seen, err)
	}
}

func TestLRUDedup_EvictsOldestBeyondCapacity(t *testing.T) {
	d := NewLRUDedup(2)
	ctx := context.Background()
	_, _ = d.SeenOrMark(ctx, "a")
	_, _ = d.SeenOrMark(ctx, "b")
	_, _ = d.SeenOrMark(ctx, "c") // evicts "a"

	seen, _ := d.SeenOrMark(ctx, "a")
	if seen {
		t.Fatalf("expected \"a\" to have been evicted and treated as unseen")
	}
}

func TestRedisDedup_SecondSeenReturnsTrue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := NewRedisDedup(rdb, time.Minute)
	ctx := context.Background()

	seen, err := d.SeenOrMark(ctx, "event-1")
	if err != nil || seen {
		t.Fatalf("first mark: seen=%v err=%v, want seen=false", seen, err)
	}
	seen, err = d.SeenOrMark(ctx, "event-1")
	if err != nil || !seen {
		t.Fatalf("second mark: seen=%v err=%v, want seen=true", seen, err)
	}
}

func TestRedisDedup_ExpiresAfterTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := NewRedisDedup(rdb, time.Second)
	ctx := context.Background()

	_, _ = d.SeenOrMark(ctx, "event-1")
	mr.FastForward(2 * time.Second)

	seen, err := d.SeenOrMark(ctx, "event-1")
	if err != nil || seen {
		t.Fatalf("expected key to have expired: seen=%v err=%v", seen, err)
	}
}
