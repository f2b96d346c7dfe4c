package ledger

import (
	"context"
	"errors"
	"testing"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestTryRedeem_FirstTimeSucceeds(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	if err := l.TryRedeem(ctx, []string{"p1", "p2"}, 1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTryRedeem_ReplayRejected(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	if err := l.TryRedeem(ctx, []string{"p1", "p2"}, 1000); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	err := l.TryRedeem(ctx, []string{"p1", "p2"}, 2000)
	if !errors.Is(err, ErrAlreadySpent) {
		t.Fatalf("expected ErrAlreadySpent, got %v", err)
	}
}

func TestTryRedeem_PartialOverlapRejectsWholeSet(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	if err := l.TryRedeem(ctx, []string{"p1"}, 1000); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	// p2 is new but p1 overlaps: the whole set must be rejected, and
	// p2 must not end up redeemed on its own.
	err := l.TryRedeem(ctx, []string{"p1", "p2"}, 2000)
	if !errors.Is(err, ErrAlreadySpent) {
		t.Fatalf("expected ErrAlreadySpent, got %v", err)
	}
	if err := l.TryRedeem(ctx, []string{"p2"}, 3000); err != nil {
		t.Fatalf("p2 should still be spendable on its own: %v", err)
	}
}

func TestTryRedeem_EmptySetRejected(t *testing.T) {
	l := openTestLedger(t)
	if err := l.TryRedeem(context.Background(), nil, 1000); err == nil {
		t.Fatalf("expected error for empty proof set")
	}
}
