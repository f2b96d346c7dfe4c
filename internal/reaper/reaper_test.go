package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/DhananjayPurohit/paygress/internal/driver"
	"github.com/DhananjayPurohit/paygress/internal/ports"
	"github.com/DhananjayPurohit/paygress/internal/registry"
)

type failingDriver struct {
	*driver.Noop
	failUntil int
	calls     int
}

func (f *failingDriver) Delete(ctx context.Context, h driver.Handle) error {
	f.calls++
	if f.calls <= f.failUntil {
		return errTransient
	}
	return f.Noop.Delete(ctx, h)
}

var errTransient = &transientErr{}

type transientErr struct{}

func (*transientErr) Error() string { return "transient delete failure" }

func newHarness(t *testing.T) (*Reaper, *registry.Registry, *ports.Allocator, driver.Driver) {
	t.Helper()
	reg := registry.New()
	alloc := ports.New(20000, 20001) // single-port range so exhaustion is observable
	drv := driver.NewNoop()
	r := New(reg, alloc, drv, time.Hour, nil) // interval irrelevant, we call sweep directly
	return r, reg, alloc, drv
}

func insertExpiredPod(t *testing.T, reg *registry.Registry, alloc *ports.Allocator, drv driver.Driver, id string) registry.Pod {
	t.Helper()
	port, err := alloc.Allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	handle, err := drv.Create(context.Background(), driver.Spec{PodID: id, Image: "alpine", ExpiresAt: time.Now().Add(-time.Second)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pod := registry.Pod{
		PodID:             id,
		PodIdentityPubkey: "pk-" + id,
		TierID:            "basic",
		HostPort:          port,
		Handle:            handle,
		CreatedAt:         time.Now().Add(-time.Hour),
		ExpiresAt:         time.Now().Add(-time.Second),
	}
	if err := reg.Insert(pod); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return pod
}

func TestSweep_CollectsExpiredPod(t *testing.T) {
	r, reg, alloc, drv := newHarness(t)
	insertExpiredPod(t, reg, alloc, drv, "pod1")

	r.sweep(context.Background())

	if reg.Len() != 0 {
		t.Fatalf("expected registry empty after sweep, got %d", reg.Len())
	}
	if _, err := alloc.Allocate(); err != nil {
		t.Fatalf("expected port to be free for reallocation: %v", err)
	}
}

func TestSweep_LeavesLivePodsAlone(t *testing.T) {
	r, reg, alloc, drv := newHarness(t)
	port, _ := alloc.Allocate()
	handle, _ := drv.Create(context.Background(), driver.Spec{PodID: "live", Image: "alpine", ExpiresAt: time.Now().Add(time.Hour)})
	_ = reg.Insert(registry.Pod{PodID: "live", PodIdentityPubkey: "pk-live", HostPort: port, Handle: handle, ExpiresAt: time.Now().Add(time.Hour)})

	r.sweep(context.Background())

	if reg.Len() != 1 {
		t.Fatalf("expected live pod to survive sweep, registry has %d entries", reg.Len())
	}
}

func TestSweep_ConcurrentTopUpWinsRace(t *testing.T) {
	r, reg, alloc, drv := newHarness(t)
	pod := insertExpiredPod(t, reg, alloc, drv, "pod1")

	// Simulate a top-up that lands just before the sweep: the pod
	// was expired, but its expiry is extended before the reaper's
	// ExpiredAsOf scan runs, so the sweep must leave it alone.
	if err := reg.UpdateExpiry(pod.PodID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("update expiry: %v", err)
	}

	r.sweep(context.Background())

	got, err := reg.Get(pod.PodID)
	if err != nil {
		t.Fatalf("expected pod to survive the race, got error: %v", err)
	}
	if !got.ExpiresAt.After(time.Now()) {
		t.Fatalf("expected extended expiry to be preserved")
	}
	// The port must remain held for the still-live pod.
	if _, err := alloc.Allocate(); err == nil {
		t.Fatalf("expected no free ports; the race-winning pod's port must stay allocated")
	}
}

func TestSweep_RetriesFailedDeleteWithoutLosingPod(t *testing.T) {
	reg := registry.New()
	alloc := ports.New(20000, 20001)
	drv := &failingDriver{Noop: driver.NewNoop(), failUntil: 2}
	r := New(reg, alloc, drv, time.Hour, nil)

	insertExpiredPod(t, reg, alloc, drv, "pod1")

	r.sweep(context.Background()) // delete attempt 1 fails
	r.sweep(context.Background()) // delete attempt 2 fails
	if _, ok := r.pending["pod1"]; !ok {
		t.Fatalf("expected pod1 to remain pending after repeated failures")
	}
	// Port must not be released while the delete keeps failing.
	if _, err := alloc.Allocate(); err == nil {
		t.Fatalf("expected no free ports while deletion is still pending")
	}

	r.sweep(context.Background()) // delete attempt 3 succeeds
	if _, ok := r.pending["pod1"]; ok {
		t.Fatalf("expected pod1 to be cleared from pending after successful delete")
	}
}
