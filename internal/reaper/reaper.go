// Package reaper periodically sweeps the Pod Registry for expired
// pods and tears them down.
//
// Grounded on the ticker-loop shape of
// _examples/0gfoundation-0g-sandbox-billing/internal/billing/generator.go's
// RunGenerator: a top-level Run driving a time.NewTicker inside a
// select against ctx.Done, dispatching to a per-tick sweep function
// that fails one pod at a time without aborting the rest of the sweep.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DhananjayPurohit/paygress/internal/driver"
	"github.com/DhananjayPurohit/paygress/internal/ports"
	"github.com/DhananjayPurohit/paygress/internal/registry"
)

// Reaper deletes containers whose deadline has passed and returns
// their resources to the Port Allocator.
type Reaper struct {
	Registry *registry.Registry
	Ports    *ports.Allocator
	Driver   driver.Driver
	Interval time.Duration
	Log      *zap.Logger

	// pending holds pods already removed from the Registry whose
	// container delete failed and must be retried. Once a pod leaves
	// the Registry, ExpiredAsOf can never surface it again, so retry
	// state has to live here instead.
	pending  map[string]registry.Pod
	failures map[string]int
}

// New creates a Reaper. interval should be short relative to the
// catalog's minimum spawnable duration so an expired pod is collected
// promptly.
func New(reg *registry.Registry, alloc *ports.Allocator, drv driver.Driver, interval time.Duration, log *zap.Logger) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{
		Registry: reg,
		Ports:    alloc,
		Driver:   drv,
		Interval: interval,
		Log:      log,
		pending:  make(map[string]registry.Pod),
		failures: make(map[string]int),
	}
}

// Run blocks, sweeping every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.Log.Info("reaper started", zap.Duration("interval", r.Interval))

	for {
		select {
		case <-ctx.Done():
			r.Log.Info("reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep processes one tick in two passes.
//
// First, every pod this tick's ExpiredAsOf scan finds expired is atomically checked
// and pulled out of the Registry via RemoveIfExpired: this is the
// step that must happen before any destructive driver call, since it
// is the only point that re-validates expiry under the Registry's
// lock — the same lock a concurrent top-up's UpdateExpiry takes. A
// pod that a top-up extended in the meantime comes back ErrNotExpired
// and is left completely alone, container included.
//
// Only once a pod is confirmed removed does the reaper call
// Driver.Delete and release its port. A delete failure does not put
// the pod back in the Registry — the container's own hard deadline
// (enforced by the driver, independent of this process) still bounds
// its lifetime — but it is retried every subsequent tick via pending
// until it succeeds.
func (r *Reaper) sweep(ctx context.Context) {
	now := time.Now()
	for _, pod := range r.Registry.ExpiredAsOf(now) {
		removed, err := r.Registry.RemoveIfExpired(pod.PodID, now)
		if err != nil {
			continue
		}
		r.pending[removed.PodID] = removed
	}

	for podID, pod := range r.pending {
		if err := r.Driver.Delete(ctx, pod.Handle); err != nil {
			r.failures[podID]++
			n := r.failures[podID]
			if n > 3 {
				r.Log.Warn("reaper: repeated deletion failure",
					zap.String("pod_id", podID),
					zap.Int("consecutive_failures", n),
					zap.Error(err),
				)
			} else {
				r.Log.Warn("reaper: deletion failed, retrying next tick",
					zap.String("pod_id", podID),
					zap.Error(err),
				)
			}
			continue
		}
		delete(r.failures, podID)
		delete(r.pending, podID)

		r.Ports.Release(pod.HostPort)
		r.Log.Info("reaper: pod collected", zap.String("pod_id", podID))
	}
}
