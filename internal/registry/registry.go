// Package registry is the in-memory Pod Registry: the exclusive owner
// of pod records, indexed by both pod id and the pod's external
// identity pubkey.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/DhananjayPurohit/paygress/internal/driver"
)

// ErrDuplicate is returned by Insert when pod_id already exists.
var ErrDuplicate = errors.New("registry: pod already registered")

// ErrNotFound is returned by Get, Remove, and UpdateExpiry when no
// matching pod exists.
var ErrNotFound = errors.New("registry: pod not found")

// ErrNotExpired is returned by RemoveIfExpired when podID exists but
// its expiry has moved into the future since the caller last observed
// it, most often because a top-up extended it concurrently.
var ErrNotExpired = errors.New("registry: pod is no longer expired")

// Pod is a live provisioned resource. The Registry owns this record
// exclusively; the Container Driver owns the underlying container —
// Handle is a reference, never a copy of runtime state.
type Pod struct {
	PodID             string
	PodIdentityPubkey string
	TierID            string
	HostPort          uint16
	Handle            driver.Handle
	CreatedAt         time.Time
	ExpiresAt         time.Time
	SSHUsername       string
	SSHPassword       string
}

// Registry indexes pods by both pod_id and pod_identity_pubkey.
// Reads (status lookups, reaper scans) proceed concurrently; writes
// are exclusive, per spec §5's shared-resource policy.
type Registry struct {
	mu       sync.RWMutex
	byPodID  map[string]*Pod
	byPubkey map[string]*Pod
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byPodID:  make(map[string]*Pod),
		byPubkey: make(map[string]*Pod),
	}
}

// Insert adds pod to the registry. Fails if pod_id is already present.
func (r *Registry) Insert(pod Pod) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byPodID[pod.PodID]; exists {
		return ErrDuplicate
	}
	stored := pod
	r.byPodID[pod.PodID] = &stored
	r.byPubkey[pod.PodIdentityPubkey] = &stored
	return nil
}

// Get looks up a pod by either its internal pod_id or its external
// pod_identity_pubkey.
func (r *Registry) Get(podIDOrPubkey string) (Pod, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.byPodID[podIDOrPubkey]; ok {
		return *p, nil
	}
	if p, ok := r.byPubkey[podIDOrPubkey]; ok {
		return *p, nil
	}
	return Pod{}, ErrNotFound
}

// UpdateExpiry advances a pod's expires_at. The caller is responsible
// for the monotonicity invariant (expires_at only moves forward) —
// UpdateExpiry itself just performs the write under the registry lock,
// which is also what the reaper's expiry check is mediated by, so a
// top-up and a concurrent reaper sweep can never race destructively
// (spec §5 "Reaper interleaving").
func (r *Registry) UpdateExpiry(podID string, newExpiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byPodID[podID]
	if !ok {
		return ErrNotFound
	}
	p.ExpiresAt = newExpiresAt
	return nil
}

// Remove deletes and returns a pod by pod_id.
func (r *Registry) Remove(podID string) (Pod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byPodID[podID]
	if !ok {
		return Pod{}, ErrNotFound
	}
	delete(r.byPodID, podID)
	delete(r.byPubkey, p.PodIdentityPubkey)
	return *p, nil
}

// RemoveIfExpired removes and returns podID's record only if its
// current expires_at is still at or before now. This is the single
// atomic operation the reaper uses to collect a pod: taking the lock
// here is what prevents a concurrent top-up's UpdateExpiry from
// racing a reaper sweep that read a now-stale ExpiredAsOf snapshot —
// if the top-up won the race, expires_at has already moved into the
// future and this call reports ErrNotExpired instead of deleting a
// pod the client just paid to extend (spec §5 "Reaper interleaving").
func (r *Registry) RemoveIfExpired(podID string, now time.Time) (Pod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byPodID[podID]
	if !ok {
		return Pod{}, ErrNotFound
	}
	if p.ExpiresAt.After(now) {
		return Pod{}, ErrNotExpired
	}
	delete(r.byPodID, podID)
	delete(r.byPubkey, p.PodIdentityPubkey)
	return *p, nil
}

// ExpiredAsOf returns every pod whose expires_at is at or before now.
func (r *Registry) ExpiredAsOf(now time.Time) []Pod {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Pod
	for _, p := range r.byPodID {
		if !p.ExpiresAt.After(now) {
			out = append(out, *p)
		}
	}
	return out
}

// Len reports the number of live pods, for diagnostics/status.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPodID)
}
