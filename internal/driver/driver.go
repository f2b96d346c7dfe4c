// Package driver defines the abstract Container Driver interface
// (spec §4.6) and its concrete implementations: an HTTP orchestrator
// client, a local docker-cli client, and an in-memory test double.
package driver

import (
	"context"
	"time"
)

// Spec describes the resource shape and deadline for a new container.
type Spec struct {
	PodID         string
	Image         string
	CPUMillicores int64
	MemoryMB      int64
	HostPort      uint16
	ContainerPort uint16
	SSHUsername   string
	SSHPassword   string
	ExpiresAt     time.Time
}

// Handle references exactly one live container. The Registry holds a
// reference to a Handle, never a copy of the runtime's own state.
type Handle struct {
	ContainerID string
	Host        string
}

// Driver is the abstract interface over a container/VM runtime. All
// operations are idempotent where the spec calls for it (Delete in
// particular is called from the reaper and must tolerate a container
// that is already gone).
type Driver interface {
	// Create provisions a new container per spec, returning a handle.
	// The driver itself enforces spec.ExpiresAt as a hard wall-clock
	// deadline independent of this process's liveness — the Admission
	// Pipeline and Reaper never rely on their own liveness to bound a
	// container's lifetime.
	Create(ctx context.Context, spec Spec) (Handle, error)

	// Extend pushes a live container's enforced deadline out to
	// newExpiresAt.
	Extend(ctx context.Context, handle Handle, newExpiresAt time.Time) error

	// Delete tears down a container. Deleting an already-gone
	// container is not an error.
	Delete(ctx context.Context, handle Handle) error

	// Status reports whether the runtime still considers the
	// container alive.
	Status(ctx context.Context, handle Handle) (Status, error)
}

// Status is the runtime's view of a container's liveness.
type Status struct {
	Running bool
}
