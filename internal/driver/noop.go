package driver

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Noop is an in-memory test double: no real container is ever
// created. Grounded on the shape of
// _examples/VenkatGGG-Browser-use/internal/nodeclient/noop.go — a
// driver that always succeeds and tracks just enough state for tests
// to assert on.
type Noop struct {
	mu    sync.Mutex
	byID  map[string]Status
	nextN int
}

// NewNoop creates an empty in-memory driver.
func NewNoop() *Noop {
	return &Noop{byID: make(map[string]Status)}
}

func (n *Noop) Create(_ context.Context, spec Spec) (Handle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextN++
	id := fmt.Sprintf("noop-%d-%s", n.nextN, spec.PodID)
	n.byID[id] = Status{Running: true}
	return Handle{ContainerID: id, Host: "127.0.0.1"}, nil
}

func (n *Noop) Extend(_ context.Context, handle Handle, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.byID[handle.ContainerID]; !ok {
		return fmt.Errorf("noop driver: unknown container %s", handle.ContainerID)
	}
	return nil
}

func (n *Noop) Delete(_ context.Context, handle Handle) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.byID, handle.ContainerID)
	return nil
}

func (n *Noop) Status(_ context.Context, handle Handle) (Status, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.byID[handle.ContainerID]
	if !ok {
		return Status{Running: false}, nil
	}
	return st, nil
}
