package cluster

import (
	"errors"
	"fmt"
	"sync"

	"github.com/graphcompute/mgcluster/pkg/models"
	"github.com/graphcompute/mgcluster/pkg/shutdown"
)

// Handle references a running cluster. It is owned by the scope that
// acquired it and must be passed to Manager.Release exactly once.
type Handle struct {
	ID          string
	Address     string // scheduler URL
	Devices     DeviceRange
	WorkerCount int

	mu           sync.Mutex
	state        State
	sched        *scheduler
	procs        []Process
	exited       chan string
	teardown     *shutdown.Manager
	client       *Client
	teardownErrs []error
}

// State returns the current lifecycle state
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) transition(to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transitionLocked(to)
}

func (h *Handle) transitionLocked(to State) error {
	if err := ValidateTransition(h.state, to); err != nil {
		return err
	}
	h.state = to
	return nil
}

// beginRelease moves the handle to Draining. It returns false when the
// handle is already draining or closed.
func (h *Handle) beginRelease() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case StateProvisioning, StateReady:
		h.state = StateDraining
		return true
	case StateUninitialized:
		h.state = StateClosed
	}
	return false
}

// Workers returns the registered workers ordered by device index.
func (h *Handle) Workers() []models.Worker {
	if h.sched == nil {
		return nil
	}
	return h.sched.list()
}

// Client returns the client bound to this handle, nil until Ready
func (h *Handle) Client() *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client
}

// OnRelease registers fn to run during Release, before the workers and
// scheduler stop. Hooks run newest first.
func (h *Handle) OnRelease(name string, fn shutdown.Func) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateReady && h.state != StateProvisioning {
		return fmt.Errorf("cannot register release hook %q: cluster %s is %s", name, h.ID, h.state)
	}
	h.teardown.Register(name, fn)
	return nil
}

// TeardownErr joins the errors logged during Release
func (h *Handle) TeardownErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return errors.Join(h.teardownErrs...)
}
