package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Func is a single teardown step.
type Func func(context.Context) error

type step struct {
	name string
	fn   Func
}

// StepError reports a teardown step that failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("shutdown step %q: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Manager runs registered teardown steps once, in reverse order of
// registration (LIFO).
type Manager struct {
	mu      sync.Mutex
	steps   []step
	timeout time.Duration
	once    sync.Once
	errs    []error
	ran     bool
}

// New creates a new shutdown manager. A zero timeout means the context passed
// to Run is used as is.
func New(timeout time.Duration) *Manager {
	return &Manager{timeout: timeout}
}

// Register adds a named teardown step. Steps registered after Run has
// started are ignored.
func (m *Manager) Register(name string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ran {
		return
	}
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Run executes every step, continuing past failures. Only the first call does
// any work; later calls return the errors of the first.
func (m *Manager) Run(ctx context.Context) []error {
	m.once.Do(func() {
		m.mu.Lock()
		m.ran = true
		steps := m.steps
		m.mu.Unlock()

		if m.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.timeout)
			defer cancel()
		}

		for i := len(steps) - 1; i >= 0; i-- {
			if err := steps[i].fn(ctx); err != nil {
				m.errs = append(m.errs, &StepError{Step: steps[i].name, Err: err})
			}
		}
	})
	return m.errs
}

// Done reports whether Run has been called.
func (m *Manager) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ran
}

// WaitForSignal blocks until SIGINT/SIGTERM or ctx cancellation and returns
// the signal received, or nil when ctx ended first.
func WaitForSignal(ctx context.Context) os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		return sig
	case <-ctx.Done():
		return nil
	}
}

// CloseResource creates a teardown step for an io.Closer
func CloseResource(closer interface{ Close() error }) Func {
	return func(context.Context) error {
		return closer.Close()
	}
}

// StopHTTPServer creates a teardown step for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) Func {
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}
}
