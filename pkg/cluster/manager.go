package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/graphcompute/mgcluster/pkg/auth"
	"github.com/graphcompute/mgcluster/pkg/logging"
	"github.com/graphcompute/mgcluster/pkg/shutdown"
	"github.com/graphcompute/mgcluster/pkg/tracing"
)

// Option configures a Manager
type Option func(*Manager)

// WithLauncher sets how workers are started. Defaults to InProcessLauncher.
func WithLauncher(l Launcher) Option {
	return func(m *Manager) { m.launcher = l }
}

// WithDeviceProbe makes Acquire check the device range against the host.
func WithDeviceProbe(p DeviceProbe) Option {
	return func(m *Manager) { m.probe = p }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRegistry registers the manager's metrics with reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(m *Manager) { m.registry = reg }
}

// Manager provisions and releases clusters. It is meant to be driven from a
// single goroutine, the one owning the test scope.
type Manager struct {
	cfg      Config
	launcher Launcher
	probe    DeviceProbe
	logger   *logging.Logger
	registry *prometheus.Registry
	metrics  *Metrics
}

// NewManager creates a manager for cfg
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{cfg: cfg}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	if m.launcher == nil {
		m.launcher = &InProcessLauncher{Logger: m.logger}
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.metrics = NewMetrics(m.registry)
	return m
}

// Config returns the manager's configuration
func (m *Manager) Config() Config { return m.cfg }

// Registry returns the registry holding the manager's metrics
func (m *Manager) Registry() *prometheus.Registry { return m.registry }

// Metrics returns the manager's metrics
func (m *Manager) Metrics() *Metrics { return m.metrics }

// Acquire starts a cluster and blocks until every worker has registered.
//
// On a *ProvisioningError the returned handle is nil when nothing was started,
// or the partially started cluster in StateProvisioning otherwise. The
// manager never tears a partial cluster down itself; the caller may pass it
// to Release.
func (m *Manager) Acquire(ctx context.Context) (h *Handle, c *Client, err error) {
	devices := m.cfg.Devices()
	ctx, span := tracing.Start(ctx, "cluster.acquire",
		attribute.Int("workers", m.cfg.Workers),
		attribute.String("devices", devices.String()),
	)
	defer func() { tracing.End(span, err) }()
	defer func() {
		var perr *ProvisioningError
		if errors.As(err, &perr) {
			m.metrics.ProvisioningFailures.WithLabelValues(perr.Stage).Inc()
			m.logger.Error(perr.Error())
		}
	}()

	started := time.Now()
	if err := m.cfg.Validate(); err != nil {
		return nil, nil, &ProvisioningError{Stage: "config", Err: err}
	}
	poolSize, _ := m.cfg.PoolSizeBytes()

	if m.probe != nil {
		present, err := m.probe.Devices(ctx)
		if err != nil {
			return nil, nil, &ProvisioningError{Stage: "devices", Err: err}
		}
		if err := checkDevices(devices, present); err != nil {
			return nil, nil, &ProvisioningError{Stage: "devices", Err: err}
		}
	}

	h = &Handle{
		ID:          uuid.New().String(),
		Devices:     devices,
		WorkerCount: devices.Width,
		state:       StateUninitialized,
		exited:      make(chan string, devices.Width),
		teardown:    shutdown.New(m.cfg.TeardownTimeout),
	}
	logger := m.logger.WithField("cluster_id", h.ID)
	span.SetAttributes(attribute.String("cluster_id", h.ID))

	token, joinToken, err := auth.NewJoinToken()
	if err != nil {
		return nil, nil, &ProvisioningError{Stage: "scheduler", Err: err}
	}
	sched := newScheduler(h.ID, m.cfg.Protocol, joinToken, logger, m.metrics, m.registry)
	if err := sched.start(m.cfg.SchedulerAddr); err != nil {
		return nil, nil, &ProvisioningError{Stage: "scheduler", Err: err}
	}
	if err := h.transition(StateProvisioning); err != nil {
		sched.stop(context.Background())
		return nil, nil, &ProvisioningError{Stage: "scheduler", Err: err}
	}
	h.sched = sched
	h.Address = sched.url()
	h.teardown.Register("scheduler", sched.stop)

	logger.Info(fmt.Sprintf("Provisioning %d workers on devices %s", devices.Width, devices))
	for i, device := range devices.Indices() {
		spec := WorkerSpec{
			ClusterID:         h.ID,
			Name:              fmt.Sprintf("worker-%d", i),
			Device:            device,
			VisibleDevices:    devices.VisibleDevicesFor(i),
			SchedulerURL:      h.Address,
			JoinToken:         token,
			PoolSizeBytes:     poolSize,
			Protocol:          m.cfg.Protocol,
			HeartbeatInterval: m.cfg.HeartbeatInterval,
		}
		proc, err := m.launcher.Start(ctx, spec)
		if err != nil {
			return h, nil, &ProvisioningError{
				Stage: "launch",
				Err:   fmt.Errorf("%s on device %d: %w", spec.Name, device, err),
			}
		}
		h.procs = append(h.procs, proc)
		h.teardown.Register(spec.Name, proc.Stop)
		go func(name string, p Process) {
			<-p.Done()
			h.exited <- name
		}(spec.Name, proc)
	}

	if err := m.waitForWorkers(ctx, h); err != nil {
		return h, nil, err
	}

	c = newClient(h)
	h.mu.Lock()
	if err := h.transitionLocked(StateReady); err != nil {
		h.mu.Unlock()
		return h, nil, &ProvisioningError{Stage: "register", Err: err}
	}
	h.client = c
	h.teardown.Register("client", func(context.Context) error { return c.Close() })
	h.mu.Unlock()

	m.metrics.AcquireDuration.Observe(time.Since(started).Seconds())
	logger.Info(fmt.Sprintf("Cluster ready at %s with %d workers", h.Address, h.WorkerCount))
	return h, c, nil
}

// waitForWorkers is the only point where Acquire suspends. It returns once
// every worker has registered, a worker exits, the registration timeout
// elapses or ctx is done.
func (m *Manager) waitForWorkers(ctx context.Context, h *Handle) error {
	ctx, cancel := context.WithTimeoutCause(ctx, m.cfg.RegistrationTimeout, ErrRegistrationTimeout)
	defer cancel()

	for {
		n, changed := h.sched.registered()
		if n >= h.WorkerCount {
			return nil
		}
		select {
		case <-changed:
		case name := <-h.exited:
			return &ProvisioningError{Stage: "register", Err: fmt.Errorf("%w: %s", ErrWorkerExited, name)}
		case <-ctx.Done():
			return &ProvisioningError{
				Stage: "register",
				Err:   fmt.Errorf("%d of %d workers registered: %w", n, h.WorkerCount, context.Cause(ctx)),
			}
		}
	}
}

// Release stops the client, runs release hooks, stops the workers and then
// the scheduler. It is safe to call on nil, partial or already released
// handles; only the first call on a handle does anything. Failures are
// logged as TeardownErrors and never returned.
func (m *Manager) Release(ctx context.Context, h *Handle) {
	if h == nil || !h.beginRelease() {
		return
	}
	// Teardown also runs on failure paths where ctx may already be cancelled.
	ctx, span := tracing.Start(context.WithoutCancel(ctx), "cluster.release",
		attribute.String("cluster_id", h.ID),
	)
	defer span.End()

	logger := m.logger.WithField("cluster_id", h.ID)
	errs := h.teardown.Run(ctx)

	h.mu.Lock()
	for _, err := range errs {
		terr := &TeardownError{ClusterID: h.ID, Err: err}
		h.teardownErrs = append(h.teardownErrs, terr)
		m.metrics.TeardownErrors.Inc()
		logger.Error(terr.Error())
		span.RecordError(terr)
	}
	if err := h.transitionLocked(StateClosed); err != nil {
		logger.Error(err.Error())
	}
	h.mu.Unlock()

	m.metrics.Releases.Inc()
	logger.Info("Cluster released")
}
