// Package fixture provisions a cluster, its communicator and the driver
// allocator for the scope of a test.
//
// Per-test use:
//
//	func TestPageRank(t *testing.T) {
//		client := fixture.Client(t)
//		...
//	}
//
// To share one cluster across a package, call Start from TestMain and Close
// the session after m.Run.
package fixture

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/graphcompute/mgcluster/pkg/allocator"
	"github.com/graphcompute/mgcluster/pkg/cluster"
	"github.com/graphcompute/mgcluster/pkg/comms"
	"github.com/graphcompute/mgcluster/pkg/logging"
)

// EnvPrefix is the prefix of the environment variables read by FromEnv,
// besides DASK_NUM_WORKERS.
const EnvPrefix = "MGCLUSTER"

// Options control a fixture session
type Options struct {
	Config        cluster.Config
	Launcher      cluster.Launcher
	Probe         cluster.DeviceProbe
	Registry      *prometheus.Registry
	Logger        *logging.Logger
	PeerToPeer    bool
	PoolAllocator bool
	PoolSize      uint64 // driver pool size, zero sizes it from the device
}

// Option modifies Options
type Option func(*Options)

// FromEnv returns the default options with the cluster configuration read
// from the environment.
func FromEnv(logger *logging.Logger) Options {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return Options{
		Config:        cluster.LoadConfig(v, logger),
		Logger:        logger,
		PeerToPeer:    true,
		PoolAllocator: true,
	}
}

// WithConfig replaces the cluster configuration
func WithConfig(cfg cluster.Config) Option {
	return func(o *Options) { o.Config = cfg }
}

// WithWorkers overrides the worker count
func WithWorkers(n int) Option {
	return func(o *Options) { o.Config.Workers = n }
}

// WithDeviceBase moves the device range, e.g. to run two clusters side by side.
func WithDeviceBase(base int) Option {
	return func(o *Options) { o.Config.DeviceBase = base }
}

// WithLauncher sets how workers are started
func WithLauncher(l cluster.Launcher) Option {
	return func(o *Options) { o.Launcher = l }
}

// WithDeviceProbe checks the device range and sizes the driver pool.
func WithDeviceProbe(p cluster.DeviceProbe) Option {
	return func(o *Options) { o.Probe = p }
}

// WithRegistry registers the cluster metrics with reg
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *Options) { o.Registry = reg }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithoutPeerToPeer initializes the communicator without direct channels.
func WithoutPeerToPeer() Option {
	return func(o *Options) { o.PeerToPeer = false }
}

// WithoutPool configures the driver allocator without a pool.
func WithoutPool() Option {
	return func(o *Options) { o.PoolAllocator = false }
}

// WithPoolSize fixes the driver pool size
func WithPoolSize(size uint64) Option {
	return func(o *Options) { o.PoolSize = size }
}

// Session is a provisioned cluster with its communicator and allocator
type Session struct {
	Manager   *cluster.Manager
	Handle    *cluster.Handle
	Client    *cluster.Client
	Comms     *comms.Communicator
	Allocator *allocator.Allocator

	once sync.Once
}

// Start acquires a cluster, initializes the communicator and reinitializes
// the driver allocator. When any step fails the cluster is released before
// the error is returned.
func Start(ctx context.Context, opts ...Option) (*Session, error) {
	var pre Options
	for _, opt := range opts {
		opt(&pre)
	}
	logger := pre.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.WARN, false)
	}
	o := FromEnv(logger)
	for _, opt := range opts {
		opt(&o)
	}

	mopts := []cluster.Option{cluster.WithLogger(o.Logger)}
	if o.Launcher != nil {
		mopts = append(mopts, cluster.WithLauncher(o.Launcher))
	} else {
		mopts = append(mopts, cluster.WithLauncher(&cluster.InProcessLauncher{Logger: o.Logger}))
	}
	if o.Probe != nil {
		mopts = append(mopts, cluster.WithDeviceProbe(o.Probe))
	}
	if o.Registry != nil {
		mopts = append(mopts, cluster.WithRegistry(o.Registry))
	}

	s := &Session{Manager: cluster.NewManager(o.Config, mopts...)}
	h, c, err := s.Manager.Acquire(ctx)
	s.Handle, s.Client = h, c
	if err != nil {
		s.Close(ctx)
		return nil, err
	}

	s.Comms = comms.New(h, comms.WithLogger(o.Logger))
	if err := s.Comms.Initialize(ctx, o.PeerToPeer); err != nil {
		s.Close(ctx)
		return nil, err
	}

	aopts := []allocator.Option{allocator.WithLogger(o.Logger)}
	if o.PoolSize > 0 {
		aopts = append(aopts, allocator.WithSize(o.PoolSize))
	}
	if o.Probe != nil {
		aopts = append(aopts, allocator.WithDeviceProbe(o.Probe))
	}
	s.Allocator = allocator.New(aopts...)
	if err := s.Allocator.Reinitialize(ctx, s.Comms, o.PoolAllocator); err != nil {
		s.Close(ctx)
		return nil, err
	}
	return s, nil
}

// Close releases the cluster. Only the first call does anything.
func (s *Session) Close(ctx context.Context) {
	s.once.Do(func() {
		s.Manager.Release(ctx, s.Handle)
	})
}

// Cluster starts a session for t and releases it when t and its subtests
// complete.
func Cluster(t testing.TB, opts ...Option) *Session {
	t.Helper()
	logger := logging.NewWriterLogger(testWriter{t}, logging.WARN, false)
	opts = append([]Option{WithLogger(logger)}, opts...)

	s, err := Start(context.Background(), opts...)
	if err != nil {
		t.Fatalf("cluster fixture: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// Client starts a session for t and returns its client
func Client(t testing.TB, opts ...Option) *cluster.Client {
	t.Helper()
	return Cluster(t, opts...).Client
}

// testWriter routes log lines to the test log.
type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (s *Session) String() string {
	if s.Handle == nil {
		return "session(unprovisioned)"
	}
	return fmt.Sprintf("session(%s, devices %s)", s.Handle.ID, s.Handle.Devices)
}
