// Package allocator configures the pooled device memory allocator of the
// driving process once the communicator is up, and keeps the accounting of
// what has been handed out from the pool.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel/attribute"

	"github.com/graphcompute/mgcluster/pkg/cluster"
	"github.com/graphcompute/mgcluster/pkg/logging"
	"github.com/graphcompute/mgcluster/pkg/tracing"
)

var (
	// ErrCommunicatorNotInitialized is returned by Reinitialize before the
	// communicator is up.
	ErrCommunicatorNotInitialized = errors.New("communicator not initialized")
	// ErrPoolExhausted is returned when an allocation does not fit the pool.
	ErrPoolExhausted = errors.New("memory pool exhausted")
	// ErrNotConfigured is returned by Allocate before Reinitialize.
	ErrNotConfigured = errors.New("allocator not configured")
	// ErrStaleBlock is returned when freeing a block from an earlier
	// configuration or one that is not outstanding.
	ErrStaleBlock = errors.New("block is not outstanding")
)

// DriverDevice is the device the driving process allocates on.
const DriverDevice = 0

// Communicator is what the allocator needs to know about the communicator
type Communicator interface {
	Initialized() bool
}

// PoolConfig is the driver-side allocator configuration
type PoolConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Size    uint64 `json:"size" yaml:"size"`
}

// Block is an allocation handed out by the allocator
type Block struct {
	ID         uint64
	Size       uint64
	Generation uint64
}

// Stats summarizes the allocator
type Stats struct {
	Generation  uint64 `json:"generation" yaml:"generation"`
	PoolEnabled bool   `json:"pool_enabled" yaml:"pool_enabled"`
	PoolSize    uint64 `json:"pool_size" yaml:"pool_size"`
	InUse       uint64 `json:"in_use" yaml:"in_use"`
	Peak        uint64 `json:"peak" yaml:"peak"`
	Outstanding int    `json:"outstanding" yaml:"outstanding"`
}

// Option configures an Allocator
type Option func(*Allocator)

// WithSize fixes the pool size instead of deriving it from the device.
func WithSize(size uint64) Option {
	return func(a *Allocator) { a.size = size }
}

// WithDeviceProbe sets the probe used to size the pool from device memory.
func WithDeviceProbe(p cluster.DeviceProbe) Option {
	return func(a *Allocator) { a.probe = p }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(a *Allocator) { a.logger = l }
}

// Allocator is the driver process' memory allocator
type Allocator struct {
	size   uint64
	probe  cluster.DeviceProbe
	logger *logging.Logger

	mu          sync.Mutex
	configured  bool
	cfg         PoolConfig
	generation  uint64
	nextID      uint64
	inUse       uint64
	peak        uint64
	outstanding map[uint64]uint64
}

// New creates an unconfigured allocator
func New(opts ...Option) *Allocator {
	a := &Allocator{outstanding: make(map[uint64]uint64)}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.Discard()
	}
	return a
}

// Reinitialize reconfigures the allocator, with or without a pool. It
// requires an initialized communicator. Every call discards the accounting
// of the previous configuration, so blocks allocated before it can no longer
// be freed.
func (a *Allocator) Reinitialize(ctx context.Context, comm Communicator, poolAllocator bool) (err error) {
	if comm == nil || !comm.Initialized() {
		return ErrCommunicatorNotInitialized
	}
	ctx, span := tracing.Start(ctx, "allocator.reinitialize", attribute.Bool("pool_allocator", poolAllocator))
	defer func() { tracing.End(span, err) }()

	cfg := PoolConfig{Enabled: poolAllocator}
	if poolAllocator {
		cfg.Size, err = a.poolSize(ctx)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int64("pool_size", int64(cfg.Size)))
	}

	a.mu.Lock()
	a.configured = true
	a.cfg = cfg
	a.generation++
	a.inUse, a.peak = 0, 0
	a.outstanding = make(map[uint64]uint64)
	gen := a.generation
	a.mu.Unlock()

	if cfg.Enabled {
		a.logger.Info(fmt.Sprintf("Allocator reinitialized with a %s pool", humanize.Bytes(cfg.Size)), map[string]interface{}{"generation": gen})
	} else {
		a.logger.Info("Allocator reinitialized without a pool", map[string]interface{}{"generation": gen})
	}
	return nil
}

// poolSize is the configured size, or half of the driver device's memory,
// or half of the available host memory when no device is visible.
func (a *Allocator) poolSize(ctx context.Context) (uint64, error) {
	if a.size > 0 {
		return a.size, nil
	}
	if a.probe != nil {
		devices, err := a.probe.Devices(ctx)
		if err != nil {
			a.logger.Warn(fmt.Sprintf("Device probe failed, sizing pool from host memory: %v", err))
		} else if d, ok := cluster.FindDevice(devices, DriverDevice); ok && d.MemoryBytes > 0 {
			return d.MemoryBytes / 2, nil
		}
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read host memory: %w", err)
	}
	if vm.Available == 0 {
		return 0, errors.New("no memory available for the pool")
	}
	return vm.Available / 2, nil
}

// Config returns the current pool configuration
func (a *Allocator) Config() PoolConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Allocate hands out n bytes. With the pool enabled the allocation must fit
// the remaining pool; without it every allocation succeeds.
func (a *Allocator) Allocate(n uint64) (Block, error) {
	if n == 0 {
		return Block{}, errors.New("allocation size must be positive")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.configured {
		return Block{}, ErrNotConfigured
	}
	if a.cfg.Enabled && n > a.cfg.Size-a.inUse {
		return Block{}, fmt.Errorf("%w: requested %s, %s of %s free", ErrPoolExhausted,
			humanize.Bytes(n), humanize.Bytes(a.cfg.Size-a.inUse), humanize.Bytes(a.cfg.Size))
	}
	a.nextID++
	a.inUse += n
	if a.inUse > a.peak {
		a.peak = a.inUse
	}
	a.outstanding[a.nextID] = n
	return Block{ID: a.nextID, Size: n, Generation: a.generation}, nil
}

// Free returns b to the pool
func (a *Allocator) Free(b Block) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	size, ok := a.outstanding[b.ID]
	if !ok || b.Generation != a.generation {
		return fmt.Errorf("%w: block %d of generation %d", ErrStaleBlock, b.ID, b.Generation)
	}
	delete(a.outstanding, b.ID)
	a.inUse -= size
	return nil
}

// Stats returns a snapshot of the accounting
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Generation:  a.generation,
		PoolEnabled: a.cfg.Enabled,
		PoolSize:    a.cfg.Size,
		InUse:       a.inUse,
		Peak:        a.peak,
		Outstanding: len(a.outstanding),
	}
}
