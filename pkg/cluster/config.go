package cluster

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/graphcompute/mgcluster/pkg/logging"
)

// WorkersEnv names the variable holding the worker count.
const WorkersEnv = "DASK_NUM_WORKERS"

const (
	DefaultWorkers             = 4
	DefaultDeviceBase          = 1 // device 0 stays with the driving process
	DefaultProtocol            = "tcp"
	DefaultWorkerPoolSize      = "25GB"
	DefaultRegistrationTimeout = 5 * time.Minute
	DefaultHeartbeatInterval   = 5 * time.Second
	DefaultTeardownTimeout     = 30 * time.Second
	DefaultSchedulerAddr       = "127.0.0.1:0"
)

// DeviceRange is the contiguous set of device indices [Base, Base+Width).
type DeviceRange struct {
	Base  int `json:"base" yaml:"base"`
	Width int `json:"width" yaml:"width"`
}

// Indices lists every device index in the range
func (r DeviceRange) Indices() []int {
	out := make([]int, 0, r.Width)
	for i := 0; i < r.Width; i++ {
		out = append(out, r.Base+i)
	}
	return out
}

// Last returns the highest index in the range
func (r DeviceRange) Last() int {
	return r.Base + r.Width - 1
}

// String renders the range in CUDA_VISIBLE_DEVICES form, e.g. "1,2,3,4".
func (r DeviceRange) String() string {
	return joinInts(r.Indices())
}

// Overlaps reports whether r and o share a device
func (r DeviceRange) Overlaps(o DeviceRange) bool {
	return r.Width > 0 && o.Width > 0 && r.Base <= o.Last() && o.Base <= r.Last()
}

// VisibleDevicesFor returns the range rotated so that the i-th device comes
// first, which is how each worker sees its own device as device 0.
func (r DeviceRange) VisibleDevicesFor(i int) string {
	idx := r.Indices()
	if len(idx) == 0 {
		return ""
	}
	i %= len(idx)
	return joinInts(append(idx[i:], idx[:i]...))
}

func joinInts(ints []int) string {
	parts := make([]string, len(ints))
	for i, v := range ints {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

// Config controls how a cluster is provisioned
type Config struct {
	Workers             int           `mapstructure:"workers"`
	DeviceBase          int           `mapstructure:"device_base"`
	Protocol            string        `mapstructure:"protocol"`
	WorkerPoolSize      string        `mapstructure:"worker_pool_size"`
	RegistrationTimeout time.Duration `mapstructure:"registration_timeout"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	TeardownTimeout     time.Duration `mapstructure:"teardown_timeout"`
	SchedulerAddr       string        `mapstructure:"scheduler_addr"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		Workers:             DefaultWorkers,
		DeviceBase:          DefaultDeviceBase,
		Protocol:            DefaultProtocol,
		WorkerPoolSize:      DefaultWorkerPoolSize,
		RegistrationTimeout: DefaultRegistrationTimeout,
		HeartbeatInterval:   DefaultHeartbeatInterval,
		TeardownTimeout:     DefaultTeardownTimeout,
		SchedulerAddr:       DefaultSchedulerAddr,
	}
}

// Devices returns the device range the workers will be pinned to
func (c Config) Devices() DeviceRange {
	return DeviceRange{Base: c.DeviceBase, Width: c.Workers}
}

// PoolSizeBytes parses WorkerPoolSize ("25GB" is 25e9 bytes).
func (c Config) PoolSizeBytes() (uint64, error) {
	n, err := humanize.ParseBytes(c.WorkerPoolSize)
	if err != nil {
		return 0, &ConfigurationError{Key: "worker_pool_size", Value: c.WorkerPoolSize, Err: err}
	}
	return n, nil
}

// Validate checks the configuration before provisioning
func (c Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, &ConfigurationError{Key: "workers", Value: strconv.Itoa(c.Workers), Err: errors.New("must be at least 1")})
	}
	if c.DeviceBase < 0 {
		errs = append(errs, &ConfigurationError{Key: "device_base", Value: strconv.Itoa(c.DeviceBase), Err: errors.New("must not be negative")})
	}
	if c.Protocol != DefaultProtocol {
		errs = append(errs, &ConfigurationError{Key: "protocol", Value: c.Protocol, Err: errors.New("only tcp is supported")})
	}
	if _, err := c.PoolSizeBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.RegistrationTimeout <= 0 {
		errs = append(errs, &ConfigurationError{Key: "registration_timeout", Value: c.RegistrationTimeout.String(), Err: errors.New("must be positive")})
	}
	return errors.Join(errs...)
}

// LoadConfig reads the configuration from v, binding the worker count to
// DASK_NUM_WORKERS. Unparsable values are logged as ConfigurationErrors and
// replaced by their defaults.
func LoadConfig(v *viper.Viper, logger *logging.Logger) Config {
	if v == nil {
		v = viper.New()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	_ = v.BindEnv("workers", WorkersEnv)

	cfg := DefaultConfig()
	fallback := func(key string, raw any, err error) {
		cerr := &ConfigurationError{Key: key, Value: cast.ToString(raw), Err: err}
		logger.Warn(fmt.Sprintf("%v; using default", cerr))
	}

	loadInt := func(key string, dst *int, min int) {
		if !v.IsSet(key) {
			return
		}
		raw := v.Get(key)
		n, err := cast.ToIntE(strings.TrimSpace(cast.ToString(raw)))
		if err != nil {
			fallback(key, raw, err)
			return
		}
		if n < min {
			fallback(key, raw, fmt.Errorf("must be at least %d", min))
			return
		}
		*dst = n
	}
	loadDuration := func(key string, dst *time.Duration) {
		if !v.IsSet(key) {
			return
		}
		raw := v.Get(key)
		d, err := cast.ToDurationE(raw)
		if err != nil || d <= 0 {
			if err == nil {
				err = errors.New("must be positive")
			}
			fallback(key, raw, err)
			return
		}
		*dst = d
	}
	loadString := func(key string, dst *string) {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			*dst = s
		}
	}

	loadInt("workers", &cfg.Workers, 1)
	loadInt("device_base", &cfg.DeviceBase, 0)
	loadString("protocol", &cfg.Protocol)
	loadString("worker_pool_size", &cfg.WorkerPoolSize)
	loadString("scheduler_addr", &cfg.SchedulerAddr)
	loadDuration("registration_timeout", &cfg.RegistrationTimeout)
	loadDuration("heartbeat_interval", &cfg.HeartbeatInterval)
	loadDuration("teardown_timeout", &cfg.TeardownTimeout)

	return cfg
}
