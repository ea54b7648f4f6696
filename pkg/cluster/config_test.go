package cluster

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphcompute/mgcluster/pkg/logging"
)

func TestDeviceRangeDefaultsToOneThroughFour(t *testing.T) {
	t.Setenv(WorkersEnv, "")
	cfg := LoadConfig(viper.New(), nil)

	assert.Equal(t, []int{1, 2, 3, 4}, cfg.Devices().Indices())
	assert.Equal(t, "1,2,3,4", cfg.Devices().String())
}

func TestDeviceRangeFollowsWorkerEnv(t *testing.T) {
	t.Setenv(WorkersEnv, "2")
	cfg := LoadConfig(viper.New(), nil)

	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, []int{1, 2}, cfg.Devices().Indices())
}

func TestUnparsableWorkerEnvFallsBackAndLogs(t *testing.T) {
	t.Setenv(WorkersEnv, "four")
	var buf bytes.Buffer
	cfg := LoadConfig(viper.New(), logging.NewWriterLogger(&buf, logging.DEBUG, false))

	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Contains(t, buf.String(), "invalid configuration workers=\"four\"")
}

func TestZeroWorkersFallsBack(t *testing.T) {
	t.Setenv(WorkersEnv, "0")
	cfg := LoadConfig(viper.New(), nil)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
}

func TestLoadConfigReadsOtherKeys(t *testing.T) {
	t.Setenv(WorkersEnv, "")
	v := viper.New()
	v.Set("device_base", 4)
	v.Set("registration_timeout", "90s")
	v.Set("worker_pool_size", "1GiB")

	cfg := LoadConfig(v, nil)
	assert.Equal(t, DeviceRange{Base: 4, Width: 4}, cfg.Devices())
	assert.Equal(t, 90*time.Second, cfg.RegistrationTimeout)

	size, err := cfg.PoolSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<30), size)
}

func TestDefaultPoolSizeIsTwentyFiveGB(t *testing.T) {
	size, err := DefaultConfig().PoolSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(25_000_000_000), size)
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Protocol = "ucx"
	cfg.WorkerPoolSize = "lots"
	err := cfg.Validate()
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, err.Error(), "protocol")
	assert.Contains(t, err.Error(), "worker_pool_size")
}

func TestVisibleDevicesRotation(t *testing.T) {
	r := DeviceRange{Base: 1, Width: 4}
	assert.Equal(t, "1,2,3,4", r.VisibleDevicesFor(0))
	assert.Equal(t, "3,4,1,2", r.VisibleDevicesFor(2))
}

func TestOverlaps(t *testing.T) {
	a := DeviceRange{Base: 1, Width: 2}
	assert.True(t, a.Overlaps(DeviceRange{Base: 2, Width: 2}))
	assert.False(t, a.Overlaps(DeviceRange{Base: 3, Width: 2}))
}
