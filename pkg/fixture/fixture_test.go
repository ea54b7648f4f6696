package fixture

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphcompute/mgcluster/pkg/cluster"
	"github.com/graphcompute/mgcluster/pkg/comms"
	"github.com/graphcompute/mgcluster/pkg/logging"
	"github.com/graphcompute/mgcluster/pkg/models"
)

func testOptions(workers int) []Option {
	cfg := cluster.DefaultConfig()
	cfg.Workers = workers
	cfg.RegistrationTimeout = 10 * time.Second
	cfg.HeartbeatInterval = time.Second
	return []Option{WithConfig(cfg), WithPoolSize(1 << 30), WithLogger(logging.Discard())}
}

func TestStartBringsUpEverything(t *testing.T) {
	s, err := Start(context.Background(), testOptions(2)...)
	require.NoError(t, err)
	defer s.Close(context.Background())

	assert.Equal(t, cluster.StateReady, s.Handle.State())
	assert.True(t, s.Comms.Initialized())
	assert.Equal(t, uint64(1<<30), s.Allocator.Config().Size)
	assert.True(t, s.Allocator.Config().Enabled)

	results, err := s.Client.Broadcast(context.Background(), models.Task{Kind: models.TaskPing})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestCloseReleasesOnce(t *testing.T) {
	s, err := Start(context.Background(), testOptions(1)...)
	require.NoError(t, err)

	s.Close(context.Background())
	s.Close(context.Background())

	assert.Equal(t, cluster.StateClosed, s.Handle.State())
	assert.Equal(t, comms.StateUninitialized, s.Comms.State())
}

func TestSessionsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := append(testOptions(1), WithRegistry(reg))

	first, err := Start(context.Background(), opts...)
	require.NoError(t, err)
	first.Close(context.Background())

	second, err := Start(context.Background(), opts...)
	require.NoError(t, err)
	second.Close(context.Background())

	assert.Same(t, first.Manager.Metrics().Releases, second.Manager.Metrics().Releases)
	assert.Equal(t, 2.0, testutil.ToFloat64(second.Manager.Metrics().Releases))
	assert.Equal(t, 0.0, testutil.ToFloat64(second.Manager.Metrics().RegisteredWorkers))
}

func TestStartFailsWithoutDevices(t *testing.T) {
	opts := append(testOptions(4), WithDeviceProbe(cluster.FakeDevices(2, 1<<30)))

	s, err := Start(context.Background(), opts...)
	assert.Nil(t, s)
	var perr *cluster.ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, cluster.ErrInsufficientDevices)
}

func TestClientHelperReleasesOnCleanup(t *testing.T) {
	var s *Session
	t.Run("scope", func(t *testing.T) {
		s = Cluster(t, testOptions(2)...)
		_, err := s.Client.Workers(context.Background())
		require.NoError(t, err)
	})
	assert.Equal(t, cluster.StateClosed, s.Handle.State())
}

func TestClientHelper(t *testing.T) {
	c := Client(t, append(testOptions(1), WithoutPeerToPeer(), WithoutPool())...)

	workers, err := c.Workers(context.Background())
	require.NoError(t, err)
	assert.Len(t, workers, 1)
	assert.Equal(t, 1, workers[0].Device)
}

func TestFromEnvReadsWorkerCount(t *testing.T) {
	t.Setenv(cluster.WorkersEnv, "2")

	o := FromEnv(nil)
	assert.Equal(t, []int{1, 2}, o.Config.Devices().Indices())
	assert.True(t, o.PeerToPeer)
	assert.True(t, o.PoolAllocator)
}
