package comms

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphcompute/mgcluster/pkg/cluster"
	"github.com/graphcompute/mgcluster/pkg/models"
)

func startCluster(t *testing.T, workers int) (*cluster.Manager, *cluster.Handle, *cluster.Client) {
	t.Helper()
	cfg := cluster.DefaultConfig()
	cfg.Workers = workers
	cfg.RegistrationTimeout = 10 * time.Second
	cfg.HeartbeatInterval = time.Second
	m := cluster.NewManager(cfg)
	h, c, err := m.Acquire(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { m.Release(context.Background(), h) })
	return m, h, c
}

func commsStatus(t *testing.T, c *cluster.Client) []models.CommsStatus {
	t.Helper()
	results, err := c.Broadcast(context.Background(), models.Task{Kind: models.TaskCommsStatus})
	require.NoError(t, err)
	out := make([]models.CommsStatus, len(results))
	for i, r := range results {
		require.NoError(t, json.Unmarshal(r.Output, &out[i]))
	}
	return out
}

func TestInitializePeerToPeer(t *testing.T) {
	_, h, c := startCluster(t, 3)
	comm := New(h)

	require.NoError(t, comm.Initialize(context.Background(), true))
	assert.True(t, comm.Initialized())
	assert.NotEmpty(t, comm.SessionID())

	peers := comm.Peers()
	require.Len(t, peers, 3)
	ranks := make(map[int]bool)
	for i, p := range peers {
		assert.Equal(t, i, p.Rank)
		ranks[p.Rank] = true
	}
	assert.Len(t, ranks, 3)

	for _, st := range commsStatus(t, c) {
		assert.Equal(t, comm.SessionID(), st.SessionID)
		assert.True(t, st.PeerToPeer)
		assert.Equal(t, 2, st.Channels)
	}
}

func TestInitializeWithoutPeerToPeer(t *testing.T) {
	_, h, c := startCluster(t, 2)
	comm := New(h)

	require.NoError(t, comm.Initialize(context.Background(), false))
	for _, st := range commsStatus(t, c) {
		assert.Equal(t, comm.SessionID(), st.SessionID)
		assert.Zero(t, st.Channels)
	}
}

func TestSecondInitializeFails(t *testing.T) {
	_, h, _ := startCluster(t, 1)
	comm := New(h)

	require.NoError(t, comm.Initialize(context.Background(), true))
	session := comm.SessionID()
	assert.ErrorIs(t, comm.Initialize(context.Background(), true), ErrAlreadyInitialized)
	assert.Equal(t, session, comm.SessionID())
}

func TestInitializeRequiresReadyCluster(t *testing.T) {
	m, h, _ := startCluster(t, 1)
	m.Release(context.Background(), h)

	comm := New(h)
	assert.ErrorIs(t, comm.Initialize(context.Background(), true), ErrClusterNotReady)
	assert.Equal(t, StateUninitialized, comm.State())

	assert.ErrorIs(t, New(nil).Initialize(context.Background(), true), ErrClusterNotReady)
}

func TestReleaseDestroysCommunicator(t *testing.T) {
	m, h, c := startCluster(t, 2)
	comm := New(h)
	require.NoError(t, comm.Initialize(context.Background(), true))

	m.Release(context.Background(), h)

	assert.False(t, comm.Initialized())
	assert.NoError(t, h.TeardownErr())
	_, err := c.Workers(context.Background())
	assert.ErrorIs(t, err, cluster.ErrClusterClosed)
}

func TestDestroyIsIdempotent(t *testing.T) {
	_, h, c := startCluster(t, 2)
	comm := New(h)
	require.NoError(t, comm.Initialize(context.Background(), true))

	require.NoError(t, comm.Destroy(context.Background()))
	require.NoError(t, comm.Destroy(context.Background()))
	assert.Equal(t, StateUninitialized, comm.State())

	for _, st := range commsStatus(t, c) {
		assert.Empty(t, st.SessionID)
		assert.Zero(t, st.Channels)
	}
}
