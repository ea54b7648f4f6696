package agent

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphcompute/mgcluster/pkg/logging"
	"github.com/graphcompute/mgcluster/pkg/models"
)

func startPeers(t *testing.T, n int) ([]*commsState, []models.Peer) {
	t.Helper()
	states := make([]*commsState, n)
	peers := make([]models.Peer, n)
	for i := range states {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { ln.Close() })
		states[i] = &commsState{logger: logging.Discard()}
		go states[i].serve(ln)
		peers[i] = models.Peer{Rank: i, WorkerID: "w", P2PAddress: ln.Addr().String()}
	}
	t.Cleanup(func() {
		for _, s := range states {
			s.leave("")
		}
	})
	return states, peers
}

func TestFullMeshHandshake(t *testing.T) {
	states, peers := startPeers(t, 3)
	for i, s := range states {
		s.join(models.CommsInit{SessionID: "s1", Rank: i, PeerToPeer: true, Peers: peers})
	}
	for _, s := range states {
		_, err := s.connect(context.Background(), "s1")
		require.NoError(t, err)
	}

	for i, s := range states {
		st := s.status()
		assert.Equal(t, "s1", st.SessionID)
		assert.Equal(t, i, st.Rank)
		assert.Equal(t, 2, st.Channels, "rank %d", i)
	}
}

func TestConnectWithoutPeerToPeerOpensNoChannels(t *testing.T) {
	states, peers := startPeers(t, 2)
	for i, s := range states {
		s.join(models.CommsInit{SessionID: "s1", Rank: i, Peers: peers})
	}
	result, err := states[0].connect(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, result.Channels)
}

func TestConnectUnknownSession(t *testing.T) {
	states, _ := startPeers(t, 1)
	_, err := states[0].connect(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestHandshakeRejectsForeignSession(t *testing.T) {
	states, peers := startPeers(t, 2)
	states[0].join(models.CommsInit{SessionID: "a", Rank: 0, PeerToPeer: true, Peers: peers})
	states[1].join(models.CommsInit{SessionID: "b", Rank: 1, PeerToPeer: true, Peers: peers})

	_, err := states[0].connect(context.Background(), "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown session")
}

func TestLeaveClosesChannels(t *testing.T) {
	states, peers := startPeers(t, 2)
	for i, s := range states {
		s.join(models.CommsInit{SessionID: "s1", Rank: i, PeerToPeer: true, Peers: peers})
	}
	_, err := states[0].connect(context.Background(), "s1")
	require.NoError(t, err)

	require.NoError(t, states[0].leave("s1"))
	assert.Equal(t, models.CommsStatus{}, states[0].status())
	assert.ErrorIs(t, states[1].leave("other"), ErrNoSession)
}
