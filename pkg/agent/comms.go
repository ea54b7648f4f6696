package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/graphcompute/mgcluster/pkg/logging"
	"github.com/graphcompute/mgcluster/pkg/models"
)

const (
	handshakePrefix  = "MGCOMMS"
	handshakeTimeout = 10 * time.Second
)

var (
	// ErrNoSession is returned when a comms call names a session the worker
	// has not joined.
	ErrNoSession = errors.New("no such comms session")
)

// commsState holds this worker's membership in a communicator session and
// its point-to-point channels.
type commsState struct {
	mu       sync.Mutex
	logger   *logging.Logger
	session  string
	rank     int
	p2p      bool
	peers    []models.Peer
	conns    []net.Conn
	inbound  int
	outbound int
}

func (c *commsState) join(req models.CommsInit) models.CommsInitResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()
	c.session = req.SessionID
	c.rank = req.Rank
	c.p2p = req.PeerToPeer
	c.peers = append([]models.Peer(nil), req.Peers...)
	return models.CommsInitResult{SessionID: c.session, Rank: c.rank}
}

// connect dials every peer with a higher rank, so each pair shares exactly
// one channel.
func (c *commsState) connect(ctx context.Context, sessionID string) (models.CommsInitResult, error) {
	c.mu.Lock()
	if c.session == "" || c.session != sessionID {
		c.mu.Unlock()
		return models.CommsInitResult{}, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	rank := c.rank
	var targets []models.Peer
	if c.p2p {
		for _, p := range c.peers {
			if p.Rank > rank {
				targets = append(targets, p)
			}
		}
	}
	c.mu.Unlock()

	for _, peer := range targets {
		conn, err := dialPeer(ctx, peer, sessionID, rank)
		if err != nil {
			return models.CommsInitResult{}, fmt.Errorf("rank %d -> rank %d: %w", rank, peer.Rank, err)
		}
		c.mu.Lock()
		if c.session != sessionID {
			c.mu.Unlock()
			conn.Close()
			return models.CommsInitResult{}, fmt.Errorf("%w: %s", ErrNoSession, sessionID)
		}
		c.conns = append(c.conns, conn)
		c.outbound++
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return models.CommsInitResult{SessionID: sessionID, Rank: rank, Channels: c.inbound + c.outbound}, nil
}

func dialPeer(ctx context.Context, peer models.Peer, sessionID string, rank int) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", peer.P2PAddress)
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if _, err := fmt.Fprintf(conn, "%s %s %d\n", handshakePrefix, sessionID, rank); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	fields := strings.Fields(reply)
	if len(fields) != 2 || fields[0] != "OK" || fields[1] != strconv.Itoa(peer.Rank) {
		conn.Close()
		return nil, fmt.Errorf("handshake rejected: %q", strings.TrimSpace(reply))
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}

func (c *commsState) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go c.accept(conn)
	}
}

func (c *commsState) accept(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.Close()
		return
	}
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != handshakePrefix {
		fmt.Fprintf(conn, "ERR malformed handshake\n")
		conn.Close()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == "" || fields[1] != c.session {
		fmt.Fprintf(conn, "ERR unknown session\n")
		conn.Close()
		return
	}
	if _, err := fmt.Fprintf(conn, "OK %d\n", c.rank); err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	c.conns = append(c.conns, conn)
	c.inbound++
	c.logger.Debug("Accepted peer channel", map[string]interface{}{"session": c.session, "peer_rank": fields[2]})
}

// leave drops the session. An empty sessionID matches any session.
func (c *commsState) leave(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID != "" && sessionID != c.session {
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	c.closeLocked()
	return nil
}

func (c *commsState) closeLocked() {
	for _, conn := range c.conns {
		conn.Close()
	}
	c.conns = nil
	c.inbound, c.outbound = 0, 0
	c.session = ""
	c.rank = 0
	c.p2p = false
	c.peers = nil
}

func (c *commsState) status() models.CommsStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.CommsStatus{
		SessionID:  c.session,
		Rank:       c.rank,
		PeerToPeer: c.p2p,
		Channels:   c.inbound + c.outbound,
	}
}
