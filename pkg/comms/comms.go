package comms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/graphcompute/mgcluster/pkg/agent"
	"github.com/graphcompute/mgcluster/pkg/cluster"
	"github.com/graphcompute/mgcluster/pkg/logging"
	"github.com/graphcompute/mgcluster/pkg/models"
	"github.com/graphcompute/mgcluster/pkg/tracing"
)

// State of a Communicator
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
)

// Option configures a Communicator
type Option func(*Communicator)

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Communicator) { c.logger = l }
}

type member struct {
	peer   models.Peer
	client *agent.WorkerClient
}

// Communicator is the collective communication layer of one cluster
type Communicator struct {
	handle *cluster.Handle
	logger *logging.Logger

	mu         sync.Mutex
	state      State
	sessionID  string
	peerToPeer bool
	members    []member
}

// New creates an uninitialized communicator for h
func New(h *cluster.Handle, opts ...Option) *Communicator {
	c := &Communicator{handle: h, state: StateUninitialized}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	return c
}

// State returns the communicator state
func (c *Communicator) State() State {
	if c == nil {
		return StateUninitialized
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialized reports whether Initialize has succeeded and Destroy has not
// run since.
func (c *Communicator) Initialized() bool {
	return c.State() == StateInitialized
}

// SessionID returns the current session, empty when uninitialized
func (c *Communicator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Peers returns the rank table of the current session
func (c *Communicator) Peers() []models.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Peer, len(c.members))
	for i, m := range c.members {
		out[i] = m.peer
	}
	return out
}

// Initialize assigns ranks in registration order and makes every worker join
// the session. With peerToPeer each pair of workers also opens a direct
// channel. On failure the workers are told to leave again and the
// communicator stays uninitialized. On success Destroy is registered to run
// when the cluster is released.
func (c *Communicator) Initialize(ctx context.Context, peerToPeer bool) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateInitialized {
		return ErrAlreadyInitialized
	}
	if c.handle == nil || c.handle.State() != cluster.StateReady {
		return ErrClusterNotReady
	}

	sessionID := uuid.New().String()
	ctx, span := tracing.Start(ctx, "comms.initialize",
		attribute.String("cluster_id", c.handle.ID),
		attribute.String("session_id", sessionID),
		attribute.Bool("peer_to_peer", peerToPeer),
	)
	defer func() { tracing.End(span, err) }()

	members := rankWorkers(c.handle.Workers())
	if len(members) == 0 {
		return &CommunicatorError{Phase: "init", Err: errors.New("cluster has no workers")}
	}
	peers := make([]models.Peer, len(members))
	for i, m := range members {
		peers[i] = m.peer
	}
	logger := c.logger.WithField("session_id", sessionID)

	err = forEach(ctx, members, "init", func(ctx context.Context, m member) error {
		_, err := m.client.InitComms(ctx, models.CommsInit{
			SessionID:  sessionID,
			Rank:       m.peer.Rank,
			PeerToPeer: peerToPeer,
			Peers:      peers,
		})
		return err
	})
	if err == nil && peerToPeer {
		err = forEach(ctx, members, "connect", func(ctx context.Context, m member) error {
			_, err := m.client.ConnectComms(ctx, sessionID)
			return err
		})
		if err == nil {
			err = forEach(ctx, members, "verify", func(ctx context.Context, m member) error {
				return verifyChannels(ctx, m, sessionID, len(members)-1)
			})
		}
	}
	if err == nil {
		if herr := c.handle.OnRelease("comms", c.Destroy); herr != nil {
			err = &CommunicatorError{Phase: "register", Err: herr}
		}
	}
	if err != nil {
		if derr := leaveAll(context.WithoutCancel(ctx), members, sessionID); derr != nil {
			logger.Warn(fmt.Sprintf("Cleanup after failed initialize: %v", derr))
		}
		logger.Error(err.Error())
		return err
	}

	c.state = StateInitialized
	c.sessionID = sessionID
	c.peerToPeer = peerToPeer
	c.members = members
	logger.Info(fmt.Sprintf("Communicator initialized over %d workers (p2p=%t)", len(members), peerToPeer))
	return nil
}

// Destroy makes every worker leave the session. It is a no-op when the
// communicator is not initialized.
func (c *Communicator) Destroy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInitialized {
		return nil
	}

	ctx, span := tracing.Start(ctx, "comms.destroy", attribute.String("session_id", c.sessionID))
	err := leaveAll(ctx, c.members, c.sessionID)
	tracing.End(span, err)

	c.logger.Info("Communicator destroyed", map[string]interface{}{"session_id": c.sessionID})
	c.state = StateUninitialized
	c.sessionID = ""
	c.peerToPeer = false
	c.members = nil
	return err
}

// rankWorkers orders workers by registration time, then device.
func rankWorkers(workers []models.Worker) []member {
	sort.SliceStable(workers, func(i, j int) bool {
		if workers[i].RegisteredAt.Equal(workers[j].RegisteredAt) {
			return workers[i].Device < workers[j].Device
		}
		return workers[i].RegisteredAt.Before(workers[j].RegisteredAt)
	})
	members := make([]member, len(workers))
	for i, w := range workers {
		members[i] = member{
			peer:   models.Peer{Rank: i, WorkerID: w.ID, P2PAddress: w.P2PAddress},
			client: agent.NewWorkerClient(w.Address),
		}
	}
	return members
}

// forEach runs fn on every member concurrently and reports the first failure.
func forEach(ctx context.Context, members []member, phase string, fn func(context.Context, member) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range members {
		g.Go(func() error {
			if err := fn(gctx, m); err != nil {
				return &CommunicatorError{Phase: phase, WorkerID: m.peer.WorkerID, Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

func verifyChannels(ctx context.Context, m member, sessionID string, want int) error {
	result, err := m.client.RunTask(ctx, models.Task{Kind: models.TaskCommsStatus})
	if err != nil {
		return err
	}
	if result.Error != "" {
		return errors.New(result.Error)
	}
	var status models.CommsStatus
	if err := json.Unmarshal(result.Output, &status); err != nil {
		return fmt.Errorf("failed to decode comms status: %w", err)
	}
	if status.SessionID != sessionID || status.Channels != want {
		return fmt.Errorf("rank %d has %d of %d channels in session %q", m.peer.Rank, status.Channels, want, status.SessionID)
	}
	return nil
}

// leaveAll tells every member to leave, collecting every failure.
func leaveAll(ctx context.Context, members []member, sessionID string) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, m := range members {
		g.Go(func() error {
			if err := m.client.DestroyComms(ctx, sessionID); err != nil {
				mu.Lock()
				errs = append(errs, &CommunicatorError{Phase: "destroy", WorkerID: m.peer.WorkerID, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
