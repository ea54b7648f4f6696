package cluster

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/graphcompute/mgcluster/pkg/agent"
	"github.com/graphcompute/mgcluster/pkg/models"
)

// Client submits work to the workers of a ready cluster. It is closed by
// Release; closing it earlier is allowed.
type Client struct {
	handle    *Handle
	scheduler *agent.SchedulerClient

	mu      sync.Mutex
	closed  bool
	workers map[string]*agent.WorkerClient
}

func newClient(h *Handle) *Client {
	return &Client{
		handle:    h,
		scheduler: agent.NewSchedulerClient(h.Address),
		workers:   make(map[string]*agent.WorkerClient),
	}
}

// ClusterID returns the ID of the cluster the client is bound to
func (c *Client) ClusterID() string { return c.handle.ID }

// SchedulerAddress returns the scheduler URL
func (c *Client) SchedulerAddress() string { return c.handle.Address }

// Workers lists the registered workers as reported by the scheduler,
// ordered by device index.
func (c *Client) Workers(ctx context.Context) ([]models.Worker, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.scheduler.ListWorkers(ctx)
}

// Worker returns an API client for a registered worker
func (c *Client) Worker(workerID string) (*agent.WorkerClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClusterClosed
	}
	if wc, ok := c.workers[workerID]; ok {
		return wc, nil
	}
	for _, w := range c.handle.Workers() {
		if w.ID == workerID {
			wc := agent.NewWorkerClient(w.Address)
			c.workers[workerID] = wc
			return wc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
}

// Submit runs task on one worker. A task that fails on the worker is
// returned as a *TaskError alongside its result.
func (c *Client) Submit(ctx context.Context, workerID string, task models.Task) (*models.TaskResult, error) {
	wc, err := c.Worker(workerID)
	if err != nil {
		return nil, err
	}
	result, err := wc.RunTask(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", workerID, err)
	}
	if result.Error != "" {
		return result, &TaskError{WorkerID: workerID, Kind: task.Kind, Message: result.Error}
	}
	return result, nil
}

// Broadcast runs task on every worker concurrently. Results are ordered by
// device index; the first failure cancels the remaining submissions.
func (c *Client) Broadcast(ctx context.Context, task models.Task) ([]models.TaskResult, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	workers := c.handle.Workers()
	results := make([]models.TaskResult, len(workers))

	g, gctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		g.Go(func() error {
			result, err := c.Submit(gctx, w.ID, task)
			if err != nil {
				return err
			}
			results[i] = *result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Close disconnects the client. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.workers = nil
	return nil
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClusterClosed
	}
	return nil
}
