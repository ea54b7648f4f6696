package agent

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/graphcompute/mgcluster/pkg/models"
)

// SchedulerClient is a worker's connection to the cluster scheduler
type SchedulerClient struct {
	schedulerURL string
	httpClient   *http.Client
	token        string
	workerID     string
}

// NewSchedulerClient creates a client for the scheduler at schedulerURL
func NewSchedulerClient(schedulerURL string) *SchedulerClient {
	return &SchedulerClient{
		schedulerURL: strings.TrimRight(schedulerURL, "/"),
		httpClient:   newHTTPClient(),
	}
}

// WithToken makes the client present token on registration, heartbeat and
// deregistration.
func (c *SchedulerClient) WithToken(token string) *SchedulerClient {
	c.token = token
	return c
}

// Register registers the worker with the scheduler
func (c *SchedulerClient) Register(ctx context.Context, reg *models.WorkerRegistration) (*models.Worker, error) {
	var worker models.Worker
	if err := doJSON(ctx, c.httpClient, "registration", http.MethodPost, c.schedulerURL+"/workers/register", reg, &worker, http.StatusCreated, withBearer(c.token)); err != nil {
		return nil, err
	}
	c.workerID = worker.ID
	return &worker, nil
}

// Heartbeat tells the scheduler the worker is alive
func (c *SchedulerClient) Heartbeat(ctx context.Context) error {
	if c.workerID == "" {
		return fmt.Errorf("worker not registered")
	}
	return doJSON(ctx, c.httpClient, "heartbeat", http.MethodPost,
		fmt.Sprintf("%s/workers/%s/heartbeat", c.schedulerURL, c.workerID), nil, nil, http.StatusOK, withBearer(c.token))
}

// Deregister removes the worker from the scheduler
func (c *SchedulerClient) Deregister(ctx context.Context) error {
	if c.workerID == "" {
		return nil
	}
	return doJSON(ctx, c.httpClient, "deregistration", http.MethodDelete,
		fmt.Sprintf("%s/workers/%s", c.schedulerURL, c.workerID), nil, nil, http.StatusNoContent, withBearer(c.token))
}

// ListWorkers returns every registered worker
func (c *SchedulerClient) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	var list models.WorkerList
	if err := doJSON(ctx, c.httpClient, "list workers", http.MethodGet, c.schedulerURL+"/workers", nil, &list, http.StatusOK); err != nil {
		return nil, err
	}
	return list.Workers, nil
}

// WorkerID returns the ID assigned at registration
func (c *SchedulerClient) WorkerID() string {
	return c.workerID
}

// WorkerClient talks to a single worker's API
type WorkerClient struct {
	address    string
	httpClient *http.Client
}

// NewWorkerClient creates a client for the worker API at address
func NewWorkerClient(address string) *WorkerClient {
	return &WorkerClient{
		address:    strings.TrimRight(address, "/"),
		httpClient: newHTTPClient(),
	}
}

// RunTask executes task on the worker. A task that ran but failed is
// reported through TaskResult.Error, not the returned error.
func (c *WorkerClient) RunTask(ctx context.Context, task models.Task) (*models.TaskResult, error) {
	var result models.TaskResult
	if err := doJSON(ctx, c.httpClient, "task "+task.Kind, http.MethodPost, c.address+"/tasks", task, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// InitComms hands the worker its rank and peer table
func (c *WorkerClient) InitComms(ctx context.Context, req models.CommsInit) (*models.CommsInitResult, error) {
	var result models.CommsInitResult
	if err := doJSON(ctx, c.httpClient, "comms init", http.MethodPost, c.address+"/comms/init", req, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// ConnectComms makes the worker open point-to-point channels to its peers
func (c *WorkerClient) ConnectComms(ctx context.Context, sessionID string) (*models.CommsInitResult, error) {
	var result models.CommsInitResult
	req := models.CommsConnect{SessionID: sessionID}
	if err := doJSON(ctx, c.httpClient, "comms connect", http.MethodPost, c.address+"/comms/connect", req, &result, http.StatusOK); err != nil {
		return nil, err
	}
	return &result, nil
}

// DestroyComms makes the worker leave the session
func (c *WorkerClient) DestroyComms(ctx context.Context, sessionID string) error {
	return doJSON(ctx, c.httpClient, "comms destroy", http.MethodPost, c.address+"/comms/destroy",
		models.CommsDestroy{SessionID: sessionID}, nil, http.StatusNoContent)
}

// Health checks the worker is serving
func (c *WorkerClient) Health(ctx context.Context) error {
	return doJSON(ctx, c.httpClient, "health", http.MethodGet, c.address+"/health", nil, nil, http.StatusOK)
}
