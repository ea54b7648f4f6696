package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/graphcompute/mgcluster/pkg/logging"
	"github.com/graphcompute/mgcluster/pkg/models"
	"github.com/graphcompute/mgcluster/pkg/retry"
)

// Config describes one worker
type Config struct {
	Name              string
	SchedulerURL      string
	JoinToken         string // presented to the scheduler
	Device            int
	VisibleDevices    string
	PoolSizeBytes     uint64
	Protocol          string
	BindHost          string        // defaults to 127.0.0.1
	HeartbeatInterval time.Duration // defaults to 5s
	DetectGPU         bool          // query nvidia-smi for the device name
	Labels            map[string]string
	Retry             *retry.Config // defaults to retry.DefaultConfig()
	Logger            *logging.Logger
}

// Worker is a cluster member pinned to one device. It serves the task and
// comms API over HTTP and keeps a separate TCP listener for peer channels.
type Worker struct {
	cfg       Config
	logger    *logging.Logger
	scheduler *SchedulerClient
	comms     *commsState
	gpuName   string

	mu    sync.RWMutex
	tasks map[string]TaskFunc
	id    string
}

// New creates a worker; call Run to start it
func New(cfg Config) *Worker {
	if cfg.BindHost == "" {
		cfg.BindHost = "127.0.0.1"
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "tcp"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithField("device", cfg.Device)

	w := &Worker{
		cfg:       cfg,
		logger:    logger,
		scheduler: NewSchedulerClient(cfg.SchedulerURL).WithToken(cfg.JoinToken),
		comms:     &commsState{logger: logger},
	}
	w.tasks = w.builtinTasks()
	return w
}

// RegisterTask adds or replaces a task kind
func (w *Worker) RegisterTask(kind string, fn TaskFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tasks[kind] = fn
}

// ID returns the scheduler-assigned ID, empty until registered
func (w *Worker) ID() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.id
}

// Run starts the worker, registers it and heartbeats until ctx is done.
// On return the worker has deregistered (best effort) and closed its
// listeners.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.Protocol != "tcp" {
		return fmt.Errorf("unsupported protocol %q", w.cfg.Protocol)
	}

	httpLn, err := net.Listen("tcp", net.JoinHostPort(w.cfg.BindHost, "0"))
	if err != nil {
		return fmt.Errorf("failed to listen for worker API: %w", err)
	}
	p2pLn, err := net.Listen("tcp", net.JoinHostPort(w.cfg.BindHost, "0"))
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("failed to listen for peer channels: %w", err)
	}

	srv := &http.Server{Handler: w.Router(), ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(httpLn)
	go w.comms.serve(p2pLn)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.comms.leave("")
		p2pLn.Close()
		srv.Shutdown(shutdownCtx)
	}()

	if w.cfg.DetectGPU {
		w.gpuName = DetectGPUName(ctx, w.cfg.Device)
	}

	reg := &models.WorkerRegistration{
		Name:           w.cfg.Name,
		Address:        "http://" + httpLn.Addr().String(),
		P2PAddress:     p2pLn.Addr().String(),
		Device:         w.cfg.Device,
		VisibleDevices: w.cfg.VisibleDevices,
		GPUName:        w.gpuName,
		PoolSizeBytes:  w.cfg.PoolSizeBytes,
		Protocol:       w.cfg.Protocol,
		Host:           DetectHost(),
		Labels:         w.cfg.Labels,
	}

	retryCfg := retry.DefaultConfig()
	if w.cfg.Retry != nil {
		retryCfg = *w.cfg.Retry
	}
	var registered *models.Worker
	err = retry.Do(ctx, retryCfg, func() error {
		var err error
		registered, err = w.scheduler.Register(ctx, reg)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to register with scheduler: %w", err)
	}

	w.mu.Lock()
	w.id = registered.ID
	w.mu.Unlock()
	logger := w.logger.WithField("worker_id", registered.ID)
	logger.Info(fmt.Sprintf("Worker registered at %s (p2p %s)", reg.Address, reg.P2PAddress))

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			deregCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := w.scheduler.Deregister(deregCtx); err != nil {
				logger.Debug(fmt.Sprintf("Deregistration failed: %v", err))
			}
			cancel()
			return nil
		case <-ticker.C:
			if err := w.scheduler.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				logger.Warn(fmt.Sprintf("Heartbeat failed: %v", err))
			}
		}
	}
}

// Router returns the worker's HTTP API
func (w *Worker) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/tasks", w.handleTask).Methods("POST")
	r.HandleFunc("/comms/init", w.handleCommsInit).Methods("POST")
	r.HandleFunc("/comms/connect", w.handleCommsConnect).Methods("POST")
	r.HandleFunc("/comms/destroy", w.handleCommsDestroy).Methods("POST")
	r.HandleFunc("/health", w.handleHealth).Methods("GET")
	return r
}

func (w *Worker) handleTask(rw http.ResponseWriter, r *http.Request) {
	var task models.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(rw, "Invalid request body", http.StatusBadRequest)
		return
	}

	w.mu.RLock()
	fn, ok := w.tasks[task.Kind]
	w.mu.RUnlock()
	if !ok {
		http.Error(rw, fmt.Sprintf("unknown task kind %q", task.Kind), http.StatusBadRequest)
		return
	}

	result := models.TaskResult{WorkerID: w.ID(), Kind: task.Kind}
	out, err := fn(r.Context(), task.Payload)
	if err != nil {
		result.Error = err.Error()
	} else if out != nil {
		data, err := json.Marshal(out)
		if err != nil {
			result.Error = fmt.Sprintf("failed to encode output: %v", err)
		} else {
			result.Output = data
		}
	}
	writeJSON(rw, http.StatusOK, result)
}

func (w *Worker) handleCommsInit(rw http.ResponseWriter, r *http.Request) {
	var req models.CommsInit
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(rw, "Invalid request body", http.StatusBadRequest)
		return
	}
	result := w.comms.join(req)
	w.logger.Info(fmt.Sprintf("Joined comms session %s as rank %d", req.SessionID, req.Rank))
	writeJSON(rw, http.StatusOK, result)
}

func (w *Worker) handleCommsConnect(rw http.ResponseWriter, r *http.Request) {
	var req models.CommsConnect
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, "Invalid request body", http.StatusBadRequest)
		return
	}
	result, err := w.comms.connect(r.Context(), req.SessionID)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrNoSession) {
			status = http.StatusNotFound
		}
		http.Error(rw, err.Error(), status)
		return
	}
	writeJSON(rw, http.StatusOK, result)
}

func (w *Worker) handleCommsDestroy(rw http.ResponseWriter, r *http.Request) {
	var req models.CommsDestroy
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := w.comms.leave(req.SessionID); err != nil {
		http.Error(rw, err.Error(), http.StatusNotFound)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok", "worker_id": w.ID()})
}
