package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/graphcompute/mgcluster/pkg/logging"
	"github.com/graphcompute/mgcluster/pkg/middleware"
	"github.com/graphcompute/mgcluster/pkg/models"
	"github.com/graphcompute/mgcluster/pkg/shutdown"
)

// scheduler is the registration point of a cluster's workers.
type scheduler struct {
	clusterID string
	protocol  string
	logger    *logging.Logger
	metrics   *Metrics
	gatherer  prometheus.Gatherer
	token     middleware.TokenValidator // nil admits any worker

	mu      sync.Mutex
	workers map[string]*models.Worker
	changed chan struct{}
	closing bool

	ln     net.Listener
	server *http.Server
}

func newScheduler(clusterID, protocol string, token middleware.TokenValidator, logger *logging.Logger, metrics *Metrics, gatherer prometheus.Gatherer) *scheduler {
	return &scheduler{
		clusterID: clusterID,
		token:     token,
		protocol:  protocol,
		logger:    logger,
		metrics:   metrics,
		gatherer:  gatherer,
		workers:   make(map[string]*models.Worker),
		changed:   make(chan struct{}),
	}
}

func (s *scheduler) start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.server = &http.Server{Handler: s.router(), ReadHeaderTimeout: 10 * time.Second}
	go s.server.Serve(ln)
	s.logger.Info(fmt.Sprintf("Scheduler listening on %s", s.url()))
	return nil
}

func (s *scheduler) url() string {
	return "http://" + s.ln.Addr().String()
}

// registered returns the worker count and a channel closed on the next change.
func (s *scheduler) registered() (int, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers), s.changed
}

func (s *scheduler) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// list returns the registered workers ordered by device index.
func (s *scheduler) list() []models.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// stop rejects further registrations and shuts the HTTP server down.
func (s *scheduler) stop(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	remaining := len(s.workers)
	s.workers = make(map[string]*models.Worker)
	s.notifyLocked()
	s.mu.Unlock()

	s.metrics.RegisteredWorkers.Sub(float64(remaining))
	if err := shutdown.StopHTTPServer(s.server)(ctx); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	return nil
}

func (s *scheduler) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(s.logger))

	members := r.NewRoute().Subrouter()
	if s.token != nil {
		members.Use(middleware.RequireToken(s.token, s.logger))
	}
	members.HandleFunc("/workers/register", s.registerWorker).Methods("POST")
	members.HandleFunc("/workers/{id}/heartbeat", s.heartbeat).Methods("POST")
	members.HandleFunc("/workers/{id}", s.removeWorker).Methods("DELETE")

	r.HandleFunc("/workers", s.listWorkers).Methods("GET")
	r.HandleFunc("/health", s.health).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	return r
}

func (s *scheduler) registerWorker(w http.ResponseWriter, r *http.Request) {
	var reg models.WorkerRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if reg.Protocol != s.protocol {
		http.Error(w, fmt.Sprintf("protocol %q does not match cluster protocol %q", reg.Protocol, s.protocol), http.StatusBadRequest)
		return
	}
	if reg.Address == "" || reg.P2PAddress == "" {
		http.Error(w, "address and p2p_address are required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "cluster is shutting down", http.StatusGone)
		return
	}
	for _, existing := range s.workers {
		if existing.Device == reg.Device {
			s.mu.Unlock()
			http.Error(w, fmt.Sprintf("device %d already held by worker %s", reg.Device, existing.ID), http.StatusConflict)
			return
		}
	}
	now := time.Now()
	worker := &models.Worker{
		ID:            uuid.New().String(),
		Name:          reg.Name,
		Address:       reg.Address,
		P2PAddress:    reg.P2PAddress,
		Device:        reg.Device,
		GPUName:       reg.GPUName,
		PoolSizeBytes: reg.PoolSizeBytes,
		Protocol:      reg.Protocol,
		Host:          reg.Host,
		Status:        models.WorkerStatusRunning,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	s.workers[worker.ID] = worker
	s.notifyLocked()
	s.mu.Unlock()

	s.metrics.RegisteredWorkers.Inc()
	s.logger.Info(fmt.Sprintf("Worker registered: %s [%s] device %d at %s", worker.Name, worker.ID, worker.Device, worker.Address))
	writeJSON(w, http.StatusCreated, worker)
}

func (s *scheduler) heartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	worker, ok := s.workers[id]
	if ok {
		worker.LastHeartbeat = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "Worker not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *scheduler) removeWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	_, ok := s.workers[id]
	if ok {
		delete(s.workers, id)
		s.notifyLocked()
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "Worker not found", http.StatusNotFound)
		return
	}
	s.metrics.RegisteredWorkers.Dec()
	s.logger.Info(fmt.Sprintf("Worker deregistered: %s", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *scheduler) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers := s.list()
	writeJSON(w, http.StatusOK, models.WorkerList{Workers: workers, Count: len(workers)})
}

func (s *scheduler) health(w http.ResponseWriter, r *http.Request) {
	count, _ := s.registered()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"cluster_id": s.clusterID,
		"workers":    count,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
