package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphcompute/mgcluster/pkg/models"
)

type fakeScheduler struct {
	registered   chan models.WorkerRegistration
	heartbeats   atomic.Int32
	deregistered atomic.Bool
}

func newFakeScheduler(t *testing.T) (*fakeScheduler, *httptest.Server) {
	fs := &fakeScheduler{registered: make(chan models.WorkerRegistration, 1)}
	r := mux.NewRouter()
	r.HandleFunc("/workers/register", func(w http.ResponseWriter, r *http.Request) {
		var reg models.WorkerRegistration
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&reg))
		fs.registered <- reg
		writeJSON(w, http.StatusCreated, models.Worker{ID: "w-1", Address: reg.Address, Device: reg.Device})
	}).Methods("POST")
	r.HandleFunc("/workers/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		fs.heartbeats.Add(1)
		w.WriteHeader(http.StatusOK)
	}).Methods("POST")
	r.HandleFunc("/workers/{id}", func(w http.ResponseWriter, r *http.Request) {
		fs.deregistered.Store(true)
		w.WriteHeader(http.StatusNoContent)
	}).Methods("DELETE")
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return fs, server
}

func TestWorkerRegistersServesTasksAndDeregisters(t *testing.T) {
	fs, server := newFakeScheduler(t)
	w := New(Config{
		Name:              "worker-0",
		SchedulerURL:      server.URL,
		Device:            2,
		VisibleDevices:    "2,3,1",
		PoolSizeBytes:     25_000_000_000,
		HeartbeatInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	var reg models.WorkerRegistration
	select {
	case reg = <-fs.registered:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never registered")
	}
	assert.Equal(t, 2, reg.Device)
	assert.Equal(t, "tcp", reg.Protocol)
	assert.NotEmpty(t, reg.P2PAddress)

	client := NewWorkerClient(reg.Address)
	require.NoError(t, client.Health(context.Background()))

	result, err := client.RunTask(context.Background(), models.Task{Kind: models.TaskPing})
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(result.Output))

	result, err = client.RunTask(context.Background(), models.Task{Kind: models.TaskDeviceInfo})
	require.NoError(t, err)
	var info models.DeviceInfo
	require.NoError(t, json.Unmarshal(result.Output, &info))
	assert.Equal(t, models.DeviceInfo{Device: 2, VisibleDevices: "2,3,1", PoolSizeBytes: 25_000_000_000}, info)

	_, err = client.RunTask(context.Background(), models.Task{Kind: "pagerank"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Status)

	assert.Eventually(t, func() bool { return fs.heartbeats.Load() > 0 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.True(t, fs.deregistered.Load())
}

func TestRegisteredTaskReportsFailure(t *testing.T) {
	w := New(Config{Device: 1})
	w.RegisterTask("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, assert.AnError
	})
	server := httptest.NewServer(w.Router())
	defer server.Close()

	result, err := NewWorkerClient(server.URL).RunTask(context.Background(), models.Task{Kind: "fail"})
	require.NoError(t, err)
	assert.Equal(t, assert.AnError.Error(), result.Error)
}

func TestEchoTask(t *testing.T) {
	w := New(Config{})
	server := httptest.NewServer(w.Router())
	defer server.Close()

	result, err := NewWorkerClient(server.URL).RunTask(context.Background(), models.Task{
		Kind:    models.TaskEcho,
		Payload: json.RawMessage(`{"vertices":[1,2,3]}`),
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"vertices":[1,2,3]}`, string(result.Output))
}

func TestRunFailsWhenSchedulerRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "duplicate device", http.StatusConflict)
	}))
	defer server.Close()

	w := New(Config{SchedulerURL: server.URL})
	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate device")
}
