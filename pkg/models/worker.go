package models

import (
	"encoding/json"
	"time"
)

// WorkerStatus is the scheduler's view of a worker
type WorkerStatus string

const (
	WorkerStatusRunning WorkerStatus = "running"
	WorkerStatusClosing WorkerStatus = "closing"
	WorkerStatusGone    WorkerStatus = "gone"
)

// HostInfo describes the machine a worker runs on
type HostInfo struct {
	Hostname      string `json:"hostname"`
	CPUThreads    int    `json:"cpu_threads"`
	RAMTotalBytes uint64 `json:"ram_total_bytes"`
}

// WorkerRegistration is sent by a worker once its endpoints are listening
type WorkerRegistration struct {
	Name           string            `json:"name"`
	Address        string            `json:"address"`     // HTTP base URL of the worker API
	P2PAddress     string            `json:"p2p_address"` // host:port of the point-to-point listener
	Device         int               `json:"device"`
	VisibleDevices string            `json:"visible_devices"`
	GPUName        string            `json:"gpu_name,omitempty"`
	PoolSizeBytes  uint64            `json:"pool_size_bytes"`
	Protocol       string            `json:"protocol"`
	Host           HostInfo          `json:"host"`
	Labels         map[string]string `json:"labels,omitempty"`
}

// Worker is a registered cluster member
type Worker struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Address       string       `json:"address"`
	P2PAddress    string       `json:"p2p_address"`
	Device        int          `json:"device"`
	GPUName       string       `json:"gpu_name,omitempty"`
	PoolSizeBytes uint64       `json:"pool_size_bytes"`
	Protocol      string       `json:"protocol"`
	Host          HostInfo     `json:"host"`
	Status        WorkerStatus `json:"status"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// WorkerList is the body of GET /workers
type WorkerList struct {
	Workers []Worker `json:"workers"`
	Count   int      `json:"count"`
}

// Task kinds every worker understands
const (
	TaskPing        = "ping"
	TaskEcho        = "echo"
	TaskDeviceInfo  = "device-info"
	TaskCommsStatus = "comms-status"
)

// Task is a unit of work submitted to a worker
type Task struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TaskResult is the worker's answer to a Task
type TaskResult struct {
	WorkerID string          `json:"worker_id"`
	Kind     string          `json:"kind"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// DeviceInfo is the output of TaskDeviceInfo
type DeviceInfo struct {
	Device         int    `json:"device"`
	VisibleDevices string `json:"visible_devices"`
	GPUName        string `json:"gpu_name,omitempty"`
	PoolSizeBytes  uint64 `json:"pool_size_bytes"`
}
