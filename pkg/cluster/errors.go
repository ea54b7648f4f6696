package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrRegistrationTimeout is returned when workers do not all register
	// within Config.RegistrationTimeout.
	ErrRegistrationTimeout = errors.New("timed out waiting for workers to register")
	// ErrInsufficientDevices is returned when the device range does not fit
	// the devices present on the host.
	ErrInsufficientDevices = errors.New("insufficient physical devices")
	// ErrWorkerExited is returned when a worker process ends before registering.
	ErrWorkerExited = errors.New("worker exited before registering")
	// ErrInvalidTransition reports an illegal lifecycle state change.
	ErrInvalidTransition = errors.New("invalid cluster state transition")
	// ErrClusterClosed is returned by Client calls after release.
	ErrClusterClosed = errors.New("cluster client closed")
	// ErrUnknownWorker is returned when a worker ID is not registered.
	ErrUnknownWorker = errors.New("unknown worker")
)

// ConfigurationError reports an invalid configuration value. Values read from
// the environment fall back to defaults instead of failing.
type ConfigurationError struct {
	Key   string
	Value string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s=%q: %v", e.Key, e.Value, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ProvisioningError reports that the cluster or one of its workers failed to
// start. It is fatal for the owning test scope and never retried.
type ProvisioningError struct {
	Stage string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("cluster provisioning failed (%s): %v", e.Stage, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// TeardownError reports a failure while releasing a cluster. It is logged,
// never returned by Release.
type TeardownError struct {
	ClusterID string
	Err       error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("cluster %s teardown: %v", e.ClusterID, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// TaskError reports a task that reached a worker and failed there.
type TaskError struct {
	WorkerID string
	Kind     string
	Message  string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s on worker %s failed: %s", e.Kind, e.WorkerID, e.Message)
}
