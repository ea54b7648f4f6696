package comms

import (
	"errors"
	"fmt"
)

var (
	// ErrClusterNotReady is returned when the cluster handle is not Ready.
	ErrClusterNotReady = errors.New("cluster is not ready")
	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("communicator already initialized")
)

// CommunicatorError reports a worker that failed to join the session
type CommunicatorError struct {
	Phase    string
	WorkerID string
	Err      error
}

func (e *CommunicatorError) Error() string {
	if e.WorkerID == "" {
		return fmt.Sprintf("communicator %s failed: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("communicator %s failed on worker %s: %v", e.Phase, e.WorkerID, e.Err)
}

func (e *CommunicatorError) Unwrap() error { return e.Err }
