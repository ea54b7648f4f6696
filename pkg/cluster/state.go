package cluster

import "fmt"

// State is the lifecycle state of a cluster handle
type State string

const (
	StateUninitialized State = "uninitialized"
	StateProvisioning  State = "provisioning"
	StateReady         State = "ready"
	StateDraining      State = "draining"
	StateClosed        State = "closed"
)

// Provisioning -> Draining covers caller cleanup of a partially started cluster.
var validTransitions = map[State]map[State]bool{
	StateUninitialized: {StateProvisioning: true},
	StateProvisioning:  {StateReady: true, StateDraining: true},
	StateReady:         {StateDraining: true},
	StateDraining:      {StateClosed: true},
	StateClosed:        {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown state %s", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether no further transitions are possible
func (s State) IsTerminal() bool {
	return s == StateClosed
}
