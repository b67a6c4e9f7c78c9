package domain

import "time"

// CircuitFSMState is the three-state breaker FSM, keyed per (peer, optional
// model) by the owning circuitbreaker.Registry.
type CircuitFSMState int32

const (
	CircuitClosed CircuitFSMState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitFSMState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitSnapshot is the exposed point-in-time view of a breaker.
type CircuitSnapshot struct {
	State         CircuitFSMState
	FailureCount  uint64
	SuccessCount  uint64
	LastFailureAt time.Time
}
