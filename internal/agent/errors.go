package agent

import "errors"

// Error kinds surfaced by the loop and the subagent manager.
var (
	// ErrIterationLimit is returned when a turn exhausts max_iterations
	// without a terminal text response.
	ErrIterationLimit = errors.New("agent: iteration limit reached")
	// ErrCapacityExceeded is returned by Spawn when the global subagent
	// concurrency cap is saturated.
	ErrCapacityExceeded = errors.New("subagent: capacity exceeded")
)
