package domain

import "errors"

var (
	// ErrInvalidTask is returned when a task request misses required fields
	ErrInvalidTask = errors.New("invalid task")
	// ErrInvalidPriority is returned for priorities outside critical..low
	ErrInvalidPriority = errors.New("invalid priority")
	// ErrUnknownAgent is returned when no capacity is configured for an agent
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrCapacityExhausted is returned when reserving an agent already at max
	ErrCapacityExhausted = errors.New("agent capacity exhausted")
	// ErrDuplicateTask is returned when the task id is already queued or processing
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrTaskNotFound is returned by lookups of unknown tasks
	ErrTaskNotFound = errors.New("task not found")
	// ErrShuttingDown is returned once the orchestrator started draining
	ErrShuttingDown = errors.New("orchestrator shutting down")
)
