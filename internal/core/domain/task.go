// Package domain provides the orchestrator entities, cluster wire messages and domain errors.
package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Priority orders the queue, lower values are served first.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
)

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a priority name to its value, empty maps to normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, ErrInvalidPriority
	}
}

// TaskMetrics holds the timings stamped along the task lifecycle
type TaskMetrics struct {
	QueueTime      time.Duration `json:"queue_time"`
	ProcessingTime time.Duration `json:"processing_time"`
	TotalTime      time.Duration `json:"total_time"`
}

// Task represents a unit of work scheduled against an agent capacity
type Task struct {
	ID          string          `json:"id"`
	AgentName   string          `json:"agent_name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
	Priority    Priority        `json:"priority"`
	Status      TaskStatus      `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Metrics     TaskMetrics     `json:"metrics"`
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Input = cloneRaw(t.Input)
	cp.Context = cloneRaw(t.Context)
	cp.Result = cloneRaw(t.Result)
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

// TaskRequest carries the caller supplied fields of a new task.
type TaskRequest struct {
	ID        string          `json:"id"`
	AgentName string          `json:"agent_name"`
	Input     json.RawMessage `json:"input,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
	Priority  Priority        `json:"priority"`
}

// TaskEventType names a lifecycle transition.
type TaskEventType string

const (
	TaskEventCreated   TaskEventType = "task_created"
	TaskEventStarted   TaskEventType = "task_started"
	TaskEventCompleted TaskEventType = "task_completed"
	TaskEventFailed    TaskEventType = "task_failed"
)

// TaskEvent is delivered to task observers after each transition.
type TaskEvent struct {
	Type      TaskEventType `json:"type"`
	Task      *Task         `json:"task"`
	Timestamp time.Time     `json:"timestamp"`
}

// JournalEntry is one persisted lifecycle transition
type JournalEntry struct {
	TaskID     string        `json:"task_id"`
	NodeID     string        `json:"node_id"`
	Event      TaskEventType `json:"event"`
	Status     TaskStatus    `json:"status"`
	AgentName  string        `json:"agent_name"`
	Priority   Priority      `json:"priority"`
	Error      string        `json:"error,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}
