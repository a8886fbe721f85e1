package service

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TaskObserver receives lifecycle events synchronously, after the transition is applied.
type TaskObserver func(event domain.TaskEvent)

// SchedulerOption configures a TaskScheduler
type SchedulerOption func(*TaskScheduler)

// WithSchedulerClock replaces time.Now, used by tests.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *TaskScheduler) { s.now = now }
}

// WithIDGenerator replaces the UUID generator used for tasks created without an id.
func WithIDGenerator(newID func() string) SchedulerOption {
	return func(s *TaskScheduler) { s.newID = newID }
}

// TaskScheduler keeps an in-memory priority queue and the processing map of one node.
//
// The queue is sorted by ascending priority with ties in insertion order. There is no
// aging: a steady flow of critical tasks can delay low ones indefinitely.
type TaskScheduler struct {
	pool *CapacityPool
	log  *zap.Logger

	mu         sync.Mutex
	queue      []*domain.Task
	processing map[string]*domain.Task
	metrics    domain.SchedulerMetrics
	observers  []TaskObserver

	now   func() time.Time
	newID func() string
}

// NewTaskScheduler creates a scheduler dispatching against pool.
func NewTaskScheduler(pool *CapacityPool, log *zap.Logger, opts ...SchedulerOption) *TaskScheduler {
	s := &TaskScheduler{
		pool:       pool,
		log:        log,
		processing: make(map[string]*domain.Task),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnTaskEvent registers an observer for every lifecycle transition.
func (s *TaskScheduler) OnTaskEvent(fn TaskObserver) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// CreateTask validates req and queues a new task.
func (s *TaskScheduler) CreateTask(req domain.TaskRequest) (*domain.Task, error) {
	if req.AgentName == "" {
		return nil, fmt.Errorf("create task: agent name is required: %w", domain.ErrInvalidTask)
	}
	priority := req.Priority
	if priority == 0 {
		priority = domain.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("create task: priority %d: %w", req.Priority, domain.ErrInvalidPriority)
	}
	if !s.pool.Has(req.AgentName) {
		return nil, fmt.Errorf("create task: agent %q: %w", req.AgentName, domain.ErrUnknownAgent)
	}

	s.mu.Lock()
	id := req.ID
	if id == "" {
		id = s.newID()
	}
	if s.knownLocked(id) {
		s.mu.Unlock()
		return nil, fmt.Errorf("create task %q: %w", id, domain.ErrDuplicateTask)
	}

	task := &domain.Task{
		ID:        id,
		AgentName: req.AgentName,
		Input:     req.Input,
		Context:   req.Context,
		Priority:  priority,
		Status:    domain.TaskStatusQueued,
		CreatedAt: s.now(),
	}

	// first position holding a strictly lower priority keeps ties in arrival order
	idx := sort.Search(len(s.queue), func(i int) bool {
		return s.queue[i].Priority > priority
	})
	s.queue = append(s.queue, nil)
	copy(s.queue[idx+1:], s.queue[idx:])
	s.queue[idx] = task

	queueLength := len(s.queue)
	out := task.Clone()
	observers := s.observersLocked()
	s.mu.Unlock()

	s.log.Debug("Task queued",
		zap.String("task_id", id),
		zap.String("agent", req.AgentName),
		zap.Stringer("priority", priority),
		zap.Int("queue_length", queueLength))

	notify(observers, domain.TaskEvent{Type: domain.TaskEventCreated, Task: out, Timestamp: out.CreatedAt})
	return out, nil
}

// ProcessNextTask dispatches the first queued task whose agent has free capacity.
// It is not necessarily the queue head: a saturated agent does not block others.
// Returns nil when nothing is dispatchable.
func (s *TaskScheduler) ProcessNextTask() *domain.Task {
	s.mu.Lock()

	var task *domain.Task
	for i, candidate := range s.queue {
		if !s.pool.tryReserve(candidate.AgentName) {
			continue
		}
		task = candidate
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		break
	}
	if task == nil {
		s.mu.Unlock()
		return nil
	}

	now := s.now()
	task.Status = domain.TaskStatusProcessing
	task.StartedAt = &now
	task.Metrics.QueueTime = now.Sub(task.CreatedAt)
	s.processing[task.ID] = task

	out := task.Clone()
	observers := s.observersLocked()
	s.mu.Unlock()

	s.log.Debug("Task dispatched",
		zap.String("task_id", out.ID),
		zap.String("agent", out.AgentName),
		zap.Duration("queue_time", out.Metrics.QueueTime))

	notify(observers, domain.TaskEvent{Type: domain.TaskEventStarted, Task: out, Timestamp: now})
	return out
}

// CompleteTask moves a processing task to completed, or failed when taskErr is non-nil.
// Unknown or already finished ids are logged and reported with false.
func (s *TaskScheduler) CompleteTask(taskID string, result json.RawMessage, taskErr error) bool {
	s.mu.Lock()

	task, ok := s.processing[taskID]
	if !ok {
		s.mu.Unlock()
		s.log.Warn("Completion for task not in processing", zap.String("task_id", taskID))
		return false
	}

	now := s.now()
	task.CompletedAt = &now
	if task.StartedAt != nil {
		task.Metrics.ProcessingTime = now.Sub(*task.StartedAt)
	}
	task.Metrics.TotalTime = now.Sub(task.CreatedAt)
	task.Result = result

	eventType := domain.TaskEventCompleted
	s.metrics.TotalTasks++
	if taskErr != nil {
		task.Status = domain.TaskStatusFailed
		task.Error = taskErr.Error()
		s.metrics.FailedTasks++
		eventType = domain.TaskEventFailed
	} else {
		task.Status = domain.TaskStatusCompleted
		s.metrics.CompletedTasks++
	}
	avg := s.metrics.AverageProcessingTime
	s.metrics.AverageProcessingTime = avg + (task.Metrics.ProcessingTime-avg)/time.Duration(s.metrics.TotalTasks)

	s.pool.Release(task.AgentName)
	delete(s.processing, taskID)

	out := task.Clone()
	observers := s.observersLocked()
	s.mu.Unlock()

	s.log.Debug("Task finished",
		zap.String("task_id", taskID),
		zap.String("status", string(out.Status)),
		zap.Duration("processing_time", out.Metrics.ProcessingTime))

	notify(observers, domain.TaskEvent{Type: eventType, Task: out, Timestamp: now})
	return true
}

// Lookup finds a queued or processing task.
func (s *TaskScheduler) Lookup(taskID string) (*domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.processing[taskID]; ok {
		return t.Clone(), true
	}
	for _, t := range s.queue {
		if t.ID == taskID {
			return t.Clone(), true
		}
	}
	return nil, false
}

// QueueLength returns the number of queued tasks.
func (s *TaskScheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ProcessingCount returns the number of tasks in flight.
func (s *TaskScheduler) ProcessingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processing)
}

// QueuedIDs returns queued task ids in dispatch order.
func (s *TaskScheduler) QueuedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, len(s.queue))
	for i, t := range s.queue {
		ids[i] = t.ID
	}
	return ids
}

// ProcessingIDs returns the ids in flight, sorted.
func (s *TaskScheduler) ProcessingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.processing))
	for id := range s.processing {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AgentCounts returns the queued and processing counts of one agent type.
func (s *TaskScheduler) AgentCounts(agentName string) (queued, processing int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.queue {
		if t.AgentName == agentName {
			queued++
		}
	}
	for _, t := range s.processing {
		if t.AgentName == agentName {
			processing++
		}
	}
	return queued, processing
}

// Metrics returns the rolling counters.
func (s *TaskScheduler) Metrics() domain.SchedulerMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

func (s *TaskScheduler) knownLocked(id string) bool {
	if _, ok := s.processing[id]; ok {
		return true
	}
	for _, t := range s.queue {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (s *TaskScheduler) observersLocked() []TaskObserver {
	if len(s.observers) == 0 {
		return nil
	}
	out := make([]TaskObserver, len(s.observers))
	copy(out, s.observers)
	return out
}

func notify(observers []TaskObserver, event domain.TaskEvent) {
	for _, fn := range observers {
		fn(event)
	}
}
