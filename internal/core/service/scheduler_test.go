package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func newTestScheduler(t *testing.T, limits map[string]int) (*TaskScheduler, *CapacityPool, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	pool := NewCapacityPool(limits)
	s := NewTaskScheduler(pool, zaptest.NewLogger(t), WithSchedulerClock(clock.Now), WithIDGenerator(sequentialIDs()))
	return s, pool, clock
}

func mustCreate(t *testing.T, s *TaskScheduler, id, agent string, p domain.Priority) *domain.Task {
	t.Helper()
	task, err := s.CreateTask(domain.TaskRequest{ID: id, AgentName: agent, Priority: p})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return task
}

func TestSchedulerCriticalOvertakesNormal(t *testing.T) {
	s, _, _ := newTestScheduler(t, map[string]int{"x": 1})

	mustCreate(t, s, "a", "x", domain.PriorityNormal)
	mustCreate(t, s, "b", "x", domain.PriorityCritical)

	first := s.ProcessNextTask()
	if first == nil || first.ID != "b" {
		t.Fatalf("first dispatch = %v, want b", first)
	}
	if next := s.ProcessNextTask(); next != nil {
		t.Fatalf("dispatched %s while x is saturated", next.ID)
	}
	if !s.CompleteTask("b", nil, nil) {
		t.Fatal("completing b failed")
	}
	second := s.ProcessNextTask()
	if second == nil || second.ID != "a" {
		t.Fatalf("second dispatch = %v, want a", second)
	}
}

func TestSchedulerQueueOrderProperty(t *testing.T) {
	agents := map[string]int{"x": 1}
	rng := rand.New(rand.NewPCG(7, 11))

	for round := 0; round < 50; round++ {
		s, _, _ := newTestScheduler(t, agents)
		created := map[string]int{}
		for i := 0; i < 40; i++ {
			p := domain.Priority(rng.IntN(4) + 1)
			task := mustCreate(t, s, "", "x", p)
			created[task.ID] = i
		}

		ids := s.QueuedIDs()
		for i := 1; i < len(ids); i++ {
			prev, _ := s.Lookup(ids[i-1])
			cur, _ := s.Lookup(ids[i])
			if prev.Priority > cur.Priority {
				t.Fatalf("round %d: %s (p%d) before %s (p%d)", round, prev.ID, prev.Priority, cur.ID, cur.Priority)
			}
			if prev.Priority == cur.Priority && created[prev.ID] > created[cur.ID] {
				t.Fatalf("round %d: tie %s inserted after %s but queued first", round, prev.ID, cur.ID)
			}
		}
	}
}

func TestSchedulerSkipsSaturatedAgent(t *testing.T) {
	s, _, _ := newTestScheduler(t, map[string]int{"x": 1, "y": 1})

	mustCreate(t, s, "x1", "x", domain.PriorityCritical)
	mustCreate(t, s, "x2", "x", domain.PriorityCritical)
	mustCreate(t, s, "y1", "y", domain.PriorityLow)

	if got := s.ProcessNextTask(); got == nil || got.ID != "x1" {
		t.Fatalf("want x1, got %v", got)
	}
	if got := s.ProcessNextTask(); got == nil || got.ID != "y1" {
		t.Fatalf("saturated x must not block y, got %v", got)
	}
	if got := s.ProcessNextTask(); got != nil {
		t.Fatalf("want nil with every agent saturated, got %s", got.ID)
	}
	if s.QueueLength() != 1 {
		t.Fatalf("queue length = %d, want 1", s.QueueLength())
	}
}

func TestSchedulerCapacityRestoredAfterBurst(t *testing.T) {
	s, pool, _ := newTestScheduler(t, map[string]int{"x": 3})

	for i := 0; i < 10; i++ {
		mustCreate(t, s, "", "x", domain.PriorityNormal)
	}

	done := 0
	for done < 10 {
		var running []*domain.Task
		for task := s.ProcessNextTask(); task != nil; task = s.ProcessNextTask() {
			running = append(running, task)
			if c, _ := pool.Get("x"); c.Current > c.Max {
				t.Fatalf("current %d exceeds max %d", c.Current, c.Max)
			}
		}
		for i, task := range running {
			var err error
			if i%2 == 0 {
				err = errors.New("agent crashed")
			}
			s.CompleteTask(task.ID, nil, err)
			done++
		}
	}

	if c, _ := pool.Get("x"); c.Current != 0 {
		t.Fatalf("current = %d after burst, want 0", c.Current)
	}
	m := s.Metrics()
	if m.TotalTasks != 10 || m.CompletedTasks+m.FailedTasks != 10 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestSchedulerCompleteUnknownTask(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	pool := NewCapacityPool(map[string]int{"x": 1})
	s := NewTaskScheduler(pool, zap.New(core))

	mustCreate(t, s, "a", "x", domain.PriorityNormal)
	before := s.Metrics()

	if s.CompleteTask("missing", nil, nil) {
		t.Fatal("completing an unknown task returned true")
	}
	if s.CompleteTask("a", nil, nil) {
		t.Fatal("completing a queued task returned true")
	}
	if s.Metrics() != before {
		t.Fatalf("metrics changed: %+v -> %+v", before, s.Metrics())
	}
	if c, _ := pool.Get("x"); c.Current != 0 {
		t.Fatalf("capacity changed: %+v", c)
	}
	if n := logs.FilterMessage("Completion for task not in processing").Len(); n != 2 {
		t.Fatalf("logged %d warnings, want 2", n)
	}
}

func TestSchedulerDoubleCompletion(t *testing.T) {
	s, pool, _ := newTestScheduler(t, map[string]int{"x": 1})
	mustCreate(t, s, "a", "x", domain.PriorityNormal)
	s.ProcessNextTask()

	if !s.CompleteTask("a", json.RawMessage(`{"ok":true}`), nil) {
		t.Fatal("first completion failed")
	}
	if s.CompleteTask("a", nil, nil) {
		t.Fatal("second completion succeeded")
	}
	if c, _ := pool.Get("x"); c.Current != 0 {
		t.Fatalf("current = %d, want 0", c.Current)
	}
	if m := s.Metrics(); m.TotalTasks != 1 {
		t.Fatalf("total = %d, want 1", m.TotalTasks)
	}
}

func TestSchedulerCreateValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t, map[string]int{"x": 1})
	mustCreate(t, s, "dup", "x", domain.PriorityNormal)

	tests := []struct {
		name string
		req  domain.TaskRequest
		want error
	}{
		{"missing agent", domain.TaskRequest{ID: "1"}, domain.ErrInvalidTask},
		{"unknown agent", domain.TaskRequest{ID: "2", AgentName: "y"}, domain.ErrUnknownAgent},
		{"bad priority", domain.TaskRequest{ID: "3", AgentName: "x", Priority: 9}, domain.ErrInvalidPriority},
		{"duplicate id", domain.TaskRequest{ID: "dup", AgentName: "x"}, domain.ErrDuplicateTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.CreateTask(tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
	if s.QueueLength() != 1 {
		t.Fatalf("rejected requests were queued: %d", s.QueueLength())
	}
}

func TestSchedulerDefaultsAndTimings(t *testing.T) {
	s, _, clock := newTestScheduler(t, map[string]int{"x": 1})

	task, err := s.CreateTask(domain.TaskRequest{AgentName: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if task.ID != "task-1" {
		t.Fatalf("generated id = %q", task.ID)
	}
	if task.Priority != domain.PriorityNormal || task.Status != domain.TaskStatusQueued {
		t.Fatalf("unexpected defaults %+v", task)
	}

	clock.Advance(2 * time.Second)
	started := s.ProcessNextTask()
	if started.Metrics.QueueTime != 2*time.Second {
		t.Fatalf("queue time = %s", started.Metrics.QueueTime)
	}

	clock.Advance(3 * time.Second)
	s.CompleteTask(task.ID, nil, nil)
	if m := s.Metrics(); m.AverageProcessingTime != 3*time.Second {
		t.Fatalf("average processing time = %s", m.AverageProcessingTime)
	}
	if _, ok := s.Lookup(task.ID); ok {
		t.Fatal("finished task still tracked")
	}
}

func TestSchedulerAverageProcessingTime(t *testing.T) {
	s, _, clock := newTestScheduler(t, map[string]int{"x": 1})

	for i, d := range []time.Duration{2 * time.Second, 4 * time.Second, 9 * time.Second} {
		task := mustCreate(t, s, fmt.Sprintf("t%d", i), "x", domain.PriorityNormal)
		s.ProcessNextTask()
		clock.Advance(d)
		s.CompleteTask(task.ID, nil, nil)
	}
	if m := s.Metrics(); m.AverageProcessingTime != 5*time.Second {
		t.Fatalf("average processing time = %s, want 5s", m.AverageProcessingTime)
	}
}

func TestSchedulerEvents(t *testing.T) {
	s, _, _ := newTestScheduler(t, map[string]int{"x": 1})

	var events []domain.TaskEventType
	s.OnTaskEvent(func(e domain.TaskEvent) { events = append(events, e.Type) })

	mustCreate(t, s, "ok", "x", domain.PriorityNormal)
	mustCreate(t, s, "ko", "x", domain.PriorityNormal)
	s.ProcessNextTask()
	s.CompleteTask("ok", nil, nil)
	s.ProcessNextTask()
	s.CompleteTask("ko", nil, errors.New("boom"))

	want := []domain.TaskEventType{
		domain.TaskEventCreated, domain.TaskEventCreated,
		domain.TaskEventStarted, domain.TaskEventCompleted,
		domain.TaskEventStarted, domain.TaskEventFailed,
	}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, events[i], want[i])
		}
	}
	if m := s.Metrics(); m.ErrorRate() != 0.5 {
		t.Fatalf("error rate = %v", m.ErrorRate())
	}
}
