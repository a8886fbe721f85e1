package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"go.uber.org/zap/zaptest"
)

type stubExecutor struct {
	mu      sync.Mutex
	release chan struct{}
	ran     []string
}

func (e *stubExecutor) Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
	if e.release != nil {
		<-e.release
	}
	e.mu.Lock()
	e.ran = append(e.ran, task.ID)
	e.mu.Unlock()
	if task.AgentName == "flaky" {
		return nil, errors.New("agent failed")
	}
	return json.RawMessage(`{"ok":true}`), nil
}

type stubIntake struct {
	handler func(*domain.TaskRequest) error
}

func (i *stubIntake) ConsumeTasks(_ context.Context, handler func(*domain.TaskRequest) error) error {
	i.handler = handler
	return nil
}

func TestWorkerDispatchesWithinCapacity(t *testing.T) {
	cfg := testOrchestratorConfig()
	cfg.Agents = map[string]int{"research": 2, "flaky": 1}
	o := NewOrchestrator(cfg, nil, zaptest.NewLogger(t))

	exec := &stubExecutor{release: make(chan struct{})}
	w := NewWorker(o, exec, nil, time.Hour, zaptest.NewLogger(t))

	for _, agent := range []string{"research", "research", "research", "flaky"} {
		if _, err := o.CreateTask(domain.TaskRequest{AgentName: agent}); err != nil {
			t.Fatal(err)
		}
	}

	ctx := context.Background()
	if started := w.DispatchReady(ctx); started != 3 {
		t.Fatalf("started %d, want 3", started)
	}
	close(exec.release)
	eventually(t, time.Second, func() bool { return o.GetSystemState().ProcessingCount == 0 }, "tasks never completed")

	if started := w.DispatchReady(ctx); started != 1 {
		t.Fatalf("started %d, want the remaining research task", started)
	}
	w.Wait()

	m := o.GetSystemState().Metrics
	if m.TotalTasks != 4 || m.FailedTasks != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestWorkerAcceptsIntakeRequests(t *testing.T) {
	o := NewOrchestrator(testOrchestratorConfig(), nil, zaptest.NewLogger(t))
	intake := &stubIntake{}
	w := NewWorker(o, &stubExecutor{}, intake, time.Hour, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.StartWorker(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		cancel()
		w.Wait()
	}()

	if err := intake.handler(&domain.TaskRequest{ID: "a", AgentName: "research"}); err != nil {
		t.Fatal(err)
	}
	if err := intake.handler(&domain.TaskRequest{ID: "b", AgentName: "unknown"}); !errors.Is(err, domain.ErrUnknownAgent) {
		t.Fatalf("err = %v", err)
	}
	if o.GetSystemState().QueueLength != 1 {
		t.Fatal("accepted request not queued")
	}
}
