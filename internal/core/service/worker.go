package service

import (
	"context"
	"fmt"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"github.com/crabzie/agent-orchestrator/internal/core/port"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Worker drives an orchestrator: it feeds task requests from the intake into
// CreateTask and runs dispatched tasks on the executor until they complete.
type Worker struct {
	orch     *Orchestrator
	executor port.Executor
	intake   port.TaskIntake
	poll     time.Duration
	log      *zap.Logger

	running conc.WaitGroup
}

// NewWorker creates a worker. intake may be nil when tasks are created in process.
func NewWorker(orch *Orchestrator, executor port.Executor, intake port.TaskIntake, poll time.Duration, log *zap.Logger) *Worker {
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	return &Worker{
		orch:     orch,
		executor: executor,
		intake:   intake,
		poll:     poll,
		log:      log,
	}
}

// StartWorker starts the intake consumer and the dispatch loop. It returns once both
// are running; the loop stops with ctx.
func (w *Worker) StartWorker(ctx context.Context) error {
	w.log.Info("Starting worker", zap.String("node_id", w.orch.NodeID()))

	if w.intake != nil {
		if err := w.intake.ConsumeTasks(ctx, w.accept); err != nil {
			return fmt.Errorf("failed to start consumer: %w", err)
		}
	}

	w.running.Go(func() { w.dispatchLoop(ctx) })
	return nil
}

// accept turns one intake delivery into a queued task. Validation errors are not
// retried, the delivery is dropped.
func (w *Worker) accept(req *domain.TaskRequest) error {
	task, err := w.orch.CreateTask(*req)
	if err != nil {
		w.log.Warn("Rejected task request",
			zap.String("task_id", req.ID),
			zap.String("agent", req.AgentName),
			zap.Error(err))
		return err
	}
	w.log.Debug("Accepted task request", zap.String("task_id", task.ID))
	return nil
}

func (w *Worker) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.DispatchReady(ctx)
		}
	}
}

// DispatchReady starts every task that currently fits the capacity pool and returns
// how many were started.
func (w *Worker) DispatchReady(ctx context.Context) int {
	started := 0
	for {
		task := w.orch.ProcessNextTask()
		if task == nil {
			return started
		}
		started++
		w.running.Go(func() { w.run(ctx, task) })
	}
}

func (w *Worker) run(ctx context.Context, task *domain.Task) {
	w.log.Info("Processing task", zap.String("task_id", task.ID), zap.String("agent", task.AgentName))

	// in-flight work outlives the dispatch loop, Shutdown drains it
	result, err := w.executor.Execute(context.WithoutCancel(ctx), task)
	if err != nil {
		w.log.Warn("Task failed", zap.String("task_id", task.ID), zap.Error(err))
	}
	w.orch.CompleteTask(task.ID, result, err)
}

// Wait blocks until the dispatch loop and every running task returned.
func (w *Worker) Wait() {
	w.running.Wait()
}
