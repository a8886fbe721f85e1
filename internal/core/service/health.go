package service

import (
	"context"
	"sync"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"go.uber.org/zap"
)

// Thresholds of the status policy.
const (
	errorRateError     = 0.3
	errorRateDegraded  = 0.1
	queueDegraded      = 50
	processingDegraded = 25
	queueBusy          = 20
	processingBusy     = 15
)

// StatusObserver receives status changes
type StatusObserver func(change domain.StatusChange)

// EvaluateStatus applies the status policy, first match wins.
func EvaluateStatus(queueLength, processingCount int, errorRate float64) domain.SystemStatus {
	switch {
	case errorRate > errorRateError:
		return domain.StatusError
	case errorRate > errorRateDegraded || queueLength > queueDegraded || processingCount > processingDegraded:
		return domain.StatusDegraded
	case queueLength > queueBusy || processingCount > processingBusy:
		return domain.StatusBusy
	default:
		return domain.StatusIdle
	}
}

// HealthEvaluator derives the node status from the scheduler on a fixed interval.
// It only reads scheduler state.
type HealthEvaluator struct {
	scheduler *TaskScheduler
	interval  time.Duration
	log       *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	status    domain.SystemStatus
	observers []StatusObserver
}

// NewHealthEvaluator creates an evaluator starting in the idle status.
func NewHealthEvaluator(scheduler *TaskScheduler, interval time.Duration, log *zap.Logger) *HealthEvaluator {
	return &HealthEvaluator{
		scheduler: scheduler,
		interval:  interval,
		log:       log,
		now:       time.Now,
		status:    domain.StatusIdle,
	}
}

// OnStatusChange registers an observer.
func (h *HealthEvaluator) OnStatusChange(fn StatusObserver) {
	h.mu.Lock()
	h.observers = append(h.observers, fn)
	h.mu.Unlock()
}

// Status returns the last evaluated status.
func (h *HealthEvaluator) Status() domain.SystemStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Evaluate computes the status now and notifies observers if it changed.
func (h *HealthEvaluator) Evaluate() domain.SystemStatus {
	queueLength := h.scheduler.QueueLength()
	processing := h.scheduler.ProcessingCount()
	errorRate := h.scheduler.Metrics().ErrorRate()
	next := EvaluateStatus(queueLength, processing, errorRate)

	h.mu.Lock()
	previous := h.status
	if next == previous {
		h.mu.Unlock()
		return next
	}
	h.status = next
	observers := make([]StatusObserver, len(h.observers))
	copy(observers, h.observers)
	h.mu.Unlock()

	change := domain.StatusChange{
		Status:          next,
		Previous:        previous,
		QueueLength:     queueLength,
		ProcessingCount: processing,
		ErrorRate:       errorRate,
		Timestamp:       h.now(),
	}
	h.log.Info("System status changed",
		zap.String("from", string(previous)),
		zap.String("to", string(next)),
		zap.Int("queue_length", queueLength),
		zap.Int("processing", processing),
		zap.Float64("error_rate", errorRate))

	for _, fn := range observers {
		fn(change)
	}
	return next
}

// Run evaluates on every tick until ctx is done.
func (h *HealthEvaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Evaluate()
		}
	}
}
