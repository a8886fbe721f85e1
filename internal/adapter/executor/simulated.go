// Package executor provides task executors for nodes that do not embed real agents.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"github.com/crabzie/agent-orchestrator/internal/core/port"
	"go.uber.org/zap"
)

var _ port.Executor = (*Simulated)(nil)

// ErrSimulatedFailure is returned for the tasks picked to fail.
var ErrSimulatedFailure = errors.New("simulated agent failure")

// Simulated sleeps for a random duration in [MinDuration, MaxDuration) and fails a
// FailureRate share of the tasks.
type Simulated struct {
	MinDuration time.Duration
	MaxDuration time.Duration
	FailureRate float64

	log  *zap.Logger
	rand func() float64
}

// NewSimulated creates an executor with the given bounds.
func NewSimulated(minDuration, maxDuration time.Duration, failureRate float64, log *zap.Logger) *Simulated {
	if maxDuration < minDuration {
		maxDuration = minDuration
	}
	return &Simulated{
		MinDuration: minDuration,
		MaxDuration: maxDuration,
		FailureRate: failureRate,
		log:         log,
		rand:        rand.Float64,
	}
}

type simulatedResult struct {
	Agent    string        `json:"agent"`
	Duration time.Duration `json:"duration"`
}

// Execute waits out the simulated work, or returns ctx's error when cancelled first.
func (s *Simulated) Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
	d := s.MinDuration + time.Duration(s.rand()*float64(s.MaxDuration-s.MinDuration))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if s.rand() < s.FailureRate {
		return nil, ErrSimulatedFailure
	}
	s.log.Debug("Simulated task done", zap.String("task_id", task.ID), zap.Duration("duration", d))
	return json.Marshal(simulatedResult{Agent: task.AgentName, Duration: d})
}
