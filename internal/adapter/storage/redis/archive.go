package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"github.com/crabzie/agent-orchestrator/internal/core/port"
	"github.com/gofiber/storage/redis/v3"
)

var _ port.ResultArchive = (*ResultArchive)(nil)

// ResultArchive keeps finished tasks under prefix+"task:"+id for the retention period.
type ResultArchive struct {
	storage   *redis.Storage
	prefix    string
	retention time.Duration
}

// NewResultArchive creates an archive on top of a fiber redis storage.
func NewResultArchive(storage *redis.Storage, prefix string, retention time.Duration) *ResultArchive {
	return &ResultArchive{storage: storage, prefix: prefix, retention: retention}
}

func (a *ResultArchive) key(taskID string) string {
	return a.prefix + "task:" + taskID
}

// Put stores a finished task. The storage client has no context support, ctx only
// short-circuits cancelled calls.
func (a *ResultArchive) Put(ctx context.Context, task *domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("result archive: marshal %s: %w", task.ID, err)
	}
	if err := a.storage.Set(a.key(task.ID), data, a.retention); err != nil {
		return fmt.Errorf("result archive: set %s: %w", task.ID, err)
	}
	return nil
}

// Get returns domain.ErrTaskNotFound when the task is unknown or expired.
func (a *ResultArchive) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := a.storage.Get(a.key(taskID))
	if err != nil {
		return nil, fmt.Errorf("result archive: get %s: %w", taskID, err)
	}
	if len(data) == 0 {
		return nil, domain.ErrTaskNotFound
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("result archive: decode %s: %w", taskID, err)
	}
	return &task, nil
}
