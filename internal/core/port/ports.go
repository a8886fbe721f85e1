// Package port provides behavior interfaces that connects services & storage & transports.
package port

import (
	"context"
	"encoding/json"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/core/domain"
)

// Message is one pub/sub delivery
type Message struct {
	Channel string
	Payload []byte
}

// Subscription delivers messages until closed
type Subscription interface {
	// Messages is closed when the subscription ends.
	Messages() <-chan *Message
	Close() error
}

// SharedStore is the cluster wide key-value and pub/sub store (Redis).
// The leader lock is the only key written by more than one node, and only through
// SetIfAbsent / ExtendIfHolder / DeleteIfHolder.
type SharedStore interface {
	// SetIfAbsent atomically sets key=value with ttl only if key does not exist.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// ExtendIfHolder atomically resets the ttl of key only if it still holds value.
	ExtendIfHolder(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// DeleteIfHolder atomically deletes key only if it still holds value.
	DeleteIfHolder(ctx context.Context, key, value string) (bool, error)
	// Get returns the value of key, "" when absent.
	Get(ctx context.Context, key string) (string, error)

	HSet(ctx context.Context, key, field string, value []byte) error
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HDel(ctx context.Context, key, field string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	Close() error
}

// TaskJournal defines how task lifecycle transitions are persisted (Postgres)
type TaskJournal interface {
	Record(ctx context.Context, nodeID string, event domain.TaskEvent) error
	History(ctx context.Context, taskID string) ([]domain.JournalEntry, error)
}

// ResultArchive keeps terminal tasks for lookups after they left the scheduler
type ResultArchive interface {
	Put(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, taskID string) (*domain.Task, error)
}

// TaskIntake defines how task requests reach this node (RabbitMQ)
type TaskIntake interface {
	ConsumeTasks(ctx context.Context, handler func(req *domain.TaskRequest) error) error
}

// EventRelay forwards task events and coordination messages to external producers (RabbitMQ)
type EventRelay interface {
	PublishTaskEvent(ctx context.Context, event domain.TaskEvent) error
	PublishCoordination(ctx context.Context, msg *domain.CoordinationMessage) error
}

// Executor performs the work of one dispatched task
type Executor interface {
	Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error)
}
