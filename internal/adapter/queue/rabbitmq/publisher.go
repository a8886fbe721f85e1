// Package rabbitmq connects the orchestrator to the external task producer over AMQP.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"github.com/crabzie/agent-orchestrator/internal/core/port"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

var (
	_ port.TaskIntake = (*Broker)(nil)
	_ port.EventRelay = (*Broker)(nil)
)

// Options names the queue task requests arrive on and the topic exchange events leave on
type Options struct {
	TaskQueue string
	Exchange  string
	Prefetch  int
}

// Broker owns one AMQP connection and channel.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	opts Options
	log  *zap.Logger

	pubMu sync.Mutex
}

// NewBroker dials url, retrying with an incremental backoff, and declares the task
// queue and the event exchange.
func NewBroker(ctx context.Context, url string, opts Options, log *zap.Logger) (*Broker, error) {
	var conn *amqp.Connection
	var err error

	// Retry connection up to 10 times with backoff
	maxRetries := 10
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			var ch *amqp.Channel
			ch, err = conn.Channel()
			if err == nil {
				b := &Broker{conn: conn, ch: ch, opts: opts, log: log}
				if err = b.declare(); err == nil {
					return b, nil
				}
			}
			conn.Close()
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i*2) * time.Second):
		}
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

func (b *Broker) declare() error {
	if _, err := b.ch.QueueDeclare(
		b.opts.TaskQueue, // name
		true,             // durable
		false,            // delete when unused
		false,            // exclusive
		false,            // no-wait
		amqp.Table{"x-max-priority": int32(priorityLevels)},
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", b.opts.TaskQueue, err)
	}
	if err := b.ch.ExchangeDeclare(
		b.opts.Exchange, // name
		"topic",         // kind
		true,            // durable
		false,           // auto-deleted
		false,           // internal
		false,           // no-wait
		nil,             // arguments
	); err != nil {
		return fmt.Errorf("declare exchange %s: %w", b.opts.Exchange, err)
	}
	return nil
}

// priorityLevels maps critical to the highest AMQP priority.
const priorityLevels = 4

func amqpPriority(p domain.Priority) uint8 {
	if !p.Valid() {
		p = domain.PriorityNormal
	}
	return uint8(priorityLevels + 1 - int(p))
}

// PublishTask sends a task request to the intake queue, used by producers and the simulation.
func (b *Broker) PublishTask(ctx context.Context, req *domain.TaskRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := b.publish(ctx, "", b.opts.TaskQueue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    req.ID,
		Priority:     amqpPriority(req.Priority),
		Body:         body,
	}); err != nil {
		return fmt.Errorf("publish task %s: %w", req.ID, err)
	}
	b.log.Debug("Published task request", zap.String("task_id", req.ID), zap.String("agent", req.AgentName))
	return nil
}

// PublishTaskEvent relays a lifecycle transition under "task.<event>".
func (b *Broker) PublishTaskEvent(ctx context.Context, event domain.TaskEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	key := "task." + string(event.Type)
	if err := b.publish(ctx, b.opts.Exchange, key, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   event.Task.ID,
		Timestamp:   event.Timestamp,
		Body:        body,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

// PublishCoordination relays a leader advisory under "coordination.<type>".
func (b *Broker) PublishCoordination(ctx context.Context, msg *domain.CoordinationMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := "coordination." + string(msg.Type)
	if err := b.publish(ctx, b.opts.Exchange, key, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   msg.Timestamp,
		Body:        body,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	b.log.Info("Relayed coordination message", zap.String("key", key), zap.String("task_id", msg.TaskID))
	return nil
}

func (b *Broker) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.ch.PublishWithContext(ctx,
		exchange, // Exchange
		key,      // Routing key
		false,    // Mandatory
		false,    // Immediate
		msg)
}

// Close closes the channel then the connection.
func (b *Broker) Close() error {
	if err := b.ch.Close(); err != nil && err != amqp.ErrClosed {
		b.log.Warn("Closing channel failed", zap.Error(err))
	}
	return b.conn.Close()
}
