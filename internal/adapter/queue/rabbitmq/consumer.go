package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Decision is what happens to a delivery after the handler ran
type Decision int

const (
	Ack Decision = iota
	Requeue
	Discard
)

// decide acks accepted requests, requeues the ones refused by a node going down and
// discards the ones no node would accept.
func decide(err error) Decision {
	switch {
	case err == nil:
		return Ack
	case errors.Is(err, domain.ErrShuttingDown):
		return Requeue
	case errors.Is(err, domain.ErrDuplicateTask):
		return Ack
	default:
		return Discard
	}
}

// decodeRequest parses a delivery body into a task request.
func decodeRequest(body []byte) (*domain.TaskRequest, error) {
	var req domain.TaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	if req.AgentName == "" {
		return nil, fmt.Errorf("missing agent name: %w", domain.ErrInvalidTask)
	}
	return &req, nil
}

// ConsumeTasks listens to the task queue and hands every request to handler until ctx ends.
func (b *Broker) ConsumeTasks(ctx context.Context, handler func(req *domain.TaskRequest) error) error {
	if b.opts.Prefetch > 0 {
		if err := b.ch.Qos(b.opts.Prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}

	msgs, err := b.ch.ConsumeWithContext(ctx,
		b.opts.TaskQueue, // queue
		"",               // consumer
		false,            // auto-ack
		false,            // exclusive
		false,            // no-local
		false,            // no-wait
		nil,              // args
	)
	if err != nil {
		return err
	}

	b.log.Info("Started consuming tasks", zap.String("queue", b.opts.TaskQueue))

	go func() {
		for d := range msgs {
			b.handle(d, handler)
		}
		b.log.Info("Stopped consuming tasks", zap.String("queue", b.opts.TaskQueue))
	}()

	return nil
}

func (b *Broker) handle(d amqp.Delivery, handler func(req *domain.TaskRequest) error) {
	req, err := decodeRequest(d.Body)
	if err != nil {
		b.log.Error("Failed to decode task request", zap.String("message_id", d.MessageId), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	switch decide(handler(req)) {
	case Ack:
		_ = d.Ack(false)
	case Requeue:
		_ = d.Nack(false, true)
	case Discard:
		b.log.Warn("Discarding task request", zap.String("task_id", req.ID), zap.String("agent", req.AgentName))
		_ = d.Nack(false, false)
	}
}
