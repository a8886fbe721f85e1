// Package redis implements the shared store and the result archive on Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/core/port"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ port.SharedStore = (*Store)(nil)

type Store struct {
	client goredis.UniversalClient
	log    *zap.Logger
}

// NewStore wraps a connected client.
func NewStore(client goredis.UniversalClient, log *zap.Logger) *Store {
	return &Store{client: client, log: log}
}

// SetIfAbsent is SET key value NX PX ttl.
func (s *Store) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis store: set if absent: %w", err)
	}
	return ok, nil
}

func (s *Store) ExtendIfHolder(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := extendIfHolder.Run(ctx, s.client, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis store: extend if holder: %w", err)
	}
	return n == 1, nil
}

func (s *Store) DeleteIfHolder(ctx context.Context, key, value string) (bool, error) {
	n, err := deleteIfHolder.Run(ctx, s.client, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("redis store: delete if holder: %w", err)
	}
	return n == 1, nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis store: get: %w", err)
	}
	return val, nil
}

func (s *Store) HSet(ctx context.Context, key, field string, value []byte) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("redis store: hset: %w", err)
	}
	return nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: hgetall: %w", err)
	}
	out := make(map[string][]byte, len(vals))
	for f, v := range vals {
		out[f] = []byte(v)
	}
	return out, nil
}

func (s *Store) HDel(ctx context.Context, key, field string) error {
	if err := s.client.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("redis store: hdel: %w", err)
	}
	return nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis store: pexpire: %w", err)
	}
	return nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis store: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe waits for the subscription confirmation before returning.
func (s *Store) Subscribe(ctx context.Context, channels ...string) (port.Subscription, error) {
	ps := s.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis store: subscribe: %w", err)
	}

	sub := &subscription{
		ps:   ps,
		out:  make(chan *port.Message, 256),
		done: make(chan struct{}),
	}
	go sub.forward(ps.Channel())
	return sub, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

type subscription struct {
	ps   *goredis.PubSub
	out  chan *port.Message
	done chan struct{}
	once sync.Once
}

func (s *subscription) forward(in <-chan *goredis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			msg := &port.Message{Channel: m.Channel, Payload: []byte(m.Payload)}
			select {
			case s.out <- msg:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Messages() <-chan *port.Message { return s.out }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
