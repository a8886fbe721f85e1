// Package memory provides an in-process SharedStore used by tests, several nodes
// can share one Store.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/core/port"
)

// ErrClosed is returned by every call after Close.
var ErrClosed = errors.New("memory store: closed")

const defaultBuffer = 256

var _ port.SharedStore = (*Store)(nil)

type entry struct {
	value     []byte
	hash      map[string][]byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Store implements port.SharedStore with maps and channels. Several nodes sharing one
// Store behave like nodes sharing one Redis.
type Store struct {
	now    func() time.Time
	buffer int

	mu     sync.Mutex
	keys   map[string]*entry
	subs   map[string][]*subscription
	fail   error
	closed atomic.Bool
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now for key expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithBuffer sets the per subscription buffer. Deliveries to a full buffer are dropped.
func WithBuffer(n int) Option {
	return func(s *Store) { s.buffer = n }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		now:    time.Now,
		buffer: defaultBuffer,
		keys:   make(map[string]*entry),
		subs:   make(map[string][]*subscription),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFailure makes every subsequent call fail with err, nil restores service.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *Store) checkLocked() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.fail
}

// liveLocked returns the entry of key, dropping it when expired.
func (s *Store) liveLocked(key string) *entry {
	e, ok := s.keys[key]
	if !ok {
		return nil
	}
	if e.expired(s.now()) {
		delete(s.keys, key)
		return nil
	}
	return e
}

func (s *Store) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *Store) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return false, err
	}
	if s.liveLocked(key) != nil {
		return false, nil
	}
	s.keys[key] = &entry{value: []byte(value), expiresAt: s.deadline(ttl)}
	return true, nil
}

func (s *Store) ExtendIfHolder(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return false, err
	}
	e := s.liveLocked(key)
	if e == nil || e.hash != nil || string(e.value) != value {
		return false, nil
	}
	e.expiresAt = s.deadline(ttl)
	return true, nil
}

func (s *Store) DeleteIfHolder(_ context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return false, err
	}
	e := s.liveLocked(key)
	if e == nil || e.hash != nil || string(e.value) != value {
		return false, nil
	}
	delete(s.keys, key)
	return true, nil
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return "", err
	}
	e := s.liveLocked(key)
	if e == nil || e.hash != nil {
		return "", nil
	}
	return string(e.value), nil
}

// Set writes a plain key, used by tests to simulate a foreign lock holder.
func (s *Store) Set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	s.keys[key] = &entry{value: []byte(value), expiresAt: s.deadline(ttl)}
	s.mu.Unlock()
}

// Delete removes a key, used by tests to simulate expiry.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
}

func (s *Store) HSet(_ context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	e := s.liveLocked(key)
	if e == nil {
		e = &entry{hash: make(map[string][]byte)}
		s.keys[key] = e
	}
	if e.hash == nil {
		return errors.New("memory store: wrong type")
	}
	e.hash[field] = append([]byte(nil), value...)
	return nil
}

func (s *Store) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	e := s.liveLocked(key)
	if e == nil || e.hash == nil {
		return out, nil
	}
	for f, v := range e.hash {
		out[f] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *Store) HDel(_ context.Context, key, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	if e := s.liveLocked(key); e != nil && e.hash != nil {
		delete(e.hash, field)
		if len(e.hash) == 0 {
			delete(s.keys, key)
		}
	}
	return nil
}

func (s *Store) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	if e := s.liveLocked(key); e != nil {
		e.expiresAt = s.deadline(ttl)
	}
	return nil
}

// Publish delivers payload to every subscriber of channel. Slow subscribers lose messages.
func (s *Store) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	subs := make([]*subscription, len(s.subs[channel]))
	copy(subs, s.subs[channel])
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(&port.Message{Channel: channel, Payload: append([]byte(nil), payload...)})
	}
	return nil
}

func (s *Store) Subscribe(_ context.Context, channels ...string) (port.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	sub := &subscription{
		store:    s,
		channels: channels,
		ch:       make(chan *port.Message, s.buffer),
	}
	for _, c := range channels {
		s.subs[c] = append(s.subs[c], sub)
	}
	return sub, nil
}

func (s *Store) unsubscribe(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range sub.channels {
		list := s.subs[c]
		for i, other := range list {
			if other == sub {
				s.subs[c] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

// Close closes every subscription, later calls fail with ErrClosed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	var all []*subscription
	for _, list := range s.subs {
		all = append(all, list...)
	}
	s.mu.Unlock()
	for _, sub := range all {
		_ = sub.Close()
	}
	return nil
}

type subscription struct {
	store    *Store
	channels []string

	mu     sync.Mutex
	ch     chan *port.Message
	closed bool
}

func (s *subscription) deliver(msg *port.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

func (s *subscription) Messages() <-chan *port.Message { return s.ch }

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	s.store.unsubscribe(s)
	return nil
}
