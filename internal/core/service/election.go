package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"github.com/crabzie/agent-orchestrator/internal/core/port"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// ElectionConfig holds the lease timings
type ElectionConfig struct {
	LeaseTTL      time.Duration
	RenewInterval time.Duration
	RetryBackoff  time.Duration
	CallTimeout   time.Duration
}

// LeaderHook runs when this node becomes leader. ctx is cancelled on step down.
type LeaderHook func(ctx context.Context)

// LeaderElection is lease based mutual exclusion on one shared key.
//
// It is not quorum consensus: under partition two nodes can each believe they lead
// for at most one lease TTL, until the stale holder fails its next renewal.
type LeaderElection struct {
	store  port.SharedStore
	key    string
	selfID string
	cfg    ElectionConfig
	log    *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	baseCtx     context.Context
	isLeader    bool
	leaderNode  string
	lastRenewal time.Time
	leaderStop  context.CancelFunc
	retry       *time.Timer
	retryGen    uint64
	hooks       []LeaderHook
	demoted     []func()
	stopped     bool

	loops conc.WaitGroup
}

// NewLeaderElection creates an election for selfID on key.
func NewLeaderElection(store port.SharedStore, key, selfID string, cfg ElectionConfig, log *zap.Logger) *LeaderElection {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = cfg.LeaseTTL / 2
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return &LeaderElection{
		store:   store,
		key:     key,
		selfID:  selfID,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		baseCtx: context.Background(),
	}
}

// Bind sets the context leader loops and scheduled attempts derive from.
func (e *LeaderElection) Bind(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
}

// OnElected registers a hook started in its own goroutine on every acquisition.
func (e *LeaderElection) OnElected(hook LeaderHook) {
	e.mu.Lock()
	e.hooks = append(e.hooks, hook)
	e.mu.Unlock()
}

// OnDemoted registers a callback run synchronously when leadership ends.
func (e *LeaderElection) OnDemoted(fn func()) {
	e.mu.Lock()
	e.demoted = append(e.demoted, fn)
	e.mu.Unlock()
}

// IsLeader reports whether this node currently holds the lease.
func (e *LeaderElection) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// Leader returns the last known leader id, "" when unknown.
func (e *LeaderElection) Leader() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isLeader {
		return e.selfID
	}
	return e.leaderNode
}

// ObserveLeader records a leader learned from a heartbeat or a leader_elected event.
func (e *LeaderElection) ObserveLeader(nodeID string) {
	if nodeID == "" || nodeID == e.selfID {
		return
	}
	e.mu.Lock()
	if !e.isLeader {
		e.leaderNode = nodeID
	}
	e.mu.Unlock()
}

// LeaderDeparted forgets nodeID as leader and schedules an attempt after the backoff.
func (e *LeaderElection) LeaderDeparted(nodeID string) {
	e.mu.Lock()
	known := e.leaderNode == nodeID && !e.isLeader
	if known {
		e.leaderNode = ""
	}
	e.mu.Unlock()

	if known {
		e.log.Info("Leader departed, scheduling election", zap.String("leader", nodeID))
		e.ScheduleAttempt(e.cfg.RetryBackoff)
	}
}

// TryAcquire attempts set-if-absent on the lease key. Losing records the holder and
// does not retry; the next attempt must be scheduled by the caller or an event.
func (e *LeaderElection) TryAcquire(ctx context.Context) (bool, error) {
	if e.IsLeader() {
		return true, nil
	}

	ok, err := e.store.SetIfAbsent(ctx, e.key, e.selfID, e.cfg.LeaseTTL)
	if err != nil {
		e.log.Warn("Leader election attempt failed", zap.Error(err))
		return false, err
	}
	if !ok {
		holder, err := e.store.Get(ctx, e.key)
		if err != nil {
			e.log.Warn("Reading leader lock failed", zap.Error(err))
			return false, err
		}
		if holder == e.selfID {
			// lease survived a restart of this node id
			ok, err = e.store.ExtendIfHolder(ctx, e.key, e.selfID, e.cfg.LeaseTTL)
			if err != nil {
				return false, err
			}
		}
		if !ok {
			e.mu.Lock()
			e.leaderNode = holder
			e.mu.Unlock()
			e.log.Debug("Leadership held by another node", zap.String("leader", holder))
			return false, nil
		}
	}

	elected, fresh := e.becomeLeader()
	if !elected {
		_, _ = e.store.DeleteIfHolder(ctx, e.key, e.selfID)
		return false, nil
	}
	if fresh {
		e.announce(ctx)
	}
	return true, nil
}

// becomeLeader starts the leader loops. fresh is false when an overlapping attempt
// already made this node leader, its loops keep running.
func (e *LeaderElection) becomeLeader() (elected, fresh bool) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false, false
	}
	if e.isLeader {
		e.mu.Unlock()
		return true, false
	}
	leaderCtx, cancel := context.WithCancel(e.baseCtx)
	e.isLeader = true
	e.leaderNode = e.selfID
	e.lastRenewal = e.now()
	e.leaderStop = cancel
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	hooks := make([]LeaderHook, len(e.hooks))
	copy(hooks, e.hooks)
	e.mu.Unlock()

	e.log.Info("Acquired leadership", zap.Duration("lease_ttl", e.cfg.LeaseTTL))

	e.loops.Go(func() { e.renewLoop(leaderCtx) })
	for _, hook := range hooks {
		e.loops.Go(func() { hook(leaderCtx) })
	}
	return true, true
}

func (e *LeaderElection) announce(ctx context.Context) {
	data, err := json.Marshal(domain.NodeEvent{
		Type:      domain.NodeEventLeaderElected,
		NodeID:    e.selfID,
		Timestamp: e.now(),
	})
	if err != nil {
		return
	}
	if err := e.store.Publish(ctx, domain.ChannelNodeEvents, data); err != nil {
		e.log.Warn("Announcing leadership failed", zap.Error(err))
	}
}

// Renew extends the lease. When the key was taken over the node steps down at once;
// when the store is unreachable leadership is kept until the lease expired locally.
func (e *LeaderElection) Renew(ctx context.Context) (bool, error) {
	if !e.IsLeader() {
		return false, nil
	}

	ok, err := e.store.ExtendIfHolder(ctx, e.key, e.selfID, e.cfg.LeaseTTL)
	if err != nil {
		e.mu.Lock()
		expired := e.now().Sub(e.lastRenewal) >= e.cfg.LeaseTTL
		e.mu.Unlock()
		if expired {
			e.log.Warn("Lease expired without renewal, stepping down", zap.Error(err))
			e.stepDown()
			return false, err
		}
		e.log.Warn("Lease renewal failed, retrying next cycle", zap.Error(err))
		return true, err
	}
	if !ok {
		e.log.Warn("Lease lost to another node, stepping down")
		e.stepDown()
		return false, nil
	}

	e.mu.Lock()
	e.lastRenewal = e.now()
	e.mu.Unlock()
	return true, nil
}

func (e *LeaderElection) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
			_, _ = e.Renew(callCtx)
			cancel()
		}
	}
}

// stepDown ends leadership, stops leader loops and schedules a new attempt.
func (e *LeaderElection) stepDown() {
	if !e.demote() {
		return
	}
	e.ScheduleAttempt(e.cfg.RetryBackoff)
}

// demote clears leader state and runs the demotion callbacks.
func (e *LeaderElection) demote() bool {
	e.mu.Lock()
	if !e.isLeader {
		e.mu.Unlock()
		return false
	}
	e.isLeader = false
	e.leaderNode = ""
	if e.leaderStop != nil {
		e.leaderStop()
		e.leaderStop = nil
	}
	demoted := make([]func(), len(e.demoted))
	copy(demoted, e.demoted)
	e.mu.Unlock()

	for _, fn := range demoted {
		fn()
	}
	return true
}

// ScheduleAttempt runs TryAcquire once after delay, replacing any pending attempt.
func (e *LeaderElection) ScheduleAttempt(delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped || e.isLeader {
		return
	}
	if e.retry != nil {
		e.retry.Stop()
	}
	base := e.baseCtx
	e.retryGen++
	gen := e.retryGen
	e.retry = time.AfterFunc(delay, func() {
		e.mu.Lock()
		if e.retryGen == gen {
			e.retry = nil
		}
		e.mu.Unlock()
		if base.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(base, e.cfg.CallTimeout)
		defer cancel()
		_, _ = e.TryAcquire(ctx)
	})
}

// attemptPending reports whether a scheduled attempt is waiting.
func (e *LeaderElection) attemptPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retry != nil
}

// Release gives the lease up, used on graceful shutdown. No new attempts are scheduled afterwards.
func (e *LeaderElection) Release(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	if e.retry != nil {
		e.retry.Stop()
		e.retry = nil
	}
	wasLeader := e.isLeader
	e.mu.Unlock()

	if !wasLeader {
		return nil
	}
	e.demote()

	released, err := e.store.DeleteIfHolder(ctx, e.key, e.selfID)
	if err != nil {
		e.log.Warn("Releasing leader lock failed, it will expire", zap.Error(err))
		return err
	}
	e.log.Info("Released leadership", zap.Bool("held", released))
	return nil
}

// Wait blocks until every leader loop returned.
func (e *LeaderElection) Wait() {
	e.loops.Wait()
}
