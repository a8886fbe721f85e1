package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"github.com/crabzie/agent-orchestrator/internal/core/port"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// OrchestratorConfig describes one node
type OrchestratorConfig struct {
	NodeID         string
	Host           string
	Port           int
	Version        string
	Agents         map[string]int
	HealthInterval time.Duration
	DrainTimeout   time.Duration
	DrainPoll      time.Duration
	SinkBuffer     int
	Cluster        ClusterConfig
}

// OrchestratorOption plugs optional collaborators into the orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithJournal records every task transition.
func WithJournal(j port.TaskJournal) OrchestratorOption {
	return func(o *Orchestrator) { o.journal = j }
}

// WithArchive keeps finished tasks for GetTask.
func WithArchive(a port.ResultArchive) OrchestratorOption {
	return func(o *Orchestrator) { o.archive = a }
}

// WithRelay forwards task events and leader advisories to the task producer.
func WithRelay(r port.EventRelay) OrchestratorOption {
	return func(o *Orchestrator) { o.relay = r }
}

// WithClock replaces time.Now in every component, used by tests.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator is the public surface of one node: a local scheduler bounded by the
// capacity pool, its health evaluator and, when a shared store is given, the cluster
// coordinator.
type Orchestrator struct {
	cfg       OrchestratorConfig
	pool      *CapacityPool
	scheduler *TaskScheduler
	health    *HealthEvaluator
	cluster   *ClusterCoordinator
	log       *zap.Logger
	now       func() time.Time

	journal port.TaskJournal
	archive port.ResultArchive
	relay   port.EventRelay

	sink chan func(context.Context)

	mu           sync.Mutex
	started      bool
	shuttingDown bool
	cancel       context.CancelFunc
	loops        conc.WaitGroup
}

// NewOrchestrator builds a node. A nil store runs the node standalone, without any
// cluster coordination.
func NewOrchestrator(cfg OrchestratorConfig, store port.SharedStore, log *zap.Logger, opts ...OrchestratorOption) *Orchestrator {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.DrainPoll <= 0 {
		cfg.DrainPoll = time.Second
	}
	if cfg.SinkBuffer <= 0 {
		cfg.SinkBuffer = 1024
	}

	o := &Orchestrator{
		cfg: cfg,
		log: log,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.pool = NewCapacityPool(cfg.Agents)
	o.scheduler = NewTaskScheduler(o.pool, log.Named("scheduler"), WithSchedulerClock(o.now))
	o.health = NewHealthEvaluator(o.scheduler, cfg.HealthInterval, log.Named("health"))
	o.health.now = o.now
	o.sink = make(chan func(context.Context), cfg.SinkBuffer)

	if store != nil {
		if cfg.Cluster.NodeID == "" {
			cfg.Cluster.NodeID = cfg.NodeID
		}
		o.cluster = NewClusterCoordinator(cfg.Cluster, store, o.scheduler, o.pool, o.health, domain.NodeRecord{
			NodeID:  cfg.NodeID,
			Host:    cfg.Host,
			Port:    cfg.Port,
			Version: cfg.Version,
		}, log.Named("cluster"))
		o.cluster.now = o.now
		o.cluster.view.now = o.now
		o.cluster.election.now = o.now
		o.cluster.balancer.now = o.now
		o.cluster.heartbeat.now = o.now
		o.cluster.registry.now = o.now
		o.cluster.balancer.OnCoordination(o.relayCoordination)
	}

	o.scheduler.OnTaskEvent(o.recordTaskEvent)
	return o
}

// NodeID returns the id of this node.
func (o *Orchestrator) NodeID() string { return o.cfg.NodeID }

// Cluster returns the cluster coordinator, nil when standalone.
func (o *Orchestrator) Cluster() *ClusterCoordinator { return o.cluster }

// CreateTask queues a task. Refused with ErrShuttingDown once Shutdown began.
func (o *Orchestrator) CreateTask(req domain.TaskRequest) (*domain.Task, error) {
	o.mu.Lock()
	closing := o.shuttingDown
	o.mu.Unlock()
	if closing {
		return nil, fmt.Errorf("create task: %w", domain.ErrShuttingDown)
	}
	return o.scheduler.CreateTask(req)
}

// ProcessNextTask dispatches the next runnable task, nil when none.
func (o *Orchestrator) ProcessNextTask() *domain.Task {
	return o.scheduler.ProcessNextTask()
}

// CompleteTask finishes a processing task. A non-nil taskErr marks it failed.
func (o *Orchestrator) CompleteTask(taskID string, result json.RawMessage, taskErr error) bool {
	return o.scheduler.CompleteTask(taskID, result, taskErr)
}

// GetTask looks a task up in the queue, the processing map, then the result archive.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	if t, ok := o.scheduler.Lookup(taskID); ok {
		return t, nil
	}
	if o.archive == nil {
		return nil, fmt.Errorf("get task %q: %w", taskID, domain.ErrTaskNotFound)
	}
	t, err := o.archive.Get(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task %q: %w", taskID, err)
	}
	return t, nil
}

// GetSystemState returns the local snapshot. It never fails.
func (o *Orchestrator) GetSystemState() domain.SystemState {
	caps := o.pool.Snapshot()
	utilization := make(map[string]domain.AgentUtilization, len(caps))
	for name, c := range caps {
		utilization[name] = domain.AgentUtilization{
			Current:     c.Current,
			Max:         c.Max,
			Utilization: c.Utilization(),
		}
	}
	return domain.SystemState{
		NodeID:           o.cfg.NodeID,
		Status:           o.health.Status(),
		QueueLength:      o.scheduler.QueueLength(),
		ProcessingCount:  o.scheduler.ProcessingCount(),
		AgentUtilization: utilization,
		Metrics:          o.scheduler.Metrics(),
		Timestamp:        o.now(),
	}
}

// GetAgentStatus describes one agent type.
func (o *Orchestrator) GetAgentStatus(agentName string) (*domain.AgentStatus, error) {
	c, ok := o.pool.Get(agentName)
	if !ok {
		return nil, fmt.Errorf("agent status %q: %w", agentName, domain.ErrUnknownAgent)
	}
	queued, processing := o.scheduler.AgentCounts(agentName)
	return &domain.AgentStatus{
		Name:        agentName,
		Current:     c.Current,
		Max:         c.Max,
		Available:   c.Available() > 0,
		Utilization: c.Utilization(),
		Queued:      queued,
		Processing:  processing,
	}, nil
}

// GetDistributedSystemState returns the local snapshot plus the cluster view.
// Standalone nodes report a cluster of one. It never fails.
func (o *Orchestrator) GetDistributedSystemState() domain.DistributedSystemState {
	local := o.GetSystemState()
	if o.cluster != nil {
		return domain.DistributedSystemState{Local: local, Cluster: o.cluster.State()}
	}
	return domain.DistributedSystemState{
		Local: local,
		Cluster: domain.ClusterState{
			NodeID:       o.cfg.NodeID,
			IsLeader:     true,
			LeaderNode:   o.cfg.NodeID,
			Nodes:        []*domain.ClusterNode{},
			LiveNodes:    1,
			ClusterLoad:  o.pool.Load(),
			TotalQueued:  local.QueueLength,
			TotalRunning: local.ProcessingCount,
		},
	}
}

// OnStatusChange registers a health observer.
func (o *Orchestrator) OnStatusChange(fn StatusObserver) {
	o.health.OnStatusChange(fn)
}

// OnTaskEvent registers a task lifecycle observer.
func (o *Orchestrator) OnTaskEvent(fn TaskObserver) {
	o.scheduler.OnTaskEvent(fn)
}

// Start runs the health loop, the collaborator sink and the cluster coordinator.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.started = true
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	o.loops.Go(func() { o.health.Run(runCtx) })
	o.loops.Go(func() { o.drainSink(runCtx) })

	if o.cluster != nil {
		if err := o.cluster.Start(runCtx); err != nil {
			cancel()
			o.loops.Wait()
			return fmt.Errorf("start cluster: %w", err)
		}
	}

	o.log.Info("Orchestrator started",
		zap.String("node_id", o.cfg.NodeID),
		zap.Int("agents", len(o.cfg.Agents)),
		zap.Bool("clustered", o.cluster != nil))
	return nil
}

// Shutdown refuses new tasks, waits for in-flight tasks up to the drain timeout, then
// leaves the cluster and stops every loop. Tasks still queued are dropped.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return nil
	}
	o.shuttingDown = true
	cancel := o.cancel
	o.mu.Unlock()

	o.log.Info("Shutting down", zap.Int("processing", o.scheduler.ProcessingCount()))
	drained := o.waitDrained(ctx)
	if !drained {
		o.log.Warn("Drain timeout reached with tasks in flight",
			zap.Int("processing", o.scheduler.ProcessingCount()),
			zap.Duration("timeout", o.cfg.DrainTimeout))
	}
	if queued := o.scheduler.QueueLength(); queued > 0 {
		o.log.Warn("Dropping queued tasks", zap.Int("queued", queued))
	}

	if o.cluster != nil {
		o.cluster.Stop(ctx)
	}
	if cancel != nil {
		cancel()
	}
	o.loops.Wait()
	o.flushSink(ctx)

	o.log.Info("Orchestrator stopped")
	return nil
}

func (o *Orchestrator) waitDrained(ctx context.Context) bool {
	if o.scheduler.ProcessingCount() == 0 {
		return true
	}
	deadline := time.NewTimer(o.cfg.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.cfg.DrainPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
			if o.scheduler.ProcessingCount() == 0 {
				return true
			}
		}
	}
}

// enqueue hands a collaborator call to the sink. Calls are dropped when it is full.
func (o *Orchestrator) enqueue(fn func(context.Context)) {
	select {
	case o.sink <- fn:
	default:
		o.log.Warn("Collaborator queue full, dropping call")
	}
}

func (o *Orchestrator) drainSink(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-o.sink:
			o.runSinkCall(ctx, fn)
		}
	}
}

// flushSink runs what is left in the sink after the loops stopped.
func (o *Orchestrator) flushSink(ctx context.Context) {
	for {
		select {
		case fn := <-o.sink:
			o.runSinkCall(context.WithoutCancel(ctx), fn)
		default:
			return
		}
	}
}

func (o *Orchestrator) runSinkCall(ctx context.Context, fn func(context.Context)) {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	fn(callCtx)
}

func (o *Orchestrator) recordTaskEvent(event domain.TaskEvent) {
	if o.journal == nil && o.archive == nil && o.relay == nil {
		return
	}
	o.enqueue(func(ctx context.Context) {
		if o.journal != nil {
			if err := o.journal.Record(ctx, o.cfg.NodeID, event); err != nil {
				o.log.Warn("Journal write failed", zap.String("task_id", event.Task.ID), zap.Error(err))
			}
		}
		if o.archive != nil && event.Task.Status.IsTerminal() {
			if err := o.archive.Put(ctx, event.Task); err != nil {
				o.log.Warn("Archiving task failed", zap.String("task_id", event.Task.ID), zap.Error(err))
			}
		}
		if o.relay != nil {
			if err := o.relay.PublishTaskEvent(ctx, event); err != nil {
				o.log.Warn("Relaying task event failed", zap.String("task_id", event.Task.ID), zap.Error(err))
			}
		}
	})
}

func (o *Orchestrator) relayCoordination(msg *domain.CoordinationMessage) {
	if o.relay == nil {
		return
	}
	o.enqueue(func(ctx context.Context) {
		if err := o.relay.PublishCoordination(ctx, msg); err != nil {
			o.log.Warn("Relaying coordination failed", zap.String("type", string(msg.Type)), zap.Error(err))
		}
	})
}
