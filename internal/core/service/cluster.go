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

var errClusterStarted = errors.New("cluster coordinator already started")

// ClusterConfig holds the intervals of every cluster loop
type ClusterConfig struct {
	NodeID               string
	KeyPrefix            string
	HeartbeatInterval    time.Duration
	StateSyncInterval    time.Duration
	CleanupInterval      time.Duration
	NodeTimeout          time.Duration
	RegistryTTL          time.Duration
	BalanceInterval      time.Duration
	BalanceThreshold     float64
	InitialElectionDelay time.Duration
	CallTimeout          time.Duration
	Election             ElectionConfig
}

// DefaultClusterConfig returns the recommended timings for nodeID.
func DefaultClusterConfig(nodeID string) ClusterConfig {
	return ClusterConfig{
		NodeID:               nodeID,
		KeyPrefix:            "distributed:",
		HeartbeatInterval:    10 * time.Second,
		StateSyncInterval:    15 * time.Second,
		CleanupInterval:      60 * time.Second,
		NodeTimeout:          30 * time.Second,
		RegistryTTL:          60 * time.Second,
		BalanceInterval:      30 * time.Second,
		BalanceThreshold:     0.3,
		InitialElectionDelay: 2 * time.Second,
		CallTimeout:          5 * time.Second,
		Election: ElectionConfig{
			LeaseTTL:      30 * time.Second,
			RenewInterval: 15 * time.Second,
			RetryBackoff:  5 * time.Second,
			CallTimeout:   5 * time.Second,
		},
	}
}

// withDefaults fills every unset timing from DefaultClusterConfig.
func (c ClusterConfig) withDefaults() ClusterConfig {
	d := DefaultClusterConfig(c.NodeID)
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	for _, f := range []struct{ v, def *time.Duration }{
		{&c.HeartbeatInterval, &d.HeartbeatInterval},
		{&c.StateSyncInterval, &d.StateSyncInterval},
		{&c.CleanupInterval, &d.CleanupInterval},
		{&c.NodeTimeout, &d.NodeTimeout},
		{&c.RegistryTTL, &d.RegistryTTL},
		{&c.BalanceInterval, &d.BalanceInterval},
		{&c.InitialElectionDelay, &d.InitialElectionDelay},
		{&c.CallTimeout, &d.CallTimeout},
	} {
		if *f.v <= 0 {
			*f.v = *f.def
		}
	}
	if c.BalanceThreshold <= 0 {
		c.BalanceThreshold = d.BalanceThreshold
	}
	return c
}

// ClusterCoordinator runs membership, heartbeats, election and leader-only balancing
// for one node. Every store failure is logged and retried on the next tick; nothing
// here propagates to task callers.
type ClusterCoordinator struct {
	cfg       ClusterConfig
	store     port.SharedStore
	scheduler *TaskScheduler
	pool      *CapacityPool
	health    *HealthEvaluator
	log       *zap.Logger
	now       func() time.Time

	view      *PeerView
	registry  *MembershipRegistry
	heartbeat *HeartbeatService
	election  *LeaderElection
	balancer  *LoadBalancer

	mu       sync.Mutex
	started  bool
	sub      port.Subscription
	cancel   context.CancelFunc
	departed map[string]bool

	loops conc.WaitGroup
}

// NewClusterCoordinator wires the cluster components of the node described by self.
func NewClusterCoordinator(
	cfg ClusterConfig,
	store port.SharedStore,
	scheduler *TaskScheduler,
	pool *CapacityPool,
	health *HealthEvaluator,
	self domain.NodeRecord,
	log *zap.Logger,
) *ClusterCoordinator {
	cfg = cfg.withDefaults()
	keys := NewClusterKeys(cfg.KeyPrefix)
	self.NodeID = cfg.NodeID

	c := &ClusterCoordinator{
		cfg:       cfg,
		store:     store,
		scheduler: scheduler,
		pool:      pool,
		health:    health,
		log:       log,
		now:       time.Now,
		departed:  make(map[string]bool),
	}
	c.view = NewPeerView(cfg.NodeID, cfg.NodeTimeout, func() time.Time { return c.now() })
	c.registry = NewMembershipRegistry(store, keys, self, cfg.RegistryTTL, log.Named("registry"))
	c.election = NewLeaderElection(store, keys.LeaderLock, cfg.NodeID, cfg.Election, log.Named("election"))
	c.heartbeat = NewHeartbeatService(cfg.NodeID, store, c.registry, pool, health, c.election.IsLeader, log.Named("heartbeat"))
	c.balancer = NewLoadBalancer(cfg.NodeID, store, c.view, pool.Load, c.election.IsLeader,
		cfg.BalanceThreshold, cfg.BalanceInterval, log.Named("balancer"))

	c.election.OnElected(c.balancer.Run)
	c.election.OnElected(func(context.Context) { c.adoptLocalTasks() })
	c.election.OnDemoted(c.balancer.Reset)
	scheduler.OnTaskEvent(c.onTaskEvent)
	return c
}

// NodeID returns this node's id.
func (c *ClusterCoordinator) NodeID() string { return c.cfg.NodeID }

// IsLeader reports whether this node holds the leader lease.
func (c *ClusterCoordinator) IsLeader() bool { return c.election.IsLeader() }

// Election exposes the lease manager.
func (c *ClusterCoordinator) Election() *LeaderElection { return c.election }

// Balancer exposes the leader-only balancer.
func (c *ClusterCoordinator) Balancer() *LoadBalancer { return c.balancer }

// Peers exposes the peer view.
func (c *ClusterCoordinator) Peers() *PeerView { return c.view }

// Registry exposes the membership registry.
func (c *ClusterCoordinator) Registry() *MembershipRegistry { return c.registry }

// Start subscribes to the cluster channels, announces this node and starts every loop.
// The first election attempt happens after the initial election delay.
func (c *ClusterCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errClusterStarted
	}
	c.started = true
	c.mu.Unlock()

	sub, err := c.store.Subscribe(ctx,
		domain.ChannelHeartbeat,
		domain.ChannelStateSync,
		domain.ChannelTaskCoordination,
		domain.ChannelNodeEvents,
	)
	if err != nil {
		return fmt.Errorf("subscribe cluster channels: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.sub = sub
	c.cancel = cancel
	c.mu.Unlock()
	c.election.Bind(runCtx)

	c.publishNodeEvent(runCtx, domain.NodeEventJoined)

	c.loops.Go(func() { c.receiveLoop(runCtx, sub) })
	c.loops.Go(func() { c.every(runCtx, c.cfg.HeartbeatInterval, true, c.beat) })
	c.loops.Go(func() { c.every(runCtx, c.cfg.StateSyncInterval, false, c.syncState) })
	c.loops.Go(func() { c.every(runCtx, c.cfg.CleanupInterval, false, c.CheckPeers) })
	c.election.ScheduleAttempt(c.cfg.InitialElectionDelay)

	c.log.Info("Cluster coordinator started",
		zap.String("node_id", c.cfg.NodeID),
		zap.Duration("heartbeat_interval", c.cfg.HeartbeatInterval),
		zap.Duration("node_timeout", c.cfg.NodeTimeout))
	return nil
}

// Stop announces departure, releases the lease and the registry record, then stops
// every loop. Store failures are logged, the lease and record expire on their own.
func (c *ClusterCoordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	sub, cancel := c.sub, c.cancel
	c.mu.Unlock()

	c.publishNodeEvent(ctx, domain.NodeEventLeaving)
	if err := c.election.Release(ctx); err != nil {
		c.log.Warn("Leadership release failed", zap.Error(err))
	}
	if err := c.registry.Deregister(ctx); err != nil {
		c.log.Warn("Registry cleanup failed", zap.Error(err))
	}

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			c.log.Debug("Closing subscription failed", zap.Error(err))
		}
	}
	c.loops.Wait()
	c.election.Wait()
	c.log.Info("Cluster coordinator stopped")
}

func (c *ClusterCoordinator) every(ctx context.Context, interval time.Duration, immediate bool, fn func(context.Context)) {
	if immediate {
		fn(ctx)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (c *ClusterCoordinator) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

func (c *ClusterCoordinator) beat(ctx context.Context) {
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	if err := c.heartbeat.Beat(callCtx); err != nil {
		c.log.Warn("Heartbeat failed", zap.Error(err))
	}
}

// StateSync builds this node's state-sync message.
func (c *ClusterCoordinator) StateSync() *domain.StateSync {
	return &domain.StateSync{
		NodeID:            c.cfg.NodeID,
		Status:            c.health.Status(),
		Load:              c.pool.Load(),
		QueueLength:       c.scheduler.QueueLength(),
		ProcessingCount:   c.scheduler.ProcessingCount(),
		ProcessingTaskIDs: c.scheduler.ProcessingIDs(),
		Metrics:           c.scheduler.Metrics(),
		Timestamp:         c.now(),
	}
}

func (c *ClusterCoordinator) syncState(ctx context.Context) {
	data, err := json.Marshal(c.StateSync())
	if err != nil {
		return
	}
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	if err := c.store.Publish(callCtx, domain.ChannelStateSync, data); err != nil {
		c.log.Warn("State sync failed", zap.Error(err))
	}
}

func (c *ClusterCoordinator) publishNodeEvent(ctx context.Context, eventType domain.NodeEventType) {
	data, err := json.Marshal(domain.NodeEvent{Type: eventType, NodeID: c.cfg.NodeID, Timestamp: c.now()})
	if err != nil {
		return
	}
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	if err := c.store.Publish(callCtx, domain.ChannelNodeEvents, data); err != nil {
		c.log.Warn("Publishing node event failed", zap.String("event", string(eventType)), zap.Error(err))
	}
}

func (c *ClusterCoordinator) receiveLoop(ctx context.Context, sub port.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			c.HandleMessage(ctx, msg)
		}
	}
}

// HandleMessage applies one delivery from a cluster channel. Malformed payloads are dropped.
func (c *ClusterCoordinator) HandleMessage(ctx context.Context, msg *port.Message) {
	var err error
	switch msg.Channel {
	case domain.ChannelHeartbeat:
		var hb domain.Heartbeat
		if err = json.Unmarshal(msg.Payload, &hb); err == nil {
			c.onHeartbeat(&hb)
		}
	case domain.ChannelStateSync:
		var ss domain.StateSync
		if err = json.Unmarshal(msg.Payload, &ss); err == nil {
			c.onStateSync(&ss)
		}
	case domain.ChannelTaskCoordination:
		var cm domain.CoordinationMessage
		if err = json.Unmarshal(msg.Payload, &cm); err == nil {
			c.onCoordination(&cm)
		}
	case domain.ChannelNodeEvents:
		var ev domain.NodeEvent
		if err = json.Unmarshal(msg.Payload, &ev); err == nil {
			c.onNodeEvent(ctx, &ev)
		}
	default:
		c.log.Debug("Message on unknown channel", zap.String("channel", msg.Channel))
	}
	if err != nil {
		c.log.Warn("Dropping malformed cluster message", zap.String("channel", msg.Channel), zap.Error(err))
	}
}

func (c *ClusterCoordinator) onHeartbeat(hb *domain.Heartbeat) {
	if !c.view.ApplyHeartbeat(hb) {
		return
	}
	if hb.IsLeader {
		c.election.ObserveLeader(hb.NodeID)
	}
	c.mu.Lock()
	delete(c.departed, hb.NodeID)
	c.mu.Unlock()
}

func (c *ClusterCoordinator) onStateSync(msg *domain.StateSync) {
	if !c.view.ApplyStateSync(msg) {
		return
	}
	if !c.election.IsLeader() {
		return
	}
	c.balancer.SyncNode(msg.NodeID, msg.ProcessingTaskIDs)
}

func (c *ClusterCoordinator) onCoordination(msg *domain.CoordinationMessage) {
	if msg.SenderID == c.cfg.NodeID {
		return
	}
	switch msg.Type {
	case domain.CoordinationTaskStarted:
		c.balancer.Assign(msg.TaskID, msg.NodeID)
	case domain.CoordinationTaskCompleted, domain.CoordinationTaskFailed:
		c.balancer.Unassign(msg.TaskID)
	case domain.CoordinationTaskAssigned:
		c.log.Debug("Task reassigned by leader",
			zap.String("task_id", msg.TaskID),
			zap.String("node_id", msg.NodeID),
			zap.String("previous_node", msg.PreviousNode))
	case domain.CoordinationLoadBalanceRequest:
		c.log.Debug("Load balance advisory",
			zap.String("from", msg.FromNode),
			zap.String("to", msg.ToNode),
			zap.Float64("difference", msg.LoadDifference))
	}
}

func (c *ClusterCoordinator) onNodeEvent(ctx context.Context, ev *domain.NodeEvent) {
	if ev.NodeID == c.cfg.NodeID {
		return
	}
	switch ev.Type {
	case domain.NodeEventJoined:
		c.log.Info("Node joined", zap.String("node_id", ev.NodeID))
	case domain.NodeEventLeaderElected:
		c.election.ObserveLeader(ev.NodeID)
		c.log.Info("New leader elected", zap.String("leader", ev.NodeID))
	case domain.NodeEventLeaving:
		c.log.Info("Node leaving", zap.String("node_id", ev.NodeID))
		c.nodeDeparted(ctx, ev.NodeID)
		c.view.Remove(ev.NodeID)
	}
}

// nodeDeparted runs the orphan recovery for nodeID once and triggers an election if it led.
func (c *ClusterCoordinator) nodeDeparted(ctx context.Context, nodeID string) {
	c.mu.Lock()
	if c.departed[nodeID] {
		c.mu.Unlock()
		return
	}
	c.departed[nodeID] = true
	c.mu.Unlock()

	c.election.LeaderDeparted(nodeID)
	callCtx, cancel := c.callCtx(ctx)
	defer cancel()
	c.balancer.HandleNodeLeaving(callCtx, nodeID)
}

// CheckPeers is the cleanup sweep: peers past the node timeout are handled as departed,
// peers silent for twice the timeout are pruned, and an election is scheduled when no
// live leader is known.
func (c *ClusterCoordinator) CheckPeers(ctx context.Context) {
	for _, n := range c.view.Nodes() {
		if n.Status != domain.NodeStatusHealthy {
			c.log.Info("Peer is stale", zap.String("node_id", n.NodeID), zap.Time("last_heartbeat", n.LastHeartbeat))
			c.nodeDeparted(ctx, n.NodeID)
		}
	}

	for _, id := range c.view.Prune(2 * c.cfg.NodeTimeout) {
		c.log.Debug("Pruned stale peer", zap.String("node_id", id))
		c.mu.Lock()
		delete(c.departed, id)
		c.mu.Unlock()
	}

	if c.election.IsLeader() {
		return
	}
	leader := c.election.Leader()
	if leader == "" || !c.view.IsAlive(leader) {
		c.election.ScheduleAttempt(c.cfg.Election.RetryBackoff)
	}
}

// onTaskEvent broadcasts local lifecycle transitions and keeps the leader's own bookkeeping.
func (c *ClusterCoordinator) onTaskEvent(event domain.TaskEvent) {
	var msgType domain.CoordinationType
	switch event.Type {
	case domain.TaskEventStarted:
		msgType = domain.CoordinationTaskStarted
		c.balancer.Assign(event.Task.ID, c.cfg.NodeID)
	case domain.TaskEventCompleted:
		msgType = domain.CoordinationTaskCompleted
		c.balancer.Unassign(event.Task.ID)
	case domain.TaskEventFailed:
		msgType = domain.CoordinationTaskFailed
		c.balancer.Unassign(event.Task.ID)
	default:
		return
	}

	c.mu.Lock()
	running := c.started
	c.mu.Unlock()
	if !running {
		return
	}

	data, err := json.Marshal(domain.CoordinationMessage{
		Type:      msgType,
		SenderID:  c.cfg.NodeID,
		TaskID:    event.Task.ID,
		AgentName: event.Task.AgentName,
		NodeID:    c.cfg.NodeID,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallTimeout)
	defer cancel()
	if err := c.store.Publish(ctx, domain.ChannelTaskCoordination, data); err != nil {
		c.log.Warn("Publishing task coordination failed",
			zap.String("task_id", event.Task.ID),
			zap.String("type", string(msgType)),
			zap.Error(err))
	}
}

// adoptLocalTasks seeds the bookkeeping with tasks this node runs when it becomes leader.
func (c *ClusterCoordinator) adoptLocalTasks() {
	for _, id := range c.scheduler.ProcessingIDs() {
		c.balancer.Assign(id, c.cfg.NodeID)
	}
	for _, n := range c.view.LiveNodes() {
		for _, id := range n.ProcessingTaskIDs {
			c.balancer.Assign(id, n.NodeID)
		}
	}
}

// State returns the cluster half of the distributed snapshot. It never fails.
func (c *ClusterCoordinator) State() domain.ClusterState {
	nodes := c.view.Nodes()
	state := domain.ClusterState{
		NodeID:       c.cfg.NodeID,
		IsLeader:     c.election.IsLeader(),
		LeaderNode:   c.election.Leader(),
		Nodes:        nodes,
		LiveNodes:    1,
		Assignments:  len(c.balancer.Assignments()),
		TotalQueued:  c.scheduler.QueueLength(),
		TotalRunning: c.scheduler.ProcessingCount(),
	}

	loadSum := c.pool.Load()
	for _, n := range nodes {
		if n.Status != domain.NodeStatusHealthy {
			continue
		}
		state.LiveNodes++
		loadSum += n.Load
		state.TotalQueued += n.QueueLength
		state.TotalRunning += n.ProcessingCount
	}
	state.ClusterLoad = loadSum / float64(state.LiveNodes)
	return state
}
