package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/adapter/storage/memory"
	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"github.com/crabzie/agent-orchestrator/internal/core/port"
	"go.uber.org/zap/zaptest"
)

func slowClusterConfig(id string) ClusterConfig {
	cfg := DefaultClusterConfig(id)
	cfg.Election.RenewInterval = time.Hour
	cfg.Election.RetryBackoff = time.Hour
	cfg.BalanceInterval = time.Hour
	return cfg
}

type clusterFixture struct {
	store *memory.Store
	clock *fakeClock
	sched *TaskScheduler
	pool  *CapacityPool
	c     *ClusterCoordinator
}

func newClusterFixture(t *testing.T, store *memory.Store, cfg ClusterConfig, clock *fakeClock) *clusterFixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	pool := NewCapacityPool(map[string]int{"x": 2})
	sched := NewTaskScheduler(pool, log)
	health := NewHealthEvaluator(sched, time.Second, log)
	c := NewClusterCoordinator(cfg, store, sched, pool, health, domain.NodeRecord{Host: "localhost"}, log)
	if clock != nil {
		c.now = clock.Now
		c.election.now = clock.Now
		c.balancer.now = clock.Now
		c.registry.now = clock.Now
		c.heartbeat.now = clock.Now
	}
	t.Cleanup(func() {
		_ = c.election.Release(context.Background())
		c.election.Wait()
	})
	return &clusterFixture{store: store, clock: clock, sched: sched, pool: pool, c: c}
}

func encode(t *testing.T, channel string, v any) *port.Message {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return &port.Message{Channel: channel, Payload: data}
}

func (f *clusterFixture) heartbeat(t *testing.T, id string, load float64, leader bool) {
	f.c.HandleMessage(context.Background(), encode(t, domain.ChannelHeartbeat, domain.Heartbeat{
		NodeID: id, Load: load, IsLeader: leader, Timestamp: f.clock.Now(),
	}))
}

func TestClusterLearnsLeaderFromHeartbeat(t *testing.T) {
	f := newClusterFixture(t, memory.New(), slowClusterConfig("self"), newFakeClock())

	f.heartbeat(t, "node-a", 0.4, true)

	if f.c.Election().Leader() != "node-a" {
		t.Fatalf("leader = %q", f.c.Election().Leader())
	}
	if !f.c.Peers().IsAlive("node-a") {
		t.Fatal("peer not recorded")
	}
}

func TestClusterIgnoresMalformedAndSelfMessages(t *testing.T) {
	f := newClusterFixture(t, memory.New(), slowClusterConfig("self"), newFakeClock())

	f.c.HandleMessage(context.Background(), &port.Message{Channel: domain.ChannelHeartbeat, Payload: []byte("{")})
	f.heartbeat(t, "self", 1, true)

	if len(f.c.Peers().Nodes()) != 0 || f.c.Election().Leader() != "" {
		t.Fatal("malformed or self message changed the view")
	}
}

func TestClusterLeaderRecoversOrphansOnNodeLeaving(t *testing.T) {
	ctx := context.Background()
	f := newClusterFixture(t, memory.New(), slowClusterConfig("self"), newFakeClock())
	if ok, _ := f.c.Election().TryAcquire(ctx); !ok {
		t.Fatal("acquire failed")
	}

	f.heartbeat(t, "node-a", 0.5, false)
	f.heartbeat(t, "node-b", 0.9, false)
	f.c.HandleMessage(ctx, encode(t, domain.ChannelTaskCoordination, domain.CoordinationMessage{
		Type: domain.CoordinationTaskStarted, SenderID: "node-a", NodeID: "node-a", TaskID: "t1",
	}))
	if f.c.Balancer().Assignments()["t1"] != "node-a" {
		t.Fatal("task_started not recorded")
	}

	f.c.HandleMessage(ctx, encode(t, domain.ChannelNodeEvents, domain.NodeEvent{
		Type: domain.NodeEventLeaving, NodeID: "node-a",
	}))

	if got := f.c.Balancer().Assignments()["t1"]; got != "self" {
		t.Fatalf("t1 -> %q, want the least loaded node self", got)
	}
	if _, ok := f.c.Peers().Get("node-a"); ok {
		t.Fatal("departed node still in the view")
	}

	f.c.HandleMessage(ctx, encode(t, domain.ChannelTaskCoordination, domain.CoordinationMessage{
		Type: domain.CoordinationTaskCompleted, SenderID: "node-b", NodeID: "node-b", TaskID: "t1",
	}))
	if len(f.c.Balancer().Assignments()) != 0 {
		t.Fatal("completed task still assigned")
	}
}

func TestClusterStateSyncSeedsLeaderBookkeeping(t *testing.T) {
	ctx := context.Background()
	f := newClusterFixture(t, memory.New(), slowClusterConfig("self"), newFakeClock())
	_, _ = f.c.Election().TryAcquire(ctx)

	f.c.HandleMessage(ctx, encode(t, domain.ChannelStateSync, domain.StateSync{
		NodeID: "node-a", QueueLength: 3, ProcessingCount: 2,
		ProcessingTaskIDs: []string{"t1", "t2"}, Timestamp: f.clock.Now(),
	}))

	got := f.c.Balancer().Assignments()
	if got["t1"] != "node-a" || got["t2"] != "node-a" {
		t.Fatalf("assignments = %v", got)
	}
	state := f.c.State()
	if state.TotalQueued != 3 || state.TotalRunning != 2 || state.LiveNodes != 2 || !state.IsLeader {
		t.Fatalf("state = %+v", state)
	}
}

func TestClusterStateSyncDropsFinishedAssignments(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	f := newClusterFixture(t, store, slowClusterConfig("self"), newFakeClock())
	if ok, _ := f.c.Election().TryAcquire(ctx); !ok {
		t.Fatal("acquire failed")
	}
	coordinate := func(typ domain.CoordinationType, taskID string) {
		f.c.HandleMessage(ctx, encode(t, domain.ChannelTaskCoordination, domain.CoordinationMessage{
			Type: typ, SenderID: "node-a", NodeID: "node-a", TaskID: taskID,
		}))
	}
	sync := func(ids ...string) {
		f.c.HandleMessage(ctx, encode(t, domain.ChannelStateSync, domain.StateSync{
			NodeID: "node-a", ProcessingTaskIDs: ids, Timestamp: f.clock.Now(),
		}))
	}

	f.heartbeat(t, "node-a", 0.5, false)
	sent := f.clock.Now()
	f.clock.Advance(time.Second)
	coordinate(domain.CoordinationTaskStarted, "t1")
	coordinate(domain.CoordinationTaskCompleted, "t1")

	// a sync sent before the completion arrives after it
	f.c.HandleMessage(ctx, encode(t, domain.ChannelStateSync, domain.StateSync{
		NodeID: "node-a", ProcessingTaskIDs: []string{"t1"}, Timestamp: sent,
	}))
	if f.c.Balancer().Assignments()["t1"] != "node-a" {
		t.Fatal("late state sync not applied")
	}
	sync()
	if _, ok := f.c.Balancer().Assignments()["t1"]; ok {
		t.Fatal("finished task kept by a newer empty state sync")
	}

	// the completion message was lost
	f.clock.Advance(time.Second)
	coordinate(domain.CoordinationTaskStarted, "t2")
	f.clock.Advance(time.Second)
	sync("t3")
	got := f.c.Balancer().Assignments()
	if _, ok := got["t2"]; ok || got["t3"] != "node-a" {
		t.Fatalf("assignments = %v, want only t3", got)
	}

	sub, _ := store.Subscribe(ctx, domain.ChannelTaskCoordination)
	defer sub.Close()
	sync()
	f.c.HandleMessage(ctx, encode(t, domain.ChannelNodeEvents, domain.NodeEvent{
		Type: domain.NodeEventLeaving, NodeID: "node-a",
	}))
	for {
		select {
		case m := <-sub.Messages():
			var msg domain.CoordinationMessage
			_ = json.Unmarshal(m.Payload, &msg)
			if msg.Type == domain.CoordinationTaskAssigned {
				t.Fatalf("finished task %s reassigned", msg.TaskID)
			}
		default:
			return
		}
	}
}

func TestClusterCheckPeersRecoversStaleNode(t *testing.T) {
	ctx := context.Background()
	f := newClusterFixture(t, memory.New(), slowClusterConfig("self"), newFakeClock())
	f.c.view.now = f.clock.Now
	_, _ = f.c.Election().TryAcquire(ctx)

	f.heartbeat(t, "node-a", 0.5, false)
	f.c.Balancer().Assign("t1", "node-a")

	f.clock.Advance(20 * time.Second)
	f.heartbeat(t, "node-b", 0.1, false)
	f.c.CheckPeers(ctx)
	if f.c.Balancer().Assignments()["t1"] != "node-a" {
		t.Fatal("live node treated as stale")
	}

	f.clock.Advance(15 * time.Second)
	f.heartbeat(t, "node-b", 0.1, false)
	f.c.CheckPeers(ctx)
	if got := f.c.Balancer().Assignments()["t1"]; got != "self" {
		t.Fatalf("t1 -> %q after node-a went stale", got)
	}

	f.clock.Advance(30 * time.Second)
	f.heartbeat(t, "node-b", 0.1, false)
	f.c.CheckPeers(ctx)
	if _, ok := f.c.Peers().Get("node-a"); ok {
		t.Fatal("stale node not pruned after twice the timeout")
	}
}

func TestClusterCheckPeersSchedulesElectionWithoutLeader(t *testing.T) {
	f := newClusterFixture(t, memory.New(), slowClusterConfig("self"), newFakeClock())
	f.c.view.now = f.clock.Now

	f.heartbeat(t, "node-a", 0, true)
	f.c.CheckPeers(context.Background())
	if f.c.Election().attemptPending() {
		t.Fatal("election scheduled while a live leader is known")
	}

	f.clock.Advance(time.Minute)
	f.c.CheckPeers(context.Background())
	if !f.c.Election().attemptPending() {
		t.Fatal("no election scheduled after the leader went silent")
	}
}

func TestClusterBroadcastsLocalTaskTransitions(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cfg := slowClusterConfig("self")
	cfg.InitialElectionDelay = time.Hour
	f := newClusterFixture(t, store, cfg, nil)

	sub, _ := store.Subscribe(ctx, domain.ChannelTaskCoordination)
	defer sub.Close()

	if err := f.c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer f.c.Stop(ctx)

	if _, err := f.sched.CreateTask(domain.TaskRequest{ID: "t1", AgentName: "x"}); err != nil {
		t.Fatal(err)
	}
	f.sched.ProcessNextTask()
	f.sched.CompleteTask("t1", nil, nil)

	var types []domain.CoordinationType
	timeout := time.After(time.Second)
	for len(types) < 2 {
		select {
		case m := <-sub.Messages():
			var msg domain.CoordinationMessage
			_ = json.Unmarshal(m.Payload, &msg)
			if msg.TaskID == "t1" && msg.SenderID == "self" {
				types = append(types, msg.Type)
			}
		case <-timeout:
			t.Fatalf("got %v", types)
		}
	}
	if types[0] != domain.CoordinationTaskStarted || types[1] != domain.CoordinationTaskCompleted {
		t.Fatalf("types = %v", types)
	}
}

func fastClusterConfig(id string) ClusterConfig {
	return ClusterConfig{
		NodeID:               id,
		KeyPrefix:            "test:",
		HeartbeatInterval:    20 * time.Millisecond,
		StateSyncInterval:    30 * time.Millisecond,
		CleanupInterval:      40 * time.Millisecond,
		NodeTimeout:          200 * time.Millisecond,
		RegistryTTL:          time.Second,
		BalanceInterval:      50 * time.Millisecond,
		BalanceThreshold:     0.3,
		InitialElectionDelay: 10 * time.Millisecond,
		CallTimeout:          time.Second,
		Election: ElectionConfig{
			LeaseTTL:      time.Second,
			RenewInterval: 100 * time.Millisecond,
			RetryBackoff:  20 * time.Millisecond,
			CallTimeout:   time.Second,
		},
	}
}

func TestClusterFailoverAfterLeaderLeaves(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	a := newClusterFixture(t, store, fastClusterConfig("node-a"), nil)
	b := newClusterFixture(t, store, fastClusterConfig("node-b"), nil)

	if err := a.c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.c.Start(ctx); err != nil {
		t.Fatal(err)
	}

	eventually(t, 2*time.Second, func() bool {
		return a.c.IsLeader() != b.c.IsLeader()
	}, "no single leader elected")
	leader, follower := a, b
	if b.c.IsLeader() {
		leader, follower = b, a
	}
	eventually(t, 2*time.Second, func() bool {
		return follower.c.Election().Leader() == leader.c.NodeID()
	}, "follower never learned the leader")

	nodes, err := follower.c.Registry().Nodes(ctx)
	if err != nil || len(nodes) != 2 {
		t.Fatalf("registry = %v, %v", nodes, err)
	}

	leader.c.Stop(ctx)
	eventually(t, 3*time.Second, follower.c.IsLeader, "follower never took over")

	follower.c.Stop(ctx)
	if holder, _ := store.Get(ctx, "test:leader:lock"); holder != "" {
		t.Fatalf("lock still held by %q after both nodes stopped", holder)
	}
}
