package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/adapter/storage/memory"
	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"go.uber.org/zap"
)

func TestPeerViewLastWriteWins(t *testing.T) {
	clock := newFakeClock()
	view := NewPeerView("self", 30*time.Second, clock.Now)
	sent := clock.Now()

	if !view.ApplyHeartbeat(&domain.Heartbeat{NodeID: "b", Load: 0.5, Timestamp: sent}) {
		t.Fatal("first heartbeat rejected")
	}
	if view.ApplyHeartbeat(&domain.Heartbeat{NodeID: "b", Load: 0.9, Timestamp: sent.Add(-time.Second)}) {
		t.Fatal("older heartbeat applied")
	}
	n, _ := view.Get("b")
	if n.Load != 0.5 {
		t.Fatalf("load = %v, want 0.5", n.Load)
	}

	// a state sync is ordered independently of heartbeats
	if !view.ApplyStateSync(&domain.StateSync{NodeID: "b", Load: 0.7, QueueLength: 4, ProcessingTaskIDs: []string{"t1"}, Timestamp: sent.Add(-time.Second)}) {
		t.Fatal("first state sync rejected")
	}
	n, _ = view.Get("b")
	if n.QueueLength != 4 || len(n.ProcessingTaskIDs) != 1 {
		t.Fatalf("state sync not applied: %+v", n)
	}
	if n.Load != 0.5 {
		t.Fatalf("older state sync overwrote load: %v", n.Load)
	}

	// status and load follow the newest message of either kind
	view.ApplyHeartbeat(&domain.Heartbeat{NodeID: "b", Load: 0.2, Status: domain.StatusIdle, Timestamp: sent.Add(10 * time.Second)})
	if !view.ApplyStateSync(&domain.StateSync{NodeID: "b", Load: 0.9, Status: domain.StatusError, QueueLength: 7, Timestamp: sent.Add(5 * time.Second)}) {
		t.Fatal("newer state sync rejected")
	}
	n, _ = view.Get("b")
	if n.Load != 0.2 || n.SystemStatus != domain.StatusIdle {
		t.Fatalf("stale state sync regressed status: load=%v status=%s", n.Load, n.SystemStatus)
	}
	if n.QueueLength != 7 || len(n.ProcessingTaskIDs) != 0 {
		t.Fatalf("queue fields not applied: %+v", n)
	}

	view.ApplyStateSync(&domain.StateSync{NodeID: "b", Load: 0.6, Status: domain.StatusBusy, Timestamp: sent.Add(20 * time.Second)})
	n, _ = view.Get("b")
	if n.Load != 0.6 || n.SystemStatus != domain.StatusBusy {
		t.Fatalf("newest state sync not applied: load=%v status=%s", n.Load, n.SystemStatus)
	}
}

func TestPeerViewIgnoresSelf(t *testing.T) {
	view := NewPeerView("self", time.Minute, nil)
	if view.ApplyHeartbeat(&domain.Heartbeat{NodeID: "self", Timestamp: time.Now()}) {
		t.Fatal("self heartbeat applied")
	}
	if view.ApplyStateSync(&domain.StateSync{NodeID: "self", Timestamp: time.Now()}) {
		t.Fatal("self state sync applied")
	}
	if len(view.Nodes()) != 0 {
		t.Fatal("self entered the view")
	}
}

func TestPeerViewLivenessAndPrune(t *testing.T) {
	clock := newFakeClock()
	view := NewPeerView("self", 30*time.Second, clock.Now)
	view.ApplyHeartbeat(&domain.Heartbeat{NodeID: "b", Timestamp: clock.Now()})

	clock.Advance(29 * time.Second)
	if !view.IsAlive("b") || len(view.LiveNodes()) != 1 {
		t.Fatal("peer dead before the timeout")
	}

	clock.Advance(time.Second)
	if view.IsAlive("b") || len(view.LiveNodes()) != 0 {
		t.Fatal("peer alive at the timeout")
	}
	nodes := view.Nodes()
	if len(nodes) != 1 || nodes[0].Status != domain.NodeStatusUnknown {
		t.Fatalf("stale peer not reported unknown: %+v", nodes)
	}

	if removed := view.Prune(time.Minute); len(removed) != 0 {
		t.Fatalf("pruned too early: %v", removed)
	}
	clock.Advance(31 * time.Second)
	if removed := view.Prune(time.Minute); len(removed) != 1 || removed[0] != "b" {
		t.Fatalf("pruned = %v", removed)
	}
}

func TestHeartbeatBeatPublishesAndRegisters(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	sub, err := store.Subscribe(ctx, domain.ChannelHeartbeat)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	s, pool, _ := newTestScheduler(t, map[string]int{"x": 2})
	health := NewHealthEvaluator(s, time.Second, zap.NewNop())
	registry := NewMembershipRegistry(store, NewClusterKeys("test:"), domain.NodeRecord{NodeID: "n1"}, time.Minute, zap.NewNop())
	hb := NewHeartbeatService("n1", store, registry, pool, health, func() bool { return true }, zap.NewNop())

	_ = pool.Reserve("x")
	if err := hb.Beat(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-sub.Messages():
		var got domain.Heartbeat
		if err := json.Unmarshal(msg.Payload, &got); err != nil {
			t.Fatal(err)
		}
		if got.NodeID != "n1" || got.Load != 0.5 || !got.IsLeader || got.Capacities["x"].Current != 1 {
			t.Fatalf("heartbeat = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no heartbeat published")
	}

	nodes, err := registry.Nodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || nodes[0].NodeID != "n1" || nodes[0].Capacities["x"].Max != 2 {
		t.Fatalf("registry = %+v", nodes)
	}
}

func TestHeartbeatBeatReportsStoreFailure(t *testing.T) {
	store := memory.New()
	s, pool, _ := newTestScheduler(t, map[string]int{"x": 1})
	health := NewHealthEvaluator(s, time.Second, zap.NewNop())
	registry := NewMembershipRegistry(store, NewClusterKeys("test:"), domain.NodeRecord{NodeID: "n1"}, time.Minute, zap.NewNop())
	hb := NewHeartbeatService("n1", store, registry, pool, health, func() bool { return false }, zap.NewNop())

	outage := errors.New("connection refused")
	store.SetFailure(outage)
	if err := hb.Beat(context.Background()); !errors.Is(err, outage) {
		t.Fatalf("err = %v, want outage", err)
	}
}
