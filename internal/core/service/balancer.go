package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crabzie/agent-orchestrator/internal/core/domain"
	"github.com/crabzie/agent-orchestrator/internal/core/port"
	"go.uber.org/zap"
)

// CoordinationObserver receives every coordination message this node publishes.
type CoordinationObserver func(msg *domain.CoordinationMessage)

type nodeLoad struct {
	id   string
	load float64
}

// LoadBalancer is the leader-only component: it watches the load spread across live
// nodes and keeps the task -> node assignment bookkeeping used for orphan recovery.
//
// It never moves work. Rebalancing and reassignment produce advisory messages that the
// external task producer may act on.
type LoadBalancer struct {
	store     port.SharedStore
	view      *PeerView
	selfID    string
	localLoad func() float64
	isLeader  func() bool
	threshold float64
	interval  time.Duration
	log       *zap.Logger
	now       func() time.Time

	mu          sync.Mutex
	assignments map[string]string
	observers   []CoordinationObserver
}

// NewLoadBalancer creates the balancer of node selfID.
func NewLoadBalancer(
	selfID string,
	store port.SharedStore,
	view *PeerView,
	localLoad func() float64,
	isLeader func() bool,
	threshold float64,
	interval time.Duration,
	log *zap.Logger,
) *LoadBalancer {
	return &LoadBalancer{
		store:       store,
		view:        view,
		selfID:      selfID,
		localLoad:   localLoad,
		isLeader:    isLeader,
		threshold:   threshold,
		interval:    interval,
		log:         log,
		now:         time.Now,
		assignments: make(map[string]string),
	}
}

// OnCoordination registers an observer of published coordination messages.
func (b *LoadBalancer) OnCoordination(fn CoordinationObserver) {
	b.mu.Lock()
	b.observers = append(b.observers, fn)
	b.mu.Unlock()
}

// Assign records that nodeID is processing taskID. Ignored unless leader.
func (b *LoadBalancer) Assign(taskID, nodeID string) {
	if !b.isLeader() {
		return
	}
	b.mu.Lock()
	b.assignments[taskID] = nodeID
	b.mu.Unlock()
}

// Unassign drops taskID from the bookkeeping.
func (b *LoadBalancer) Unassign(taskID string) {
	b.mu.Lock()
	delete(b.assignments, taskID)
	b.mu.Unlock()
}

// SyncNode makes taskIDs the authoritative list for nodeID: tasks it no longer
// reports are dropped and unknown ones are recorded. Ignored unless leader.
func (b *LoadBalancer) SyncNode(nodeID string, taskIDs []string) {
	if !b.isLeader() {
		return
	}
	reported := make(map[string]struct{}, len(taskIDs))
	for _, id := range taskIDs {
		reported[id] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for taskID, owner := range b.assignments {
		if owner != nodeID {
			continue
		}
		if _, ok := reported[taskID]; !ok {
			delete(b.assignments, taskID)
		}
	}
	for taskID := range reported {
		if _, ok := b.assignments[taskID]; !ok {
			b.assignments[taskID] = nodeID
		}
	}
}

// Reset clears the bookkeeping, called when leadership ends.
func (b *LoadBalancer) Reset() {
	b.mu.Lock()
	b.assignments = make(map[string]string)
	b.mu.Unlock()
}

// Assignments copies the task -> node map.
func (b *LoadBalancer) Assignments() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]string, len(b.assignments))
	for k, v := range b.assignments {
		out[k] = v
	}
	return out
}

// loads returns live nodes, this one included, by ascending load then id.
func (b *LoadBalancer) loads(exclude string) []nodeLoad {
	nodes := []nodeLoad{}
	if b.selfID != exclude {
		nodes = append(nodes, nodeLoad{id: b.selfID, load: b.localLoad()})
	}
	for _, n := range b.view.LiveNodes() {
		if n.NodeID == exclude {
			continue
		}
		nodes = append(nodes, nodeLoad{id: n.NodeID, load: n.Load})
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].load == nodes[j].load {
			return nodes[i].id < nodes[j].id
		}
		return nodes[i].load < nodes[j].load
	})
	return nodes
}

// Rebalance publishes an advisory load_balance_request when the spread between the
// most and least loaded live nodes exceeds the threshold. Returns the message, or nil.
func (b *LoadBalancer) Rebalance(ctx context.Context) (*domain.CoordinationMessage, error) {
	if !b.isLeader() {
		return nil, nil
	}

	nodes := b.loads("")
	if len(nodes) < 2 {
		return nil, nil
	}
	least, most := nodes[0], nodes[len(nodes)-1]
	diff := most.load - least.load
	if diff <= b.threshold {
		return nil, nil
	}

	msg := &domain.CoordinationMessage{
		Type:           domain.CoordinationLoadBalanceRequest,
		SenderID:       b.selfID,
		NodeID:         b.selfID,
		FromNode:       most.id,
		ToNode:         least.id,
		LoadDifference: diff,
		Timestamp:      b.now(),
	}
	b.log.Info("Load imbalance detected",
		zap.String("most_loaded", most.id),
		zap.Float64("max_load", most.load),
		zap.String("least_loaded", least.id),
		zap.Float64("min_load", least.load))

	if err := b.publish(ctx, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// HandleNodeLeaving reassigns the departed node's tasks to the remaining live nodes by
// ascending load and publishes one task_assigned per task. Bookkeeping only.
func (b *LoadBalancer) HandleNodeLeaving(ctx context.Context, nodeID string) []*domain.CoordinationMessage {
	if !b.isLeader() || nodeID == "" {
		return nil
	}

	b.mu.Lock()
	var orphans []string
	for taskID, owner := range b.assignments {
		if owner == nodeID {
			orphans = append(orphans, taskID)
		}
	}
	b.mu.Unlock()
	if len(orphans) == 0 {
		return nil
	}
	sort.Strings(orphans)

	candidates := b.loads(nodeID)
	if len(candidates) == 0 {
		b.log.Warn("No healthy node to take orphaned tasks",
			zap.String("node_id", nodeID),
			zap.Int("orphans", len(orphans)))
		b.mu.Lock()
		for _, taskID := range orphans {
			delete(b.assignments, taskID)
		}
		b.mu.Unlock()
		return nil
	}

	msgs := make([]*domain.CoordinationMessage, 0, len(orphans))
	b.mu.Lock()
	for i, taskID := range orphans {
		target := candidates[i%len(candidates)].id
		b.assignments[taskID] = target
		msgs = append(msgs, &domain.CoordinationMessage{
			Type:         domain.CoordinationTaskAssigned,
			SenderID:     b.selfID,
			TaskID:       taskID,
			NodeID:       target,
			PreviousNode: nodeID,
			Timestamp:    b.now(),
		})
	}
	b.mu.Unlock()

	for _, msg := range msgs {
		if err := b.publish(ctx, msg); err != nil {
			b.log.Warn("Publishing reassignment failed", zap.String("task_id", msg.TaskID), zap.Error(err))
		}
	}
	b.log.Info("Reassigned orphaned tasks",
		zap.String("departed", nodeID),
		zap.Int("count", len(msgs)))
	return msgs
}

func (b *LoadBalancer) publish(ctx context.Context, msg *domain.CoordinationMessage) error {
	b.mu.Lock()
	observers := make([]CoordinationObserver, len(b.observers))
	copy(observers, b.observers)
	b.mu.Unlock()
	for _, fn := range observers {
		fn(msg)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.store.Publish(ctx, domain.ChannelTaskCoordination, data); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Type, err)
	}
	return nil
}

// Run rebalances on every tick until ctx is done. Started as a leader hook.
func (b *LoadBalancer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.log.Debug("Load balancer started")
	for {
		select {
		case <-ctx.Done():
			b.log.Debug("Load balancer stopped")
			return
		case <-ticker.C:
			if _, err := b.Rebalance(ctx); err != nil {
				b.log.Warn("Rebalance failed", zap.Error(err))
			}
		}
	}
}
