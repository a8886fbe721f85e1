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

type peerEntry struct {
	node        domain.ClusterNode
	heartbeatAt time.Time
	syncAt      time.Time
}

// PeerView is this node's cache of every peer it has heard from.
// Entries are advisory: liveness is evaluated on read against the node timeout,
// nothing sweeps them in the background.
type PeerView struct {
	selfID  string
	timeout time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	peers map[string]*peerEntry
}

// NewPeerView creates an empty view for node selfID.
func NewPeerView(selfID string, timeout time.Duration, now func() time.Time) *PeerView {
	if now == nil {
		now = time.Now
	}
	return &PeerView{
		selfID:  selfID,
		timeout: timeout,
		now:     now,
		peers:   make(map[string]*peerEntry),
	}
}

// ApplyHeartbeat upserts the sender. Self messages and messages older than the
// last applied heartbeat of that peer are ignored. Status and load are shared with
// state-sync and only move forward with the newest message of either kind.
func (v *PeerView) ApplyHeartbeat(hb *domain.Heartbeat) bool {
	if hb == nil || hb.NodeID == "" || hb.NodeID == v.selfID {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	e := v.entryLocked(hb.NodeID)
	if hb.Timestamp.Before(e.heartbeatAt) {
		return false
	}
	e.heartbeatAt = hb.Timestamp
	if !hb.Timestamp.Before(e.node.MessageTimestamp) {
		e.node.SystemStatus = hb.Status
		e.node.Load = hb.Load
	}
	e.node.Capacities = hb.Capacities
	e.node.IsLeader = hb.IsLeader
	v.touchLocked(e, hb.Timestamp)
	return true
}

// ApplyStateSync upserts the sender from a state-sync message, last write wins per
// message kind. Status and load follow the same rule as ApplyHeartbeat.
func (v *PeerView) ApplyStateSync(msg *domain.StateSync) bool {
	if msg == nil || msg.NodeID == "" || msg.NodeID == v.selfID {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	e := v.entryLocked(msg.NodeID)
	if msg.Timestamp.Before(e.syncAt) {
		return false
	}
	e.syncAt = msg.Timestamp
	if !msg.Timestamp.Before(e.node.MessageTimestamp) {
		e.node.SystemStatus = msg.Status
		e.node.Load = msg.Load
	}
	e.node.QueueLength = msg.QueueLength
	e.node.ProcessingCount = msg.ProcessingCount
	e.node.ProcessingTaskIDs = append([]string(nil), msg.ProcessingTaskIDs...)
	v.touchLocked(e, msg.Timestamp)
	return true
}

func (v *PeerView) entryLocked(nodeID string) *peerEntry {
	e, ok := v.peers[nodeID]
	if !ok {
		e = &peerEntry{node: domain.ClusterNode{NodeID: nodeID}}
		v.peers[nodeID] = e
	}
	return e
}

func (v *PeerView) touchLocked(e *peerEntry, sent time.Time) {
	e.node.LastHeartbeat = v.now()
	if sent.After(e.node.MessageTimestamp) {
		e.node.MessageTimestamp = sent
	}
}

// Remove drops a peer, reporting whether it was known.
func (v *PeerView) Remove(nodeID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.peers[nodeID]
	delete(v.peers, nodeID)
	return ok
}

// IsAlive reports whether nodeID was heard from within the node timeout.
func (v *PeerView) IsAlive(nodeID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.peers[nodeID]
	return ok && e.node.IsLive(v.now(), v.timeout)
}

// Get returns a copy of one peer with its liveness evaluated now.
func (v *PeerView) Get(nodeID string) (*domain.ClusterNode, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.peers[nodeID]
	if !ok {
		return nil, false
	}
	return v.snapshotLocked(e, v.now()), true
}

// Nodes returns every known peer sorted by id, stale ones marked unknown.
func (v *PeerView) Nodes() []*domain.ClusterNode {
	return v.collect(false)
}

// LiveNodes returns the peers heard from within the node timeout.
func (v *PeerView) LiveNodes() []*domain.ClusterNode {
	return v.collect(true)
}

func (v *PeerView) collect(liveOnly bool) []*domain.ClusterNode {
	v.mu.RLock()
	defer v.mu.RUnlock()

	now := v.now()
	out := make([]*domain.ClusterNode, 0, len(v.peers))
	for _, e := range v.peers {
		n := v.snapshotLocked(e, now)
		if liveOnly && n.Status != domain.NodeStatusHealthy {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (v *PeerView) snapshotLocked(e *peerEntry, now time.Time) *domain.ClusterNode {
	n := e.node
	n.Status = domain.NodeStatusUnknown
	if n.IsLive(now, v.timeout) {
		n.Status = domain.NodeStatusHealthy
	}
	if n.Capacities != nil {
		caps := make(map[string]domain.AgentCapacity, len(n.Capacities))
		for k, c := range n.Capacities {
			caps[k] = c
		}
		n.Capacities = caps
	}
	n.ProcessingTaskIDs = append([]string(nil), n.ProcessingTaskIDs...)
	return &n
}

// Prune removes peers not heard from for longer than maxAge and returns their ids.
func (v *PeerView) Prune(maxAge time.Duration) []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	var removed []string
	for id, e := range v.peers {
		if now.Sub(e.node.LastHeartbeat) > maxAge {
			delete(v.peers, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	return removed
}

// HeartbeatService broadcasts this node's liveness and load and refreshes its registry record.
type HeartbeatService struct {
	store    port.SharedStore
	registry *MembershipRegistry
	pool     *CapacityPool
	health   *HealthEvaluator
	isLeader func() bool
	selfID   string
	log      *zap.Logger
	now      func() time.Time
}

// NewHeartbeatService wires the heartbeat publisher of node selfID.
func NewHeartbeatService(
	selfID string,
	store port.SharedStore,
	registry *MembershipRegistry,
	pool *CapacityPool,
	health *HealthEvaluator,
	isLeader func() bool,
	log *zap.Logger,
) *HeartbeatService {
	return &HeartbeatService{
		store:    store,
		registry: registry,
		pool:     pool,
		health:   health,
		isLeader: isLeader,
		selfID:   selfID,
		log:      log,
		now:      time.Now,
	}
}

// Build assembles the heartbeat from current local state.
func (h *HeartbeatService) Build() *domain.Heartbeat {
	return &domain.Heartbeat{
		NodeID:     h.selfID,
		Status:     h.health.Status(),
		Load:       h.pool.Load(),
		Capacities: h.pool.Snapshot(),
		IsLeader:   h.isLeader(),
		Timestamp:  h.now(),
	}
}

// Beat publishes one heartbeat and refreshes the registry record.
// Both steps are attempted, the first error is returned.
func (h *HeartbeatService) Beat(ctx context.Context) error {
	hb := h.Build()
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}

	var firstErr error
	if err := h.store.Publish(ctx, domain.ChannelHeartbeat, data); err != nil {
		firstErr = fmt.Errorf("publish heartbeat: %w", err)
	}
	if err := h.registry.Register(ctx, hb.Capacities, hb.Status); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr == nil {
		h.log.Debug("Heartbeat sent", zap.Float64("load", hb.Load), zap.Bool("leader", hb.IsLeader))
	}
	return firstErr
}
