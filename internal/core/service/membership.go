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

// ClusterKeys names the shared store keys of one cluster
type ClusterKeys struct {
	Nodes      string
	LeaderLock string
}

// NewClusterKeys derives the key schema from a prefix such as "distributed:".
func NewClusterKeys(prefix string) ClusterKeys {
	return ClusterKeys{
		Nodes:      prefix + "nodes",
		LeaderLock: prefix + "leader:lock",
	}
}

// MembershipRegistry publishes this node's record into the shared nodes hash.
// A node writes and deletes only its own field.
type MembershipRegistry struct {
	store port.SharedStore
	keys  ClusterKeys
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time

	mu   sync.Mutex
	self domain.NodeRecord
}

// NewMembershipRegistry creates a registry for the node described by self.
func NewMembershipRegistry(store port.SharedStore, keys ClusterKeys, self domain.NodeRecord, ttl time.Duration, log *zap.Logger) *MembershipRegistry {
	return &MembershipRegistry{
		store: store,
		keys:  keys,
		ttl:   ttl,
		log:   log,
		now:   time.Now,
		self:  self,
	}
}

// Register writes the current record and extends the hash expiry. The first call
// stamps the start time kept for the life of the node.
func (r *MembershipRegistry) Register(ctx context.Context, capacities map[string]domain.AgentCapacity, status domain.SystemStatus) error {
	r.mu.Lock()
	if r.self.StartedAt.IsZero() {
		r.self.StartedAt = r.now()
	}
	r.self.Capacities = capacities
	r.self.Status = status
	r.self.UpdatedAt = r.now()
	record := r.self
	r.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := r.store.HSet(ctx, r.keys.Nodes, record.NodeID, data); err != nil {
		return fmt.Errorf("register node %s: %w", record.NodeID, err)
	}
	if err := r.store.Expire(ctx, r.keys.Nodes, r.ttl); err != nil {
		return fmt.Errorf("refresh registry ttl: %w", err)
	}
	return nil
}

// Deregister removes this node's record.
func (r *MembershipRegistry) Deregister(ctx context.Context) error {
	if err := r.store.HDel(ctx, r.keys.Nodes, r.self.NodeID); err != nil {
		return fmt.Errorf("deregister node %s: %w", r.self.NodeID, err)
	}
	return nil
}

// Nodes reads every record refreshed within the ttl, sorted by node id.
func (r *MembershipRegistry) Nodes(ctx context.Context) ([]*domain.NodeRecord, error) {
	fields, err := r.store.HGetAll(ctx, r.keys.Nodes)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}

	cutoff := r.now().Add(-r.ttl)
	nodes := make([]*domain.NodeRecord, 0, len(fields))
	for field, data := range fields {
		var record domain.NodeRecord
		if err := json.Unmarshal(data, &record); err != nil {
			r.log.Warn("Skipping malformed node record", zap.String("node_id", field), zap.Error(err))
			continue
		}
		if record.UpdatedAt.Before(cutoff) {
			continue
		}
		nodes = append(nodes, &record)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes, nil
}
