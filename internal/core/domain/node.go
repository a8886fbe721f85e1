package domain

import "time"

type NodeStatus string

const (
	NodeStatusHealthy NodeStatus = "healthy"
	NodeStatusUnknown NodeStatus = "unknown"
)

// AgentCapacity is the concurrency ceiling of one agent type and its in-flight count
type AgentCapacity struct {
	Max     int `json:"max"`
	Current int `json:"current"`
}

// Available returns the free slots.
func (c AgentCapacity) Available() int {
	if c.Current >= c.Max {
		return 0
	}
	return c.Max - c.Current
}

// Utilization returns current/max, 0 when max is 0.
func (c AgentCapacity) Utilization() float64 {
	if c.Max <= 0 {
		return 0
	}
	return float64(c.Current) / float64(c.Max)
}

// ClusterNode is the view one node holds about a peer it has heard from
type ClusterNode struct {
	NodeID            string                   `json:"node_id"`
	Status            NodeStatus               `json:"status"`
	SystemStatus      SystemStatus             `json:"system_status,omitempty"`
	Load              float64                  `json:"load"`
	Capacities        map[string]AgentCapacity `json:"capacities,omitempty"`
	IsLeader          bool                     `json:"is_leader"`
	QueueLength       int                      `json:"queue_length"`
	ProcessingCount   int                      `json:"processing_count"`
	ProcessingTaskIDs []string                 `json:"processing_task_ids,omitempty"`
	LastHeartbeat     time.Time                `json:"last_heartbeat"`
	// MessageTimestamp is the sender's clock of the newest applied message.
	MessageTimestamp time.Time `json:"message_timestamp"`
}

// IsLive reports whether the node sent a message within timeout of now.
func (n *ClusterNode) IsLive(now time.Time, timeout time.Duration) bool {
	return now.Sub(n.LastHeartbeat) < timeout
}

// NodeRecord is the self-describing record a node keeps in the shared registry
type NodeRecord struct {
	NodeID     string                   `json:"node_id"`
	Host       string                   `json:"host"`
	Port       int                      `json:"port"`
	Capacities map[string]AgentCapacity `json:"capacities"`
	Status     SystemStatus             `json:"status"`
	Version    string                   `json:"version"`
	StartedAt  time.Time                `json:"started_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
}
