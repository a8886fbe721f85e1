package domain

import "time"

// SystemStatus is the discrete health of one node.
type SystemStatus string

const (
	StatusIdle     SystemStatus = "idle"
	StatusBusy     SystemStatus = "busy"
	StatusDegraded SystemStatus = "degraded"
	StatusError    SystemStatus = "error"
)

// StatusChange is emitted when the evaluated status differs from the previous one
type StatusChange struct {
	Status          SystemStatus `json:"status"`
	Previous        SystemStatus `json:"previous"`
	QueueLength     int          `json:"queue_length"`
	ProcessingCount int          `json:"processing_count"`
	ErrorRate       float64      `json:"error_rate"`
	Timestamp       time.Time    `json:"timestamp"`
}

// SchedulerMetrics are the rolling counters updated on every completion
type SchedulerMetrics struct {
	TotalTasks            int64         `json:"total_tasks"`
	CompletedTasks        int64         `json:"completed_tasks"`
	FailedTasks           int64         `json:"failed_tasks"`
	AverageProcessingTime time.Duration `json:"average_processing_time"`
}

// ErrorRate returns failed / max(total, 1).
func (m SchedulerMetrics) ErrorRate() float64 {
	total := m.TotalTasks
	if total < 1 {
		total = 1
	}
	return float64(m.FailedTasks) / float64(total)
}

// AgentUtilization describes one agent capacity in a state snapshot
type AgentUtilization struct {
	Current     int     `json:"current"`
	Max         int     `json:"max"`
	Utilization float64 `json:"utilization"`
}

// SystemState is the best-effort local snapshot
type SystemState struct {
	NodeID           string                      `json:"node_id,omitempty"`
	Status           SystemStatus                `json:"status"`
	QueueLength      int                         `json:"queue_length"`
	ProcessingCount  int                         `json:"processing_count"`
	AgentUtilization map[string]AgentUtilization `json:"agent_utilization"`
	Metrics          SchedulerMetrics            `json:"metrics"`
	Timestamp        time.Time                   `json:"timestamp"`
}

// AgentStatus describes a single agent type on this node
type AgentStatus struct {
	Name        string  `json:"name"`
	Current     int     `json:"current"`
	Max         int     `json:"max"`
	Available   bool    `json:"available"`
	Utilization float64 `json:"utilization"`
	Queued      int     `json:"queued"`
	Processing  int     `json:"processing"`
}

// ClusterState is the cluster half of the distributed snapshot
type ClusterState struct {
	NodeID       string         `json:"node_id"`
	IsLeader     bool           `json:"is_leader"`
	LeaderNode   string         `json:"leader_node,omitempty"`
	Nodes        []*ClusterNode `json:"nodes"`
	LiveNodes    int            `json:"live_nodes"`
	ClusterLoad  float64        `json:"cluster_load"`
	Assignments  int            `json:"assignments"`
	TotalQueued  int            `json:"total_queued"`
	TotalRunning int            `json:"total_running"`
}

// DistributedSystemState combines local and cluster views
type DistributedSystemState struct {
	Local   SystemState  `json:"local"`
	Cluster ClusterState `json:"cluster"`
}
