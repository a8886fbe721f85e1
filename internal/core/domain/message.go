package domain

import "time"

// Pub/sub channels shared by every node.
const (
	ChannelHeartbeat        = "heartbeat"
	ChannelStateSync        = "state-sync"
	ChannelTaskCoordination = "task-coordination"
	ChannelNodeEvents       = "node-events"
)

// Heartbeat is broadcast by every node on each heartbeat tick
type Heartbeat struct {
	NodeID     string                   `json:"node_id"`
	Status     SystemStatus             `json:"status"`
	Load       float64                  `json:"load"`
	Capacities map[string]AgentCapacity `json:"capacities"`
	IsLeader   bool                     `json:"is_leader"`
	Timestamp  time.Time                `json:"timestamp"`
}

// StateSync carries a fuller local snapshot than the heartbeat
type StateSync struct {
	NodeID            string           `json:"node_id"`
	Status            SystemStatus     `json:"status"`
	Load              float64          `json:"load"`
	QueueLength       int              `json:"queue_length"`
	ProcessingCount   int              `json:"processing_count"`
	ProcessingTaskIDs []string         `json:"processing_task_ids"`
	Metrics           SchedulerMetrics `json:"metrics"`
	Timestamp         time.Time        `json:"timestamp"`
}

type CoordinationType string

const (
	CoordinationTaskStarted        CoordinationType = "task_started"
	CoordinationTaskCompleted      CoordinationType = "task_completed"
	CoordinationTaskFailed         CoordinationType = "task_failed"
	CoordinationTaskAssigned       CoordinationType = "task_assigned"
	CoordinationLoadBalanceRequest CoordinationType = "load_balance_request"
)

// CoordinationMessage travels on the task-coordination channel.
// TaskAssigned and LoadBalanceRequest are advisory: receivers decide whether to act.
type CoordinationMessage struct {
	Type           CoordinationType `json:"type"`
	SenderID       string           `json:"sender_id"`
	TaskID         string           `json:"task_id,omitempty"`
	AgentName      string           `json:"agent_name,omitempty"`
	NodeID         string           `json:"node_id"`
	PreviousNode   string           `json:"previous_node,omitempty"`
	FromNode       string           `json:"from_node,omitempty"`
	ToNode         string           `json:"to_node,omitempty"`
	LoadDifference float64          `json:"load_difference,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

type NodeEventType string

const (
	NodeEventJoined        NodeEventType = "node_joined"
	NodeEventLeaving       NodeEventType = "node_leaving"
	NodeEventLeaderElected NodeEventType = "leader_elected"
)

// NodeEvent travels on the node-events channel
type NodeEvent struct {
	Type      NodeEventType `json:"type"`
	NodeID    string        `json:"node_id"`
	Timestamp time.Time     `json:"timestamp"`
}
