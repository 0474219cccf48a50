// Package models holds the cluster-visible entities shared by every core
// component: nodes, sessions, migrations and cross-server messages. These
// are the records serialized into Redis under the axonpuls: key scheme.
package models

import "time"

// NodeStatus is the lifecycle state of a registered server.
type NodeStatus string

const (
	NodeActive    NodeStatus = "active"
	NodeDraining  NodeStatus = "draining"
	NodeUnhealthy NodeStatus = "unhealthy"
)

// NodeMetrics is the point-in-time load snapshot carried on a Node record.
type NodeMetrics struct {
	Connections   int64   `json:"connections"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MessagesPerSec float64 `json:"mps"`
}

// Node describes one gateway process participating in the cluster.
type Node struct {
	ID        string      `json:"id"`
	Address   string      `json:"address"`
	Version   string      `json:"version"`
	Region    string      `json:"region"`
	Capacity  int64       `json:"capacity"`
	Status    NodeStatus  `json:"status"`
	Metrics   NodeMetrics `json:"metrics"`
	Heartbeat time.Time   `json:"heartbeat"`
}

// SessionStatus is the lifecycle state of a distributed connection.
type SessionStatus string

const (
	SessionConnected    SessionStatus = "connected"
	SessionDisconnected SessionStatus = "disconnected"
	SessionMigrating    SessionStatus = "migrating"
)

// Session is one WebSocket connection tracked cluster-wide.
type Session struct {
	ID            string            `json:"id"`
	UserID        string            `json:"user_id,omitempty"`
	OrgID         string            `json:"org_id"`
	NodeID        string            `json:"node_id"`
	SocketID      string            `json:"socket_id"`
	ClientType    string            `json:"client_type,omitempty"`
	ConnectedAt   time.Time         `json:"connected_at"`
	LastActivity  time.Time         `json:"last_activity"`
	Channels      []string          `json:"channels,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Status        SessionStatus     `json:"status"`
}

// MigrationStatus is the lifecycle state of a session hand-off.
type MigrationStatus string

const (
	MigrationPending    MigrationStatus = "pending"
	MigrationInProgress MigrationStatus = "in_progress"
	MigrationCompleted  MigrationStatus = "completed"
	MigrationFailed     MigrationStatus = "failed"
)

// Migration records a controlled session hand-off between two nodes.
type Migration struct {
	SessionID   string          `json:"session_id"`
	SourceNode  string          `json:"source_node"`
	TargetNode  string          `json:"target_node"`
	Status      MigrationStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// MessageKind addresses a cross-server message to one, many, or all nodes.
type MessageKind string

const (
	MessageBroadcast MessageKind = "broadcast"
	MessageMulticast MessageKind = "multicast"
	MessageUnicast   MessageKind = "unicast"
)

// Event is the dynamic payload the router ships between nodes. The router
// never interprets Payload; it is opaque bytes chosen by the caller.
type Event struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Payload  []byte            `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CrossServerMessage is the envelope published on the shared pub/sub
// channel and cached locally by every receiving node for dedupe.
type CrossServerMessage struct {
	ID            string      `json:"id"`
	Kind          MessageKind `json:"kind"`
	SourceNode    string      `json:"source_node"`
	TargetNodes   []string    `json:"target_nodes,omitempty"`
	OrgID         string      `json:"org_id"`
	UserID        string      `json:"user_id,omitempty"`
	Channel       string      `json:"channel"`
	Event         Event       `json:"event"`
	Timestamp     time.Time   `json:"timestamp"`
	AckRequested  bool        `json:"ack_requested"`
}

// AckStatus is carried on the ack:{node} pub/sub channel.
type AckStatus string

const (
	AckDelivered AckStatus = "delivered"
	AckFailed    AckStatus = "failed"
)

// Ack confirms (or denies) local delivery of a CrossServerMessage.
type Ack struct {
	MessageID string    `json:"message_id"`
	Node      string    `json:"node"`
	Status    AckStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// DeliveryRecord is one entry of a message's delivery_status report.
type DeliveryRecord struct {
	Node      string    `json:"node"`
	Status    AckStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// LoadMetric is one row of Distributed Connection Manager's load report.
type LoadMetric struct {
	Node        string  `json:"node"`
	Connections int64   `json:"connections"`
	Max         int64   `json:"max"`
	LoadPercent float64 `json:"load_percent"`
}
