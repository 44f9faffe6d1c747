// Package stream provides a real-time event broker for Fleet cluster
// lifecycle events. It bridges the ext.Extension system to connected
// clients via topic-based pub/sub.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Node events.
	EventNodeRegistered   EventType = "node.registered"
	EventNodeReregistered EventType = "node.reregistered"
	EventNodeDisconnected EventType = "node.disconnected"
	EventNodeUnreachable  EventType = "node.unreachable"
	EventNodeGone         EventType = "node.gone"

	// Owner events.
	EventOwnerSubscribed EventType = "owner.subscribed"
	EventOwnerRemoved    EventType = "owner.removed"

	// Lease events.
	EventLeaseGranted   EventType = "lease.granted"
	EventLeaseAccepted  EventType = "lease.accepted"
	EventLeaseDeclined  EventType = "lease.declined"
	EventLeaseRescinded EventType = "lease.rescinded"

	// Task events.
	EventTaskLaunched     EventType = "task.launched"
	EventTaskTransitioned EventType = "task.transitioned"

	// Leadership events.
	EventLeadershipAcquired EventType = "leadership.acquired"
	EventLeadershipLost     EventType = "leadership.lost"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// NodeEventData is the payload for node lifecycle events.
type NodeEventData struct {
	NodeID   string `json:"node_id"`
	Hostname string `json:"hostname"`
	State    string `json:"state"`
	Region   string `json:"region,omitempty"`
	Zone     string `json:"zone,omitempty"`
}

// OwnerEventData is the payload for owner lifecycle events.
type OwnerEventData struct {
	OwnerID   string   `json:"owner_id"`
	Name      string   `json:"name"`
	Principal string   `json:"principal,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Activity  string   `json:"activity,omitempty"`
}

// LeaseEventData is the payload for lease lifecycle events.
type LeaseEventData struct {
	LeaseID string  `json:"lease_id"`
	NodeID  string  `json:"node_id"`
	OwnerID string  `json:"owner_id"`
	Role    string  `json:"role"`
	CPUs    float64 `json:"cpus"`
	MemMB   int64   `json:"mem_mb"`
	DiskMB  int64   `json:"disk_mb,omitempty"`
	GPUs    int64   `json:"gpus,omitempty"`
}

// TaskEventData is the payload for task lifecycle events.
type TaskEventData struct {
	TaskID  string `json:"task_id"`
	OwnerID string `json:"owner_id"`
	NodeID  string `json:"node_id"`
	Role    string `json:"role,omitempty"`
	State   string `json:"state"`
	From    string `json:"from,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// LeadershipEventData is the payload for leadership events.
type LeadershipEventData struct {
	CoordinatorID string `json:"coordinator_id"`
}
