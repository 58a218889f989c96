// Package v1 holds the wire types shared between the HTTP façade and its
// clients.
package v1

import "time"

// TaskStatus is the lifecycle status of a Task.
type TaskStatus string

const (
	TaskStatusActive   TaskStatus = "active"
	TaskStatusComplete TaskStatus = "complete"
	TaskStatusFailure  TaskStatus = "failure"
)

// Terminal reports whether the status is one of the absorbing terminal
// states.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusComplete || s == TaskStatusFailure
}

// HistoryEntry is one append-only progress entry recorded against a task.
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Task is a handle to work dispatched to a single server's agent.
type Task struct {
	ID           string         `json:"id"`
	ServerID     string         `json:"server_id"`
	Kind         string         `json:"kind"`
	Params       map[string]any `json:"params,omitempty"`
	Status       TaskStatus     `json:"status"`
	History      []HistoryEntry `json:"history"`
	CreatedAt    time.Time      `json:"created_at"`
	LastModified time.Time      `json:"last_modified"`
}

// TicketStatus is the lifecycle status of a Ticket.
type TicketStatus string

const (
	TicketStatusQueued   TicketStatus = "queued"
	TicketStatusActive   TicketStatus = "active"
	TicketStatusFinished TicketStatus = "finished"
	TicketStatusExpired  TicketStatus = "expired"
)

// Terminal reports whether the status is one of the absorbing terminal
// states.
func (s TicketStatus) Terminal() bool {
	return s == TicketStatusFinished || s == TicketStatusExpired
}

// Ticket is a durable token representing a right to enter a (server, scope)
// critical section.
type Ticket struct {
	UUID      string         `json:"uuid"`
	ServerID  string         `json:"server_id"`
	Scope     string         `json:"scope"`
	ID        string         `json:"id"`
	Status    TicketStatus   `json:"status"`
	ExpiresAt time.Time      `json:"expires_at"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Action    string         `json:"action,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// QueueKey identifies a FIFO queue: all tickets sharing (ServerID, Scope)
// serialize against each other.
type QueueKey struct {
	ServerID string
	Scope    string
}

// ServerRecord is a minimal record of a known compute node, enough for the
// façade to reject work against unknown servers and to show last-reported
// sysinfo.
type ServerRecord struct {
	ID        string         `json:"id"`
	Hostname  string         `json:"hostname"`
	Sysinfo   map[string]any `json:"sysinfo,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
