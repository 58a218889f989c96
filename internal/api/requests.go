// Package api is the HTTP Façade (spec.md §4.5/§6): routers, handlers,
// request/response DTOs, and middleware for the Task Registry, Waitlist
// Scheduler, and server registry.
package api

import (
	"time"

	v1 "github.com/joyent-labs/cnapi-core/pkg/api/v1"
)

// CreateTaskRequest is the body of POST /servers/:sid/tasks/:kind.
type CreateTaskRequest struct {
	Params map[string]any `json:"params,omitempty"`
}

// TaskResponse mirrors v1.Task for the wire.
type TaskResponse struct {
	ID           string             `json:"id"`
	ServerID     string             `json:"server_id"`
	Kind         string             `json:"kind"`
	Params       map[string]any     `json:"params,omitempty"`
	Status       v1.TaskStatus      `json:"status"`
	History      []v1.HistoryEntry  `json:"history"`
	CreatedAt    time.Time          `json:"created_at"`
	LastModified time.Time          `json:"last_modified"`
}

func taskToResponse(t *v1.Task) *TaskResponse {
	return &TaskResponse{
		ID:           t.ID,
		ServerID:     t.ServerID,
		Kind:         t.Kind,
		Params:       t.Params,
		Status:       t.Status,
		History:      t.History,
		CreatedAt:    t.CreatedAt,
		LastModified: t.LastModified,
	}
}

// TasksListResponse is the body of GET /servers/:sid/tasks.
type TasksListResponse struct {
	Tasks []*TaskResponse `json:"tasks"`
	Total int             `json:"total"`
}

// CreateTicketRequest is the body of POST /servers/:sid/tickets.
type CreateTicketRequest struct {
	Scope     string         `json:"scope" binding:"required"`
	ID        string         `json:"id" binding:"required"`
	ExpiresAt time.Time      `json:"expires_at" binding:"required"`
	Action    string         `json:"action,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// TicketResponse mirrors v1.Ticket for the wire.
type TicketResponse struct {
	UUID      string         `json:"uuid"`
	ServerID  string         `json:"server_id"`
	Scope     string         `json:"scope"`
	ID        string         `json:"id"`
	Status    v1.TicketStatus `json:"status"`
	ExpiresAt time.Time      `json:"expires_at"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Action    string         `json:"action,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

func ticketToResponse(t *v1.Ticket) *TicketResponse {
	return &TicketResponse{
		UUID:      t.UUID,
		ServerID:  t.ServerID,
		Scope:     t.Scope,
		ID:        t.ID,
		Status:    t.Status,
		ExpiresAt: t.ExpiresAt,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
		Action:    t.Action,
		Extra:     t.Extra,
	}
}

func ticketsToResponse(ts []*v1.Ticket) []*TicketResponse {
	out := make([]*TicketResponse, 0, len(ts))
	for _, t := range ts {
		out = append(out, ticketToResponse(t))
	}
	return out
}

// CreateTicketResponse is the 202 body of POST /servers/:sid/tickets: the
// created ticket plus a snapshot of the full queue immediately after
// creation.
type CreateTicketResponse struct {
	Ticket *TicketResponse   `json:"ticket"`
	Queue  []*TicketResponse `json:"queue"`
}

// TicketsListResponse is the body of GET /servers/:sid/tickets.
type TicketsListResponse struct {
	Tickets []*TicketResponse `json:"tickets"`
	Total   int               `json:"total"`
}

// RegisterServerRequest is the body of POST /servers.
type RegisterServerRequest struct {
	ID       string         `json:"id" binding:"required"`
	Hostname string         `json:"hostname" binding:"required"`
	Sysinfo  map[string]any `json:"sysinfo,omitempty"`
}

// ServerResponse mirrors v1.ServerRecord for the wire.
type ServerResponse struct {
	ID        string         `json:"id"`
	Hostname  string         `json:"hostname"`
	Sysinfo   map[string]any `json:"sysinfo,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func serverToResponse(s *v1.ServerRecord) *ServerResponse {
	return &ServerResponse{
		ID:        s.ID,
		Hostname:  s.Hostname,
		Sysinfo:   s.Sysinfo,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// ServersListResponse is the body of GET /servers.
type ServersListResponse struct {
	Servers []*ServerResponse `json:"servers"`
	Total   int                `json:"total"`
}

// DiagnosticsResponse is the body of GET /diagnostics.
type DiagnosticsResponse struct {
	StartTimestamp time.Time `json:"start_timestamp"`
}
