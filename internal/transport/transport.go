// Package transport implements the Agent Transport abstraction (spec §4.2):
// dispatching work to a named server's on-host agent and receiving
// asynchronous progress/terminal notifications back, with a NATS-backed
// production implementation and a Docker-container-based local simulator
// used for development and tests.
package transport

import (
	"context"
	"errors"

	v1 "github.com/joyent-labs/cnapi-core/pkg/api/v1"
)

// ErrUnknownServer is the sentinel for a transport with no route to the
// given server. Neither the DockerSim nor the NATS backend returns it.
var ErrUnknownServer = errors.New("transport: unknown server")

// ProgressHandler is invoked once per agent-reported progress event. detail
// is opaque and carried straight into the task's history.
type ProgressHandler func(ctx context.Context, taskID, event string, detail map[string]any)

// TerminalHandler is invoked exactly once per task, when the agent reports
// a terminal outcome.
type TerminalHandler func(ctx context.Context, taskID string, status v1.TaskStatus, result map[string]any)

// Transport is the abstract Agent Transport every backend implements.
// Ordering guarantee: for a single task, every ProgressHandler invocation
// happens-before the single TerminalHandler invocation. Implementations
// must also de-duplicate terminal delivery: a retried on_terminal message
// must not invoke the handler twice for the same task.
type Transport interface {
	// Dispatch sends (kind, params) to server_id's agent and returns the
	// task identifier the agent accepted the work under. It returns as
	// soon as the agent has accepted the work, not when it completes.
	Dispatch(ctx context.Context, serverID, kind string, params map[string]any) (taskID string, err error)

	// RegisterProgressHandler installs the callback invoked for every
	// on_progress event. Must be called before the first Dispatch.
	RegisterProgressHandler(h ProgressHandler)

	// RegisterTerminalHandler installs the callback invoked once per task
	// on its terminal outcome. Must be called before the first Dispatch.
	RegisterTerminalHandler(h TerminalHandler)

	// CancelPending drains work queued against server_id that has not yet
	// started running, used by administrative "pause cn-agent" workflows.
	// Work already running on the agent is unaffected.
	CancelPending(ctx context.Context, serverID string) error

	// Close releases transport resources (connections, background
	// workers).
	Close() error
}
