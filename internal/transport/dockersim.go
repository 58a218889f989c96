package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joyent-labs/cnapi-core/internal/common/logger"
	v1 "github.com/joyent-labs/cnapi-core/pkg/api/v1"
)

// simScript returns the shell script a simulated agent container runs for
// a task kind, each line a JSON progress event; the script's own exit code
// decides the terminal status. This is NOT the production dispatch path —
// the real cn-agent protocol is out of scope for this control plane — it
// exists so the Docker SDK dependency, and the Agent Transport contract
// itself, have a runnable local backend to develop and test against.
func simScript(kind string) string {
	switch kind {
	case "machine_create":
		return `echo '{"event":"provisioning"}'; sleep 1; echo '{"event":"writing_zfs_dataset"}'; sleep 1; echo '{"event":"booting"}'; sleep 1`
	default: // "nop" and anything unrecognized
		return `echo '{"event":"starting"}'; sleep 1; echo '{"event":"finishing"}'`
	}
}

type pendingDispatch struct {
	taskID   string
	serverID string
	kind     string
	params   map[string]any

	mu        sync.Mutex
	cancelled bool
}

// DockerSim is a Docker-container-based local simulator for the Agent
// Transport: each dispatched task runs a short-lived container that emits
// JSON progress lines, grounded on the teacher's Docker SDK client wrapper
// and its own executor's per-task tracking map.
type DockerSim struct {
	docker *dockerClient
	image  string
	logger *logger.Logger

	mu          sync.Mutex
	progressH   ProgressHandler
	terminalH   TerminalHandler
	queues      map[string]chan *pendingDispatch
	pending     map[string]map[string]*pendingDispatch // serverID -> taskID -> dispatch
	terminalled map[string]bool                        // taskID -> terminal already delivered

	closed chan struct{}
}

var _ Transport = (*DockerSim)(nil)

// NewDockerSim constructs a simulator transport using image for every
// simulated agent container (default "alpine:latest" if empty).
func NewDockerSim(cfg DockerConfig, image string, log *logger.Logger) (*DockerSim, error) {
	dc, err := newDockerClient(cfg, log)
	if err != nil {
		return nil, err
	}
	if image == "" {
		image = "alpine:latest"
	}

	return &DockerSim{
		docker:      dc,
		image:       image,
		logger:      log.WithFields(zap.String("component", "dockersim-transport")),
		queues:      make(map[string]chan *pendingDispatch),
		pending:     make(map[string]map[string]*pendingDispatch),
		terminalled: make(map[string]bool),
		closed:      make(chan struct{}),
	}, nil
}

func (d *DockerSim) RegisterProgressHandler(h ProgressHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.progressH = h
}

func (d *DockerSim) RegisterTerminalHandler(h TerminalHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminalH = h
}

func (d *DockerSim) Dispatch(ctx context.Context, serverID, kind string, params map[string]any) (string, error) {
	taskID := uuid.New().String()
	pd := &pendingDispatch{taskID: taskID, serverID: serverID, kind: kind, params: params}

	d.mu.Lock()
	q, ok := d.queues[serverID]
	if !ok {
		q = make(chan *pendingDispatch, 256)
		d.queues[serverID] = q
		go d.runServerQueue(serverID, q)
	}
	if d.pending[serverID] == nil {
		d.pending[serverID] = make(map[string]*pendingDispatch)
	}
	d.pending[serverID][taskID] = pd
	d.mu.Unlock()

	select {
	case q <- pd:
	case <-d.closed:
		return "", fmt.Errorf("transport: dockersim closed")
	}

	d.logger.Info("dispatched task to simulator",
		zap.String("server_id", serverID), zap.String("task_id", taskID), zap.String("kind", kind))
	return taskID, nil
}

func (d *DockerSim) runServerQueue(serverID string, q chan *pendingDispatch) {
	for {
		select {
		case pd := <-q:
			d.runOne(pd)
		case <-d.closed:
			return
		}
	}
}

func (d *DockerSim) runOne(pd *pendingDispatch) {
	d.mu.Lock()
	delete(d.pending[pd.serverID], pd.taskID)
	d.mu.Unlock()

	pd.mu.Lock()
	cancelled := pd.cancelled
	pd.mu.Unlock()
	if cancelled {
		return
	}

	ctx := context.Background()
	containerID, err := d.docker.CreateContainer(ctx, ContainerConfig{
		Name:       "cnapi-sim-" + pd.taskID,
		Image:      d.image,
		Cmd:        []string{"/bin/sh", "-c", simScript(pd.kind)},
		AutoRemove: false,
		Labels:     map[string]string{"cnapi.server_id": pd.serverID, "cnapi.task_id": pd.taskID},
	})
	if err != nil {
		d.deliverTerminal(ctx, pd.taskID, v1.TaskStatusFailure, map[string]any{"error": err.Error()})
		return
	}
	defer d.docker.RemoveContainer(ctx, containerID, true)

	if err := d.docker.StartContainer(ctx, containerID); err != nil {
		d.deliverTerminal(ctx, pd.taskID, v1.TaskStatusFailure, map[string]any{"error": err.Error()})
		return
	}

	logs, err := d.docker.GetContainerLogs(ctx, containerID)
	if err == nil {
		scanner := bufio.NewScanner(logs)
		for scanner.Scan() {
			var evt struct {
				Event  string         `json:"event"`
				Detail map[string]any `json:"detail"`
			}
			line := scanner.Text()
			if json.Unmarshal([]byte(line), &evt) == nil && evt.Event != "" {
				d.deliverProgress(ctx, pd.taskID, evt.Event, evt.Detail)
			} else {
				d.deliverProgress(ctx, pd.taskID, "log", map[string]any{"line": line})
			}
		}
		logs.Close()
	}

	exitCode, err := d.docker.WaitContainer(ctx, containerID)
	if err != nil {
		d.deliverTerminal(ctx, pd.taskID, v1.TaskStatusFailure, map[string]any{"error": err.Error()})
		return
	}
	if exitCode == 0 {
		d.deliverTerminal(ctx, pd.taskID, v1.TaskStatusComplete, map[string]any{"exit_code": exitCode})
	} else {
		d.deliverTerminal(ctx, pd.taskID, v1.TaskStatusFailure, map[string]any{"exit_code": exitCode})
	}
}

func (d *DockerSim) deliverProgress(ctx context.Context, taskID, event string, detail map[string]any) {
	d.mu.Lock()
	h := d.progressH
	d.mu.Unlock()
	if h != nil {
		h(ctx, taskID, event, detail)
	}
}

func (d *DockerSim) deliverTerminal(ctx context.Context, taskID string, status v1.TaskStatus, result map[string]any) {
	d.mu.Lock()
	if d.terminalled[taskID] {
		d.mu.Unlock()
		return
	}
	d.terminalled[taskID] = true
	h := d.terminalH
	d.mu.Unlock()

	if h != nil {
		h(ctx, taskID, status, result)
	}
}

func (d *DockerSim) CancelPending(ctx context.Context, serverID string) error {
	d.mu.Lock()
	byTask := d.pending[serverID]
	toCancel := make([]*pendingDispatch, 0, len(byTask))
	for taskID, pd := range byTask {
		toCancel = append(toCancel, pd)
		delete(byTask, taskID)
	}
	d.mu.Unlock()

	for _, pd := range toCancel {
		pd.mu.Lock()
		pd.cancelled = true
		pd.mu.Unlock()
		d.deliverTerminal(ctx, pd.taskID, v1.TaskStatusFailure, map[string]any{
			"reason": "cancelled: agent paused before task started",
		})
	}
	return nil
}

func (d *DockerSim) Close() error {
	close(d.closed)
	return d.docker.Close()
}
