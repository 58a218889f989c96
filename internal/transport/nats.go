package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/joyent-labs/cnapi-core/internal/common/logger"
	v1 "github.com/joyent-labs/cnapi-core/pkg/api/v1"
)

// NATSConfig configures the production NATS-backed transport.
type NATSConfig struct {
	URL           string
	ClientID      string
	MaxReconnects int
	RequestWait   time.Duration
}

type dispatchRequest struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params"`
}

type dispatchReply struct {
	TaskID   string `json:"task_id"`
	Rejected bool   `json:"rejected"`
	Reason   string `json:"reason,omitempty"`
}

type progressMessage struct {
	TaskID string         `json:"task_id"`
	Event  string         `json:"event"`
	Detail map[string]any `json:"detail"`
}

type terminalMessage struct {
	TaskID string         `json:"task_id"`
	Status v1.TaskStatus  `json:"status"`
	Result map[string]any `json:"result"`
}

// NATS is the production Agent Transport: dispatch is a NATS request/reply
// against a per-server subject the on-host agent responds to, and
// progress/terminal notifications arrive as published events the control
// plane subscribes to on wildcard subjects. Grounded on the teacher's NATS
// event bus (connection/reconnect handler wiring, Request/Publish/Subscribe
// shape).
type NATS struct {
	conn        *nats.Conn
	logger      *logger.Logger
	requestWait time.Duration

	progressSub *nats.Subscription
	terminalSub *nats.Subscription

	mu          sync.Mutex
	progressH   ProgressHandler
	terminalH   TerminalHandler
	terminalled map[string]bool
}

var _ Transport = (*NATS)(nil)

func dispatchSubject(serverID string) string     { return fmt.Sprintf("cnapi.agent.%s.dispatch", serverID) }
func cancelSubject(serverID string) string        { return fmt.Sprintf("cnapi.agent.%s.cancel_pending", serverID) }
const progressSubjectWildcard = "cnapi.task.*.progress"
const terminalSubjectWildcard = "cnapi.task.*.terminal"

// NewNATS connects to cfg.URL and wires the progress/terminal subscriptions.
func NewNATS(cfg NATSConfig, log *logger.Logger) (*NATS, error) {
	l := log.WithFields(zap.String("component", "nats-transport"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				l.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			l.Error("nats error", zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	requestWait := cfg.RequestWait
	if requestWait <= 0 {
		requestWait = 5 * time.Second
	}

	n := &NATS{
		conn:        conn,
		logger:      l,
		requestWait: requestWait,
		terminalled: make(map[string]bool),
	}

	if err := n.wireSubscriptions(); err != nil {
		conn.Close()
		return nil, err
	}

	l.Info("connected to nats", zap.String("url", cfg.URL))
	return n, nil
}

func (n *NATS) wireSubscriptions() error {
	progressSub, err := n.conn.Subscribe(progressSubjectWildcard, func(msg *nats.Msg) {
		var m progressMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			n.logger.Error("malformed progress message", zap.Error(err))
			return
		}
		n.mu.Lock()
		h := n.progressH
		n.mu.Unlock()
		if h != nil {
			h(context.Background(), m.TaskID, m.Event, m.Detail)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe progress: %w", err)
	}
	n.progressSub = progressSub

	terminalSub, err := n.conn.Subscribe(terminalSubjectWildcard, func(msg *nats.Msg) {
		var m terminalMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			n.logger.Error("malformed terminal message", zap.Error(err))
			return
		}
		n.mu.Lock()
		if n.terminalled[m.TaskID] {
			n.mu.Unlock()
			return
		}
		n.terminalled[m.TaskID] = true
		h := n.terminalH
		n.mu.Unlock()
		if h != nil {
			h(context.Background(), m.TaskID, m.Status, m.Result)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe terminal: %w", err)
	}
	n.terminalSub = terminalSub

	return nil
}

func (n *NATS) RegisterProgressHandler(h ProgressHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progressH = h
}

func (n *NATS) RegisterTerminalHandler(h TerminalHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.terminalH = h
}

func (n *NATS) Dispatch(ctx context.Context, serverID, kind string, params map[string]any) (string, error) {
	req := dispatchRequest{Kind: kind, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal dispatch request: %w", err)
	}

	msg, err := n.conn.RequestWithContext(ctx, dispatchSubject(serverID), data)
	if err != nil {
		return "", fmt.Errorf("dispatch to server %s: %w", serverID, err)
	}

	var reply dispatchReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return "", fmt.Errorf("unmarshal dispatch reply: %w", err)
	}
	if reply.Rejected {
		return "", fmt.Errorf("agent rejected dispatch: %s", reply.Reason)
	}
	return reply.TaskID, nil
}

func (n *NATS) CancelPending(ctx context.Context, serverID string) error {
	if err := n.conn.Publish(cancelSubject(serverID), nil); err != nil {
		return fmt.Errorf("publish cancel_pending for server %s: %w", serverID, err)
	}
	return nil
}

func (n *NATS) Close() error {
	if n.progressSub != nil {
		n.progressSub.Unsubscribe()
	}
	if n.terminalSub != nil {
		n.terminalSub.Unsubscribe()
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
	return nil
}
