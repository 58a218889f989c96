package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joyent-labs/cnapi-core/internal/api/streaming"
	"github.com/joyent-labs/cnapi-core/internal/common/config"
	"github.com/joyent-labs/cnapi-core/internal/common/logger"
	"github.com/joyent-labs/cnapi-core/internal/server"
	"github.com/joyent-labs/cnapi-core/internal/store"
	"github.com/joyent-labs/cnapi-core/internal/task"
	"github.com/joyent-labs/cnapi-core/internal/transport"
	"github.com/joyent-labs/cnapi-core/internal/waitlist"
)

// fakeTransport is a minimal in-process Transport double mirroring
// internal/task's test double: Dispatch hands out sequential task IDs and
// lets the test drive on_progress/on_terminal deliveries directly, so the
// façade can be exercised end to end without a real agent.
type fakeTransport struct {
	mu        sync.Mutex
	nextID    int
	progressH transport.ProgressHandler
	terminalH transport.TerminalHandler
}

func (f *fakeTransport) Dispatch(ctx context.Context, serverID, kind string, params map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return fmt.Sprintf("task-%d", f.nextID), nil
}
func (f *fakeTransport) RegisterProgressHandler(h transport.ProgressHandler) { f.progressH = h }
func (f *fakeTransport) RegisterTerminalHandler(h transport.TerminalHandler) { f.terminalH = h }
func (f *fakeTransport) CancelPending(ctx context.Context, serverID string) error { return nil }
func (f *fakeTransport) Close() error { return nil }

func newTestRouter(t *testing.T) (*httptest.Server, *fakeTransport) {
	t.Helper()

	log := logger.Default()
	st := store.NewMemory()

	servers := server.New(st, log)
	if _, err := servers.Register(context.Background(), "cn-001", "cn-001.local", nil); err != nil {
		t.Fatalf("seed server: %v", err)
	}

	tp := &fakeTransport{}
	tasks := task.New(tp, log, config.TaskConfig{RetentionWindow: time.Hour, ActiveTimeout: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	tasks.Start(ctx)

	scheduler := waitlist.New(st, log, config.WaitlistConfig{
		MaxLimit: 1000, DefaultTimeoutSeconds: 5, RetentionWindow: time.Hour, SweepInterval: time.Hour,
	})
	if err := scheduler.Start(ctx); err != nil {
		t.Fatalf("start scheduler: %v", err)
	}

	hub := streaming.NewHub(log)
	go hub.Run(ctx)

	router := NewRouter(tasks, scheduler, servers, hub, time.Now().UTC(), log)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		tasks.Stop()
		scheduler.Stop()
		cancel()
	})
	return srv, tp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// TestCreateTaskUnknownServer asserts a task against an unregistered server
// fails with 404, per spec.md §6.
func TestCreateTaskUnknownServer(t *testing.T) {
	srv, _ := newTestRouter(t)

	resp, err := http.Post(srv.URL+"/servers/ghost/tasks/nop", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

// TestTaskRoundTrip exercises S1 from spec.md §8: create, get, wait.
func TestTaskRoundTrip(t *testing.T) {
	srv, tp := newTestRouter(t)

	resp, err := http.Post(srv.URL+"/servers/cn-001/tasks/nop", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	var created TaskResponse
	decodeJSON(t, resp, &created)
	if created.Status != "active" {
		t.Fatalf("expected active status, got %s", created.Status)
	}

	getResp, err := http.Get(srv.URL + "/tasks/" + created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	var fetched TaskResponse
	decodeJSON(t, getResp, &fetched)
	if fetched.Status != "active" {
		t.Fatalf("expected still active, got %s", fetched.Status)
	}

	waitCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/tasks/" + created.ID + "/wait?timeout=5")
		if err != nil {
			t.Error(err)
			return
		}
		waitCh <- resp
	}()

	time.Sleep(50 * time.Millisecond)
	tp.terminalH(context.Background(), created.ID, "complete", map[string]any{"exit_code": 0})

	select {
	case resp := <-waitCh:
		var waited TaskResponse
		decodeJSON(t, resp, &waited)
		if waited.Status != "complete" {
			t.Fatalf("expected complete, got %s", waited.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait endpoint did not return")
	}
}

// TestWaitOnAlreadyFinishedTask exercises S3 from spec.md §8: a wait call
// arriving after the terminal event returns immediately.
func TestWaitOnAlreadyFinishedTask(t *testing.T) {
	srv, tp := newTestRouter(t)

	resp, err := http.Post(srv.URL+"/servers/cn-001/tasks/nop", "application/json", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	var created TaskResponse
	decodeJSON(t, resp, &created)

	tp.terminalH(context.Background(), created.ID, "complete", nil)

	start := time.Now()
	waitResp, err := http.Get(srv.URL + "/tasks/" + created.ID + "/wait?timeout=5")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	elapsed := time.Since(start)
	var waited TaskResponse
	decodeJSON(t, waitResp, &waited)
	if waited.Status != "complete" {
		t.Fatalf("expected complete, got %s", waited.Status)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("expected near-immediate return, took %v", elapsed)
	}
}

// TestTicketCreateListReleaseDelete exercises the ticket CRUD surface:
// create returns 202 with a queue snapshot, release returns 204, and
// DeleteTickets clears the server.
func TestTicketCreateListReleaseDelete(t *testing.T) {
	srv, _ := newTestRouter(t)

	body := strings.NewReader(fmt.Sprintf(`{"scope":"vm-provision","id":"vm-1","expires_at":%q}`, time.Now().Add(time.Hour).Format(time.RFC3339)))
	resp, err := http.Post(srv.URL+"/servers/cn-001/tickets", "application/json", body)
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var created CreateTicketResponse
	decodeJSON(t, resp, &created)
	if created.Ticket.Status != "active" {
		t.Fatalf("expected active head-of-queue ticket, got %s", created.Ticket.Status)
	}
	if len(created.Queue) != 1 {
		t.Fatalf("expected queue snapshot of 1, got %d", len(created.Queue))
	}

	listResp, err := http.Get(srv.URL + "/servers/cn-001/tickets?limit=10&offset=0")
	if err != nil {
		t.Fatalf("list tickets: %v", err)
	}
	var listed TicketsListResponse
	decodeJSON(t, listResp, &listed)
	if listed.Total != 1 {
		t.Fatalf("expected 1 ticket listed, got %d", listed.Total)
	}

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/tickets/"+created.Ticket.UUID+"/release", nil)
	relResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("release ticket: %v", err)
	}
	if relResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", relResp.StatusCode)
	}

	delReq, _ := http.NewRequest(http.MethodDelete, srv.URL+"/servers/cn-001/tickets?force=true", nil)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("delete tickets: %v", err)
	}
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", delResp.StatusCode)
	}

	finalList, err := http.Get(srv.URL + "/servers/cn-001/tickets")
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	var afterDelete TicketsListResponse
	decodeJSON(t, finalList, &afterDelete)
	if afterDelete.Total != 0 {
		t.Fatalf("expected empty list after force delete, got %d", afterDelete.Total)
	}
}

// TestListTicketsBadLimit exercises the limit/offset boundary behaviors
// from spec.md §8.
func TestListTicketsBadLimit(t *testing.T) {
	srv, _ := newTestRouter(t)

	for _, raw := range []string{"0", "-1", "pizzacake", "1up"} {
		resp, err := http.Get(srv.URL + "/servers/cn-001/tickets?limit=" + raw)
		if err != nil {
			t.Fatalf("list tickets limit=%s: %v", raw, err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("limit=%s: expected 400, got %d", raw, resp.StatusCode)
		}
	}
}

// TestDiagnostics asserts /diagnostics responds with a stable
// start_timestamp.
func TestDiagnostics(t *testing.T) {
	srv, _ := newTestRouter(t)

	resp, err := http.Get(srv.URL + "/diagnostics")
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	var diag DiagnosticsResponse
	decodeJSON(t, resp, &diag)
	if diag.StartTimestamp.IsZero() {
		t.Error("expected non-zero start_timestamp")
	}
}
