package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	cnapierrors "github.com/joyent-labs/cnapi-core/internal/common/errors"
	"github.com/joyent-labs/cnapi-core/internal/common/logger"
	"github.com/joyent-labs/cnapi-core/internal/server"
	"github.com/joyent-labs/cnapi-core/internal/task"
)

// defaultWaitTimeout is used when a wait endpoint omits ?timeout=.
const defaultWaitTimeout = 30 * time.Second

// TaskHandler serves the Task Registry surface (spec.md §4.5).
type TaskHandler struct {
	tasks   *task.Registry
	servers *server.Registry
	logger  *logger.Logger
}

// NewTaskHandler constructs a TaskHandler.
func NewTaskHandler(tasks *task.Registry, servers *server.Registry, log *logger.Logger) *TaskHandler {
	return &TaskHandler{tasks: tasks, servers: servers, logger: log.WithFields(zap.String("component", "task-api"))}
}

// CreateTask handles POST /servers/:sid/tasks/:kind.
func (h *TaskHandler) CreateTask(c *gin.Context) {
	serverID := c.Param("sid")
	kind := c.Param("kind")

	if !h.servers.Known(c.Request.Context(), serverID) {
		respondError(c, cnapierrors.NotFound("server", serverID))
		return
	}

	var req CreateTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, cnapierrors.BadParam("invalid request body: "+err.Error()))
			return
		}
	}

	t, err := h.tasks.CreateTask(c.Request.Context(), serverID, kind, req.Params)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, taskToResponse(t))
}

// GetTask handles GET /tasks/:id.
func (h *TaskHandler) GetTask(c *gin.Context) {
	t, err := h.tasks.GetTask(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(t))
}

// WaitTask handles GET /tasks/:id/wait?timeout=N. It responds 200 with the
// task whether it became terminal or the wait simply timed out while still
// active, per spec.md §6's contract for this endpoint.
func (h *TaskHandler) WaitTask(c *gin.Context) {
	timeout := parseTimeout(c, defaultWaitTimeout)

	t, _, err := h.tasks.WaitTask(c.Request.Context(), c.Param("id"), timeout)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(t))
}

// ListTaskHistory handles GET /servers/:sid/tasks.
func (h *TaskHandler) ListTaskHistory(c *gin.Context) {
	serverID := c.Param("sid")
	tasks := h.tasks.ListTaskHistory(serverID)

	out := make([]*TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskToResponse(t))
	}
	c.JSON(http.StatusOK, TasksListResponse{Tasks: out, Total: len(out)})
}

func parseTimeout(c *gin.Context, def time.Duration) time.Duration {
	raw := c.Query("timeout")
	if raw == "" {
		return def
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}
