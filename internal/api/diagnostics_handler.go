package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// DiagnosticsHandler serves GET /diagnostics (spec.md §6): a stable
// start_timestamp for health checks, fixed at process startup.
type DiagnosticsHandler struct {
	startTimestamp time.Time
}

// NewDiagnosticsHandler records startTimestamp as the process's
// start_timestamp.
func NewDiagnosticsHandler(startTimestamp time.Time) *DiagnosticsHandler {
	return &DiagnosticsHandler{startTimestamp: startTimestamp}
}

// Diagnostics handles GET /diagnostics.
func (h *DiagnosticsHandler) Diagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, DiagnosticsResponse{StartTimestamp: h.startTimestamp})
}
