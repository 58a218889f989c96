package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	cnapierrors "github.com/joyent-labs/cnapi-core/internal/common/errors"
	"github.com/joyent-labs/cnapi-core/internal/common/logger"
	"github.com/joyent-labs/cnapi-core/internal/server"
)

// ServerHandler serves the server registry surface (SPEC_FULL.md supplemented
// features: ListServers/RegisterServer/GetServer).
type ServerHandler struct {
	servers *server.Registry
	logger  *logger.Logger
}

// NewServerHandler constructs a ServerHandler.
func NewServerHandler(servers *server.Registry, log *logger.Logger) *ServerHandler {
	return &ServerHandler{servers: servers, logger: log.WithFields(zap.String("component", "server-api"))}
}

// RegisterServer handles POST /servers. Registration is an idempotent
// upsert: re-registering an existing id updates its hostname/sysinfo.
func (h *ServerHandler) RegisterServer(c *gin.Context) {
	var req RegisterServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, cnapierrors.BadParam("invalid request body: "+err.Error()))
		return
	}

	rec, err := h.servers.Register(c.Request.Context(), req.ID, req.Hostname, req.Sysinfo)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, serverToResponse(rec))
}

// GetServer handles GET /servers/:sid.
func (h *ServerHandler) GetServer(c *gin.Context) {
	rec, err := h.servers.Get(c.Request.Context(), c.Param("sid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, serverToResponse(rec))
}

// ListServers handles GET /servers.
func (h *ServerHandler) ListServers(c *gin.Context) {
	recs, err := h.servers.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	out := make([]*ServerResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, serverToResponse(rec))
	}
	c.JSON(http.StatusOK, ServersListResponse{Servers: out, Total: len(out)})
}
