package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	cnapierrors "github.com/joyent-labs/cnapi-core/internal/common/errors"
	"github.com/joyent-labs/cnapi-core/internal/common/logger"
	"github.com/joyent-labs/cnapi-core/internal/server"
	"github.com/joyent-labs/cnapi-core/internal/waitlist"
)

// WaitlistHandler serves the Waitlist Scheduler surface (spec.md §4.4/§4.5).
type WaitlistHandler struct {
	scheduler *waitlist.Scheduler
	servers   *server.Registry
	logger    *logger.Logger
}

// NewWaitlistHandler constructs a WaitlistHandler.
func NewWaitlistHandler(s *waitlist.Scheduler, servers *server.Registry, log *logger.Logger) *WaitlistHandler {
	return &WaitlistHandler{scheduler: s, servers: servers, logger: log.WithFields(zap.String("component", "waitlist-api"))}
}

// CreateTicket handles POST /servers/:sid/tickets.
func (h *WaitlistHandler) CreateTicket(c *gin.Context) {
	serverID := c.Param("sid")

	if !h.servers.Known(c.Request.Context(), serverID) {
		respondError(c, cnapierrors.NotFound("server", serverID))
		return
	}

	var req CreateTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, cnapierrors.BadParam("invalid request body: "+err.Error()))
		return
	}

	ticket, queue, err := h.scheduler.CreateTicket(c.Request.Context(), serverID, req.Scope, req.ID, req.ExpiresAt, req.Action, req.Extra)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, CreateTicketResponse{
		Ticket: ticketToResponse(ticket),
		Queue:  ticketsToResponse(queue),
	})
}

// GetTicket handles GET /tickets/:uuid.
func (h *WaitlistHandler) GetTicket(c *gin.Context) {
	t, err := h.scheduler.GetTicket(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticketToResponse(t))
}

// ListTickets handles GET /servers/:sid/tickets.
func (h *WaitlistHandler) ListTickets(c *gin.Context) {
	serverID := c.Param("sid")

	opts := waitlist.ListOptions{
		Limit:  100,
		Scope:  c.Query("scope"),
		Status: c.Query("status"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, cnapierrors.BadParam("limit must be an integer: "+raw))
			return
		}
		opts.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, cnapierrors.BadParam("offset must be an integer: "+raw))
			return
		}
		opts.Offset = n
	}

	tickets, err := h.scheduler.ListTickets(c.Request.Context(), serverID, opts)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, TicketsListResponse{Tickets: ticketsToResponse(tickets), Total: len(tickets)})
}

// WaitTicket handles GET /tickets/:uuid/wait?timeout=N. Per spec.md §6 this
// endpoint responds 204 with no body once the ticket is active or terminal,
// and 408 with the JSON error envelope if the wait's own timeout elapses
// while it is still queued — unlike the task wait endpoint, it never
// returns the ticket itself.
func (h *WaitlistHandler) WaitTicket(c *gin.Context) {
	timeout := parseTimeout(c, defaultWaitTimeout)

	_, timedOut, err := h.scheduler.WaitTicket(c.Request.Context(), c.Param("uuid"), timeout)
	if err != nil {
		respondError(c, err)
		return
	}
	if timedOut {
		respondError(c, cnapierrors.Timeout("ticket wait timed out"))
		return
	}
	c.Status(http.StatusNoContent)
}

// ReleaseTicket handles PUT /tickets/:uuid/release.
func (h *WaitlistHandler) ReleaseTicket(c *gin.Context) {
	_, err := h.scheduler.ReleaseTicket(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteTickets handles DELETE /servers/:sid/tickets?force=true.
func (h *WaitlistHandler) DeleteTickets(c *gin.Context) {
	serverID := c.Param("sid")
	force := c.Query("force") == "true"

	if _, err := h.scheduler.DeleteTickets(c.Request.Context(), serverID, force); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
