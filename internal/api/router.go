package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joyent-labs/cnapi-core/internal/api/streaming"
	"github.com/joyent-labs/cnapi-core/internal/common/logger"
	"github.com/joyent-labs/cnapi-core/internal/server"
	"github.com/joyent-labs/cnapi-core/internal/task"
	"github.com/joyent-labs/cnapi-core/internal/waitlist"
)

// NewRouter assembles the full HTTP Façade (spec.md §4.5/§6): middleware,
// then the task, waitlist, server-directory, events, and diagnostics
// surfaces, grounded on the teacher's SetupRoutes shape.
func NewRouter(tasks *task.Registry, scheduler *waitlist.Scheduler, servers *server.Registry, hub *streaming.Hub, startTimestamp time.Time, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), CORS(), ErrorHandler(log))

	taskHandler := NewTaskHandler(tasks, servers, log)
	waitlistHandler := NewWaitlistHandler(scheduler, servers, log)
	serverHandler := NewServerHandler(servers, log)
	eventsHandler := NewEventsHandler(hub, log)
	diagHandler := NewDiagnosticsHandler(startTimestamp)

	router.GET("/diagnostics", diagHandler.Diagnostics)
	router.GET("/events", eventsHandler.Subscribe)

	router.GET("/servers", serverHandler.ListServers)
	router.POST("/servers", serverHandler.RegisterServer)
	router.GET("/servers/:sid", serverHandler.GetServer)

	router.POST("/servers/:sid/tasks/:kind", taskHandler.CreateTask)
	router.GET("/servers/:sid/tasks", taskHandler.ListTaskHistory)
	router.GET("/tasks/:id", taskHandler.GetTask)
	router.GET("/tasks/:id/wait", taskHandler.WaitTask)

	router.POST("/servers/:sid/tickets", waitlistHandler.CreateTicket)
	router.GET("/servers/:sid/tickets", waitlistHandler.ListTickets)
	router.DELETE("/servers/:sid/tickets", waitlistHandler.DeleteTickets)
	router.GET("/tickets/:uuid", waitlistHandler.GetTicket)
	router.GET("/tickets/:uuid/wait", waitlistHandler.WaitTicket)
	router.PUT("/tickets/:uuid/release", waitlistHandler.ReleaseTicket)

	return router
}
