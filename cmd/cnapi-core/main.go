// Command cnapi-core runs the control-plane API: the Task Registry, the
// Waitlist Scheduler, and the HTTP Façade in front of them, grounded on the
// teacher's cmd/agent-manager/main.go construction/wiring/graceful-shutdown
// shape.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/joyent-labs/cnapi-core/internal/api"
	"github.com/joyent-labs/cnapi-core/internal/api/streaming"
	"github.com/joyent-labs/cnapi-core/internal/common/config"
	"github.com/joyent-labs/cnapi-core/internal/common/logger"
	"github.com/joyent-labs/cnapi-core/internal/server"
	"github.com/joyent-labs/cnapi-core/internal/store"
	"github.com/joyent-labs/cnapi-core/internal/task"
	"github.com/joyent-labs/cnapi-core/internal/transport"
	"github.com/joyent-labs/cnapi-core/internal/waitlist"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting cnapi-core control plane")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Object Store (spec §4.1)
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal("failed to open object store", zap.Error(err))
	}
	defer st.Close()
	log.Info("object store ready", zap.String("driver", cfg.Store.Driver))

	// 4. Agent Transport (spec §4.2)
	tp, err := openTransport(cfg.Transport, log)
	if err != nil {
		log.Fatal("failed to initialize agent transport", zap.Error(err))
	}
	defer tp.Close()
	log.Info("agent transport ready", zap.String("driver", cfg.Transport.Driver))

	// 5. server directory, seeded with the built-in fleet
	servers := server.New(st, log)
	if err := servers.Seed(ctx); err != nil {
		log.Fatal("failed to seed server registry", zap.Error(err))
	}

	// 6. event hub (SPEC_FULL.md's supplemental live event feed)
	hub := streaming.NewHub(log)
	go hub.Run(ctx)

	// 7. Task Registry (spec §4.3)
	tasks := task.New(tp, log, cfg.Task)
	tasks.SetEventSink(func(taskID, serverID, status string) {
		hub.Publish(streaming.Event{Kind: "task", ID: taskID, ServerID: serverID, Status: status, Timestamp: time.Now()})
	})
	tasks.Start(ctx)
	defer tasks.Stop()

	// 8. Waitlist Scheduler (spec §4.4)
	scheduler := waitlist.New(st, log, cfg.Waitlist)
	scheduler.SetEventSink(func(ticketUUID, serverID, scope, status string) {
		hub.Publish(streaming.Event{Kind: "ticket", ID: ticketUUID, ServerID: serverID, Status: status, Timestamp: time.Now()})
	})
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("failed to start waitlist scheduler", zap.Error(err))
	}
	defer scheduler.Stop()

	// 9. HTTP Façade (spec §4.5/§6)
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(tasks, scheduler, servers, hub, time.Now().UTC(), log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down cnapi-core control plane")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("cnapi-core control plane stopped")
}

// openStore constructs the Object Store backend named by cfg.Driver.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.NewSQLite(cfg.DSN)
	case "postgres":
		return store.NewPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// openTransport constructs the Agent Transport backend named by
// cfg.Driver.
func openTransport(cfg config.TransportConfig, log *logger.Logger) (transport.Transport, error) {
	switch cfg.Driver {
	case "", "dockersim":
		return transport.NewDockerSim(transport.DockerConfig{}, "alpine:latest", log)
	case "nats":
		return transport.NewNATS(transport.NATSConfig{URL: cfg.NATSURL, ClientID: "cnapi-core", MaxReconnects: 10, RequestWait: 5 * time.Second}, log)
	default:
		return nil, fmt.Errorf("unknown transport driver %q", cfg.Driver)
	}
}
