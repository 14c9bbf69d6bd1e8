// Command coordinator runs the Agent Coordinator control-plane service:
// run queue, runner registry, session store, dispatcher, callback
// processor, and HTTP API.
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

	"github.com/kandev/agentcoord/internal/blueprint"
	"github.com/kandev/agentcoord/internal/callback"
	"github.com/kandev/agentcoord/internal/common/config"
	"github.com/kandev/agentcoord/internal/common/logger"
	"github.com/kandev/agentcoord/internal/dispatcher"
	"github.com/kandev/agentcoord/internal/httpapi"
	"github.com/kandev/agentcoord/internal/runner"
	"github.com/kandev/agentcoord/internal/runqueue"
	"github.com/kandev/agentcoord/internal/session"
	"github.com/kandev/agentcoord/internal/streaming"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting agent coordinator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster := streaming.NewBroadcaster(log)
	go broadcaster.Run(ctx)

	store, err := session.Open(cfg.Database.Path, broadcaster)
	if err != nil {
		log.Fatal("failed to open session store", zap.Error(err))
	}
	defer store.Close()
	log.Info("opened session store", zap.String("path", cfg.Database.Path))

	registry := runner.NewRegistry()

	queue := runqueue.New(registry, cfg.Dispatch.NoMatchTTL())

	disp := dispatcher.New(queue, registry)

	blueprints := blueprint.NewLoader(cfg.Blueprint.Root)
	log.Info("loaded blueprint directory", zap.String("root", cfg.Blueprint.Root))

	callbacks := callback.New(store, blueprints, queue, log)
	go callbacks.RunIdleSweeper(ctx, cfg.Dispatch.CallbackIdleCheck())

	service := httpapi.NewService(store, queue, registry, disp, blueprints, callbacks, broadcaster, cfg.Dispatch.StopGrace(), log)

	go service.RunNoMatchSweeper(ctx)
	const runnerSweepInterval = 10 * time.Second
	go service.RunRunnerSweeper(ctx, runnerSweepInterval, cfg.Dispatch.HeartbeatStale(), cfg.Dispatch.HeartbeatRemove())

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.SetupRouter(service, cfg.Dispatch.LongPollTimeout(), log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agent coordinator")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	log.Info("agent coordinator stopped")
}
