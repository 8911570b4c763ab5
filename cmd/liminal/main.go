// Package main is the unified entry point for the Liminal director process.
// A single binary runs the host, territory manager, message router, and
// runbook executor together with shared infrastructure.
//
// Usage:
//
//	liminal serve                start the director API and wait
//	liminal run <runbook>        execute one runbook and exit
//	liminal replay <epoch-id>    replay a session journal and report turns
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/liminal/liminal/internal/common/config"
	apperrors "github.com/liminal/liminal/internal/common/errors"
	"github.com/liminal/liminal/internal/common/httpmw"
	"github.com/liminal/liminal/internal/common/logger"
	"github.com/liminal/liminal/internal/common/telemetry"
	"github.com/liminal/liminal/internal/director"
	directorapi "github.com/liminal/liminal/internal/director/api"
	"github.com/liminal/liminal/internal/director/store"
	"github.com/liminal/liminal/internal/events"
	"github.com/liminal/liminal/internal/gateway/websocket"
	"github.com/liminal/liminal/internal/host"
	"github.com/liminal/liminal/internal/host/container"
	"github.com/liminal/liminal/internal/router"
	"github.com/liminal/liminal/internal/territory"
)

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting liminal director")

	// 3. Context with signal-driven cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// 4. Notice bus (in-memory, or NATS if configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Error("failed to initialize notice bus", zap.Error(err))
		return 1
	}
	defer func() { _ = busCleanup() }()

	// 5. Session store
	var sessionStore store.Store
	switch cfg.Database.Driver {
	case "postgres":
		sessionStore, err = store.NewPostgresStore(ctx, cfg.Database.DSN(), cfg.Database.MaxConns)
	default:
		sessionStore, err = store.NewSQLiteStore(cfg.Database.Path)
	}
	if err != nil {
		log.Warn("session store unavailable, history disabled", zap.Error(err))
		sessionStore = nil
	} else {
		defer func() { _ = sessionStore.Close() }()
	}

	// 6. Agent runtime
	var runtime host.Runtime
	if cfg.Agent.Runtime == "container" {
		containerRuntime, err := container.NewRuntime(ctx, container.Config{
			Image: cfg.Agent.ContainerImage,
		}, log)
		if err != nil {
			log.Error("container runtime unavailable", zap.Error(err))
			return 1
		}
		defer func() { _ = containerRuntime.Close() }()
		runtime = containerRuntime
	} else {
		runtime = host.NewLocalRuntime()
	}

	// 7. Process host
	agentHost, err := host.New(host.Config{
		CLIPath:         cfg.Agent.CLIPath,
		WorkingDir:      cfg.Agent.WorkingDir,
		ScrollbackBytes: cfg.Agent.ScrollbackBytes,
		PromptMarker:    cfg.Agent.PromptMarker,
		ReadyTimeout:    time.Duration(cfg.Agent.ReadyTimeoutMs) * time.Millisecond,
		GracefulKill:    time.Duration(cfg.Agent.GracefulKillMs) * time.Millisecond,
	}, runtime, eventBus, log)
	if err != nil {
		log.Error("failed to initialize process host", zap.Error(err))
		return 1
	}
	defer agentHost.Close()

	// 8. Territory manager and message router
	territoryManager := territory.NewManager(territory.Config{
		Tick:       cfg.Territory.Tick(),
		DefaultTTL: cfg.Territory.DefaultTTL(),
	}, nil, eventBus, log)
	if err := territoryManager.Start(); err != nil {
		log.Error("failed to start territory manager", zap.Error(err))
		return 1
	}
	defer func() { _ = territoryManager.Stop() }()

	messageRouter := router.New(router.Config{
		MailboxCap: cfg.Router.MailboxCap,
		AgeLimit:   cfg.Router.AgeLimit(),
		AckTimeout: cfg.Router.AckTimeout(),
	}, eventBus, log)
	if err := messageRouter.Start(); err != nil {
		log.Error("failed to start message router", zap.Error(err))
		return 1
	}
	defer func() { _ = messageRouter.Stop() }()

	// 9. Director
	directorCfg := director.DefaultConfig()
	directorCfg.MaxParallel = cfg.Director.MaxParallel
	directorCfg.SessionsDir = cfg.Director.SessionsDir
	directorCfg.TurnSentinel = cfg.Agent.TurnSentinel

	d := director.New(directorCfg, agentHost, territoryManager, messageRouter, eventBus, sessionStore, log)
	territoryManager.SetNotifier(d.RevocationNotifier())
	d.Start(ctx)

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	// 10. Dispatch on command
	args := os.Args[1:]
	if len(args) == 0 {
		args = []string{"serve"}
	}

	switch args[0] {
	case "serve":
		return serve(ctx, cancel, sigCh, cfg, d, sessionStore, log)
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: liminal run <runbook>")
			return 1
		}
		return runOnce(ctx, sigCh, d, args[1], log)
	case "replay":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: liminal replay <epoch-id>")
			return 1
		}
		return replay(d, args[1], log)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		return 1
	}
}

// serve runs the director API until a signal arrives.
func serve(ctx context.Context, cancel context.CancelFunc, sigCh chan os.Signal, cfg *config.Config, d *director.Director, sessionStore store.Store, log *logger.Logger) int {
	hub := websocket.NewHub(log)
	eventsCh, cancelEvents := d.SubscribeEvents()
	defer cancelEvents()
	go hub.Run(ctx, eventsCh)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log))
	engine.Use(httpmw.Tracing())

	handlers := directorapi.NewHandlers(d, sessionStore, hub, log)
	handlers.RegisterRoutes(engine)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("director API listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", zap.Error(err))
			cancel()
		}
	}()

	select {
	case sig := <-sigCh:
		log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		d.Cancel(false)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	return apperrors.ExitSuccess
}

// runOnce executes one runbook in the foreground and maps the outcome to
// the documented exit codes.
func runOnce(ctx context.Context, sigCh chan os.Signal, d *director.Director, runbookPath string, log *logger.Logger) int {
	if _, err := d.LoadRunbook(runbookPath); err != nil {
		log.Error("runbook rejected", zap.Error(err))
		return apperrors.ExitParseError
	}

	epochID, err := d.Execute(ctx)
	if err != nil {
		log.Error("execution failed to start", zap.Error(err))
		return 1
	}
	log.Info("executing runbook", zap.String("epoch_id", epochID))

	done := make(chan error, 1)
	go func() { done <- d.Wait() }()

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("signal received, cancelling", zap.String("signal", sig.String()))
		d.Cancel(true)
		<-done
		return apperrors.ExitCancelled
	case runErr = <-done:
	}

	if runErr == nil {
		log.Info("runbook completed", zap.String("epoch_id", epochID))
		return apperrors.ExitSuccess
	}
	if errors.Is(runErr, context.Canceled) {
		return apperrors.ExitCancelled
	}

	// Inspect turn outcomes for the most specific exit code.
	session := d.Session()
	if session != nil {
		for _, summary := range session.TurnSummaries {
			switch summary.FailureKind {
			case apperrors.KindSpawn:
				return apperrors.ExitSpawnFailure
			case apperrors.KindInvariant:
				return apperrors.ExitInvariant
			}
		}
		for _, summary := range session.TurnSummaries {
			if summary.FailureKind == apperrors.KindLease && len(d.Escalations()) > 0 {
				return apperrors.ExitEscalationUnresolved
			}
		}
	}
	log.Error("runbook failed", zap.Error(runErr))
	return 1
}

// replay restores territory state from a past epoch and reports its turns.
func replay(d *director.Director, epochID string, log *logger.Logger) int {
	result, err := d.Replay(epochID)
	if err != nil {
		log.Error("replay failed", zap.Error(err))
		return 1
	}
	for _, summary := range result.Summaries {
		state := string(summary.State)
		fmt.Printf("turn %d (%s): %s\n", summary.TurnID, summary.Role, state)
	}
	if result.Completed {
		fmt.Println("session completed")
	}
	return apperrors.ExitSuccess
}
