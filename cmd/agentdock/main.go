// Package main is the AgentDock server binary: a multi-session
// orchestration service fronting a command-line AI coding agent. All client
// communication happens over a single WebSocket endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentdock/agentdock/internal/agent/process"
	"github.com/agentdock/agentdock/internal/broker"
	"github.com/agentdock/agentdock/internal/common/config"
	"github.com/agentdock/agentdock/internal/common/logger"
	"github.com/agentdock/agentdock/internal/common/tracing"
	"github.com/agentdock/agentdock/internal/db"
	"github.com/agentdock/agentdock/internal/events/bus"
	gateway "github.com/agentdock/agentdock/internal/gateway/websocket"
	"github.com/agentdock/agentdock/internal/session/orchestrator"
	"github.com/agentdock/agentdock/internal/session/store"
	"github.com/agentdock/agentdock/internal/usage"
	"github.com/agentdock/agentdock/internal/workspace"
)

func main() {
	var (
		flagHost        = flag.String("host", "", "bind address (overrides config)")
		flagPort        = flag.Int("port", 0, "listen port (overrides config)")
		flagDBPath      = flag.String("db-path", "", "sqlite database path (overrides config)")
		flagSessionsDir = flag.String("sessions-base-dir", "", "base directory for session workspaces (overrides config)")
		flagMock        = flag.Bool("mock", false, "use the scripted mock agent instead of the real agent CLI")
		flagConfig      = flag.String("config", "", "config file directory")
	)
	flag.Parse()

	cfg, err := config.LoadWithPath(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *flagHost, *flagPort, *flagDBPath, *flagSessionsDir, *flagMock)

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting agentdock",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("mock", cfg.Agent.Mock))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := tracing.Init(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("agentdock stopped")
}

func applyFlags(cfg *config.Config, host string, port int, dbPath, sessionsDir string, mock bool) {
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if sessionsDir != "" {
		cfg.Workspace.SessionsBaseDir = sessionsDir
	}
	if mock {
		cfg.Agent.Mock = true
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// Store backend.
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	st, err := store.Open(ctx, database, log)
	if err != nil {
		return err
	}

	// Event bus: in-memory in unified mode, NATS when configured.
	var eventBus bus.Bus
	if cfg.Events.NATSURL != "" {
		natsBus, err := bus.NewNATSBus(cfg.Events.NATSURL, cfg.Events.Namespace, log)
		if err != nil {
			return err
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryBus(log)
	}
	defer eventBus.Close()

	provisioner, err := workspace.NewProvisioner(workspace.Config{
		SessionsBaseDir: cfg.Workspace.SessionsBaseDir,
		CacheDir:        cfg.Workspace.CacheDir,
		Container:       cfg.Workspace.Container,
	}, log)
	if err != nil {
		return err
	}

	serverURL := fmt.Sprintf("ws://%s:%d/ws", cfg.Server.Host, cfg.Server.Port)
	orchCfg := orchestrator.Config{
		AgentCommand:          cfg.Agent.Command,
		AgentArgs:             cfg.Agent.Args,
		PermissionTool:        cfg.Agent.PermissionTool,
		PermissionToolCommand: cfg.Agent.PermissionToolCommand,
		ServerURL:             serverURL,
	}
	if cfg.Agent.Mock {
		orchCfg.AgentCommand = "mock-agent"
		orchCfg.AgentArgs = nil
	}

	orch := orchestrator.New(orchCfg, st, provisioner, process.NewSupervisor(log), broker.New(log), eventBus, log)
	defer orch.Shutdown()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	hub, err := gateway.Setup(ctx, engine, orch, eventBus, log)
	if err != nil {
		return err
	}

	reporter := usage.NewReporter(st, eventBus, cfg.Usage.ReportIntervalDuration(), log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		reporter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openDatabase(cfg *config.Config) (*sqlx.DB, error) {
	switch cfg.Database.Driver {
	case "postgres":
		return db.OpenPostgres(cfg.Database.DSN())
	default:
		return db.OpenSQLite(cfg.Database.Path)
	}
}
