package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/meshcompute/compute-node/internal/config"
	"github.com/meshcompute/compute-node/internal/directory"
	"github.com/meshcompute/compute-node/internal/dispatch"
	"github.com/meshcompute/compute-node/internal/engine"
	"github.com/meshcompute/compute-node/internal/executor"
	"github.com/meshcompute/compute-node/internal/health"
	"github.com/meshcompute/compute-node/internal/heartbeat"
	"github.com/meshcompute/compute-node/internal/identity"
	"github.com/meshcompute/compute-node/internal/maintenance"
	"github.com/meshcompute/compute-node/internal/specs"
	"github.com/meshcompute/compute-node/internal/storage"
	"github.com/meshcompute/compute-node/internal/transport"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load("./config")
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// A node without a valid identity must not run.
	id, err := identity.LoadOrCreate(cfg.Node.KeyFile, logger)
	if err != nil {
		logger.Fatal("Failed to load node identity", zap.Error(err))
	}

	dir := directory.New(logger)

	history, err := storage.NewSQLiteTaskHistory(logger, cfg.Storage.HistoryPath)
	if err != nil {
		logger.Fatal("Failed to open task history storage", zap.Error(err))
	}
	defer history.Close()

	// The execution backend is an external capability. The built-in echo
	// engine keeps the node operable end-to-end until one is wired in.
	eng := engine.Echo()

	exec, err := executor.New(eng, executor.Config{
		MaxConcurrent: cfg.Executor.MaxConcurrent,
		QueueDepth:    cfg.Executor.QueueDepth,
		TaskTimeout:   cfg.Executor.TaskTimeout,
	}, logger, history)
	if err != nil {
		logger.Fatal("Failed to create executor", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec.Start(ctx)

	tr, err := transport.New(id, dir, transport.Config{
		ListenAddrs:     cfg.P2P.ListenAddrs,
		SeedPeers:       cfg.P2P.SeedPeers,
		DialRetries:     cfg.P2P.DialRetries,
		DialBackoffBase: cfg.P2P.DialBackoffBase,
		DialBackoffMax:  cfg.P2P.DialBackoffMax,
		AgentVersion:    cfg.Node.Name + "/" + cfg.Node.Version,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create transport", zap.Error(err))
	}

	collector := specs.NewCollector(logger)
	responder := heartbeat.NewResponder(id, dir, collector, exec,
		cfg.Node.Version, cfg.Node.Models, logger)
	handler := dispatch.NewHandler(id, exec, dir, dispatch.Config{
		SupportedModels: cfg.Node.Models,
		MaxPayloadBytes: cfg.Dispatch.MaxPayloadBytes,
	}, logger)

	tr.SetHandler(transport.ProtocolHeartbeat, responder.HandleStream)
	tr.SetHandler(transport.ProtocolTask, handler.HandleStream)

	if err := tr.Start(ctx); err != nil {
		logger.Fatal("Failed to start transport", zap.Error(err))
	}

	logger.Info("Node started",
		zap.String("peer_id", id.PeerID().String()),
		zap.Strings("models", cfg.Node.Models))

	healthSrv := health.NewServer(cfg.Health.Addr, func() health.Status {
		return health.Status{
			PeerID:         id.PeerID().String(),
			Version:        cfg.Node.Version,
			Peers:          dir.Count(),
			QueueDepth:     exec.QueueDepth(),
			TasksCompleted: exec.Completed(),
		}
	}, logger)
	healthSrv.Start()

	janitor := maintenance.New(dir, history, maintenance.Config{
		HistoryMaxAge:  cfg.Storage.HistoryMaxAge,
		PeerStaleAfter: cfg.Directory.PeerStaleAfter,
	}, logger)
	if err := janitor.Start(); err != nil {
		logger.Fatal("Failed to start maintenance jobs", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// Shutdown order: stop admitting and finish tasks first, then tear the
	// network down so in-flight exchanges can still respond.
	exec.Shutdown(cfg.Executor.ShutdownGrace)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthSrv.Stop(shutdownCtx); err != nil {
		logger.Warn("Health server shutdown failed", zap.Error(err))
	}
	janitor.Stop()

	if err := tr.Close(); err != nil {
		logger.Warn("Transport shutdown failed", zap.Error(err))
	}
	cancel()

	logger.Info("Node shut down gracefully")
}
