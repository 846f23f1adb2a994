package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deployshell/hostd/internal/bridge"
	"github.com/deployshell/hostd/internal/classify"
	"github.com/deployshell/hostd/internal/config"
	"github.com/deployshell/hostd/internal/credstore"
	"github.com/deployshell/hostd/internal/event"
	"github.com/deployshell/hostd/internal/logging"
	"github.com/deployshell/hostd/internal/portalloc"
	"github.com/deployshell/hostd/internal/session"
	"github.com/deployshell/hostd/internal/verify"
	"github.com/deployshell/hostd/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host orchestrator and UI bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg *config.Config) error {
	// A missing worker entrypoint is the one unrecoverable condition:
	// nothing the UI can do fixes it, so it fails the process outright
	// instead of becoming an error event.
	if _, err := os.Stat(cfg.Worker.Entrypoint); err != nil {
		return fmt.Errorf("backend worker entrypoint not found at %s: %w", cfg.Worker.Entrypoint, err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Close()

	store, err := credstore.New(cfg.Paths.DataDir)
	if err != nil {
		return err
	}

	bus := event.NewBus(event.WithLogger(logger.WithComponent("bus")))
	classifier := classify.NewClassifier()

	allocator := portalloc.New(
		portalloc.WithProbeTimeout(cfg.ProbeTimeout()),
		portalloc.WithLogger(logger.WithComponent("portalloc")),
	)
	supervisor := worker.NewSupervisor(classifier,
		worker.WithSettleWait(cfg.SettleWait()),
		worker.WithLogger(logger.WithComponent("supervisor")),
	)
	verifier := verify.New(classifier, cfg.Worker.Interpreter, cfg.Worker.Entrypoint,
		verify.WithTimeout(cfg.VerifyTimeout()),
		verify.WithLogger(logger.WithComponent("verify")),
	)

	orch := session.New(
		session.WorkerInvocation{
			Interpreter: cfg.Worker.Interpreter,
			Entrypoint:  cfg.Worker.Entrypoint,
			Host:        cfg.Worker.Host,
		},
		session.Timings{
			PortStart:         cfg.Ports.Start,
			PortEnd:           cfg.Ports.End,
			ReadyPollInterval: cfg.ReadyPollInterval(),
			ReadyMaxAttempts:  cfg.Worker.ReadyMaxAttempts,
		},
		allocator, supervisor, verifier, store, bus,
		session.WithLogger(logger.WithComponent("session")),
	)

	srv := bridge.New(orch, bus, bridge.WithLogger(logger.WithComponent("bridge")))
	if err := srv.Start(cfg.Bridge.Listen); err != nil {
		return err
	}

	if err := orch.Start(); err != nil {
		return err
	}
	logger.Info("hostd started", "bridge", srv.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("bridge shutdown failed", "err", err)
	}

	// No orphaned workers survive host exit.
	orch.Shutdown()
	return nil
}
