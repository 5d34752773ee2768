package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tcmartin/stepflow/pkg/api"
	"github.com/tcmartin/stepflow/pkg/config"
	"github.com/tcmartin/stepflow/pkg/logging"
	"github.com/tcmartin/stepflow/pkg/registry"
	"github.com/tcmartin/stepflow/pkg/runtime"
	"github.com/tcmartin/stepflow/pkg/storage"
	"github.com/tcmartin/stepflow/pkg/webhooks"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			app, err := NewApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

			errCh := make(chan error, 1)
			go func() {
				errCh <- app.Start()
			}()

			select {
			case err := <-errCh:
				app.Close()
				return err
			case <-stop:
				app.logger.Info("Shutting down gracefully")
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return app.Stop(ctx)
			}
		},
	}
}

// App represents the stepflow server application
type App struct {
	config   *config.Config
	server   *api.Server
	flows    *registry.FlowRegistry
	sessions *runtime.SessionRegistry
	executor *runtime.Executor
	store    storage.ArtifactStore
	webhooks *webhooks.Dispatcher
	logger   *logging.ZapLogger
}

// NewApp wires configuration, flows, sessions, the artifact store and the API
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	rules := runtime.DefaultRules()
	flows, err := buildRegistry(cfg, rules, resolverFromConfig(cfg), logger)
	if err != nil {
		return nil, err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	store, err := storage.NewArtifactStore(ctx, cfg.Artifacts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	logger.Info("Artifact store ready", logging.String("type", cfg.Artifacts.Type))

	sessions := runtime.NewSessionRegistry(cfg.Sessions.TTL.Std(), runtime.WithRegistryLogger(logger))

	// the executor and the websocket manager reference each other through
	// the hub, so the manager learns its controller after both exist
	ws := api.NewWebSocketManager(nil, cfg.Server.AllowedOrigins, logger)
	hub := api.NewEventHub(ws, sessions, logger)
	sessions.OnEvict(hub.RemoveSession)

	execOpts := []runtime.ExecutorOption{
		runtime.WithArtifactSaver(store),
		runtime.WithEventSink(hub),
		runtime.WithExecutorLogger(logger),
		runtime.WithEventBuffer(cfg.Sessions.EventBuffer),
	}
	var dispatcher *webhooks.Dispatcher
	if len(cfg.Webhooks) > 0 {
		dispatcher = webhooks.NewDispatcher(cfg.Webhooks, webhooks.WithLogger(logger))
		execOpts = append(execOpts, runtime.WithEventSink(dispatcher))
		logger.Info("Webhooks enabled", logging.Int("webhooks", dispatcher.Len()))
	}

	executor := runtime.NewExecutor(flows, rules, sessions, execOpts...)
	ws.SetController(executor)

	server := api.NewServer(cfg, flows, executor, sessions,
		api.WithLogger(logger),
		api.WithEventHub(hub, ws),
	)

	return &App{
		config:   cfg,
		server:   server,
		flows:    flows,
		sessions: sessions,
		executor: executor,
		store:    store,
		webhooks: dispatcher,
		logger:   logger,
	}, nil
}

// Start starts the session janitor and the server. It blocks until the
// server stops.
func (a *App) Start() error {
	if err := a.sessions.StartJanitor(a.config.Sessions.SweepSchedule); err != nil {
		return fmt.Errorf("failed to start session janitor: %w", err)
	}
	a.logger.Info("Starting "+AppName,
		logging.String("version", AppVersion),
		logging.Int("flows", a.flows.Len()))
	return a.server.Start()
}

// Stop stops the server, flushes pending webhooks and releases everything
// NewApp acquired
func (a *App) Stop(ctx context.Context) error {
	err := a.server.Stop(ctx)
	if a.webhooks != nil {
		if werr := a.webhooks.Close(ctx); werr != nil {
			a.logger.Warn("Pending webhooks abandoned", logging.Err(werr))
		}
	}
	a.Close()
	return err
}

// Close stops the janitor and closes the artifact store
func (a *App) Close() {
	if a.webhooks != nil {
		_ = a.webhooks.Close(context.Background())
	}
	a.sessions.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close artifact store", logging.Err(err))
	}
	_ = a.logger.Sync()
}
