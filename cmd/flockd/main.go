// flockd is the Flock node daemon: it serves the A2A endpoint, runs the
// work-loop scheduler, bridges external chat platforms, and hosts the
// migration engine for agents homed on this node.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"flock/pkg/a2a"
	"flock/pkg/auth"
	"flock/pkg/channel"
	"flock/pkg/channel/discord"
	"flock/pkg/channel/slack"
	"flock/pkg/config"
	"flock/pkg/eventlog"
	"flock/pkg/home"
	"flock/pkg/logx"
	"flock/pkg/loop"
	"flock/pkg/metrics"
	"flock/pkg/migration"
	"flock/pkg/proto"
	"flock/pkg/routing"
	"flock/pkg/session"
	"flock/pkg/store"
	"flock/pkg/store/memstore"
	"flock/pkg/store/sqlstore"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

const leaseSweepInterval = 60 * time.Second

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "flockd",
		Short:         "Flock node daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "flockd: %v\n", err)
				os.Exit(exitConfig)
			}
			return run(cmd.Context(), cfg)
		},
	}
	rootCmd.Flags().StringVar(&cfgPath, "config", config.DefaultConfigPath, "path to the node config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "flockd: %v\n", err)
		os.Exit(exitRuntime)
	}
	os.Exit(exitOK)
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logx.NewLogger("flockd")
	logger.Info("🐦 Starting flockd on %s (node %s)", cfg.Node.ListenAddr, cfg.Node.ID)

	backend, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()
	if err := backend.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	events, err := eventlog.NewWriter(cfg.Node.EventLogDir)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = events.Close() }()

	homes := home.NewService(backend)

	// A2A surface: executor registry, node registry, resolver chain.
	registry := a2a.NewLocalRegistry()
	nodes := routing.NewRegistry()
	var parent *routing.ParentClient
	if cfg.Node.ParentURL != "" {
		parent = routing.NewParentClient(cfg.Node.ParentURL)
	}
	resolver := routing.NewPeerResolver(registry, nodes, parent)
	client := a2a.NewClient(resolver, registry, backend.Audit())
	if err := registerRelay(registry, client, cfg); err != nil {
		return err
	}

	// Migration engine doubles as source driver and target handler.
	engine := migration.NewEngine(backend, homes, cfg.Node.ID, cfg.Node.Endpoint, cfg.Node.HomesDir)
	engine.SetMaxPortableSize(cfg.Migration.MaxPortableBytes)
	guard := migration.NewGuard(backend.Tickets())

	recorder := buildRecorder(cfg)
	engine.OnCompleted(func(context.Context, *store.MigrationTicket) {
		recorder.IncMigration("completed")
	})

	server := a2a.NewServer(registry, guard, engine, events)
	server.SetRecorder(recorder)
	if err := server.Start(cfg.Node.ListenAddr); err != nil {
		return fmt.Errorf("start a2a server: %w", err)
	}

	// Work-loop scheduler over the configured session provider.
	sender, err := buildSessionSender(ctx, cfg)
	if err != nil {
		return err
	}
	coordinator := loop.NewCoordinator(backend, loop.NewThreadCursors(), sender)
	coordinator.SetSchedule(cfg.Scheduler.TickInterval, cfg.Scheduler.MaxConcurrency)
	coordinator.SetRecorder(recorder)
	coordinator.Start(ctx)

	// Channels and platform bridges.
	echo := channel.NewEchoTracker()
	mux := channel.NewSenderMux()
	channels := channel.NewService(backend, echo, mux, coordinator)
	channels.SetRecorder(recorder)

	var discordSinks []*discord.Sink
	for i := range cfg.Bridges {
		bridge := cfg.Bridges[i]
		switch bridge.Platform {
		case "discord":
			sink, err := discord.New(bridge.Token)
			if err != nil {
				return fmt.Errorf("discord bridge: %w", err)
			}
			sink.OnMessage(func(event channel.InboundEvent, bctx channel.BridgeContext) {
				if err := channels.HandleInbound(ctx, event, bctx); err != nil {
					logger.Warn("Inbound discord message dropped: %v", err)
				}
			})
			if err := sink.Start(); err != nil {
				return fmt.Errorf("discord bridge: %w", err)
			}
			mux.Register("discord", sink)
			discordSinks = append(discordSinks, sink)
		case "slack":
			mux.Register("slack", slack.New(bridge.WebhookURL))
		}
	}

	// Lease expiry sweep.
	go func() {
		ticker := time.NewTicker(leaseSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := homes.CheckLeaseExpiry(ctx); err != nil {
					logger.Warn("Lease sweep failed: %v", err)
				}
			}
		}
	}()

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.ListenAddr, logger)
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	// Reverse order: stop producing work, then close the surfaces.
	coordinator.Stop()
	echo.Dispose()
	for _, sink := range discordSinks {
		if err := sink.Stop(); err != nil {
			logger.Warn("Discord sink stop failed: %v", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Close(shutdownCtx); err != nil {
		logger.Warn("A2A server shutdown failed: %v", err)
	}
	return nil
}

// registerRelay installs the node relay agent: a local executor that
// forwards a message to the agent named in its data part, letting
// operators and remote nodes reach any agent through this node's
// resolver chain.
func registerRelay(registry *a2a.LocalRegistry, client *a2a.Client, cfg *config.Config) error {
	relayID := "relay-" + cfg.Node.ID
	executor := a2a.ExecutorFunc(func(ctx context.Context, msg proto.Message) (*proto.Task, error) {
		target := ""
		for _, part := range msg.Parts {
			if dp, ok := proto.IsDataPart(part); ok {
				if v, ok := dp.Data["target"].(string); ok {
					target = v
				}
			}
		}
		if target == "" {
			return nil, fmt.Errorf("relay message has no target agent")
		}
		return client.Send(ctx, target, *proto.NewTextMessage(msg.Role, msg.Text()))
	})

	return registry.Register(
		proto.AgentCard{
			ID:   relayID,
			Name: "Node relay for " + cfg.Node.ID,
			URL:  cfg.Node.Endpoint + "/a2a/" + relayID,
		},
		proto.CardMeta{Role: proto.RoleSystem, NodeID: cfg.Node.ID},
		executor,
	)
}

func openBackend(cfg *config.Config) (store.Backend, error) {
	switch cfg.Store.Driver {
	case "memory":
		return memstore.New(), nil
	default:
		backend, err := sqlstore.Open(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return backend, nil
	}
}

func buildSessionSender(ctx context.Context, cfg *config.Config) (session.Sender, error) {
	var base session.Sender
	switch cfg.Session.Provider {
	case "anthropic", "openai":
		creds := auth.NewStore(cfg.Node.CredentialsPath)
		token, err := creds.Token(ctx, cfg.Session.Provider, cfg.Session.APIKeyEnv, nil)
		if err != nil {
			return nil, fmt.Errorf("session credentials: %w", err)
		}
		if cfg.Session.Provider == "anthropic" {
			base = session.NewAnthropicSender(token, cfg.Session.Model)
		} else {
			base = session.NewOpenAISender(token, cfg.Session.Model)
		}
	default:
		base = session.NewMockSender()
	}
	return session.WithRetry(session.WithTimeout(base, cfg.Session.Timeout), session.DefaultRetryConfig), nil
}

func buildRecorder(cfg *config.Config) metrics.Recorder {
	if cfg.Metrics.Enabled {
		return metrics.NewPrometheusRecorder()
	}
	return metrics.Nop()
}

func serveMetrics(addr string, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	logger.Info("📈 Metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server failed: %v", err)
	}
}
