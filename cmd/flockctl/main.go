// flockctl is the operator CLI for a Flock node: drive migrations, manage
// provider credentials, and inspect node state.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"flock/pkg/auth"
	"flock/pkg/config"
	"flock/pkg/home"
	"flock/pkg/migration"
	"flock/pkg/proto"
	"flock/pkg/store"
	"flock/pkg/store/memstore"
	"flock/pkg/store/sqlstore"
)

// Exit codes: 0 success, 1 runtime error, 2 usage/config error,
// 3 migration failure, 4 auth failure.
const (
	exitOK        = 0
	exitRuntime   = 1
	exitUsage     = 2
	exitMigration = 3
	exitAuth      = 4
)

// codedError carries the process exit code alongside the cause.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func fail(code int, format string, args ...any) error {
	return &codedError{code: code, err: fmt.Errorf(format, args...)}
}

var cfgPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "flockctl",
		Short:         "Operator CLI for a Flock node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultConfigPath, "path to the node config file")
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "flockctl: %v\n", err)
		var coded *codedError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(exitRuntime)
	}
	os.Exit(exitOK)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fail(exitUsage, "%v", err)
	}
	return cfg, nil
}

func openBackend(cfg *config.Config) (store.Backend, error) {
	if cfg.Store.Driver == "memory" {
		return memstore.New(), nil
	}
	backend, err := sqlstore.Open(cfg.Store.Path)
	if err != nil {
		return nil, fail(exitRuntime, "open store: %v", err)
	}
	return backend, nil
}

func migrateCmd() *cobra.Command {
	var (
		agentID        string
		targetNode     string
		targetEndpoint string
		reason         string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move an agent's home to another node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if agentID == "" || targetNode == "" || targetEndpoint == "" {
				return fail(exitUsage, "--agent, --target-node and --target-endpoint are required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			backend, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			ctx := cmd.Context()
			if err := backend.Migrate(ctx); err != nil {
				return fail(exitRuntime, "migrate store: %v", err)
			}

			sourceHomeID, err := proto.HomeID(agentID, cfg.Node.ID)
			if err != nil {
				return fail(exitUsage, "%v", err)
			}
			targetHomeID, err := proto.HomeID(agentID, targetNode)
			if err != nil {
				return fail(exitUsage, "%v", err)
			}

			engine := migration.NewEngine(backend, home.NewService(backend), cfg.Node.ID, cfg.Node.Endpoint, cfg.Node.HomesDir)
			engine.SetMaxPortableSize(cfg.Migration.MaxPortableBytes)

			ticket, err := engine.Initiate(ctx, agentID, reason,
				store.MigrationEnd{NodeID: cfg.Node.ID, HomeID: sourceHomeID, Endpoint: cfg.Node.Endpoint},
				store.MigrationEnd{NodeID: targetNode, HomeID: targetHomeID, Endpoint: targetEndpoint},
			)
			if err != nil {
				return fail(exitMigration, "initiate migration: %v", err)
			}

			orch := migration.NewOrchestrator(engine)
			timeouts := migration.DefaultTimeouts()
			timeouts.Transferring = cfg.Migration.TransferTimeout
			orch.SetTimeouts(timeouts)

			transport := migration.NewHTTPTransport(targetEndpoint, agentID)
			completed, warnings, err := orch.Run(ctx, ticket.ID, transport)
			for _, warning := range warnings {
				fmt.Printf("warning: %s\n", warning)
			}
			if err != nil {
				return fail(exitMigration, "migration %s failed: %v", ticket.ID, err)
			}

			fmt.Printf("migration %s completed: %s now at %s\n", completed.ID, agentID, completed.Target.Endpoint)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent to migrate")
	cmd.Flags().StringVar(&targetNode, "target-node", "", "destination node ID")
	cmd.Flags().StringVar(&targetEndpoint, "target-endpoint", "", "destination node A2A base URL")
	cmd.Flags().StringVar(&reason, "reason", "operator request", "reason recorded on the ticket")
	return cmd
}

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage provider credentials",
	}
	cmd.AddCommand(authLoginCmd())
	cmd.AddCommand(authLogoutCmd())
	return cmd
}

func authLoginCmd() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an API credential for a provider",
		RunE: func(_ *cobra.Command, _ []string) error {
			if provider == "" {
				return fail(exitUsage, "--provider is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Printf("API key for %s: ", provider)
			secret, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				return fail(exitAuth, "read credential: %v", err)
			}
			key := strings.TrimSpace(string(secret))
			if key == "" {
				return fail(exitAuth, "empty credential")
			}

			creds := auth.NewStore(cfg.Node.CredentialsPath)
			if err := creds.Put(provider, auth.Credential{Access: key}); err != nil {
				return fail(exitAuth, "store credential: %v", err)
			}
			fmt.Printf("credential for %s stored in %s\n", provider, cfg.Node.CredentialsPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider ID (anthropic, openai, ...)")
	return cmd
}

func authLogoutCmd() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove a stored provider credential",
		RunE: func(_ *cobra.Command, _ []string) error {
			if provider == "" {
				return fail(exitUsage, "--provider is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			creds := auth.NewStore(cfg.Node.CredentialsPath)
			if err := creds.Delete(provider); err != nil {
				return fail(exitAuth, "remove credential: %v", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "provider ID")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show homes, loops and in-flight migrations on this node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			backend, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			ctx := cmd.Context()
			if err := backend.Migrate(ctx); err != nil {
				return fail(exitRuntime, "migrate store: %v", err)
			}
			return printStatus(ctx, cfg, backend)
		},
	}
}

func printStatus(ctx context.Context, cfg *config.Config, backend store.Backend) error {
	homes, err := backend.Homes().List(ctx, store.HomeFilter{NodeID: cfg.Node.ID})
	if err != nil {
		return fail(exitRuntime, "list homes: %v", err)
	}
	loops, err := backend.AgentLoops().List(ctx, store.LoopFilter{})
	if err != nil {
		return fail(exitRuntime, "list loops: %v", err)
	}
	tickets, err := backend.Tickets().List(ctx, store.TicketFilter{})
	if err != nil {
		return fail(exitRuntime, "list migrations: %v", err)
	}

	fmt.Printf("node %s (%s)\n\n", cfg.Node.ID, cfg.Node.Endpoint)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "HOME\tSTATE\tLEASE")
	for _, h := range homes {
		lease := "-"
		if h.LeaseExpiresAt != nil {
			lease = h.LeaseExpiresAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", h.ID, h.State, lease)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tLOOP\tLAST TICK")
	for _, rec := range loops {
		lastTick := "-"
		if !rec.LastTickAt.IsZero() {
			lastTick = rec.LastTickAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.AgentID, rec.State, lastTick)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	active := 0
	for _, t := range tickets {
		if !t.Phase.Terminal() {
			active++
			fmt.Printf("\nmigration %s: %s %s → %s (%s)\n", t.ID, t.AgentID, t.Source.NodeID, t.Target.NodeID, t.Phase)
		}
	}
	if active == 0 {
		fmt.Println("\nno migrations in flight")
	}
	return nil
}
