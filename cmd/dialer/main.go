package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"outbound-voice/internal/app"
	"outbound-voice/internal/config"
	"outbound-voice/pkg/logger"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

func newRootCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:          "dialer",
		Short:        "Outbound voice campaign worker",
		Long:         "Runs the campaign dialer, the watchdog and the call analysis runner, and manages the schema and seed data.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env is normal outside local development.
			_ = godotenv.Load(envFile)
		},
	}
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional env file loaded before the environment is read")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newTickCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newSeedCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dialer %s (commit: %s)\n", Version, Commit)
		},
	}
}

// openApp loads configuration and wires the service graph.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)
	return app.New(ctx, cfg, log)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the dialer, watchdog and analysis runner until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			a.Log.Info("worker starting", "store", a.Stores.Driver, "carrier", a.Carrier.Name())
			a.RunWorkers(ctx)
			a.Log.Info("worker stopped")
			return nil
		},
	}
}

func newTickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single dialer pass over pending and running campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			res := a.Dialer.Tick(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "promoted=%d placed=%d failed=%d completed=%d skipped=%d\n",
				res.Promoted, res.Placed, res.Failed, res.Completed, res.Skipped)
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the watchdog remediations once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			res := a.Watchdog.Sweep(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "released_contacts=%d stale_calls=%d requeued_jobs=%d\n",
				res.ReleasedContacts, res.StaleCalls, res.RequeuedJobs)
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			if err := a.Stores.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", a.Stores.Driver)
			return nil
		},
	}
}

func newSeedCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert agents and knowledge snippets from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			seed, err := app.ParseSeed(f)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			res, err := app.Seed(cmd.Context(), a.Stores.Calls, a.Stores.Knowledge, seed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d agents, %d snippets\n", res.Agents, res.Snippets)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "file", "f", "agents.yaml", "path to the seed file")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
