package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jcabraleslara/padron-importer/internal/config"
	"github.com/jcabraleslara/padron-importer/internal/msgraph"
	"github.com/jcabraleslara/padron-importer/internal/pipeline"
	"github.com/jcabraleslara/padron-importer/internal/store"
)

var (
	cfgFile string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "padronimport",
	Short: "Affiliate registry import service",
	Long: `padronimport ingests the daily affiliate registry exports delivered by
email: it downloads the day's zip attachments, extracts and normalizes the
records and merges them into the local registry database.

Run one-off imports with "run" or start the HTTP daemon with "serve".`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if err := cfg.EnsureHomeDir(); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.Data.DataDir, err)
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.padron-importer/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// openStore opens the database and ensures the schema exists.
func openStore() (*store.Store, error) {
	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// buildPipeline wires the Graph client and pipeline from config. The config
// must validate before any mailbox side effect.
func buildPipeline(ctx context.Context, st *store.Store) (*pipeline.Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tokens := msgraph.NewTokenSource(ctx, msgraph.Credentials{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
	})

	graph := msgraph.NewClient(tokens, cfg.Graph.Mailbox,
		msgraph.WithLogger(logger),
		msgraph.WithRateLimit(float64(cfg.Graph.RateLimitQPS)))

	return pipeline.New(graph, tokens, st, cfg, logger), nil
}
