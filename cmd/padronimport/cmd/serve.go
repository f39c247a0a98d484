package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jcabraleslara/padron-importer/internal/api"
	"github.com/jcabraleslara/padron-importer/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the import service as a daemon",
	Long: `Run padronimport as a long-running daemon.

The daemon runs in the foreground and provides:
  - HTTP API on the configured port (default: 8080)
  - Scheduled imports when [import] schedule is set in config.toml

Cron format: minute hour day-of-month month day-of-week
  Examples:
    0 6 * * *     = 6:00 AM daily
    0 6 * * 1-5   = 6:00 AM on weekdays

Use Ctrl+C to stop the daemon gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := buildPipeline(cmd.Context(), s)
	if err != nil {
		return err
	}

	// Scheduled runs drain their own frame channel; the persisted job row
	// is the only observer.
	runFunc := func(ctx context.Context, jobID string) error {
		if err := s.CreateJob(ctx, jobID); err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		for frame := range p.Run(ctx, jobID) {
			if frame.Error != "" {
				return errors.New(frame.Error)
			}
		}
		return nil
	}

	sched := scheduler.New(runFunc).WithLogger(logger)
	if cfg.Import.Schedule != "" {
		if err := sched.SetSchedule(cfg.Import.Schedule); err != nil {
			return err
		}
	}
	sched.Start()

	apiServer := api.NewServer(cfg, p, s, logger)
	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	fmt.Printf("padronimport daemon started\n")
	fmt.Printf("  API server: http://%s\n", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Server.APIPort)))
	fmt.Printf("  Data directory: %s\n", cfg.Data.DataDir)
	if st := sched.Status(); st.Scheduled {
		fmt.Printf("  Next import: %s\n", st.NextRun.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	select {
	case <-cmd.Context().Done():
		logger.Info("received shutdown signal")
		fmt.Println("\nShutting down...")
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		fmt.Printf("\nAPI server error: %v\n", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}

	schedCtx := sched.Stop()
	select {
	case <-schedCtx.Done():
		fmt.Println("Shutdown complete.")
	case <-time.After(30 * time.Second):
		fmt.Println("Shutdown timed out after 30 seconds.")
	}

	return nil
}
