package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jcabraleslara/padron-importer/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one import now",
	Long: `Run a single import cycle: fetch today's registry exports from the
mailbox, extract and normalize the records and merge them into the local
database. Progress is printed as it happens.`,
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := buildPipeline(cmd.Context(), s)
	if err != nil {
		return err
	}

	jobID := fmt.Sprintf("cli-%s", time.Now().UTC().Format("20060102-150405"))
	if err := s.CreateJob(cmd.Context(), jobID); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	var failure string
	for frame := range p.Run(cmd.Context(), jobID) {
		switch frame.Phase {
		case pipeline.PhaseHeartbeat:
			// Keep-alives matter for HTTP streaming, not for a terminal.
		case pipeline.PhaseError:
			failure = frame.Error
		case pipeline.PhaseDone:
			printResult(frame.Result, frame.Status)
		default:
			fmt.Printf("[%3d%%] %-18s %s\n", frame.Pct, frame.Phase, frame.Status)
		}
	}

	if failure != "" {
		return fmt.Errorf("import failed: %s", failure)
	}
	return nil
}

func printResult(r *pipeline.Result, status string) {
	fmt.Println()
	fmt.Printf("Import %s\n", status)
	if r == nil {
		return
	}
	fmt.Printf("  Processed:  %d\n", r.TotalProcessed)
	fmt.Printf("  Merged:     %d\n", r.Success)
	fmt.Printf("  Errors:     %d\n", r.Errors)
	fmt.Printf("  Duplicates: %d\n", r.Duplicates)
	fmt.Printf("  Duration:   %s\n", r.Duration)
}
