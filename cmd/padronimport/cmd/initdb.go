package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jcabraleslara/padron-importer/internal/store"
)

var (
	docTypesFile  string
	divisionsFile string
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Initialize the database schema",
	Long: `Initialize the registry database with the required schema.

This command creates all necessary tables for affiliates, lookup tables,
import jobs and run history. It is safe to run multiple times - tables are
only created if they don't already exist.

Lookup tables can be seeded from CSV files:
  padronimport init-db --doc-types doc_types.csv --divisions divisions.csv

doc_types.csv rows: code,canonical
divisions.csv rows: code,municipality,department`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.Info("initializing database", "path", cfg.DatabasePath())

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		if docTypesFile != "" || divisionsFile != "" {
			if err := seedLookups(cmd, s); err != nil {
				return err
			}
		}

		stats, err := s.GetStats()
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}

		fmt.Printf("Database: %s\n", cfg.DatabasePath())
		fmt.Printf("  Affiliates: %d\n", stats.AffiliateCount)
		fmt.Printf("  Jobs:       %d\n", stats.JobCount)
		fmt.Printf("  Runs:       %d\n", stats.HistoryCount)
		fmt.Printf("  Size:       %.2f MB\n", float64(stats.DatabaseSize)/(1024*1024))

		return nil
	},
}

func init() {
	initDBCmd.Flags().StringVar(&docTypesFile, "doc-types", "", "CSV file with document type codes")
	initDBCmd.Flags().StringVar(&divisionsFile, "divisions", "", "CSV file with geographic division codes")
	rootCmd.AddCommand(initDBCmd)
}

func seedLookups(cmd *cobra.Command, s *store.Store) error {
	// A nil map means "leave that table alone": passing only one flag
	// must not wipe the other table.
	var docTypes map[string]string
	if docTypesFile != "" {
		rows, err := readCSVFile(docTypesFile, 2)
		if err != nil {
			return fmt.Errorf("read doc types: %w", err)
		}
		docTypes = make(map[string]string, len(rows))
		for _, row := range rows {
			docTypes[row[0]] = row[1]
		}
	}

	var divisions map[string]store.Division
	if divisionsFile != "" {
		rows, err := readCSVFile(divisionsFile, 3)
		if err != nil {
			return fmt.Errorf("read divisions: %w", err)
		}
		divisions = make(map[string]store.Division, len(rows))
		for _, row := range rows {
			divisions[row[0]] = store.Division{Municipality: row[1], Department: row[2]}
		}
	}

	if err := s.SeedLookups(cmd.Context(), docTypes, divisions); err != nil {
		return fmt.Errorf("seed lookups: %w", err)
	}
	logger.Info("seeded lookup tables",
		"doc_types", len(docTypes), "divisions", len(divisions))
	return nil
}

func readCSVFile(path string, minFields int) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		if len(row) < minFields {
			return nil, fmt.Errorf("row has %d fields, need %d: %v", len(row), minFields, row)
		}
		rows = append(rows, row)
	}
}
