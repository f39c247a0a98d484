// Package refdata loads the lookup tables that drive record normalization:
// document type codes and the geographic division catalog.
package refdata

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jcabraleslara/padron-importer/internal/store"
)

// Source provides the persisted lookup tables. *store.Store satisfies it.
type Source interface {
	DocTypeCodes(ctx context.Context) (map[string]string, error)
	DivisionCodesPage(ctx context.Context, limit, offset int) (map[string]store.Division, error)
}

// divisionPageSize caps each division read. The catalog is a few thousand
// rows, so a handful of pages covers it.
const divisionPageSize = 500

// Lookups holds the in-memory tables the normalizer consults per record.
type Lookups struct {
	// DocTypes maps raw document type codes to their canonical form.
	DocTypes map[string]string
	// Divisions maps full 5-digit division codes to their resolution.
	Divisions map[string]store.Division
	// Departments maps the 2-digit department prefix to the department
	// name, derived from Divisions for prefix-only fallback.
	Departments map[string]string
}

// Loader reads the lookup tables from a Source.
type Loader struct {
	src    Source
	logger *slog.Logger
}

// NewLoader creates a Loader. logger may be nil.
func NewLoader(src Source, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{src: src, logger: logger}
}

// Load reads both tables and derives the department prefix map.
func (l *Loader) Load(ctx context.Context) (*Lookups, error) {
	docTypes, err := l.src.DocTypeCodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load doc type codes: %w", err)
	}

	divisions := make(map[string]store.Division)
	for offset := 0; ; offset += divisionPageSize {
		page, err := l.src.DivisionCodesPage(ctx, divisionPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("load division codes at offset %d: %w", offset, err)
		}
		for code, d := range page {
			divisions[code] = d
		}
		if len(page) < divisionPageSize {
			break
		}
	}

	departments := make(map[string]string)
	for code, d := range divisions {
		if len(code) >= 2 {
			departments[code[:2]] = d.Department
		}
	}

	l.logger.Info("loaded reference data",
		"doc_types", len(docTypes),
		"divisions", len(divisions),
		"departments", len(departments))

	return &Lookups{
		DocTypes:    docTypes,
		Divisions:   divisions,
		Departments: departments,
	}, nil
}
