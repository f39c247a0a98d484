package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Division is the geographic resolution of one division code.
type Division struct {
	Municipality string
	Department   string
}

// DocTypeCodes returns the full document-type lookup table. The table is
// small and bounded, so a single read suffices.
func (s *Store) DocTypeCodes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, canonical FROM doc_type_codes`)
	if err != nil {
		return nil, fmt.Errorf("query doc type codes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	codes := make(map[string]string)
	for rows.Next() {
		var code, canonical string
		if err := rows.Scan(&code, &canonical); err != nil {
			return nil, fmt.Errorf("scan doc type code: %w", err)
		}
		codes[code] = canonical
	}
	return codes, rows.Err()
}

// DivisionCodesPage returns one page of the geographic division table,
// ordered by code. The source caps page sizes, so callers page through.
func (s *Store) DivisionCodesPage(ctx context.Context, limit, offset int) (map[string]Division, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, municipality, department
		FROM division_codes
		ORDER BY code
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query division codes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	page := make(map[string]Division)
	for rows.Next() {
		var code string
		var d Division
		if err := rows.Scan(&code, &d.Municipality, &d.Department); err != nil {
			return nil, fmt.Errorf("scan division code: %w", err)
		}
		page[code] = d
	}
	return page, rows.Err()
}

// SeedLookups replaces the lookup tables, used by initdb and tests.
// A nil map leaves its table untouched, so the tables can be reseeded
// independently. An empty non-nil map clears the table.
func (s *Store) SeedLookups(ctx context.Context, docTypes map[string]string, divisions map[string]Division) error {
	return s.withTx(func(tx *sql.Tx) error {
		if docTypes != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM doc_type_codes`); err != nil {
				return err
			}
			for code, canonical := range docTypes {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO doc_type_codes (code, canonical) VALUES (?, ?)`,
					code, canonical); err != nil {
					return fmt.Errorf("seed doc type %s: %w", code, err)
				}
			}
		}

		if divisions != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM division_codes`); err != nil {
				return err
			}
			for code, d := range divisions {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO division_codes (code, municipality, department) VALUES (?, ?, ?)`,
					code, d.Municipality, d.Department); err != nil {
					return fmt.Errorf("seed division %s: %w", code, err)
				}
			}
		}
		return nil
	})
}
