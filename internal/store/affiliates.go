package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Affiliate is one row of the reference dataset. The natural key is
// (DocType, DocNumber) within an origin.
type Affiliate struct {
	DocType         string
	DocNumber       string
	Surname1        string
	Surname2        string
	GivenNames      string
	Sex             string
	Address         string
	Phone           string
	BirthDate       string // ISO yyyy-mm-dd or empty
	Status          string
	Municipality    string
	Department      string
	Notes           string
	PrimaryProvider string
	PayerCategory   string
	Rank            string
	RegimenClass    string
	Payer           string
}

// Key returns the natural key of the record.
func (a *Affiliate) Key() string {
	return a.DocType + ":" + a.DocNumber
}

// MergeResult reports the outcome of one merge call.
type MergeResult struct {
	Inserted int
	Updated  int
}

// MergeAffiliates idempotently merges a chunk of records for the given
// origin. Existing rows (by natural key) are overwritten and re-marked
// fresh; new rows are inserted. The whole chunk commits or rolls back as
// one transaction, so a failed chunk leaves no partial state behind.
func (s *Store) MergeAffiliates(ctx context.Context, records []*Affiliate, origin string) (*MergeResult, error) {
	if len(records) == 0 {
		return &MergeResult{}, nil
	}

	result := &MergeResult{}
	err := s.withTx(func(tx *sql.Tx) error {
		// Count pre-existing keys so inserted/updated can be reported;
		// SQLite's upsert does not distinguish the two.
		existing := make(map[string]struct{}, len(records))
		keys := make([]string, len(records))
		for i, r := range records {
			keys[i] = r.Key()
		}
		err := queryInChunks(tx, keys, []interface{}{origin},
			`SELECT doc_type || ':' || doc_number FROM affiliates
			 WHERE origin = ? AND doc_type || ':' || doc_number IN (%s)`,
			func(rows *sql.Rows) error {
				var k string
				if err := rows.Scan(&k); err != nil {
					return err
				}
				existing[k] = struct{}{}
				return nil
			})
		if err != nil {
			return fmt.Errorf("check existing: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO affiliates (
				origin, doc_type, doc_number, surname1, surname2, given_names,
				sex, address, phone, birth_date, status, municipality,
				department, notes, primary_provider, payer_category, rank,
				regimen_class, payer, fresh, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT (origin, doc_type, doc_number) DO UPDATE SET
				surname1 = excluded.surname1,
				surname2 = excluded.surname2,
				given_names = excluded.given_names,
				sex = excluded.sex,
				address = excluded.address,
				phone = excluded.phone,
				birth_date = excluded.birth_date,
				status = excluded.status,
				municipality = excluded.municipality,
				department = excluded.department,
				notes = excluded.notes,
				primary_provider = excluded.primary_provider,
				payer_category = excluded.payer_category,
				rank = excluded.rank,
				regimen_class = excluded.regimen_class,
				payer = excluded.payer,
				fresh = 1,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("prepare merge: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for _, r := range records {
			_, err := stmt.ExecContext(ctx,
				origin, r.DocType, r.DocNumber, r.Surname1, r.Surname2,
				r.GivenNames, r.Sex, r.Address, r.Phone, r.BirthDate,
				r.Status, r.Municipality, r.Department, r.Notes,
				r.PrimaryProvider, r.PayerCategory, r.Rank, r.RegimenClass,
				r.Payer, now)
			if err != nil {
				return fmt.Errorf("merge %s: %w", r.Key(), err)
			}
			if _, ok := existing[r.Key()]; ok {
				result.Updated++
			} else {
				result.Inserted++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkOrphans flags every record of the origin not touched since the
// watermark as stale. Rows are never deleted; a later delivery that brings
// a subject back simply re-marks it fresh.
func (s *Store) MarkOrphans(ctx context.Context, origin string, watermark time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE affiliates SET fresh = 0
		WHERE origin = ? AND fresh = 1 AND updated_at < ?
	`, origin, watermark.UTC())
	if err != nil {
		return 0, fmt.Errorf("mark orphans: %w", err)
	}
	return res.RowsAffected()
}

// GetAffiliate returns one record by natural key, or nil if absent.
func (s *Store) GetAffiliate(ctx context.Context, origin, docType, docNumber string) (*Affiliate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc_type, doc_number, surname1, surname2, given_names, sex,
		       address, phone, birth_date, status, municipality, department,
		       notes, primary_provider, payer_category, rank, regimen_class, payer
		FROM affiliates
		WHERE origin = ? AND doc_type = ? AND doc_number = ?
	`, origin, docType, docNumber)

	var a Affiliate
	err := row.Scan(&a.DocType, &a.DocNumber, &a.Surname1, &a.Surname2,
		&a.GivenNames, &a.Sex, &a.Address, &a.Phone, &a.BirthDate, &a.Status,
		&a.Municipality, &a.Department, &a.Notes, &a.PrimaryProvider,
		&a.PayerCategory, &a.Rank, &a.RegimenClass, &a.Payer)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get affiliate: %w", err)
	}
	return &a, nil
}

// CountAffiliates returns how many rows the origin has, split by freshness.
func (s *Store) CountAffiliates(ctx context.Context, origin string) (fresh, stale int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN fresh = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN fresh = 0 THEN 1 ELSE 0 END), 0)
		FROM affiliates WHERE origin = ?
	`, origin).Scan(&fresh, &stale)
	if err != nil {
		return 0, 0, fmt.Errorf("count affiliates: %w", err)
	}
	return fresh, stale, nil
}
