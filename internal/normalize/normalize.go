// Package normalize parses the semicolon-delimited registry exports into
// affiliate records, resolving codes against the reference tables and
// deduplicating by natural key.
package normalize

import (
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/jcabraleslara/padron-importer/internal/refdata"
	"github.com/jcabraleslara/padron-importer/internal/store"
)

// Rejection reasons. Rejected lines are counted, never abort the run.
const (
	ReasonTooFewFields       = "TooFewFields"
	ReasonUnresolvedTypeCode = "UnresolvedTypeCode"
	ReasonEmptyID            = "EmptyId"
)

// Field positions within an export row.
const (
	fieldDocType = iota
	fieldDocNumber
	fieldSurname1
	fieldSurname2
	fieldGivenNames
	fieldSex
	fieldAddress
	fieldPhone
	fieldBirthDate
	fieldStatus
	fieldMunicipality
	fieldDepartment
	fieldNotes
	fieldPrimaryProvider
	fieldPayerCategory
	fieldRank
	fieldPayer
)

// minFields is the count required through the payer category; the trailing
// rank and payer columns are optional in older exports.
const minFields = 15

const (
	delimiter         = ";"
	mobilePrefix      = '3'
	mobileDigitCount  = 10
	slashDateLayout   = "02/01/2006"
	isoDateLayout     = "2006-01-02"
	divisionCodeWidth = 5
)

// regimenClasses maps payer category codes to their regimen class.
var regimenClasses = map[string]string{
	"C": "contributivo",
	"S": "subsidiado",
	"P": "particular",
	"V": "vinculado",
}

// Stats accumulates per-run normalization counters.
type Stats struct {
	TotalLines      int
	Discarded       int
	Duplicates      int
	ByReason        map[string]int
	UnresolvedCodes map[string]int
	ByType          map[string]int
	ByStatus        map[string]int
	ByRegimen       map[string]int
}

func newStats() *Stats {
	return &Stats{
		ByReason:        make(map[string]int),
		UnresolvedCodes: make(map[string]int),
		ByType:          make(map[string]int),
		ByStatus:        make(map[string]int),
		ByRegimen:       make(map[string]int),
	}
}

// Result is the deduplicated record set plus its statistics. Records keep
// first-seen key order; later occurrences of a key overwrite in place.
type Result struct {
	Records []*store.Affiliate
	Stats   *Stats
}

// Normalizer turns extracted text blobs into affiliate records.
type Normalizer struct {
	lookups *refdata.Lookups
	logger  *slog.Logger
}

// New creates a Normalizer. logger may be nil.
func New(lookups *refdata.Lookups, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{lookups: lookups, logger: logger}
}

// Normalize processes the blobs in order, one header line each. Within and
// across blobs, the last occurrence of a natural key wins.
func (n *Normalizer) Normalize(blobs []string) *Result {
	stats := newStats()
	byKey := make(map[string]int)
	var records []*store.Affiliate

	for _, blob := range blobs {
		lines := strings.Split(blob, "\n")
		for i, line := range lines {
			line = strings.TrimRight(line, "\r")
			if i == 0 || line == "" {
				continue
			}
			stats.TotalLines++

			rec, reason := n.normalizeLine(line, stats)
			if rec == nil {
				stats.Discarded++
				stats.ByReason[reason]++
				continue
			}

			stats.ByType[rec.DocType]++
			stats.ByStatus[rec.Status]++
			if rec.RegimenClass != "" {
				stats.ByRegimen[rec.RegimenClass]++
			}

			key := rec.Key()
			if idx, ok := byKey[key]; ok {
				records[idx] = rec
			} else {
				byKey[key] = len(records)
				records = append(records, rec)
			}
		}
	}

	stats.Duplicates = stats.TotalLines - stats.Discarded - len(records)
	n.logger.Info("normalized records",
		"lines", stats.TotalLines,
		"unique", len(records),
		"discarded", stats.Discarded,
		"duplicates", stats.Duplicates)
	return &Result{Records: records, Stats: stats}
}

// normalizeLine parses one data row. A nil record means rejection, with
// the reason for the caller's counters.
func (n *Normalizer) normalizeLine(line string, stats *Stats) (*store.Affiliate, string) {
	fields := strings.Split(line, delimiter)
	if len(fields) < minFields {
		return nil, ReasonTooFewFields
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	rawType := fields[fieldDocType]
	docType, ok := n.lookups.DocTypes[rawType]
	if !ok {
		stats.UnresolvedCodes[rawType]++
		return nil, ReasonUnresolvedTypeCode
	}

	docNumber := fields[fieldDocNumber]
	if docNumber == "" {
		return nil, ReasonEmptyID
	}

	rec := &store.Affiliate{
		DocType:         docType,
		DocNumber:       docNumber,
		Surname1:        fields[fieldSurname1],
		Surname2:        fields[fieldSurname2],
		GivenNames:      fields[fieldGivenNames],
		Sex:             fields[fieldSex],
		Address:         fields[fieldAddress],
		Phone:           cleanPhone(fields[fieldPhone]),
		BirthDate:       normalizeDate(fields[fieldBirthDate]),
		Status:          fields[fieldStatus],
		Notes:           fields[fieldNotes],
		PrimaryProvider: fields[fieldPrimaryProvider],
		PayerCategory:   fields[fieldPayerCategory],
		RegimenClass:    regimenClasses[fields[fieldPayerCategory]],
	}
	if len(fields) > fieldRank {
		rec.Rank = fields[fieldRank]
	}
	if len(fields) > fieldPayer {
		rec.Payer = fields[fieldPayer]
	}

	rec.Municipality, rec.Department = n.resolveGeography(
		fields[fieldMunicipality], fields[fieldDepartment])

	return rec, ""
}

// resolveGeography maps the raw municipality and department codes to names.
// Unresolved codes degrade to the raw values, never a rejection.
func (n *Normalizer) resolveGeography(muni, dept string) (string, string) {
	if combined := dept + muni; len(combined) == divisionCodeWidth {
		if d, ok := n.lookups.Divisions[combined]; ok {
			return d.Municipality, d.Department
		}
	}
	if len(muni) == divisionCodeWidth {
		if d, ok := n.lookups.Divisions[muni]; ok {
			return d.Municipality, d.Department
		}
	}
	if len(dept) >= 2 {
		if name, ok := n.lookups.Departments[dept[:2]]; ok {
			return muni, name
		}
	}
	return muni, dept
}

// cleanPhone strips non-digits and keeps only national mobile numbers.
func cleanPhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == mobileDigitCount && digits[0] == mobilePrefix {
		return digits
	}
	return ""
}

// normalizeDate converts either accepted date layout to ISO; unparseable
// values are cleared.
func normalizeDate(raw string) string {
	if raw == "" {
		return ""
	}
	for _, layout := range []string{slashDateLayout, isoDateLayout} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format(isoDateLayout)
		}
	}
	return ""
}
