package pipeline

import (
	"encoding/csv"
	"sort"
	"strconv"
	"strings"

	"github.com/jcabraleslara/padron-importer/internal/normalize"
	"github.com/jcabraleslara/padron-importer/internal/store"
)

// buildInfoReport renders the run statistics as a multi-section CSV: an
// overall summary followed by the distribution and rejection breakdowns.
func buildInfoReport(stats *normalize.Stats, merged store.MergeResult, orphaned int) string {
	var sb strings.Builder
	w := csv.NewWriter(&sb)

	write := func(fields ...string) { _ = w.Write(fields) }

	write("section", "key", "value")
	write("summary", "total_lines", strconv.Itoa(stats.TotalLines))
	write("summary", "discarded", strconv.Itoa(stats.Discarded))
	write("summary", "duplicates", strconv.Itoa(stats.Duplicates))
	write("summary", "inserted", strconv.Itoa(merged.Inserted))
	write("summary", "updated", strconv.Itoa(merged.Updated))
	write("summary", "orphaned", strconv.Itoa(orphaned))

	writeSection(write, "by_type", stats.ByType)
	writeSection(write, "by_status", stats.ByStatus)
	writeSection(write, "by_regimen", stats.ByRegimen)
	writeSection(write, "discarded_by_reason", stats.ByReason)
	writeSection(write, "unresolved_codes", stats.UnresolvedCodes)

	w.Flush()
	return sb.String()
}

// writeSection emits one breakdown map in stable key order.
func writeSection(write func(...string), section string, m map[string]int) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(section, k, strconv.Itoa(m[k]))
	}
}
