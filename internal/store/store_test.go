package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return s
}

func testAffiliate(docNumber string) *Affiliate {
	return &Affiliate{
		DocType:      "CC",
		DocNumber:    docNumber,
		Surname1:     "GARCIA",
		GivenNames:   "ANA",
		Status:       "AC",
		Municipality: "Medellín",
		Department:   "Antioquia",
		RegimenClass: "contributivo",
	}
}

func TestInitSchemaIdempotent(t *testing.T) {
	s := testStore(t)
	if err := s.InitSchema(); err != nil {
		t.Fatalf("second InitSchema: %v", err)
	}
}

func TestMergeAffiliatesInsertThenUpdate(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	records := []*Affiliate{testAffiliate("1"), testAffiliate("2")}

	res, err := s.MergeAffiliates(ctx, records, "padron")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 0 {
		t.Errorf("first merge = %+v, want 2 inserted / 0 updated", res)
	}

	// Same keys again plus one new: counts split accordingly.
	records[0].Phone = "3001234567"
	records = append(records, testAffiliate("3"))
	res, err = s.MergeAffiliates(ctx, records, "padron")
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if res.Inserted != 1 || res.Updated != 2 {
		t.Errorf("second merge = %+v, want 1 inserted / 2 updated", res)
	}

	got, err := s.GetAffiliate(ctx, "padron", "CC", "1")
	if err != nil {
		t.Fatalf("get affiliate: %v", err)
	}
	if got == nil {
		t.Fatal("affiliate not found after merge")
	}
	if got.Phone != "3001234567" {
		t.Errorf("Phone = %q, want updated value", got.Phone)
	}
}

func TestMergeAffiliatesIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	records := []*Affiliate{testAffiliate("1")}
	if _, err := s.MergeAffiliates(ctx, records, "padron"); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if _, err := s.MergeAffiliates(ctx, records, "padron"); err != nil {
		t.Fatalf("repeat merge: %v", err)
	}

	fresh, stale, err := s.CountAffiliates(ctx, "padron")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if fresh != 1 || stale != 0 {
		t.Errorf("counts = %d fresh / %d stale, want 1 / 0", fresh, stale)
	}
}

func TestMarkOrphans(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.MergeAffiliates(ctx, []*Affiliate{testAffiliate("old")}, "padron"); err != nil {
		t.Fatalf("seed merge: %v", err)
	}

	// Rows merged before the watermark become orphans; rows merged after
	// stay fresh.
	time.Sleep(10 * time.Millisecond)
	watermark := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)

	if _, err := s.MergeAffiliates(ctx, []*Affiliate{testAffiliate("new")}, "padron"); err != nil {
		t.Fatalf("second merge: %v", err)
	}

	orphaned, err := s.MarkOrphans(ctx, "padron", watermark)
	if err != nil {
		t.Fatalf("mark orphans: %v", err)
	}
	if orphaned != 1 {
		t.Errorf("orphaned = %d, want 1", orphaned)
	}

	fresh, stale, err := s.CountAffiliates(ctx, "padron")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if fresh != 1 || stale != 1 {
		t.Errorf("counts = %d fresh / %d stale, want 1 / 1", fresh, stale)
	}
}

func TestJobLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateJob(ctx, "job-1"); err != nil {
		t.Fatalf("create job: %v", err)
	}

	job, err := s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get new job: %v", err)
	}
	if job.Status != JobStatusQueued {
		t.Errorf("new job Status = %q, want %q", job.Status, JobStatusQueued)
	}

	// The first progress report promotes the job to processing.
	if err := s.UpdateJobProgress(ctx, "job-1", 45, "extracting archives"); err != nil {
		t.Fatalf("update progress: %v", err)
	}

	job, err = s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != JobStatusProcessing {
		t.Errorf("Status = %q, want %q", job.Status, JobStatusProcessing)
	}
	if job.ProgressPct != 45 || job.ProgressStatus != "extracting archives" {
		t.Errorf("progress = %d/%q, want 45/extracting archives", job.ProgressPct, job.ProgressStatus)
	}

	if err := s.FinishJob(ctx, "job-1", JobStatusCompleted, 100, "completed", `{"success":10}`, ""); err != nil {
		t.Fatalf("finish job: %v", err)
	}

	job, err = s.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("get finished job: %v", err)
	}
	if job.Status != JobStatusCompleted || job.ProgressPct != 100 {
		t.Errorf("terminal job = %q/%d, want completed/100", job.Status, job.ProgressPct)
	}
	if !job.Result.Valid || job.Result.String != `{"success":10}` {
		t.Errorf("Result = %+v, want the stored JSON", job.Result)
	}
	if job.ErrorMessage.Valid {
		t.Errorf("ErrorMessage = %+v, want NULL", job.ErrorMessage)
	}
}

func TestCreateJobDuplicateID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateJob(ctx, "job-1"); err != nil {
		t.Fatalf("create job: %v", err)
	}

	err := s.CreateJob(ctx, "job-1")
	if !errors.Is(err, ErrJobExists) {
		t.Errorf("duplicate create err = %v, want ErrJobExists", err)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := testStore(t)
	if _, err := s.GetJob(context.Background(), "missing"); err != ErrJobNotFound {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entries := []HistoryEntry{
		{SourceLabel: "padron", TotalLines: 100, Inserted: 80, Updated: 15, Discarded: 5, DurationMs: 1234},
		{SourceLabel: "padron", TotalLines: 200, Inserted: 10, Updated: 185, Duplicates: 5, DurationMs: 2345},
	}
	for _, e := range entries {
		if err := s.InsertHistory(ctx, e); err != nil {
			t.Fatalf("insert history: %v", err)
		}
	}

	got, err := s.ListHistory(ctx, 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	// Newest first.
	if got[0].TotalLines != 200 || got[1].TotalLines != 100 {
		t.Errorf("order = %d, %d, want 200, 100", got[0].TotalLines, got[1].TotalLines)
	}
}

func TestSeedAndReadLookups(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	docTypes := map[string]string{"CC": "CC", "1": "CC", "TI": "TI"}
	divisions := map[string]Division{
		"05001": {Municipality: "Medellín", Department: "Antioquia"},
		"11001": {Municipality: "Bogotá", Department: "Bogotá D.C."},
	}
	if err := s.SeedLookups(ctx, docTypes, divisions); err != nil {
		t.Fatalf("seed: %v", err)
	}

	gotTypes, err := s.DocTypeCodes(ctx)
	if err != nil {
		t.Fatalf("doc types: %v", err)
	}
	if diff := cmp.Diff(docTypes, gotTypes); diff != "" {
		t.Errorf("doc types mismatch (-want +got):\n%s", diff)
	}

	// Page size 1 forces pagination.
	all := make(map[string]Division)
	for offset := 0; ; offset++ {
		page, err := s.DivisionCodesPage(ctx, 1, offset)
		if err != nil {
			t.Fatalf("division page: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for k, v := range page {
			all[k] = v
		}
	}
	if diff := cmp.Diff(divisions, all); diff != "" {
		t.Errorf("divisions mismatch (-want +got):\n%s", diff)
	}

	// Reseeding replaces, not appends.
	if err := s.SeedLookups(ctx, map[string]string{"CE": "CE"}, nil); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	gotTypes, err = s.DocTypeCodes(ctx)
	if err != nil {
		t.Fatalf("doc types after reseed: %v", err)
	}
	if len(gotTypes) != 1 || gotTypes["CE"] != "CE" {
		t.Errorf("doc types after reseed = %v, want only CE", gotTypes)
	}
}

func TestSeedLookupsNilMapLeavesTableUntouched(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	divisions := map[string]Division{
		"05001": {Municipality: "Medellín", Department: "Antioquia"},
	}
	if err := s.SeedLookups(ctx, map[string]string{"CC": "CC", "TI": "TI"}, divisions); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Reseeding only the doc types must not wipe the divisions.
	if err := s.SeedLookups(ctx, map[string]string{"CC": "CC"}, nil); err != nil {
		t.Fatalf("reseed doc types: %v", err)
	}
	page, err := s.DivisionCodesPage(ctx, 10, 0)
	if err != nil {
		t.Fatalf("division page: %v", err)
	}
	if diff := cmp.Diff(divisions, page); diff != "" {
		t.Errorf("divisions after doc-type reseed (-want +got):\n%s", diff)
	}

	// And the reverse: reseeding only the divisions keeps the doc types.
	if err := s.SeedLookups(ctx, nil, map[string]Division{
		"11001": {Municipality: "Bogotá", Department: "Bogotá D.C."},
	}); err != nil {
		t.Fatalf("reseed divisions: %v", err)
	}
	gotTypes, err := s.DocTypeCodes(ctx)
	if err != nil {
		t.Fatalf("doc types: %v", err)
	}
	if len(gotTypes) != 1 || gotTypes["CC"] != "CC" {
		t.Errorf("doc types after division reseed = %v, want only CC", gotTypes)
	}

	// An empty non-nil map is an explicit clear.
	if err := s.SeedLookups(ctx, map[string]string{}, nil); err != nil {
		t.Fatalf("clear doc types: %v", err)
	}
	gotTypes, err = s.DocTypeCodes(ctx)
	if err != nil {
		t.Fatalf("doc types after clear: %v", err)
	}
	if len(gotTypes) != 0 {
		t.Errorf("doc types after clear = %v, want empty", gotTypes)
	}
}

func TestGetStatsEmptyDatabase(t *testing.T) {
	s := testStore(t)
	stats, err := s.GetStats()
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.AffiliateCount != 0 || stats.JobCount != 0 {
		t.Errorf("stats = %+v, want zeros", stats)
	}
	if stats.DatabaseSize == 0 {
		t.Error("DatabaseSize = 0, want the on-disk file size")
	}
}
