package refdata

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jcabraleslara/padron-importer/internal/store"
)

type fakeSource struct {
	docTypes  map[string]string
	divisions []struct {
		code string
		div  store.Division
	}
	pageReads int
	failAt    int // fail the Nth division page read, 0 disables
}

func (f *fakeSource) DocTypeCodes(ctx context.Context) (map[string]string, error) {
	return f.docTypes, nil
}

func (f *fakeSource) DivisionCodesPage(ctx context.Context, limit, offset int) (map[string]store.Division, error) {
	f.pageReads++
	if f.failAt > 0 && f.pageReads == f.failAt {
		return nil, errors.New("read failed")
	}

	page := make(map[string]store.Division)
	for i := offset; i < offset+limit && i < len(f.divisions); i++ {
		page[f.divisions[i].code] = f.divisions[i].div
	}
	return page, nil
}

func newFakeSource(n int) *fakeSource {
	f := &fakeSource{
		docTypes: map[string]string{"CC": "CC", "TI": "TI"},
	}
	codes := []string{"05001", "05002", "11001", "13001", "76001"}
	depts := []string{"Antioquia", "Antioquia", "Bogotá D.C.", "Bolívar", "Valle"}
	for i := 0; i < n && i < len(codes); i++ {
		f.divisions = append(f.divisions, struct {
			code string
			div  store.Division
		}{codes[i], store.Division{Municipality: "M" + codes[i], Department: depts[i]}})
	}
	return f
}

func TestLoadMergesAllPages(t *testing.T) {
	src := newFakeSource(5)
	lookups, err := NewLoader(src, nil).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if len(lookups.Divisions) != 5 {
		t.Errorf("divisions = %d, want 5", len(lookups.Divisions))
	}
	if diff := cmp.Diff(src.docTypes, lookups.DocTypes); diff != "" {
		t.Errorf("doc types mismatch (-want +got):\n%s", diff)
	}

	var prefixes []string
	for p := range lookups.Departments {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	want := []string{"05", "11", "13", "76"}
	if diff := cmp.Diff(want, prefixes); diff != "" {
		t.Errorf("department prefixes mismatch (-want +got):\n%s", diff)
	}
	if got := lookups.Departments["05"]; got != "Antioquia" {
		t.Errorf("Departments[05] = %q, want Antioquia", got)
	}
}

func TestLoadStopsOnShortPage(t *testing.T) {
	src := newFakeSource(3)
	if _, err := NewLoader(src, nil).Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	// 3 rows fit in the first 500-row page; one read suffices.
	if src.pageReads != 1 {
		t.Errorf("page reads = %d, want 1", src.pageReads)
	}
}

func TestLoadPropagatesPageError(t *testing.T) {
	src := newFakeSource(3)
	src.failAt = 1
	if _, err := NewLoader(src, nil).Load(context.Background()); err == nil {
		t.Fatal("expected error from failed page read")
	}
}
