package etl

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/store"
	"github.com/segmentio/parquet-go"
)

func newImporter(s Upserter, mutate func(*Config)) *Importer {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	return NewImporter(s, cfg, logger.NewNop())
}

func loadAll(t *testing.T, s *store.MemoryStore) []store.DictionaryEntry {
	t.Helper()
	entries, err := s.LoadDictionaryEntries(context.Background(), store.DictionaryFilter{})
	if err != nil {
		t.Fatalf("LoadDictionaryEntries() error = %v", err)
	}
	return entries
}

func TestImport_CSV(t *testing.T) {
	mem := store.NewMemoryStore()
	im := newImporter(mem, nil)

	input := strings.Join([]string{
		"original_value,pseudonym,data_type,category,frequency_weight,is_active",
		"Matt Weber,PERSON_42,name,employee,1,true",
		"Matt,PERSON_7,name,employee,,",
		",EMPTY,name,employee,1,true",
		"Bob,PERSON_9,planet,employee,1,true",
		"Eve,PERSON_3,name,employee,-2,true",
		"Ann,PERSON_5,name,employee,1,maybe",
		"Matt,PERSON_8,name,employee,2,false",
	}, "\n")

	result, err := im.Import(context.Background(), strings.NewReader(input), FormatCSV)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	if result.TotalRecords != 7 {
		t.Errorf("TotalRecords = %d, want 7", result.TotalRecords)
	}
	if result.Invalid != 4 {
		t.Errorf("Invalid = %d, want 4 (errors: %v)", result.Invalid, result.Errors)
	}
	if result.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", result.Duplicates)
	}

	entries := loadAll(t, mem)
	if len(entries) != 2 {
		t.Fatalf("stored %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.OriginalValue == "Matt" && (e.Pseudonym != "PERSON_8" || e.IsActive) {
			t.Errorf("later duplicate should win: %+v", e)
		}
	}
	if result.Errors[0].Row != 3 || result.Errors[0].Field != "original_value" {
		t.Errorf("first error = %+v, want row 3 original_value", result.Errors[0])
	}
}

func TestImport_CSVMissingColumn(t *testing.T) {
	im := newImporter(store.NewMemoryStore(), nil)
	_, err := im.Import(context.Background(), strings.NewReader("original_value,data_type\nx,name\n"), FormatCSV)
	if err == nil {
		t.Error("expected error for missing pseudonym column")
	}
}

func TestImport_JSONLines(t *testing.T) {
	mem := store.NewMemoryStore()
	im := newImporter(mem, func(c *Config) { c.DefaultCategory = "imported" })

	input := `{"original_value":"alice@corp.test","pseudonym":"user1@example.com","data_type":"email"}
{"original_value":"Alice","pseudonym":"Alex","data_type":"name","frequency_weight":"heavy"}
{"original_value":"Olsen","pseudonym":"Olsen","data_type":"name","category":"last_name","frequency_weight":3}
`
	result, err := im.Import(context.Background(), strings.NewReader(input), FormatJSON)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if result.Upserted != 2 || result.Invalid != 1 {
		t.Errorf("Upserted=%d Invalid=%d, want 2 and 1", result.Upserted, result.Invalid)
	}

	for _, e := range loadAll(t, mem) {
		if e.OriginalValue == "alice@corp.test" && e.Category != "imported" {
			t.Errorf("default category not applied: %+v", e)
		}
		if !e.IsActive {
			t.Errorf("missing is_active should default to true: %+v", e)
		}
	}
}

func TestImportFile_Parquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dict.parquet")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	inactive := false
	w := parquet.NewWriter(f)
	rows := []DictionaryRecord{
		{OriginalValue: "Jordan", Pseudonym: "Jordan", DataType: "name", Category: "first_name", FrequencyWeight: 2},
		{OriginalValue: "acme-intranet", Pseudonym: "HOST_1", DataType: "custom", Category: "host", IsActive: &inactive},
	}
	for i := range rows {
		if err := w.Write(&rows[i]); err != nil {
			t.Fatalf("parquet Write() error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	mem := store.NewMemoryStore()
	result, err := newImporter(mem, nil).ImportFile(context.Background(), path)
	if err != nil {
		t.Fatalf("ImportFile() error = %v", err)
	}
	if result.Upserted != 2 {
		t.Errorf("Upserted = %d, want 2", result.Upserted)
	}

	active, _ := mem.LoadDictionaryEntries(context.Background(), store.DictionaryFilter{ActiveOnly: true})
	if len(active) != 1 || active[0].OriginalValue != "Jordan" {
		t.Errorf("active entries = %+v, want only Jordan", active)
	}
}

func TestImportFile_UnsupportedFormat(t *testing.T) {
	if _, err := newImporter(store.NewMemoryStore(), nil).ImportFile(context.Background(), "dict.xlsx"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

type flakyUpserter struct {
	failures int
	calls    int
	inner    *store.MemoryStore
}

func (f *flakyUpserter) UpsertDictionaryEntries(ctx context.Context, entries []store.DictionaryEntry) (*store.UpsertResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset")
	}
	return f.inner.UpsertDictionaryEntries(ctx, entries)
}

func TestImport_RetriesBatch(t *testing.T) {
	up := &flakyUpserter{failures: 2, inner: store.NewMemoryStore()}
	im := newImporter(up, func(c *Config) { c.MaxRetries = 2 })

	input := "original_value,pseudonym,data_type\nJohn Doe,Alex Smith,name\n"
	result, err := im.Import(context.Background(), strings.NewReader(input), FormatCSV)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if up.calls != 3 || result.Upserted != 1 {
		t.Errorf("calls=%d upserted=%d, want 3 and 1", up.calls, result.Upserted)
	}

	up = &flakyUpserter{failures: 10, inner: store.NewMemoryStore()}
	im = newImporter(up, func(c *Config) { c.MaxRetries = 1 })
	result, err = im.Import(context.Background(), strings.NewReader(input), FormatCSV)
	if err == nil {
		t.Fatal("expected error once retries are exhausted")
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}
}

func TestImport_BatchesBySize(t *testing.T) {
	up := &flakyUpserter{inner: store.NewMemoryStore()}
	im := newImporter(up, func(c *Config) { c.BatchSize = 2 })

	input := "original_value,pseudonym,data_type\na,A,name\nb,B,name\nc,C,name\n"
	if _, err := im.Import(context.Background(), strings.NewReader(input), FormatCSV); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if up.calls != 2 {
		t.Errorf("upsert calls = %d, want 2", up.calls)
	}
}

func TestDetectFileFormat(t *testing.T) {
	tests := map[string]FileFormat{
		"names.csv":     FormatCSV,
		"names.CSV":     FormatCSV,
		"names.parquet": FormatParquet,
		"names.jsonl":   FormatJSON,
		"names.json":    FormatJSON,
		"names.txt":     FormatUnknown,
		"noext":         FormatUnknown,
	}
	for name, want := range tests {
		if got := DetectFileFormat(name); got != want {
			t.Errorf("DetectFileFormat(%q) = %q, want %q", name, got, want)
		}
	}
}
