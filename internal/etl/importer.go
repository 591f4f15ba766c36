package etl

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/privacy"
	"github.com/raaihank/pii-gateway/internal/store"
	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"
)

const maxValueLength = 1000

var requiredColumns = []string{"original_value", "pseudonym", "data_type"}

// Upserter is the subset of store.Store the importer writes to
type Upserter interface {
	UpsertDictionaryEntries(ctx context.Context, entries []store.DictionaryEntry) (*store.UpsertResult, error)
}

// Importer loads dictionary files into the pseudonym dictionary table
type Importer struct {
	store  Upserter
	config Config
	logger *logger.Logger
}

// nextFunc returns the next record or io.EOF. A ValidationError skips the row.
type nextFunc func() (DictionaryRecord, error)

// NewImporter creates a dictionary importer
func NewImporter(s Upserter, cfg Config, log *logger.Logger) *Importer {
	defaults := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ProgressReport <= 0 {
		cfg.ProgressReport = defaults.ProgressReport
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = defaults.MaxErrors
	}
	return &Importer{store: s, config: cfg, logger: log.WithComponent("etl")}
}

// ImportFile imports a CSV, Parquet, or JSON-lines dictionary file
func (im *Importer) ImportFile(ctx context.Context, path string) (*ImportResult, error) {
	format := DetectFileFormat(path)
	if format == FormatUnknown {
		return nil, fmt.Errorf("unsupported file format: %s", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dictionary file: %w", err)
	}
	defer file.Close()

	im.logger.Info("Starting dictionary import",
		zap.String("file", path),
		zap.String("format", string(format)),
		zap.Int("batch_size", im.config.BatchSize))

	var next nextFunc
	switch format {
	case FormatCSV:
		next, err = csvRecords(file)
	case FormatParquet:
		next = parquetRecords(file)
	case FormatJSON:
		next = jsonRecords(file)
	}
	if err != nil {
		return nil, err
	}

	result, err := im.run(ctx, next)
	if err != nil {
		return result, fmt.Errorf("%s import failed: %w", format, err)
	}
	return result, nil
}

// Import reads records from r in the given format
func (im *Importer) Import(ctx context.Context, r io.Reader, format FileFormat) (*ImportResult, error) {
	var next nextFunc
	switch format {
	case FormatCSV:
		var err error
		if next, err = csvRecords(r); err != nil {
			return nil, err
		}
	case FormatJSON:
		next = jsonRecords(r)
	case FormatParquet:
		ra, ok := r.(io.ReaderAt)
		if !ok {
			return nil, errors.New("parquet import requires an io.ReaderAt")
		}
		next = parquetRecords(ra)
	default:
		return nil, fmt.Errorf("unsupported file format: %q", format)
	}
	return im.run(ctx, next)
}

func (im *Importer) run(ctx context.Context, next nextFunc) (*ImportResult, error) {
	start := time.Now()
	result := &ImportResult{}
	batch := make([]store.DictionaryEntry, 0, im.config.BatchSize)
	index := make(map[[3]string]int, im.config.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := im.upsert(ctx, batch, result); err != nil {
			return err
		}
		batch = batch[:0]
		clear(index)
		return nil
	}

	for row := int64(1); ; row++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		rec, err := next()
		if errors.Is(err, io.EOF) {
			break
		}
		result.TotalRecords++

		var verr ValidationError
		if errors.As(err, &verr) {
			verr.Row = row
			im.reject(result, verr)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("failed to read row %d: %w", row, err)
		}

		entry, verr, ok := im.toEntry(rec)
		if !ok {
			verr.Row = row
			im.reject(result, verr)
			continue
		}

		key := [3]string{entry.OriginalValue, entry.DataType, entry.Category}
		if i, dup := index[key]; dup {
			batch[i] = entry
			result.Duplicates++
		} else {
			index[key] = len(batch)
			batch = append(batch, entry)
		}

		if len(batch) >= im.config.BatchSize {
			if err := flush(); err != nil {
				return result, err
			}
		}
		if result.TotalRecords%int64(im.config.ProgressReport) == 0 {
			im.reportProgress(result, start)
		}
	}

	if err := flush(); err != nil {
		return result, err
	}

	result.Duration = time.Since(start)
	im.logger.Info("Dictionary import completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("upserted", result.Upserted),
		zap.Int64("invalid", result.Invalid),
		zap.Int64("duplicates", result.Duplicates),
		zap.Int64("failed", result.Failed),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (im *Importer) upsert(ctx context.Context, batch []store.DictionaryEntry, result *ImportResult) error {
	dbStart := time.Now()
	defer func() { result.DatabaseTime += time.Since(dbStart) }()

	var lastErr error
	for attempt := 0; attempt <= im.config.MaxRetries; attempt++ {
		if attempt > 0 {
			im.logger.Warn("Retrying dictionary batch",
				zap.Int("attempt", attempt),
				zap.Int("batch_size", len(batch)),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(im.config.RetryDelay):
			}
		}

		res, err := im.store.UpsertDictionaryEntries(ctx, batch)
		if err == nil {
			result.Upserted += res.Upserted
			result.Failed += res.Failed
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	result.Failed += int64(len(batch))
	return fmt.Errorf("failed to upsert dictionary batch after %d attempts: %w", im.config.MaxRetries+1, lastErr)
}

// toEntry normalizes and validates a record
func (im *Importer) toEntry(rec DictionaryRecord) (store.DictionaryEntry, ValidationError, bool) {
	entry := store.DictionaryEntry{
		OriginalValue:   strings.TrimSpace(rec.OriginalValue),
		Pseudonym:       strings.TrimSpace(rec.Pseudonym),
		DataType:        strings.ToLower(strings.TrimSpace(rec.DataType)),
		Category:        strings.TrimSpace(rec.Category),
		FrequencyWeight: rec.FrequencyWeight,
		IsActive:        rec.IsActive == nil || *rec.IsActive,
	}
	if entry.Category == "" {
		entry.Category = im.config.DefaultCategory
	}

	if !im.config.ValidateData {
		return entry, ValidationError{}, true
	}

	switch {
	case entry.OriginalValue == "":
		return entry, ValidationError{Field: "original_value", Message: "empty value"}, false
	case len(entry.OriginalValue) > maxValueLength:
		return entry, ValidationError{Field: "original_value", Message: "value too long"}, false
	case entry.Pseudonym == "":
		return entry, ValidationError{Field: "pseudonym", Message: "empty pseudonym"}, false
	case math.IsNaN(entry.FrequencyWeight) || entry.FrequencyWeight < 0:
		return entry, ValidationError{Field: "frequency_weight", Message: "weight must be >= 0"}, false
	}
	if _, err := privacy.ParseDataType(entry.DataType); err != nil {
		return entry, ValidationError{Field: "data_type", Message: err.Error()}, false
	}
	return entry, ValidationError{}, true
}

func (im *Importer) reject(result *ImportResult, verr ValidationError) {
	result.Invalid++
	if len(result.Errors) < im.config.MaxErrors {
		result.Errors = append(result.Errors, verr)
	}
	im.logger.Debug("Invalid dictionary record",
		zap.Int64("row", verr.Row),
		zap.String("field", verr.Field),
		zap.String("reason", verr.Message))
}

func (im *Importer) reportProgress(result *ImportResult, start time.Time) {
	elapsed := time.Since(start)
	im.logger.Info("Import progress",
		zap.Int64("records_read", result.TotalRecords),
		zap.Int64("upserted", result.Upserted),
		zap.Int64("invalid", result.Invalid),
		zap.Float64("rate_per_sec", float64(result.TotalRecords)/elapsed.Seconds()),
		zap.Duration("elapsed", elapsed))
}

// csvRecords maps columns by header name
func csvRecords(r io.Reader) (nextFunc, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("CSV header missing column %q", c)
		}
	}
	reader.FieldsPerRecord = len(header)

	field := func(row []string, name string) string {
		if i, ok := cols[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	return func() (DictionaryRecord, error) {
		row, err := reader.Read()
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return DictionaryRecord{}, ValidationError{Field: "row", Message: perr.Err.Error()}
			}
			return DictionaryRecord{}, err
		}

		rec := DictionaryRecord{
			OriginalValue: field(row, "original_value"),
			Pseudonym:     field(row, "pseudonym"),
			DataType:      field(row, "data_type"),
			Category:      field(row, "category"),
		}
		if w := strings.TrimSpace(field(row, "frequency_weight")); w != "" {
			weight, err := strconv.ParseFloat(w, 64)
			if err != nil {
				return rec, ValidationError{Field: "frequency_weight", Message: "not a number"}
			}
			rec.FrequencyWeight = weight
		}
		if a := strings.TrimSpace(field(row, "is_active")); a != "" {
			active, err := strconv.ParseBool(a)
			if err != nil {
				return rec, ValidationError{Field: "is_active", Message: "not a boolean"}
			}
			rec.IsActive = &active
		}
		return rec, nil
	}, nil
}

func parquetRecords(r io.ReaderAt) nextFunc {
	reader := parquet.NewReader(r)
	return func() (DictionaryRecord, error) {
		var rec DictionaryRecord
		if err := reader.Read(&rec); err != nil {
			_ = reader.Close()
			return rec, err
		}
		return rec, nil
	}
}

// jsonRecords reads one JSON object per line
func jsonRecords(r io.Reader) nextFunc {
	decoder := json.NewDecoder(r)
	return func() (DictionaryRecord, error) {
		var rec DictionaryRecord
		err := decoder.Decode(&rec)
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return rec, ValidationError{Field: typeErr.Field, Message: "wrong type"}
		}
		return rec, err
	}
}
