package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicate is returned when a pseudonym already exists for the hash
	ErrDuplicate = errors.New("pseudonym already exists for hash")
	// ErrNotFound is returned when a record id does not exist
	ErrNotFound = errors.New("record not found")
)

// PseudonymRecord is one row of pseudonym_mappings. The original value is
// never stored, only its hash.
type PseudonymRecord struct {
	ID           int64     `db:"id" json:"id"`
	OriginalHash string    `db:"original_hash" json:"original_hash"`
	Pseudonym    string    `db:"pseudonym" json:"pseudonym"`
	DataType     string    `db:"data_type" json:"data_type"`
	Context      *string   `db:"context" json:"context,omitempty"`
	UsageCount   int64     `db:"usage_count" json:"usage_count"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	LastUsedAt   time.Time `db:"last_used_at" json:"last_used_at"`
}

// DictionaryEntry is a pre-registered literal with a fixed pseudonym
type DictionaryEntry struct {
	ID              int64   `db:"id" json:"id" parquet:"-"`
	OriginalValue   string  `db:"original_value" json:"original_value" parquet:"original_value"`
	Pseudonym       string  `db:"pseudonym" json:"pseudonym" parquet:"pseudonym"`
	DataType        string  `db:"data_type" json:"data_type" parquet:"data_type"`
	Category        string  `db:"category" json:"category" parquet:"category,optional"`
	FrequencyWeight float64 `db:"frequency_weight" json:"frequency_weight" parquet:"frequency_weight,optional"`
	IsActive        bool    `db:"is_active" json:"is_active" parquet:"is_active,optional"`
}

// DictionaryFilter narrows a dictionary load. Empty slices match everything.
type DictionaryFilter struct {
	DataTypes  []string
	Categories []string
	ActiveOnly bool
}

// Matches reports whether the entry passes the filter
func (f DictionaryFilter) Matches(e DictionaryEntry) bool {
	if f.ActiveOnly && !e.IsActive {
		return false
	}
	if len(f.DataTypes) > 0 && !contains(f.DataTypes, e.DataType) {
		return false
	}
	if len(f.Categories) > 0 && !contains(f.Categories, e.Category) {
		return false
	}
	return true
}

// AuditEntry is one row of redaction_audit_log
type AuditEntry struct {
	SessionID        string         `db:"session_id" json:"session_id"`
	OperationType    string         `db:"operation_type" json:"operation_type"`
	DataType         string         `db:"data_type" json:"data_type"`
	PseudonymCount   int            `db:"pseudonym_count" json:"pseudonym_count"`
	ProcessingTimeMS int64          `db:"processing_time_ms" json:"processing_time_ms"`
	Metadata         map[string]any `db:"-" json:"metadata,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
}

// UpsertResult reports the outcome of a dictionary upsert
type UpsertResult struct {
	Upserted int64         `json:"upserted"`
	Failed   int64         `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// Stats summarizes table sizes
type Stats struct {
	Pseudonyms        int64 `json:"pseudonyms"`
	DictionaryEntries int64 `json:"dictionary_entries"`
	AuditEntries      int64 `json:"audit_entries"`
}

// Store is the persistent store used by the pipeline
type Store interface {
	// LookupPseudonym returns nil, nil when no record exists for the hash
	LookupPseudonym(ctx context.Context, hash string) (*PseudonymRecord, error)
	// InsertPseudonym returns ErrDuplicate when the hash is already taken
	InsertPseudonym(ctx context.Context, rec *PseudonymRecord) error
	IncrementUsage(ctx context.Context, id int64) error
	AppendAuditLog(ctx context.Context, entry AuditEntry) error
	LoadDictionaryEntries(ctx context.Context, filter DictionaryFilter) ([]DictionaryEntry, error)
	UpsertDictionaryEntries(ctx context.Context, entries []DictionaryEntry) (*UpsertResult, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
