package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS pseudonym_mappings (
	id            BIGSERIAL PRIMARY KEY,
	original_hash CHAR(64) NOT NULL UNIQUE,
	pseudonym     TEXT NOT NULL,
	data_type     TEXT NOT NULL,
	context       TEXT,
	usage_count   BIGINT NOT NULL DEFAULT 1,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pseudonym_dictionaries (
	id               BIGSERIAL PRIMARY KEY,
	original_value   TEXT NOT NULL,
	pseudonym        TEXT NOT NULL,
	data_type        TEXT NOT NULL,
	category         TEXT NOT NULL DEFAULT '',
	frequency_weight DOUBLE PRECISION NOT NULL DEFAULT 1,
	is_active        BOOLEAN NOT NULL DEFAULT TRUE,
	UNIQUE (original_value, data_type, category)
);

CREATE TABLE IF NOT EXISTS redaction_audit_log (
	id                 BIGSERIAL PRIMARY KEY,
	session_id         TEXT NOT NULL,
	operation_type     TEXT NOT NULL,
	data_type          TEXT NOT NULL DEFAULT '',
	pseudonym_count    INTEGER NOT NULL DEFAULT 0,
	processing_time_ms BIGINT NOT NULL DEFAULT 0,
	metadata           JSONB,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_redaction_audit_log_session ON redaction_audit_log (session_id);
CREATE INDEX IF NOT EXISTS idx_pseudonym_dictionaries_active ON pseudonym_dictionaries (is_active, data_type);
`

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewPostgresStore connects to PostgreSQL and optionally creates the schema
func NewPostgresStore(cfg config.DatabaseConfig, log *logger.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	s := &PostgresStore{
		db:     db,
		logger: log.WithComponent("store"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if cfg.AutoMigrate {
		if err := s.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
	}

	s.logger.Info("Pseudonym store initialized successfully",
		zap.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Int("max_idle_conns", cfg.MaxIdleConns))

	return s, nil
}

// EnsureSchema creates the tables and indexes if they do not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	s.logger.Info("Database schema ensured")
	return nil
}

// LookupPseudonym finds a mapping by original hash
func (s *PostgresStore) LookupPseudonym(ctx context.Context, hash string) (*PseudonymRecord, error) {
	var rec PseudonymRecord
	query := `
		SELECT id, original_hash, pseudonym, data_type, context, usage_count, created_at, last_used_at
		FROM pseudonym_mappings
		WHERE original_hash = $1`

	if err := s.db.GetContext(ctx, &rec, query, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to lookup pseudonym: %w", err)
	}
	return &rec, nil
}

// InsertPseudonym stores a new mapping. A concurrent insert of the same
// hash surfaces as ErrDuplicate.
func (s *PostgresStore) InsertPseudonym(ctx context.Context, rec *PseudonymRecord) error {
	query := `
		INSERT INTO pseudonym_mappings (original_hash, pseudonym, data_type, context)
		VALUES ($1, $2, $3, $4)
		RETURNING id, usage_count, created_at, last_used_at`

	err := s.db.QueryRowContext(ctx, query,
		rec.OriginalHash,
		rec.Pseudonym,
		rec.DataType,
		rec.Context,
	).Scan(&rec.ID, &rec.UsageCount, &rec.CreatedAt, &rec.LastUsedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		s.logger.Error("Failed to insert pseudonym",
			zap.Error(err),
			zap.String("data_type", rec.DataType))
		return fmt.Errorf("failed to insert pseudonym: %w", err)
	}

	s.logger.Debug("Pseudonym inserted",
		zap.Int64("id", rec.ID),
		zap.String("data_type", rec.DataType))
	return nil
}

// IncrementUsage bumps the usage counter and last-used timestamp
func (s *PostgresStore) IncrementUsage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pseudonym_mappings
		SET usage_count = usage_count + 1, last_used_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendAuditLog writes one audit row
func (s *PostgresStore) AppendAuditLog(ctx context.Context, entry AuditEntry) error {
	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(entry.Metadata); err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
	}

	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO redaction_audit_log
			(session_id, operation_type, data_type, pseudonym_count, processing_time_ms, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.SessionID,
		entry.OperationType,
		entry.DataType,
		entry.PseudonymCount,
		entry.ProcessingTimeMS,
		metadata,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit log: %w", err)
	}
	return nil
}

// LoadDictionaryEntries returns dictionary rows passing the filter
func (s *PostgresStore) LoadDictionaryEntries(ctx context.Context, filter DictionaryFilter) ([]DictionaryEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.ActiveOnly {
		where = append(where, "is_active")
	}
	if len(filter.DataTypes) > 0 {
		args = append(args, pq.Array(filter.DataTypes))
		where = append(where, fmt.Sprintf("data_type = ANY($%d)", len(args)))
	}
	if len(filter.Categories) > 0 {
		args = append(args, pq.Array(filter.Categories))
		where = append(where, fmt.Sprintf("category = ANY($%d)", len(args)))
	}

	query := `
		SELECT id, original_value, pseudonym, data_type, category, frequency_weight, is_active
		FROM pseudonym_dictionaries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY length(original_value) DESC, id"

	entries := []DictionaryEntry{}
	if err := s.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to load dictionary entries: %w", err)
	}
	return entries, nil
}

// UpsertDictionaryEntries inserts or updates dictionary rows in one statement
func (s *PostgresStore) UpsertDictionaryEntries(ctx context.Context, entries []DictionaryEntry) (*UpsertResult, error) {
	if len(entries) == 0 {
		return &UpsertResult{}, nil
	}

	start := time.Now()
	result := &UpsertResult{}

	valueStrings := make([]string, 0, len(entries))
	valueArgs := make([]interface{}, 0, len(entries)*6)
	for i, e := range entries {
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d)", i*6+1, i*6+2, i*6+3, i*6+4, i*6+5, i*6+6))
		valueArgs = append(valueArgs,
			e.OriginalValue,
			e.Pseudonym,
			e.DataType,
			e.Category,
			e.FrequencyWeight,
			e.IsActive,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO pseudonym_dictionaries (original_value, pseudonym, data_type, category, frequency_weight, is_active)
		VALUES %s
		ON CONFLICT (original_value, data_type, category) DO UPDATE SET
			pseudonym = EXCLUDED.pseudonym,
			frequency_weight = EXCLUDED.frequency_weight,
			is_active = EXCLUDED.is_active`,
		strings.Join(valueStrings, ","))

	res, err := s.db.ExecContext(ctx, query, valueArgs...)
	if err != nil {
		result.Failed = int64(len(entries))
		s.logger.Error("Dictionary upsert failed", zap.Error(err))
		return result, fmt.Errorf("dictionary upsert failed: %w", err)
	}

	upserted, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("Could not get rows affected", zap.Error(err))
		upserted = int64(len(entries))
	}

	result.Upserted = upserted
	result.Failed = int64(len(entries)) - upserted
	result.Duration = time.Since(start)

	s.logger.Info("Dictionary upsert completed",
		zap.Int64("upserted", result.Upserted),
		zap.Int64("failed", result.Failed),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// GetStats returns table sizes
func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	query := `
		SELECT
			(SELECT COUNT(*) FROM pseudonym_mappings),
			(SELECT COUNT(*) FROM pseudonym_dictionaries),
			(SELECT COUNT(*) FROM redaction_audit_log)`

	if err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.Pseudonyms,
		&stats.DictionaryEntries,
		&stats.AuditEntries,
	); err != nil {
		return nil, fmt.Errorf("failed to get store stats: %w", err)
	}
	return stats, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// maskDatabaseURL masks the password in a database URL for logging
func maskDatabaseURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	scheme := strings.Index(userPart, "://")
	colon := strings.LastIndex(userPart, ":")
	if colon <= scheme+2 {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
