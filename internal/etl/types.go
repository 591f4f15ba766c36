package etl

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// DictionaryRecord is one row of an import file. IsActive is optional and
// defaults to true.
type DictionaryRecord struct {
	OriginalValue   string  `parquet:"original_value" json:"original_value"`
	Pseudonym       string  `parquet:"pseudonym" json:"pseudonym"`
	DataType        string  `parquet:"data_type" json:"data_type"`
	Category        string  `parquet:"category,optional" json:"category"`
	FrequencyWeight float64 `parquet:"frequency_weight,optional" json:"frequency_weight"`
	IsActive        *bool   `parquet:"is_active,optional" json:"is_active"`
}

// ImportResult represents the result of importing a dictionary file
type ImportResult struct {
	TotalRecords int64             `json:"total_records"`
	Upserted     int64             `json:"upserted"`
	Invalid      int64             `json:"invalid"`
	Duplicates   int64             `json:"duplicates"`
	Failed       int64             `json:"failed"`
	Duration     time.Duration     `json:"duration"`
	DatabaseTime time.Duration     `json:"database_time"`
	Errors       []ValidationError `json:"errors,omitempty"`
}

// Config contains importer configuration
type Config struct {
	BatchSize       int           `yaml:"batch_size" mapstructure:"batch_size"`
	MaxRetries      int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	ValidateData    bool          `yaml:"validate_data" mapstructure:"validate_data"`
	DefaultCategory string        `yaml:"default_category" mapstructure:"default_category"`
	ProgressReport  int           `yaml:"progress_report" mapstructure:"progress_report"`
	MaxErrors       int           `yaml:"max_errors" mapstructure:"max_errors"`
}

// DefaultConfig returns importer defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:      500,
		MaxRetries:     3,
		RetryDelay:     2 * time.Second,
		ValidateData:   true,
		ProgressReport: 5000,
		MaxErrors:      100,
	}
}

// ValidationError represents a data validation error
type ValidationError struct {
	Row     int64  `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Field, e.Message)
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSON    FileFormat = "json"
	FormatUnknown FileFormat = ""
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	default:
		return FormatUnknown
	}
}
