package privacy

import (
	"fmt"
	"regexp"
)

// DataType identifies the category of a detected value
type DataType string

const (
	DataTypeEmail      DataType = "email"
	DataTypePhone      DataType = "phone"
	DataTypeSSN        DataType = "ssn"
	DataTypeCreditCard DataType = "credit_card"
	DataTypeName       DataType = "name"
	DataTypeAddress    DataType = "address"
	DataTypeIPAddress  DataType = "ip_address"
	DataTypeURL        DataType = "url"
	DataTypeUsername   DataType = "username"
	DataTypeCustom     DataType = "custom"
)

// AllDataTypes lists every data type in severity-table order
var AllDataTypes = []DataType{
	DataTypeEmail,
	DataTypePhone,
	DataTypeSSN,
	DataTypeCreditCard,
	DataTypeName,
	DataTypeAddress,
	DataTypeIPAddress,
	DataTypeURL,
	DataTypeUsername,
	DataTypeCustom,
}

// ParseDataType converts a configuration string into a DataType
func ParseDataType(s string) (DataType, error) {
	for _, t := range AllDataTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown data type: %s", s)
}

// Severity is the policy risk of a data type
type Severity string

const (
	SeverityShowstopper Severity = "showstopper"
	SeverityInfo        Severity = "info"
)

// Severity returns the fixed policy severity for the data type.
// Unknown types are treated as showstoppers.
func (t DataType) Severity() Severity {
	switch t {
	case DataTypeSSN, DataTypeCreditCard:
		return SeverityShowstopper
	case DataTypeEmail,
		DataTypePhone,
		DataTypeName,
		DataTypeAddress,
		DataTypeIPAddress,
		DataTypeURL,
		DataTypeUsername,
		DataTypeCustom:
		return SeverityInfo
	default:
		return SeverityShowstopper
	}
}

// PIIMatch is one detected occurrence in the scanned text
type PIIMatch struct {
	Value       string   `json:"-"` // Never serialize the raw value
	DataType    DataType `json:"dataType"`
	Confidence  float64  `json:"confidence"`
	Severity    Severity `json:"severity"`
	StartIndex  int      `json:"startIndex"`
	EndIndex    int      `json:"endIndex"`
	PatternName string   `json:"patternName"`
}

// DetectionRule represents a single PII detection rule.
// A rule either matches Pattern (optionally reporting submatch Group) or
// delegates to Extract for detectors that are not a single expression.
type DetectionRule struct {
	Name       string
	DataType   DataType
	Pattern    *regexp.Regexp
	Group      int
	Confidence float64
	Validate   func(value string) bool
	Extract    func(text string) []Span
}

// Span is a candidate produced by a custom extractor
type Span struct {
	Start      int
	End        int
	Confidence float64
}

// DetectOptions controls a single detection pass
type DetectOptions struct {
	// DataTypes restricts detection to these types. Empty means every enabled rule.
	DataTypes []DataType
	// MinConfidence drops matches below this score. Nil means DefaultMinConfidence.
	MinConfidence *float64
	// MaxMatches caps the returned info-level matches. Zero means
	// DefaultMaxMatches, Unlimited disables the cap. Showstoppers are never
	// dropped by the cap.
	MaxMatches int
}

const (
	DefaultMinConfidence = 0.8
	DefaultMaxMatches    = 100
	// Unlimited disables the MaxMatches cap
	Unlimited = -1
)

// Confidence returns a MinConfidence value
func Confidence(v float64) *float64 { return &v }

// DefaultDetectOptions returns the documented defaults
func DefaultDetectOptions() DetectOptions {
	return DetectOptions{
		MinConfidence: Confidence(DefaultMinConfidence),
		MaxMatches:    DefaultMaxMatches,
	}
}

func (o DetectOptions) minConfidence() float64 {
	if o.MinConfidence == nil {
		return DefaultMinConfidence
	}
	return *o.MinConfidence
}

func (o DetectOptions) withDefaults() DetectOptions {
	if o.MaxMatches == 0 {
		o.MaxMatches = DefaultMaxMatches
	}
	return o
}

// DetectResult contains the outcome of a detection pass
type DetectResult struct {
	Matches []PIIMatch `json:"matches"`
	// TotalMatches counts accepted matches before the MaxMatches cap.
	TotalMatches int  `json:"totalMatches"`
	Truncated    bool `json:"truncated"`
	// FailedRules names detectors that errored and were skipped.
	FailedRules []string `json:"failedRules,omitempty"`
}
