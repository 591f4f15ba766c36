package classifier

import "github.com/raaihank/pii-gateway/internal/privacy"

// Destination is where the prompt will be sent
type Destination string

const (
	DestinationLocal    Destination = "local"
	DestinationExternal Destination = "external"
)

// ProcessingFlow is the outcome recorded for a request
type ProcessingFlow string

const (
	FlowAllowedLocal       ProcessingFlow = "allowed-local"
	FlowAllowedExternal    ProcessingFlow = "allowed-external"
	FlowPseudonymized      ProcessingFlow = "pseudonymized"
	FlowShowstopperBlocked ProcessingFlow = "showstopper-blocked"
)

// FailMode selects the outcome when classification itself fails
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// FailureViolation marks a record produced by the failure fallback
const FailureViolation = "PII policy check failed"

// TypeSummary aggregates matches of one data type
type TypeSummary struct {
	Count    int              `json:"count"`
	Severity privacy.Severity `json:"severity"`
	// Examples holds truncated values only
	Examples []string `json:"examples"`
}

// SeverityBreakdown counts matches per severity
type SeverityBreakdown struct {
	Showstopper int `json:"showstopper"`
	Info        int `json:"info"`
}

// DetectionResults is the detection part of the decision record
type DetectionResults struct {
	TotalMatches       int                              `json:"totalMatches"`
	Truncated          bool                             `json:"truncated"`
	FlaggedMatches     []privacy.PIIMatch               `json:"flaggedMatches"`
	ShowstopperMatches []privacy.PIIMatch               `json:"showstopperMatches"`
	DataTypesSummary   map[privacy.DataType]TypeSummary `json:"dataTypesSummary"`
	SeverityBreakdown  SeverityBreakdown                `json:"severityBreakdown"`
}

// PolicyDecision is the allow/block verdict and how it was reached
type PolicyDecision struct {
	Allowed        bool     `json:"allowed"`
	Blocked        bool     `json:"blocked"`
	BlockingReason string   `json:"blockingReason,omitempty"`
	Violations     []string `json:"violations"`
	ReasoningPath  []string `json:"reasoningPath"`
}

// UserMessage is the explanation surfaced to the end user
type UserMessage struct {
	Summary         string   `json:"summary"`
	Details         []string `json:"details"`
	ActionsTaken    []string `json:"actionsTaken"`
	IsBlocked       bool     `json:"isBlocked"`
	BlockingDetails string   `json:"blockingDetails,omitempty"`
}

// Metadata is the full PII processing record attached to a request
type Metadata struct {
	PIIDetected         bool             `json:"piiDetected"`
	ShowstopperDetected bool             `json:"showstopperDetected"`
	DetectionResults    DetectionResults `json:"detectionResults"`
	PolicyDecision      PolicyDecision   `json:"policyDecision"`
	UserMessage         UserMessage      `json:"userMessage"`
	ProcessingFlow      ProcessingFlow   `json:"processingFlow"`
}

// Blocked reports whether the record forbids sending the prompt anywhere
func (m Metadata) Blocked() bool {
	return m.PolicyDecision.Blocked || m.ProcessingFlow == FlowShowstopperBlocked
}

// Reason appends a step to the reasoning path
func (m *Metadata) Reason(step string) {
	m.PolicyDecision.ReasoningPath = append(m.PolicyDecision.ReasoningPath, step)
}
