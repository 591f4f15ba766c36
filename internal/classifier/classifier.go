package classifier

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/privacy"
	"go.uber.org/zap"
)

const maxExamplesPerType = 3

// Detector is the pattern matcher used by the classifier
type Detector interface {
	Detect(text string, opts privacy.DetectOptions) privacy.DetectResult
}

// optionSource is implemented by detectors that carry configured options
type optionSource interface {
	ConfiguredOptions() privacy.DetectOptions
}

// FailureRecorder counts classification failures
type FailureRecorder interface {
	RecordClassificationFailure(failMode string)
}

// Classifier turns detection results into a policy decision record
type Classifier struct {
	detector Detector
	options  privacy.DetectOptions
	failMode FailMode
	recorder FailureRecorder
	logger   *logger.Logger
}

// New creates a classifier. A nil recorder disables failure counting.
func New(detector Detector, failMode FailMode, recorder FailureRecorder, log *logger.Logger) *Classifier {
	if failMode != FailClosed {
		failMode = FailOpen
	}
	c := &Classifier{
		detector: detector,
		options:  privacy.DefaultDetectOptions(),
		failMode: failMode,
		recorder: recorder,
		logger:   log.WithComponent("classifier"),
	}
	if src, ok := detector.(optionSource); ok {
		c.options = src.ConfiguredOptions()
	}
	return c
}

// Evaluate detects and classifies text for the given destination. It never
// panics: internal failures resolve to the configured fail mode.
func (c *Classifier) Evaluate(text string, dest Destination) (md Metadata) {
	defer func() {
		if r := recover(); r != nil {
			md = c.fallback(dest, fmt.Errorf("classification panicked: %v", r))
		}
	}()

	result := c.detector.Detect(text, c.options)
	md = Build(result, dest)
	if len(result.FailedRules) > 0 {
		md.Reason("detectors skipped after failure: " + strings.Join(result.FailedRules, ","))
	}
	return md
}

// fallback builds the degraded record for a failed classification
func (c *Classifier) fallback(dest Destination, err error) Metadata {
	c.logger.Error("PII policy check failed",
		zap.String("fail_mode", string(c.failMode)),
		zap.String("destination", string(dest)),
		zap.Error(err),
	)
	if c.recorder != nil {
		c.recorder.RecordClassificationFailure(string(c.failMode))
	}

	md := newMetadata()
	md.PolicyDecision.Violations = []string{FailureViolation}
	md.Reason("classification failed: " + err.Error())

	switch {
	case dest == DestinationLocal:
		md.PolicyDecision.Allowed = true
		md.ProcessingFlow = FlowAllowedLocal
		md.Reason("destination is local; request allowed")
		md.UserMessage.Summary = "Privacy check could not complete; request stays on this system."
	case c.failMode == FailClosed:
		md.PolicyDecision.Blocked = true
		md.PolicyDecision.BlockingReason = FailureViolation
		md.ProcessingFlow = FlowShowstopperBlocked
		md.Reason("fail mode closed; request blocked")
		md.UserMessage.Summary = "Request blocked because the privacy check could not complete."
		md.UserMessage.IsBlocked = true
		md.UserMessage.BlockingDetails = FailureViolation
	default:
		md.PolicyDecision.Allowed = true
		md.ProcessingFlow = FlowAllowedExternal
		md.Reason("fail mode open; request allowed without PII processing")
		md.UserMessage.Summary = "Privacy check could not complete; request allowed."
	}
	return md
}

// Build classifies a detection result. It is a pure function of its inputs.
func Build(result privacy.DetectResult, dest Destination) Metadata {
	md := newMetadata()
	summarize(&md.DetectionResults, result)

	dr := md.DetectionResults
	md.PIIDetected = len(dr.FlaggedMatches) > 0
	md.ShowstopperDetected = len(dr.ShowstopperMatches) > 0
	md.UserMessage.Details = describeTypes(dr.DataTypesSummary)

	if dest == DestinationLocal {
		md.PolicyDecision.Allowed = true
		md.ProcessingFlow = FlowAllowedLocal
		md.Reason("destination is local; data does not leave the system")
		md.UserMessage.Summary = "Request processed by a local model; data stays on this system."
		if md.PIIDetected {
			md.UserMessage.ActionsTaken = append(md.UserMessage.ActionsTaken, "Sensitive data kept local")
		}
		return md
	}

	if md.ShowstopperDetected {
		types := distinctTypes(dr.ShowstopperMatches)
		md.PolicyDecision.Blocked = true
		md.PolicyDecision.Violations = types
		md.PolicyDecision.BlockingReason = "Showstopper PII detected: " + strings.Join(types, ", ")
		md.ProcessingFlow = FlowShowstopperBlocked
		md.Reason("showstopper detected: " + strings.Join(types, ","))
		md.UserMessage.Summary = "Request blocked: it contains highly sensitive data that cannot be sent to an external provider."
		md.UserMessage.IsBlocked = true
		md.UserMessage.BlockingDetails = fmt.Sprintf("Remove the %s from your message or use a local model.", humanList(types))
		md.UserMessage.ActionsTaken = append(md.UserMessage.ActionsTaken, "Request blocked before leaving the system")
		return md
	}

	md.PolicyDecision.Allowed = true
	if md.PIIDetected {
		md.ProcessingFlow = FlowPseudonymized
		md.Reason(fmt.Sprintf("%d info-level matches; pseudonymize before external send", len(dr.FlaggedMatches)))
		md.UserMessage.Summary = "Personal data was replaced with pseudonyms before sending."
		md.UserMessage.ActionsTaken = append(md.UserMessage.ActionsTaken,
			fmt.Sprintf("%d value(s) replaced with consistent pseudonyms", len(dr.FlaggedMatches)))
		return md
	}

	md.ProcessingFlow = FlowAllowedExternal
	md.Reason("no PII detected")
	md.UserMessage.Summary = "No personal data detected."
	return md
}

func newMetadata() Metadata {
	return Metadata{
		DetectionResults: DetectionResults{
			FlaggedMatches:     []privacy.PIIMatch{},
			ShowstopperMatches: []privacy.PIIMatch{},
			DataTypesSummary:   map[privacy.DataType]TypeSummary{},
		},
		PolicyDecision: PolicyDecision{
			Violations:    []string{},
			ReasoningPath: []string{},
		},
		UserMessage: UserMessage{
			Details:      []string{},
			ActionsTaken: []string{},
		},
	}
}

func summarize(dr *DetectionResults, result privacy.DetectResult) {
	dr.TotalMatches = result.TotalMatches
	dr.Truncated = result.Truncated

	seen := make(map[privacy.DataType]map[string]bool)
	for _, m := range result.Matches {
		severity := m.DataType.Severity()
		dr.FlaggedMatches = append(dr.FlaggedMatches, m)
		if severity == privacy.SeverityShowstopper {
			dr.ShowstopperMatches = append(dr.ShowstopperMatches, m)
			dr.SeverityBreakdown.Showstopper++
		} else {
			dr.SeverityBreakdown.Info++
		}

		s := dr.DataTypesSummary[m.DataType]
		s.Count++
		s.Severity = severity
		example := TruncateExample(m.Value)
		if seen[m.DataType] == nil {
			seen[m.DataType] = make(map[string]bool)
		}
		if len(s.Examples) < maxExamplesPerType && !seen[m.DataType][example] {
			seen[m.DataType][example] = true
			s.Examples = append(s.Examples, example)
		}
		dr.DataTypesSummary[m.DataType] = s
	}
}

// TruncateExample keeps the first three characters of a value
func TruncateExample(v string) string {
	if utf8.RuneCountInString(v) <= 3 {
		return "***"
	}
	runes := []rune(v)
	return string(runes[:3]) + "..."
}

func distinctTypes(matches []privacy.PIIMatch) []string {
	var types []string
	seen := make(map[privacy.DataType]bool)
	for _, m := range matches {
		if !seen[m.DataType] {
			seen[m.DataType] = true
			types = append(types, string(m.DataType))
		}
	}
	return types
}

func describeTypes(summary map[privacy.DataType]TypeSummary) []string {
	details := make([]string, 0, len(summary))
	for _, dt := range privacy.AllDataTypes {
		s, ok := summary[dt]
		if !ok {
			continue
		}
		details = append(details, fmt.Sprintf("%s: %d (%s)", dt, s.Count, s.Severity))
	}
	// Types outside the known list still get reported.
	var extra []string
	for dt, s := range summary {
		if _, err := privacy.ParseDataType(string(dt)); err != nil {
			extra = append(extra, fmt.Sprintf("%s: %d (%s)", dt, s.Count, s.Severity))
		}
	}
	sort.Strings(extra)
	return append(details, extra...)
}

func humanList(types []string) string {
	words := make([]string, len(types))
	for i, t := range types {
		words[i] = strings.ReplaceAll(t, "_", " ")
	}
	switch len(words) {
	case 0:
		return ""
	case 1:
		return words[0]
	default:
		return strings.Join(words[:len(words)-1], ", ") + " and " + words[len(words)-1]
	}
}
