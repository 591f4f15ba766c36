package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/raaihank/pii-gateway/internal/audit"
	"github.com/raaihank/pii-gateway/internal/classifier"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/policy"
	"github.com/raaihank/pii-gateway/internal/privacy"
	"github.com/raaihank/pii-gateway/internal/pseudonym"
	"github.com/raaihank/pii-gateway/internal/routing"
	"github.com/raaihank/pii-gateway/internal/store"
	"github.com/raaihank/pii-gateway/internal/websocket"
	"go.uber.org/zap"
)

// ErrBlocked is returned by Complete when the request was refused
var ErrBlocked = errors.New("request blocked by PII policy")

// Audit operation types
const (
	OpDecision     = "decision"
	OpPseudonymize = "pseudonymize"
	OpReverse      = "reverse"
)

// Decider produces routing decisions
type Decider interface {
	Decide(ctx context.Context, req routing.Request) routing.Decision
}

// Pseudonymizer transforms text before it leaves the boundary
type Pseudonymizer interface {
	Pseudonymize(ctx context.Context, text, requestContext string) (*pseudonym.Result, error)
}

// PolicySource supplies the audit level
type PolicySource interface {
	GetPolicy(ctx context.Context) (policy.Policy, error)
}

// Generator is a provider adapter. It only ever receives processed text.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, text, model string) (string, error)
}

// EventSink receives live decision events
type EventSink interface {
	BroadcastDecision(ev websocket.DecisionEvent)
	BroadcastDetection(ev websocket.DetectionEvent)
}

// Recorder receives per-request measurements
type Recorder interface {
	RecordDecision(outcome, provider string, d time.Duration)
	RecordDetections(dataType string, showstopper bool, n int)
	ObservePseudonymize(d time.Duration)
}

// Request is one prompt entering the gateway
type Request struct {
	Text              string `json:"text"`
	RequestedProvider string `json:"requestedProvider,omitempty"`
	SessionID         string `json:"sessionId,omitempty"`
	Context           string `json:"context,omitempty"`
}

// Result is the processed request. ProcessedText is what may be sent to
// the chosen provider and is empty when the request was blocked.
type Result struct {
	RequestID     string              `json:"requestId"`
	SessionID     string              `json:"sessionId"`
	Decision      routing.Decision    `json:"decision"`
	ProcessedText string              `json:"processedText,omitempty"`
	Mappings      []pseudonym.Mapping `json:"mappings,omitempty"`
}

// CompletionResult is a Result plus the reversed provider response
type CompletionResult struct {
	Result
	Response      string `json:"response,omitempty"`
	ReversalCount int    `json:"reversalCount"`
}

// Gateway composes the routing engine and the pseudonymizer for one request
type Gateway struct {
	engine        Decider
	pseudonymizer Pseudonymizer
	policies      PolicySource
	audit         audit.Writer
	events        EventSink
	metrics       Recorder
	logger        *logger.Logger
	now           func() time.Time
}

// Option configures optional collaborators
type Option func(*Gateway)

// WithAudit sets the audit writer
func WithAudit(w audit.Writer) Option { return func(g *Gateway) { g.audit = w } }

// WithEvents sets the live event sink
func WithEvents(s EventSink) Option { return func(g *Gateway) { g.events = s } }

// WithMetrics sets the metrics recorder
func WithMetrics(r Recorder) Option { return func(g *Gateway) { g.metrics = r } }

// New creates a gateway
func New(engine Decider, p Pseudonymizer, policies PolicySource, log *logger.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		engine:        engine,
		pseudonymizer: p,
		policies:      policies,
		logger:        log.WithComponent("gateway"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Process decides where the prompt may go and, for external routes with
// PII, pseudonymizes it. Only context cancellation is returned as an error.
func (g *Gateway) Process(ctx context.Context, req Request) (*Result, error) {
	start := g.now()
	res := &Result{RequestID: uuid.NewString(), SessionID: req.SessionID}
	if res.SessionID == "" {
		res.SessionID = res.RequestID
	}
	requestContext := req.Context
	if requestContext == "" {
		requestContext = res.RequestID
	}
	log := g.logger.WithRequestID(res.RequestID)

	decision := g.engine.Decide(ctx, routing.Request{
		Text:              req.Text,
		RequestedProvider: req.RequestedProvider,
		Context:           requestContext,
	})
	res.Decision = decision
	decided := g.now()

	var pseudonymizeTime time.Duration
	switch {
	case decision.Blocked():
	case decision.Instructions != nil && decision.Instructions.Pseudonymize:
		pStart := g.now()
		out, err := g.pseudonymizer.Pseudonymize(ctx, req.Text, requestContext)
		if err != nil {
			return nil, fmt.Errorf("failed to pseudonymize request: %w", err)
		}
		pseudonymizeTime = g.now().Sub(pStart)
		res.ProcessedText = out.PseudonymizedText
		res.Mappings = out.Mappings
	default:
		res.ProcessedText = req.Text
	}

	total := g.now().Sub(start)
	g.observe(res, decided.Sub(start), pseudonymizeTime)
	g.writeAudit(ctx, res, total)

	log.Info("Request processed",
		zap.String("outcome", string(decision.Outcome)),
		zap.String("provider", decision.Provider),
		zap.String("processing_flow", string(decision.Metadata.ProcessingFlow)),
		zap.Int("total_matches", decision.Metadata.DetectionResults.TotalMatches),
		zap.Int("mappings", len(res.Mappings)),
		zap.Duration("duration", total))
	return res, nil
}

// Complete processes the request, sends the processed text to gen, and
// reverses pseudonyms in the response. Blocked requests never reach gen.
func (g *Gateway) Complete(ctx context.Context, req Request, systemPrompt string, gen Generator) (*CompletionResult, error) {
	res, err := g.Process(ctx, req)
	if err != nil {
		return nil, err
	}
	out := &CompletionResult{Result: *res}
	if res.Decision.Blocked() || !res.Decision.RouteToAgent {
		return out, ErrBlocked
	}

	start := g.now()
	response, err := gen.Generate(ctx, systemPrompt, res.ProcessedText, res.Decision.Model)
	if err != nil {
		return out, fmt.Errorf("provider %s failed: %w", res.Decision.Provider, err)
	}

	out.Response = response
	if len(res.Mappings) > 0 {
		rev, err := pseudonym.Reverse(response, res.Mappings)
		if err != nil {
			return out, fmt.Errorf("failed to reverse response: %w", err)
		}
		out.Response = rev.OriginalText
		out.ReversalCount = rev.ReversalCount

		if g.auditLevel(ctx) == policy.AuditNone {
			return out, nil
		}
		g.emit(store.AuditEntry{
			SessionID:        res.SessionID,
			OperationType:    OpReverse,
			DataType:         joinTypes(mappingTypes(res.Mappings)),
			PseudonymCount:   rev.ReversalCount,
			ProcessingTimeMS: g.now().Sub(start).Milliseconds(),
			Metadata:         map[string]any{"request_id": res.RequestID},
		})
	}
	return out, nil
}

func (g *Gateway) observe(res *Result, decideTime, pseudonymizeTime time.Duration) {
	d := res.Decision
	summary := d.Metadata.DetectionResults.DataTypesSummary

	if g.metrics != nil {
		g.metrics.RecordDecision(string(d.Outcome), d.Provider, decideTime)
		for dt, s := range summary {
			g.metrics.RecordDetections(string(dt), dt.Severity() == privacy.SeverityShowstopper, s.Count)
		}
		if pseudonymizeTime > 0 {
			g.metrics.ObservePseudonymize(pseudonymizeTime)
		}
	}

	if g.events != nil {
		types := sortedTypes(summary)
		g.events.BroadcastDecision(websocket.DecisionEvent{
			RequestID:      res.RequestID,
			Outcome:        string(d.Outcome),
			Provider:       d.Provider,
			Model:          d.Model,
			ProcessingFlow: string(d.Metadata.ProcessingFlow),
			DataTypes:      types,
			TotalMatches:   d.Metadata.DetectionResults.TotalMatches,
			Showstopper:    d.Metadata.ShowstopperDetected,
			Pseudonymized:  len(res.Mappings),
			BlockingReason: d.Metadata.PolicyDecision.BlockingReason,
			ProcessingMS:   float64(decideTime.Microseconds()) / 1000,
		})
		for _, t := range types {
			dt := privacy.DataType(t)
			g.events.BroadcastDetection(websocket.DetectionEvent{
				RequestID: res.RequestID,
				DataType:  t,
				Severity:  string(dt.Severity()),
				Count:     summary[dt].Count,
			})
		}
	}
}

// writeAudit emits entries according to the policy audit level. Basic
// writes one row per request; full adds a row per pseudonymized data type
// and the reasoning path.
func (g *Gateway) writeAudit(ctx context.Context, res *Result, total time.Duration) {
	if g.audit == nil {
		return
	}
	level := g.auditLevel(ctx)
	if level == policy.AuditNone {
		return
	}

	d := res.Decision
	meta := map[string]any{
		"request_id": res.RequestID,
		"outcome":    string(d.Outcome),
		"provider":   d.Provider,
	}
	if level == policy.AuditFull {
		meta["processing_flow"] = string(d.Metadata.ProcessingFlow)
		meta["violations"] = d.Metadata.PolicyDecision.Violations
		meta["reasoning_path"] = d.Metadata.PolicyDecision.ReasoningPath
		meta["severity_breakdown"] = d.Metadata.DetectionResults.SeverityBreakdown
		meta["total_matches"] = d.Metadata.DetectionResults.TotalMatches
		meta["model"] = d.Model
	}

	g.emit(store.AuditEntry{
		SessionID:        res.SessionID,
		OperationType:    OpDecision,
		DataType:         joinTypes(sortedTypes(d.Metadata.DetectionResults.DataTypesSummary)),
		PseudonymCount:   len(res.Mappings),
		ProcessingTimeMS: total.Milliseconds(),
		Metadata:         meta,
	})

	if level != policy.AuditFull || len(res.Mappings) == 0 {
		return
	}
	counts := make(map[string]int)
	for _, m := range res.Mappings {
		counts[string(m.DataType)]++
	}
	for _, t := range mappingTypes(res.Mappings) {
		g.emit(store.AuditEntry{
			SessionID:        res.SessionID,
			OperationType:    OpPseudonymize,
			DataType:         t,
			PseudonymCount:   counts[t],
			ProcessingTimeMS: total.Milliseconds(),
			Metadata:         map[string]any{"request_id": res.RequestID},
		})
	}
}

func (g *Gateway) auditLevel(ctx context.Context) policy.AuditLevel {
	if g.policies != nil {
		if pol, err := g.policies.GetPolicy(ctx); err == nil && pol.AuditLevel != "" {
			return pol.AuditLevel
		}
	}
	return policy.AuditBasic
}

func (g *Gateway) emit(entry store.AuditEntry) {
	if g.audit != nil {
		g.audit.Write(entry)
	}
}

func sortedTypes(summary map[privacy.DataType]classifier.TypeSummary) []string {
	types := make([]string, 0, len(summary))
	for dt := range summary {
		types = append(types, string(dt))
	}
	sort.Strings(types)
	return types
}

func mappingTypes(mappings []pseudonym.Mapping) []string {
	seen := make(map[string]bool)
	var types []string
	for _, m := range mappings {
		t := string(m.DataType)
		if !seen[t] {
			seen[t] = true
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types
}

func joinTypes(types []string) string {
	if len(types) == 0 {
		return "none"
	}
	return strings.Join(types, ",")
}
