package routing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/raaihank/pii-gateway/internal/classifier"
	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/policy"
	"github.com/raaihank/pii-gateway/internal/privacy"
	"go.uber.org/zap"
)

func nopLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

type fakePolicy struct {
	policy    policy.Policy
	err       error
	allowErr  error
	denied    map[string]bool
	panicking bool
}

func (f *fakePolicy) GetPolicy(context.Context) (policy.Policy, error) {
	if f.panicking {
		panic("policy store exploded")
	}
	return f.policy, f.err
}

func (f *fakePolicy) IsProviderAllowed(_ context.Context, provider string) (bool, error) {
	if f.allowErr != nil {
		return false, f.allowErr
	}
	return !f.denied[provider], nil
}

type fakeProbe struct {
	available bool
	model     string
	err       error
	probes    int
}

func (f *fakeProbe) IsLocalModelAvailable(context.Context) (bool, error) {
	f.probes++
	return f.available, f.err
}

func (f *fakeProbe) SelectBestLocalModel(context.Context) (string, error) {
	if !f.available {
		return "", errors.New("no local model")
	}
	return f.model, nil
}

func newEngine(t *testing.T, pol PolicyProvider, probe LocalModelProbe) *Engine {
	t.Helper()
	d, err := privacy.New(config.GetDefaults().Privacy, nopLogger())
	if err != nil {
		t.Fatalf("privacy.New() error = %v", err)
	}
	c := classifier.New(d, classifier.FailOpen, nil, nopLogger())
	return NewEngine(c, pol, probe, nopLogger())
}

func permissive() *fakePolicy {
	return &fakePolicy{policy: policy.Permissive()}
}

func hasStep(d Decision, fragment string) bool {
	for _, step := range d.Metadata.PolicyDecision.ReasoningPath {
		if strings.Contains(step, fragment) {
			return true
		}
	}
	return false
}

const ssnPrompt = "My SSN is 123-45-6789"

func TestDecide_ShowstopperRoutesLocalWhenAvailable(t *testing.T) {
	e := newEngine(t, permissive(), &fakeProbe{available: true, model: "llama3.1:8b"})

	d := e.Decide(context.Background(), Request{Text: ssnPrompt})
	if d.Outcome != OutcomeRouteLocal {
		t.Fatalf("Outcome = %s, want route-local", d.Outcome)
	}
	if d.Model != "llama3.1:8b" || d.Provider != LocalProvider {
		t.Errorf("provider/model = %s/%s", d.Provider, d.Model)
	}
	if d.Instructions != nil {
		t.Error("local route must not carry pseudonymization instructions")
	}
	if d.Metadata.ProcessingFlow != classifier.FlowAllowedLocal || !d.Metadata.ShowstopperDetected {
		t.Errorf("metadata flow = %s, showstopper = %v", d.Metadata.ProcessingFlow, d.Metadata.ShowstopperDetected)
	}
}

func TestDecide_ShowstopperExplicitProviderBlocked(t *testing.T) {
	probe := &fakeProbe{available: true, model: "llama3.1:8b"}
	e := newEngine(t, permissive(), probe)

	d := e.Decide(context.Background(), Request{Text: ssnPrompt, RequestedProvider: "openai"})
	if d.Outcome != OutcomeBlocked || d.Provider != BlockedProvider {
		t.Fatalf("decision = %s/%s, want blocked/policy-blocked", d.Outcome, d.Provider)
	}
	if d.RouteToAgent {
		t.Error("blocked decision must not route")
	}
	if d.Instructions != nil {
		t.Error("blocked decision must not carry instructions")
	}
	if d.Metadata.PolicyDecision.Allowed || !d.Metadata.UserMessage.IsBlocked {
		t.Errorf("policy decision = %+v", d.Metadata.PolicyDecision)
	}
	if probe.probes != 0 {
		t.Error("explicit provider requests must not be rerouted to local")
	}
}

func TestDecide_ShowstopperNoLocalModelBlocked(t *testing.T) {
	e := newEngine(t, permissive(), &fakeProbe{available: false})

	d := e.Decide(context.Background(), Request{Text: ssnPrompt})
	if d.Outcome != OutcomeBlocked || d.Provider != BlockedProvider {
		t.Errorf("decision = %s/%s, want blocked", d.Outcome, d.Provider)
	}
}

func TestDecide_ShowstopperDominance(t *testing.T) {
	e := newEngine(t, permissive(), &fakeProbe{available: false})

	prompt := "Email jane@example.com, call 555-123-4567, Contact John Doe, card 4111 1111 1111 1111"
	d := e.Decide(context.Background(), Request{Text: prompt, RequestedProvider: "anthropic"})
	if d.Metadata.PolicyDecision.Allowed || !d.Blocked() {
		t.Errorf("showstopper with benign matches must be blocked, got %s", d.Outcome)
	}
}

func TestDecide_LocalBypass(t *testing.T) {
	e := newEngine(t, permissive(), &fakeProbe{available: true, model: "qwen2.5:7b"})

	d := e.Decide(context.Background(), Request{Text: ssnPrompt, RequestedProvider: "ollama"})
	if d.Outcome != OutcomeRouteLocal || d.Provider != "ollama" {
		t.Fatalf("decision = %s/%s, want route-local/ollama", d.Outcome, d.Provider)
	}
	if d.Metadata.ProcessingFlow != classifier.FlowAllowedLocal {
		t.Errorf("flow = %s, want allowed-local", d.Metadata.ProcessingFlow)
	}
}

func TestDecide_ExplicitLocalUnavailableBlocked(t *testing.T) {
	e := newEngine(t, permissive(), &fakeProbe{available: false})

	d := e.Decide(context.Background(), Request{Text: "hello", RequestedProvider: "ollama"})
	if d.Outcome != OutcomeBlocked {
		t.Errorf("Outcome = %s, want blocked", d.Outcome)
	}
}

func TestDecide_ExternalWithPseudonymization(t *testing.T) {
	e := newEngine(t, permissive(), &fakeProbe{available: true, model: "m"})

	d := e.Decide(context.Background(), Request{Text: "Contact John Doe at john@example.com", RequestedProvider: "openai"})
	if d.Outcome != OutcomeRouteExternal || d.Provider != "openai" {
		t.Fatalf("decision = %s/%s, want route-external/openai", d.Outcome, d.Provider)
	}
	if d.Instructions == nil || !d.Instructions.Pseudonymize || d.Instructions.MatchCount != 2 {
		t.Fatalf("Instructions = %+v, want pseudonymize 2 values", d.Instructions)
	}
	if len(d.Instructions.DataTypes) != 2 {
		t.Errorf("DataTypes = %v, want email and name", d.Instructions.DataTypes)
	}
	if d.Metadata.ProcessingFlow != classifier.FlowPseudonymized {
		t.Errorf("flow = %s, want pseudonymized", d.Metadata.ProcessingFlow)
	}
}

func TestDecide_CleanTextDefaultProvider(t *testing.T) {
	e := newEngine(t, permissive(), &fakeProbe{})

	d := e.Decide(context.Background(), Request{Text: "What is the capital of France?"})
	if d.Outcome != OutcomeRouteExternal || d.Provider != "openai" {
		t.Errorf("decision = %s/%s, want route-external/openai", d.Outcome, d.Provider)
	}
	if d.Instructions == nil || !d.Instructions.Pseudonymize || d.Instructions.MatchCount != 0 {
		t.Errorf("Instructions = %+v, want a pseudonymize pass with no pattern matches", d.Instructions)
	}
	if !hasStep(d, "dictionary pass only") {
		t.Errorf("reasoning path = %v", d.Metadata.PolicyDecision.ReasoningPath)
	}
}

func TestDecide_PolicyFailures(t *testing.T) {
	tests := []struct {
		name string
		pol  PolicyProvider
	}{
		{"error", &fakePolicy{err: errors.New("policy service down")}},
		{"panic", &fakePolicy{panicking: true}},
		{"nil", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, tt.pol, &fakeProbe{})
			d := e.Decide(context.Background(), Request{Text: "hello there"})
			if d.Outcome != OutcomeRouteExternal {
				t.Errorf("Outcome = %s, want permissive route-external", d.Outcome)
			}
			if !hasStep(d, "policy unavailable") {
				t.Errorf("ReasoningPath = %v, want fallback recorded", d.Metadata.PolicyDecision.ReasoningPath)
			}
		})
	}
}

func TestDecide_ProbeErrorTreatedAsUnavailable(t *testing.T) {
	e := newEngine(t, permissive(), &fakeProbe{err: errors.New("connection refused")})

	d := e.Decide(context.Background(), Request{Text: ssnPrompt})
	if d.Outcome != OutcomeBlocked {
		t.Errorf("Outcome = %s, want blocked", d.Outcome)
	}
	if !hasStep(d, "probe failed") {
		t.Errorf("ReasoningPath = %v, want probe failure recorded", d.Metadata.PolicyDecision.ReasoningPath)
	}
}

func TestDecide_DefaultLocalMode(t *testing.T) {
	pol := policy.Permissive()
	pol.DefaultMode = policy.ModeLocal

	t.Run("local available", func(t *testing.T) {
		e := newEngine(t, &fakePolicy{policy: pol}, &fakeProbe{available: true, model: "mistral:7b"})
		d := e.Decide(context.Background(), Request{Text: "Contact John Doe"})
		if d.Outcome != OutcomeRouteLocal || d.Model != "mistral:7b" {
			t.Errorf("decision = %s/%s, want route-local", d.Outcome, d.Model)
		}
	})

	t.Run("fallback to external", func(t *testing.T) {
		e := newEngine(t, &fakePolicy{policy: pol}, &fakeProbe{available: false})
		d := e.Decide(context.Background(), Request{Text: "Contact John Doe"})
		if d.Outcome != OutcomeRouteExternal || d.Provider != pol.DefaultProvider {
			t.Errorf("decision = %s/%s, want route-external/%s", d.Outcome, d.Provider, pol.DefaultProvider)
		}
		if d.Instructions == nil {
			t.Error("fallback to external must pseudonymize")
		}
	})

	t.Run("fallback blocked on showstopper", func(t *testing.T) {
		e := newEngine(t, &fakePolicy{policy: pol}, &fakeProbe{available: false})
		d := e.Decide(context.Background(), Request{Text: ssnPrompt})
		if d.Outcome != OutcomeBlocked {
			t.Errorf("Outcome = %s, want blocked", d.Outcome)
		}
	})
}

func TestDecide_Enforced(t *testing.T) {
	pol := policy.Permissive()
	pol.Enforced = true

	t.Run("explicit external refused", func(t *testing.T) {
		e := newEngine(t, &fakePolicy{policy: pol}, &fakeProbe{available: true, model: "m"})
		d := e.Decide(context.Background(), Request{Text: "hello", RequestedProvider: "openai"})
		if d.Outcome != OutcomeBlocked {
			t.Errorf("Outcome = %s, want blocked", d.Outcome)
		}
	})

	t.Run("no local model", func(t *testing.T) {
		e := newEngine(t, &fakePolicy{policy: pol}, &fakeProbe{available: false})
		d := e.Decide(context.Background(), Request{Text: "hello"})
		if d.Outcome != OutcomeBlocked {
			t.Errorf("Outcome = %s, want blocked", d.Outcome)
		}
	})

	t.Run("local model", func(t *testing.T) {
		e := newEngine(t, &fakePolicy{policy: pol}, &fakeProbe{available: true, model: "m"})
		d := e.Decide(context.Background(), Request{Text: "hello"})
		if d.Outcome != OutcomeRouteLocal {
			t.Errorf("Outcome = %s, want route-local", d.Outcome)
		}
	})
}

func TestDecide_ProviderNotAllowed(t *testing.T) {
	pol := &fakePolicy{policy: policy.Permissive(), denied: map[string]bool{"google": true}}
	e := newEngine(t, pol, &fakeProbe{available: true, model: "m"})

	d := e.Decide(context.Background(), Request{Text: "hello", RequestedProvider: "google"})
	if d.Outcome != OutcomeBlocked || d.Provider != BlockedProvider {
		t.Errorf("decision = %s/%s, want blocked", d.Outcome, d.Provider)
	}
	if !strings.Contains(d.Metadata.PolicyDecision.BlockingReason, "google") {
		t.Errorf("BlockingReason = %q", d.Metadata.PolicyDecision.BlockingReason)
	}
}

func TestDecide_AllowCheckErrorIsPermissive(t *testing.T) {
	pol := &fakePolicy{policy: policy.Permissive(), allowErr: errors.New("lookup failed")}
	e := newEngine(t, pol, &fakeProbe{})

	d := e.Decide(context.Background(), Request{Text: "hello", RequestedProvider: "anthropic"})
	if d.Outcome != OutcomeRouteExternal {
		t.Errorf("Outcome = %s, want route-external", d.Outcome)
	}
	if !hasStep(d, "allow check failed") {
		t.Errorf("ReasoningPath = %v", d.Metadata.PolicyDecision.ReasoningPath)
	}
}

func TestDecide_ShowstopperPastMatchCap(t *testing.T) {
	e := newEngine(t, permissive(), &fakeProbe{})

	text := strings.Repeat("a@example.com ", privacy.DefaultMaxMatches+1) + "SSN 123-45-6789"
	d := e.Decide(context.Background(), Request{Text: text, RequestedProvider: "openai"})
	if d.Outcome != OutcomeBlocked || !d.Metadata.ShowstopperDetected {
		t.Fatalf("decision = %s showstopper=%v, want blocked with showstopper", d.Outcome, d.Metadata.ShowstopperDetected)
	}
	if !d.Metadata.DetectionResults.Truncated {
		t.Error("expected the detection results to report truncation")
	}
}

func TestDecide_ShowstopperInsideURL(t *testing.T) {
	e := newEngine(t, permissive(), &fakeProbe{})

	d := e.Decide(context.Background(), Request{
		Text:              "see https://x.example.com/lookup?ssn=123-45-6789 now",
		RequestedProvider: "openai",
	})
	if d.Outcome != OutcomeBlocked || !d.Metadata.ShowstopperDetected {
		t.Errorf("decision = %s showstopper=%v, want blocked with showstopper", d.Outcome, d.Metadata.ShowstopperDetected)
	}
}
