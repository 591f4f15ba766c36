package policy

import (
	"context"
	"testing"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"go.uber.org/zap"
)

func newProvider(cfg config.PolicyConfig) *ConfigProvider {
	return NewConfigProvider(cfg, &logger.Logger{Logger: zap.NewNop()})
}

func TestIsProviderAllowed(t *testing.T) {
	cfg := config.GetDefaults().Policy
	cfg.AllowedProviders = []string{"openai", "anthropic"}
	cfg.DeniedProviders = []string{"anthropic", "ollama"}
	p := newProvider(cfg)

	tests := []struct {
		provider string
		want     bool
	}{
		{"openai", true},
		{"OpenAI ", true},
		{"anthropic", false}, // deny beats allow
		{"google", false},    // not in allow list
		{"ollama", true},     // local always passes
		{"local", true},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			got, err := p.IsProviderAllowed(context.Background(), tt.provider)
			if err != nil {
				t.Fatalf("IsProviderAllowed() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("IsProviderAllowed(%q) = %v, want %v", tt.provider, got, tt.want)
			}
		})
	}

	if _, err := p.IsProviderAllowed(context.Background(), " "); err == nil {
		t.Error("expected error for empty provider")
	}
}

func TestIsProviderAllowed_EmptyAllowList(t *testing.T) {
	p := newProvider(config.GetDefaults().Policy)
	if ok, _ := p.IsProviderAllowed(context.Background(), "google"); !ok {
		t.Error("empty allow list should allow every provider")
	}
}

func TestUpdate(t *testing.T) {
	p := newProvider(config.GetDefaults().Policy)

	cfg := config.GetDefaults().Policy
	cfg.Enforced = true
	cfg.DefaultMode = "local"
	cfg.AuditLevel = "full"
	cfg.DeniedProviders = []string{"openai"}
	p.Update(cfg)

	pol, err := p.GetPolicy(context.Background())
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if !pol.Enforced || pol.DefaultMode != ModeLocal || pol.AuditLevel != AuditFull {
		t.Errorf("policy after update = %+v", pol)
	}
	if ok, _ := p.IsProviderAllowed(context.Background(), "openai"); ok {
		t.Error("openai should be denied after update")
	}
}

func TestPolicy_IsLocalProvider(t *testing.T) {
	pol := Policy{LocalProviders: []string{"ollama", "lmstudio"}}
	if !pol.IsLocalProvider("LMStudio") {
		t.Error("lmstudio should be local")
	}
	if pol.IsLocalProvider("openai") {
		t.Error("openai is not local")
	}
	if !(Policy{}).IsLocalProvider("ollama") {
		t.Error("empty local list falls back to defaults")
	}
}
