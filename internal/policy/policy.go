package policy

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"go.uber.org/zap"
)

// Mode is the default routing mode when no provider is requested
type Mode string

const (
	ModeLocal    Mode = "local"
	ModeExternal Mode = "external"
)

// AuditLevel controls how much the gateway writes to the audit log
type AuditLevel string

const (
	AuditNone  AuditLevel = "none"
	AuditBasic AuditLevel = "basic"
	AuditFull  AuditLevel = "full"
)

// Policy is the sovereign-mode policy consulted by the routing engine
type Policy struct {
	Enforced        bool       `json:"enforced"`
	DefaultMode     Mode       `json:"defaultMode"`
	AuditLevel      AuditLevel `json:"auditLevel"`
	FailMode        string     `json:"failMode"`
	DefaultProvider string     `json:"defaultProvider"`
	LocalProviders  []string   `json:"localProviders"`
}

var defaultLocalProviders = []string{"ollama", "local"}

// Permissive is used when the policy source is unavailable
func Permissive() Policy {
	return Policy{
		Enforced:        false,
		DefaultMode:     ModeExternal,
		AuditLevel:      AuditBasic,
		FailMode:        "open",
		DefaultProvider: "openai",
		LocalProviders:  defaultLocalProviders,
	}
}

// IsLocalProvider reports whether the provider runs inside the boundary
func (p Policy) IsLocalProvider(provider string) bool {
	name := normalize(provider)
	locals := p.LocalProviders
	if len(locals) == 0 {
		locals = defaultLocalProviders
	}
	for _, l := range locals {
		if normalize(l) == name {
			return true
		}
	}
	return false
}

type state struct {
	policy    Policy
	allowlist map[string]bool
	denylist  map[string]bool
}

// ConfigProvider serves policy from configuration and swaps it on reload
type ConfigProvider struct {
	current atomic.Pointer[state]
	logger  *logger.Logger
}

// NewConfigProvider creates a provider from the policy section
func NewConfigProvider(cfg config.PolicyConfig, log *logger.Logger) *ConfigProvider {
	p := &ConfigProvider{logger: log.WithComponent("policy")}
	p.current.Store(newState(cfg))
	return p
}

func newState(cfg config.PolicyConfig) *state {
	s := &state{
		policy: Policy{
			Enforced:        cfg.Enforced,
			DefaultMode:     Mode(cfg.DefaultMode),
			AuditLevel:      AuditLevel(cfg.AuditLevel),
			FailMode:        cfg.FailMode,
			DefaultProvider: cfg.DefaultProvider,
			LocalProviders:  append([]string(nil), cfg.LocalProviders...),
		},
		allowlist: toSet(cfg.AllowedProviders),
		denylist:  toSet(cfg.DeniedProviders),
	}
	if s.policy.DefaultMode == "" {
		s.policy.DefaultMode = ModeExternal
	}
	if s.policy.AuditLevel == "" {
		s.policy.AuditLevel = AuditBasic
	}
	if len(s.policy.LocalProviders) == 0 {
		s.policy.LocalProviders = defaultLocalProviders
	}
	return s
}

// Update replaces the active policy
func (p *ConfigProvider) Update(cfg config.PolicyConfig) {
	p.current.Store(newState(cfg))
	p.logger.Info("Policy updated",
		zap.Bool("enforced", cfg.Enforced),
		zap.String("default_mode", cfg.DefaultMode),
		zap.String("audit_level", cfg.AuditLevel),
		zap.Int("allowed_providers", len(cfg.AllowedProviders)),
		zap.Int("denied_providers", len(cfg.DeniedProviders)),
	)
}

// GetPolicy returns the active policy
func (p *ConfigProvider) GetPolicy(context.Context) (Policy, error) {
	return p.current.Load().policy, nil
}

// IsProviderAllowed applies the allow and deny lists. Local providers always
// pass, the deny list beats the allow list, and an empty allow list allows all.
func (p *ConfigProvider) IsProviderAllowed(_ context.Context, provider string) (bool, error) {
	s := p.current.Load()
	name := normalize(provider)
	if name == "" {
		return false, fmt.Errorf("provider name is empty")
	}

	if s.policy.IsLocalProvider(name) {
		return true, nil
	}
	if s.denylist[name] {
		return false, nil
	}
	if len(s.allowlist) > 0 && !s.allowlist[name] {
		return false, nil
	}
	return true, nil
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if n := normalize(v); n != "" {
			set[n] = true
		}
	}
	return set
}
