package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/raaihank/pii-gateway/internal/classifier"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/policy"
	"github.com/raaihank/pii-gateway/internal/privacy"
	"go.uber.org/zap"
)

// Engine decides where a prompt may go
type Engine struct {
	classifier Evaluator
	policies   PolicyProvider
	local      LocalModelProbe
	logger     *logger.Logger
}

// NewEngine creates a routing engine
func NewEngine(classifier Evaluator, policies PolicyProvider, local LocalModelProbe, log *logger.Logger) *Engine {
	return &Engine{
		classifier: classifier,
		policies:   policies,
		local:      local,
		logger:     log.WithComponent("routing"),
	}
}

// route tracks reasoning while a decision is made
type route struct {
	steps []string
}

func (r *route) note(format string, args ...any) {
	r.steps = append(r.steps, fmt.Sprintf(format, args...))
}

// Decide runs the routing state machine. It always returns a decision;
// collaborator failures resolve to the documented fallback branch.
func (e *Engine) Decide(ctx context.Context, req Request) Decision {
	r := &route{}

	pol, err := e.getPolicy(ctx)
	if err != nil {
		e.logger.Warn("Policy unavailable, using permissive defaults", zap.Error(err))
		r.note("policy unavailable (%v); treating as not enforced", err)
		pol = policy.Permissive()
	}

	explicit := req.RequestedProvider != ""
	provider := req.RequestedProvider
	dest := classifier.DestinationExternal

	switch {
	case explicit && pol.IsLocalProvider(provider):
		dest = classifier.DestinationLocal
		r.note("requested provider %s is local", provider)
	case explicit:
		r.note("requested provider %s is external", provider)
	case pol.Enforced || pol.DefaultMode == policy.ModeLocal:
		dest = classifier.DestinationLocal
		provider = ""
		r.note("no provider requested; policy routes to local (enforced=%t, default_mode=%s)", pol.Enforced, pol.DefaultMode)
	default:
		provider = pol.DefaultProvider
		r.note("no provider requested; using default provider %s", provider)
	}

	if explicit && dest == classifier.DestinationExternal {
		if pol.Enforced {
			md := e.classifier.Evaluate(req.Text, dest)
			r.note("sovereign mode enforced; external provider %s refused", provider)
			return e.block(md, r, "Sovereign mode is enforced; external providers are disabled")
		}

		allowed, err := e.isProviderAllowed(ctx, provider)
		if err != nil {
			e.logger.Warn("Provider allow check failed, treating as allowed",
				zap.String("provider", provider),
				zap.Error(err))
			r.note("provider allow check failed (%v); treating as allowed", err)
			allowed = true
		}
		if !allowed {
			md := e.classifier.Evaluate(req.Text, dest)
			r.note("provider %s not allowed by policy", provider)
			return e.block(md, r, fmt.Sprintf("Provider %s is not allowed by policy", provider))
		}
	}

	md := e.classifier.Evaluate(req.Text, dest)

	if md.Blocked() {
		r.note("classification blocked external send")
		if explicit {
			r.note("explicit external provider %s requested; not rerouting", provider)
			return e.block(md, r, md.PolicyDecision.BlockingReason)
		}
		model, ok := e.probeLocal(ctx, r)
		if !ok {
			r.note("no local model available; request blocked")
			return e.block(md, r, md.PolicyDecision.BlockingReason)
		}
		r.note("rerouted to local model %s", model)
		return e.routeLocal(e.classifier.Evaluate(req.Text, classifier.DestinationLocal), r, LocalProvider, model)
	}

	if dest == classifier.DestinationLocal {
		model, ok := e.probeLocal(ctx, r)
		if ok {
			local := provider
			if local == "" {
				local = LocalProvider
			}
			return e.routeLocal(md, r, local, model)
		}

		if explicit || pol.Enforced {
			r.note("local model unavailable and external fallback not permitted")
			return e.block(md, r, "No local model is available")
		}

		provider = pol.DefaultProvider
		r.note("local model unavailable; falling back to default provider %s", provider)
		md = e.classifier.Evaluate(req.Text, classifier.DestinationExternal)
		if md.Blocked() {
			r.note("classification blocked external send")
			return e.block(md, r, md.PolicyDecision.BlockingReason)
		}
	}

	return e.routeExternal(md, r, provider)
}

func (e *Engine) routeLocal(md classifier.Metadata, r *route, provider, model string) Decision {
	return Decision{
		Outcome:      OutcomeRouteLocal,
		RouteToAgent: true,
		Provider:     provider,
		Model:        model,
		Metadata:     withReasons(md, r),
	}
}

// routeExternal always instructs pseudonymization. Dictionary literals are
// only known to the pseudonymizer, so clean detection results still need
// the pass.
func (e *Engine) routeExternal(md classifier.Metadata, r *route, provider string) Decision {
	d := Decision{
		Outcome:      OutcomeRouteExternal,
		RouteToAgent: true,
		Provider:     provider,
		Instructions: &Instructions{
			Pseudonymize: true,
			DataTypes:    dataTypes(md),
			MatchCount:   len(md.DetectionResults.FlaggedMatches),
		},
	}
	if md.PIIDetected {
		r.note("pseudonymize %d value(s) before sending to %s", d.Instructions.MatchCount, provider)
	} else {
		r.note("no patterns detected; dictionary pass only before sending to %s", provider)
	}
	d.Metadata = withReasons(md, r)
	return d
}

// block produces a refused decision. Blocked decisions never carry instructions.
func (e *Engine) block(md classifier.Metadata, r *route, reason string) Decision {
	if reason == "" {
		reason = "Request blocked by policy"
	}
	md.PolicyDecision.Allowed = false
	md.PolicyDecision.Blocked = true
	if md.PolicyDecision.BlockingReason == "" {
		md.PolicyDecision.BlockingReason = reason
	}
	md.UserMessage.IsBlocked = true
	if md.UserMessage.BlockingDetails == "" {
		md.UserMessage.BlockingDetails = reason
	}
	if !md.ShowstopperDetected && md.UserMessage.Summary == "" {
		md.UserMessage.Summary = "Request blocked by policy."
	}

	e.logger.Info("Request blocked",
		zap.String("reason", reason),
		zap.Bool("showstopper", md.ShowstopperDetected),
	)

	return Decision{
		Outcome:      OutcomeBlocked,
		RouteToAgent: false,
		Provider:     BlockedProvider,
		Metadata:     withReasons(md, r),
	}
}

// probeLocal treats any probe error as unavailable
func (e *Engine) probeLocal(ctx context.Context, r *route) (string, bool) {
	available, err := e.isLocalAvailable(ctx)
	if err != nil {
		e.logger.Warn("Local model probe failed, treating as unavailable", zap.Error(err))
		r.note("local model probe failed (%v); treating as unavailable", err)
		return "", false
	}
	if !available {
		r.note("local model unavailable")
		return "", false
	}

	model, err := e.selectModel(ctx)
	if err != nil {
		e.logger.Warn("Local model selection failed, treating as unavailable", zap.Error(err))
		r.note("local model selection failed (%v); treating as unavailable", err)
		return "", false
	}
	r.note("local model %s available", model)
	return model, true
}

func (e *Engine) getPolicy(ctx context.Context) (pol policy.Policy, err error) {
	if e.policies == nil {
		return policy.Policy{}, errors.New("no policy provider configured")
	}
	defer recoverInto(&err, "policy provider")
	return e.policies.GetPolicy(ctx)
}

func (e *Engine) isProviderAllowed(ctx context.Context, provider string) (ok bool, err error) {
	if e.policies == nil {
		return false, errors.New("no policy provider configured")
	}
	defer recoverInto(&err, "provider allow check")
	return e.policies.IsProviderAllowed(ctx, provider)
}

func (e *Engine) isLocalAvailable(ctx context.Context) (ok bool, err error) {
	if e.local == nil {
		return false, errors.New("no local model probe configured")
	}
	defer recoverInto(&err, "local model probe")
	return e.local.IsLocalModelAvailable(ctx)
}

func (e *Engine) selectModel(ctx context.Context) (model string, err error) {
	defer recoverInto(&err, "local model selection")
	return e.local.SelectBestLocalModel(ctx)
}

func recoverInto(err *error, what string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%s panicked: %v", what, r)
	}
}

func withReasons(md classifier.Metadata, r *route) classifier.Metadata {
	path := make([]string, 0, len(r.steps)+len(md.PolicyDecision.ReasoningPath))
	path = append(path, r.steps...)
	path = append(path, md.PolicyDecision.ReasoningPath...)
	md.PolicyDecision.ReasoningPath = path
	return md
}

func dataTypes(md classifier.Metadata) []privacy.DataType {
	types := make([]privacy.DataType, 0, len(md.DetectionResults.DataTypesSummary))
	for dt := range md.DetectionResults.DataTypesSummary {
		types = append(types, dt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
