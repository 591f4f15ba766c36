package routing

import (
	"context"

	"github.com/raaihank/pii-gateway/internal/classifier"
	"github.com/raaihank/pii-gateway/internal/policy"
	"github.com/raaihank/pii-gateway/internal/privacy"
)

const (
	// BlockedProvider is the provider sentinel on refused requests
	BlockedProvider = "policy-blocked"
	// LocalProvider names the local runtime when none was requested
	LocalProvider = "ollama"
)

// Outcome is the terminal state of a routing decision
type Outcome string

const (
	OutcomeBlocked       Outcome = "blocked"
	OutcomeRouteLocal    Outcome = "route-local"
	OutcomeRouteExternal Outcome = "route-external"
)

// Request is one prompt awaiting a routing decision
type Request struct {
	Text string `json:"text"`
	// RequestedProvider is empty when the caller did not pick a provider
	RequestedProvider string `json:"requestedProvider,omitempty"`
	Context           string `json:"context,omitempty"`
}

// Instructions tell the adapter boundary what to transform before sending
type Instructions struct {
	Pseudonymize bool               `json:"pseudonymize"`
	DataTypes    []privacy.DataType `json:"dataTypes"`
	MatchCount   int                `json:"matchCount"`
}

// Decision is the routing verdict for a request
type Decision struct {
	Outcome Outcome `json:"outcome"`
	// RouteToAgent is true when the request may proceed to a model
	RouteToAgent bool                `json:"routeToAgent"`
	Provider     string              `json:"provider"`
	Model        string              `json:"model,omitempty"`
	Instructions *Instructions       `json:"instructions,omitempty"`
	Metadata     classifier.Metadata `json:"metadata"`
}

// Blocked reports whether the request was refused
func (d Decision) Blocked() bool {
	return d.Outcome == OutcomeBlocked
}

// PolicyProvider supplies the active routing policy
type PolicyProvider interface {
	GetPolicy(ctx context.Context) (policy.Policy, error)
	IsProviderAllowed(ctx context.Context, provider string) (bool, error)
}

// LocalModelProbe reports local model availability
type LocalModelProbe interface {
	IsLocalModelAvailable(ctx context.Context) (bool, error)
	SelectBestLocalModel(ctx context.Context) (string, error)
}

// Evaluator classifies a prompt for a destination
type Evaluator interface {
	Evaluate(text string, dest classifier.Destination) classifier.Metadata
}
