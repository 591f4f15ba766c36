package localmodel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"go.uber.org/zap"
)

// ErrNoLocalModel is returned when the local runtime has no installed models
var ErrNoLocalModel = errors.New("no local model installed")

// ModelInfo is one entry of the Ollama /api/tags listing
type ModelInfo struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       int64     `json:"size"`
}

type listModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// Probe reports local model availability with a short-lived cache
type Probe struct {
	endpoint  string
	preferred []string
	ttl       time.Duration
	client    *http.Client
	logger    *logger.Logger
	now       func() time.Time

	mu       sync.Mutex
	cachedAt time.Time
	models   []ModelInfo
	err      error
}

// New creates a probe for the configured local runtime
func New(cfg config.LocalModelConfig, log *logger.Logger) (*Probe, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid local model endpoint %q", cfg.Endpoint)
	}

	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	p := &Probe{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		preferred: cfg.PreferredModels,
		ttl:       cfg.CacheTTL,
		client:    &http.Client{Timeout: timeout},
		logger:    log.WithComponent("localmodel"),
		now:       time.Now,
	}

	if !IsLocalEndpoint(u) {
		p.logger.Warn("Local model endpoint is not a loopback or private address",
			zap.String("endpoint", p.endpoint))
	}

	return p, nil
}

// IsLocalModelAvailable reports whether at least one model is installed
func (p *Probe) IsLocalModelAvailable(ctx context.Context) (bool, error) {
	models, err := p.listModels(ctx)
	if err != nil {
		return false, err
	}
	return len(models) > 0, nil
}

// SelectBestLocalModel returns the first preferred model that is installed,
// else the first installed model.
func (p *Probe) SelectBestLocalModel(ctx context.Context) (string, error) {
	models, err := p.listModels(ctx)
	if err != nil {
		return "", err
	}
	if len(models) == 0 {
		return "", ErrNoLocalModel
	}

	installed := make(map[string]bool, len(models))
	for _, m := range models {
		installed[m.Name] = true
		installed[strings.TrimSuffix(m.Name, ":latest")] = true
	}
	for _, want := range p.preferred {
		if installed[want] {
			return want, nil
		}
	}
	return models[0].Name, nil
}

// Invalidate drops the cached listing
func (p *Probe) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cachedAt = time.Time{}
}

func (p *Probe) listModels(ctx context.Context) ([]ModelInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ttl > 0 && !p.cachedAt.IsZero() && p.now().Sub(p.cachedAt) < p.ttl {
		return p.models, p.err
	}

	models, err := p.fetch(ctx)
	if err != nil && ctx.Err() != nil {
		// Do not cache failures caused by the caller's own deadline
		return nil, err
	}
	p.models, p.err, p.cachedAt = models, err, p.now()

	if err != nil {
		p.logger.Debug("Local model probe failed", zap.Error(err))
	} else {
		p.logger.Debug("Local model probe succeeded", zap.Int("models", len(models)))
	}
	return models, err
}

func (p *Probe) fetch(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local model runtime unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to list local models: %s", resp.Status)
	}

	var result listModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}
	return result.Models, nil
}

// IsLocalEndpoint reports whether the URL host is loopback or private
func IsLocalEndpoint(u *url.URL) bool {
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsPrivate())
}
