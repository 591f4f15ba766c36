package localmodel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
	"go.uber.org/zap"
)

func newTestProbe(t *testing.T, endpoint string, preferred []string, ttl time.Duration) *Probe {
	t.Helper()
	p, err := New(config.LocalModelConfig{
		Endpoint:        endpoint,
		PreferredModels: preferred,
		ProbeTimeout:    time.Second,
		CacheTTL:        ttl,
	}, &logger.Logger{Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func tagsServer(t *testing.T, body string, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbe_SelectBestLocalModel(t *testing.T) {
	var hits int32
	srv := tagsServer(t, `{"models":[{"name":"phi3:latest"},{"name":"qwen2.5:7b"},{"name":"mistral:7b"}]}`, &hits)

	tests := []struct {
		name      string
		preferred []string
		want      string
	}{
		{"first preferred installed", []string{"llama3.1:8b", "mistral:7b", "qwen2.5:7b"}, "mistral:7b"},
		{"latest tag", []string{"phi3"}, "phi3"},
		{"no preferred installed", []string{"llama3.1:8b"}, "phi3:latest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProbe(t, srv.URL, tt.preferred, 0)
			got, err := p.SelectBestLocalModel(context.Background())
			if err != nil {
				t.Fatalf("SelectBestLocalModel() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("SelectBestLocalModel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestProbe_NoModels(t *testing.T) {
	var hits int32
	srv := tagsServer(t, `{"models":[]}`, &hits)
	p := newTestProbe(t, srv.URL, nil, 0)

	ok, err := p.IsLocalModelAvailable(context.Background())
	if err != nil || ok {
		t.Errorf("IsLocalModelAvailable() = %v, %v; want false, nil", ok, err)
	}
	if _, err := p.SelectBestLocalModel(context.Background()); !errors.Is(err, ErrNoLocalModel) {
		t.Errorf("SelectBestLocalModel() error = %v, want ErrNoLocalModel", err)
	}
}

func TestProbe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	p := newTestProbe(t, endpoint, nil, 0)
	if _, err := p.IsLocalModelAvailable(context.Background()); err == nil {
		t.Error("expected an error for an unreachable runtime")
	}
}

func TestProbe_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestProbe(t, srv.URL, nil, 0)
	if _, err := p.IsLocalModelAvailable(context.Background()); err == nil {
		t.Error("expected an error for a 500 response")
	}
}

func TestProbe_CachesWithinTTL(t *testing.T) {
	var hits int32
	srv := tagsServer(t, `{"models":[{"name":"llama3.1:8b"}]}`, &hits)
	p := newTestProbe(t, srv.URL, nil, time.Minute)

	now := time.Now()
	p.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if ok, err := p.IsLocalModelAvailable(context.Background()); err != nil || !ok {
			t.Fatalf("IsLocalModelAvailable() = %v, %v", ok, err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("runtime hit %d times, want 1", got)
	}

	now = now.Add(2 * time.Minute)
	_, _ = p.IsLocalModelAvailable(context.Background())
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Errorf("runtime hit %d times after expiry, want 2", got)
	}

	p.Invalidate()
	_, _ = p.IsLocalModelAvailable(context.Background())
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("runtime hit %d times after invalidate, want 3", got)
	}
}

func TestNew_InvalidEndpoint(t *testing.T) {
	_, err := New(config.LocalModelConfig{Endpoint: "not a url"}, &logger.Logger{Logger: zap.NewNop()})
	if err == nil {
		t.Error("expected error for endpoint without host")
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	tests := map[string]bool{
		"http://localhost:11434":   true,
		"http://127.0.0.1:11434":   true,
		"http://[::1]:11434":       true,
		"http://192.168.1.20:8080": true,
		"https://api.openai.com":   false,
		"http://8.8.8.8":           false,
	}
	for raw, want := range tests {
		u, _ := url.Parse(raw)
		if got := IsLocalEndpoint(u); got != want {
			t.Errorf("IsLocalEndpoint(%s) = %v, want %v", raw, got, want)
		}
	}
}
