package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/logger"
)

type gauge struct{ n atomic.Int32 }

func (g *gauge) SetWSClients(n int) { g.n.Store(int32(n)) }

func startHub(t *testing.T, cfg config.WebSocketConfig) (*Hub, *httptest.Server, *gauge) {
	t.Helper()
	g := &gauge{}
	hub := NewHub(cfg, g, logger.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv, g
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial() error = %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return ev
}

func TestHub_BroadcastDecision(t *testing.T) {
	cfg := config.WebSocketConfig{}
	cfg.Events.BroadcastDecisions = true
	hub, srv, g := startHub(t, cfg)

	conn := dial(t, srv, nil)
	waitForClients(t, hub, 1)
	if g.n.Load() != 1 {
		t.Errorf("gauge = %d, want 1", g.n.Load())
	}

	hub.BroadcastDecision(DecisionEvent{RequestID: "r1", Outcome: "blocked", Provider: "policy-blocked", Showstopper: true})

	ev := readEvent(t, conn)
	if ev["type"] != string(EventTypeDecision) || ev["request_id"] != "r1" {
		t.Errorf("unexpected event: %v", ev)
	}
}

func TestHub_DisabledEventsAreNotSent(t *testing.T) {
	hub, srv, _ := startHub(t, config.WebSocketConfig{})
	conn := dial(t, srv, nil)
	waitForClients(t, hub, 1)

	hub.BroadcastDecision(DecisionEvent{RequestID: "r1"})
	hub.BroadcastDetection(DetectionEvent{RequestID: "r1"})

	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var ev Event
	if err := conn.ReadJSON(&ev); err == nil {
		t.Errorf("received %v while broadcasting was disabled", ev.Type)
	}
}

func TestHub_SubscriptionFilter(t *testing.T) {
	cfg := config.WebSocketConfig{}
	cfg.Events.BroadcastDecisions = true
	hub, srv, _ := startHub(t, cfg)

	conn := dial(t, srv, nil)
	waitForClients(t, hub, 1)

	sub, _ := json.Marshal(map[string]any{
		"type": "subscribe",
		"data": map[string]any{
			"events": []string{string(EventTypeDecision)},
			"filter": map[string]any{"showstopper_only": true},
		},
	})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	// ping round-trip guarantees the subscription was processed
	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if ev := readEvent(t, conn); ev["type"] != string(eventTypePong) {
		t.Fatalf("expected pong, got %v", ev)
	}

	hub.BroadcastDecision(DecisionEvent{RequestID: "clean", Outcome: "route-external"})
	hub.BroadcastDecision(DecisionEvent{RequestID: "ssn", Outcome: "blocked", Showstopper: true})

	if ev := readEvent(t, conn); ev["request_id"] != "ssn" {
		t.Errorf("filtered stream delivered %v first", ev["request_id"])
	}
}

func TestHub_BasicAuth(t *testing.T) {
	hub, srv, _ := startHub(t, config.WebSocketConfig{Username: "ops", Password: "secret"})
	u := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got err=%v", err)
	}

	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.SetBasicAuth("ops", "secret")
	dial(t, srv, req.Header)
	waitForClients(t, hub, 1)
}

func TestApplyEventFilter(t *testing.T) {
	filter := &EventFilter{DataTypes: []string{"ssn"}, Outcomes: []string{"blocked"}}

	tests := []struct {
		name  string
		event Event
		want  bool
	}{
		{"matching decision", Event{Data: DecisionEvent{Outcome: "blocked", DataTypes: []string{"email", "ssn"}}}, true},
		{"wrong outcome", Event{Data: DecisionEvent{Outcome: "route-local", DataTypes: []string{"ssn"}}}, false},
		{"wrong type", Event{Data: DecisionEvent{Outcome: "blocked", DataTypes: []string{"email"}}}, false},
		{"matching detection", Event{Data: DetectionEvent{DataType: "ssn"}}, true},
		{"other detection", Event{Data: DetectionEvent{DataType: "email"}}, false},
		{"status passes", Event{Data: SystemStatusEvent{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := applyEventFilter(filter, tt.event); got != tt.want {
				t.Errorf("applyEventFilter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{AllowedOrigins: []string{"dashboard.internal:3000"}}, nil, logger.NewNop())

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "http://dashboard.internal:3000")
	if !hub.checkOrigin(req) {
		t.Error("allowed origin rejected")
	}
	req.Header.Set("Origin", "http://evil.example")
	if hub.checkOrigin(req) {
		t.Error("foreign origin accepted")
	}
}
