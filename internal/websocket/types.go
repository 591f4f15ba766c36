package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeDecision is emitted once per routing decision
	EventTypeDecision EventType = "routing_decision"
	// EventTypeDetection is emitted per detected data type
	EventTypeDetection EventType = "pii_detection"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	eventTypePong       EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	RequestID string    `json:"request_id,omitempty"`
}

// DecisionEvent summarizes a routing decision. It never carries matched values.
type DecisionEvent struct {
	RequestID      string   `json:"request_id"`
	Outcome        string   `json:"outcome"`
	Provider       string   `json:"provider"`
	Model          string   `json:"model,omitempty"`
	ProcessingFlow string   `json:"processing_flow"`
	DataTypes      []string `json:"data_types,omitempty"`
	TotalMatches   int      `json:"total_matches"`
	Showstopper    bool     `json:"showstopper"`
	Pseudonymized  int      `json:"pseudonymized"`
	BlockingReason string   `json:"blocking_reason,omitempty"`
	ProcessingMS   float64  `json:"processing_ms"`
}

// DetectionEvent reports the count of one data type in a request
type DetectionEvent struct {
	RequestID string `json:"request_id"`
	DataType  string `json:"data_type"`
	Severity  string `json:"severity"`
	Count     int    `json:"count"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	TotalDecisions   int64  `json:"total_decisions"`
	TotalBlocked     int64  `json:"total_blocked"`
	ActiveRules      int    `json:"active_rules"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type         string               `json:"type"`
	Subscription *SubscriptionRequest `json:"data,omitempty"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows decision and detection events
type EventFilter struct {
	ShowstopperOnly bool     `json:"showstopper_only,omitempty"`
	DataTypes       []string `json:"data_types,omitempty"`
	Outcomes        []string `json:"outcomes,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	IP           string
	UserAgent    string
}
