package httpapi

import (
	"time"

	"github.com/rmacdonaldsmith/eventrelay/pkg/eventlog"
	"github.com/rmacdonaldsmith/eventrelay/pkg/registry"
	"github.com/rmacdonaldsmith/eventrelay/pkg/relay"
)

// Request/Response types for the HTTP API

// AuthRequest represents a login request
type AuthRequest struct {
	ClientID string `json:"clientId"`
	// Secret must match the server's login secret when one is configured
	Secret string `json:"secret,omitempty"`
	// Robots optionally restricts the token to these robot ids
	Robots []string `json:"robots,omitempty"`
}

// AuthResponse represents a login response
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// EventResponse is returned by POST /event
type EventResponse = relay.Ack

// PublishResponse is returned by keyed ingestion
type PublishResponse struct {
	relay.Ack
	Envelope *eventlog.Envelope `json:"envelope"`
}

// QueryResponse is returned by event queries
type QueryResponse struct {
	RobotID string               `json:"robotId"`
	Events  []*eventlog.Envelope `json:"events"`
	Count   int                  `json:"count"`
	Limit   int                  `json:"limit"`
}

// StatusResponse is the body of GET /health
type StatusResponse struct {
	Status string `json:"status"`
}

// HealthResponse represents the detailed health check response
type HealthResponse = relay.HealthStatus

// AdminStatsResponse represents system statistics
type AdminStatsResponse struct {
	NodeID          string           `json:"nodeId"`
	UptimeSeconds   float64          `json:"uptimeSeconds"`
	LiveConnections int              `json:"liveConnections"`
	Tenants         int              `json:"tenants"`
	TotalEvents     int64            `json:"totalEvents"`
	EventsPerRobot  map[string]int64 `json:"eventsPerRobot"`
}

// AdminConnectionsResponse lists live subscriber connections
type AdminConnectionsResponse struct {
	Connections []registry.ConnectionInfo `json:"connections"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
