package httpclient

import "time"

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the EventRelay HTTP API (e.g., "http://localhost:8000")
	ServerURL string

	// ClientID is the identifier this client logs in with
	ClientID string

	// ClientSecret is sent with the login when the server requires one
	ClientSecret string

	// Robots optionally restricts the issued token to these robot ids
	Robots []string

	// Timeout for HTTP requests; streams are not subject to it
	Timeout time.Duration

	// MaxRetries for idempotent requests that fail with a network error or a 5xx
	MaxRetries int

	// RetryInterval is the first delay between retries; later delays grow
	RetryInterval time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 200 * time.Millisecond
	}
}

// AuthRequest represents a login request
type AuthRequest struct {
	ClientID string   `json:"clientId"`
	Secret   string   `json:"secret,omitempty"`
	Robots   []string `json:"robots,omitempty"`
}

// AuthResponse represents the response from authentication
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// EventResponse is the acknowledgement for an ingested event
type EventResponse struct {
	Status  string                 `json:"status"`
	Event   string                 `json:"event"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data"`
}

// Event is a stored event
type Event struct {
	Offset    int64                  `json:"offset"`
	Key       string                 `json:"key,omitempty"`
	Name      string                 `json:"name"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// PublishResponse is the acknowledgement for a keyed event plus where it was stored
type PublishResponse struct {
	EventResponse
	Envelope Event `json:"envelope"`
}

// QueryOptions narrows an event query
type QueryOptions struct {
	// Name keeps only events with this exact name
	Name string
	// Limit is the maximum number of events; zero uses the server default
	Limit int
}

// QueryResponse is the result of an event query
type QueryResponse struct {
	RobotID string  `json:"robotId"`
	Events  []Event `json:"events"`
	Count   int     `json:"count"`
	Limit   int     `json:"limit"`
}

// StatusResponse represents the liveness check response
type StatusResponse struct {
	Status string `json:"status"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy         bool   `json:"healthy"`
	LiveConnections int    `json:"liveConnections"`
	Tenants         int    `json:"tenants"`
	TotalEvents     int64  `json:"totalEvents"`
	Message         string `json:"message"`
}

// AdminStatsResponse represents system statistics
type AdminStatsResponse struct {
	NodeID          string           `json:"nodeId"`
	UptimeSeconds   float64          `json:"uptimeSeconds"`
	LiveConnections int              `json:"liveConnections"`
	Tenants         int              `json:"tenants"`
	TotalEvents     int64            `json:"totalEvents"`
	EventsPerRobot  map[string]int64 `json:"eventsPerRobot"`
}

// ConnectionInfo describes one live subscriber connection
type ConnectionInfo struct {
	ID                  string    `json:"id"`
	Transport           string    `json:"transport"`
	RegisteredAt        time.Time `json:"registeredAt"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
}

// AdminConnectionsResponse lists live subscriber connections
type AdminConnectionsResponse struct {
	Connections []ConnectionInfo `json:"connections"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// StreamFrame is one frame received on the event stream. Which fields are
// set depends on Type: "connected", "event", "ack" or "error".
type StreamFrame struct {
	// ID is the SSE id field; for event frames it is the offset
	ID string `json:"-"`

	Type         string                 `json:"type"`
	ConnectionID string                 `json:"connectionId,omitempty"`
	Key          string                 `json:"key,omitempty"`
	Name         string                 `json:"name,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Timestamp    string                 `json:"timestamp,omitempty"`
	Offset       int64                  `json:"offset"`
	Source       string                 `json:"source,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Message      string                 `json:"message,omitempty"`
}
