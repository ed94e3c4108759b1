package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"slices"
	"strconv"
	"time"

	relaynode "github.com/rmacdonaldsmith/eventrelay/internal/relay"
	"github.com/rmacdonaldsmith/eventrelay/pkg/eventlog"
	"github.com/rmacdonaldsmith/eventrelay/pkg/registry"
	"github.com/rmacdonaldsmith/eventrelay/pkg/relay"
)

// nodeInfo is implemented by relays that can describe themselves
type nodeInfo interface {
	NodeID() string
	Uptime() time.Duration
}

// Handlers contains all HTTP request handlers
type Handlers struct {
	relay     relay.Relay
	jwtAuth   *JWTAuth
	validator *eventValidator
	config    Config
	logger    *slog.Logger

	// closed when the server shuts down, ending open streams
	shutdown <-chan struct{}
}

// NewHandlers creates a new handlers instance
func NewHandlers(r relay.Relay, jwtAuth *JWTAuth, config Config, shutdown <-chan struct{}) (*Handlers, error) {
	config.SetDefaults()
	validator, err := newEventValidator()
	if err != nil {
		return nil, err
	}
	return &Handlers{
		relay:     r,
		jwtAuth:   jwtAuth,
		validator: validator,
		config:    config,
		logger:    config.Logger,
		shutdown:  shutdown,
	}, nil
}

// Auth endpoints

// Login handles POST /api/v1/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if err := validateJSON(r); err != nil {
		writeError(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := validateAuthRequest(&req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	open := h.config.LoginSecret == ""
	if !open && subtle.ConstantTimeCompare([]byte(req.Secret), []byte(h.config.LoginSecret)) != 1 {
		writeError(w, "Invalid client credentials", http.StatusUnauthorized)
		return
	}
	// the open development flow never grants admin
	isAdmin := !open && slices.Contains(h.config.AdminClients, req.ClientID)

	token, expiresAt, err := h.jwtAuth.GenerateToken(req.ClientID, isAdmin, req.Robots...)
	if err != nil {
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, AuthResponse{
		Token:     token,
		ClientID:  req.ClientID,
		ExpiresAt: expiresAt,
	}, http.StatusOK)
}

// Event endpoints

// PostEvent handles POST /event, ingesting an event without a robot id
func (h *Handlers) PostEvent(w http.ResponseWriter, r *http.Request) {
	_, ack, ok := h.ingest(w, r, "")
	if !ok {
		return
	}
	writeJSON(w, ack, http.StatusOK)
}

// PublishRobotEvent handles POST /api/v1/robots/{robotId}/events
func (h *Handlers) PublishRobotEvent(w http.ResponseWriter, r *http.Request) {
	robotID := r.PathValue("robotId")
	if !GetClaims(r).AllowsRobot(robotID) {
		writeError(w, "Token does not allow publishing for robot "+robotID, http.StatusForbidden)
		return
	}

	env, ack, ok := h.ingest(w, r, robotID)
	if !ok {
		return
	}
	writeJSON(w, PublishResponse{Ack: ack, Envelope: env}, http.StatusCreated)
}

// ingest decodes, validates and hands one event to the relay. It writes the
// error response itself and reports false on failure.
func (h *Handlers) ingest(w http.ResponseWriter, r *http.Request, robotID string) (*eventlog.Envelope, relay.Ack, bool) {
	if err := validateJSON(r); err != nil {
		writeError(w, err.Error(), http.StatusUnsupportedMediaType)
		return nil, relay.Ack{}, false
	}

	name, fields, err := h.validator.decode(r.Body)
	if err != nil {
		writeError(w, "Invalid event: "+err.Error(), http.StatusUnprocessableEntity)
		return nil, relay.Ack{}, false
	}

	payload, err := eventlog.NewPayload(fields)
	if err != nil {
		writeError(w, "Invalid event payload: "+err.Error(), http.StatusBadRequest)
		return nil, relay.Ack{}, false
	}

	env, ack, err := h.relay.Ingest(r.Context(), relay.IngestRequest{
		Key:     robotID,
		Name:    name,
		Payload: payload,
		Source:  relay.SourceRequest,
	})
	if err != nil {
		h.writeRelayError(w, "Failed to ingest event", err)
		return nil, relay.Ack{}, false
	}
	return env, ack, true
}

// QueryRobotEvents handles GET /api/v1/robots/{robotId}/events
func (h *Handlers) QueryRobotEvents(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, r.PathValue("robotId"), h.config.DefaultQueryLimit)
}

// QueryEvents handles GET /events?robot_id=&name=&limit=
func (h *Handlers) QueryEvents(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, r.URL.Query().Get("robot_id"), h.config.IngestQueryLimit)
}

func (h *Handlers) query(w http.ResponseWriter, r *http.Request, robotID string, defaultLimit int) {
	q := r.URL.Query()

	limit := defaultLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	limit = eventlog.ClampLimit(limit)

	events, err := h.relay.Query(r.Context(), robotID, q.Get("name"), limit)
	if err != nil {
		h.writeRelayError(w, "Failed to query events", err)
		return
	}
	if events == nil {
		events = []*eventlog.Envelope{}
	}

	writeJSON(w, QueryResponse{
		RobotID: robotID,
		Events:  events,
		Count:   len(events),
		Limit:   limit,
	}, http.StatusOK)
}

// Health endpoints

// Status handles GET /health
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, StatusResponse{Status: "healthy"}, http.StatusOK)
}

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.relay.Health(r.Context())
	if err != nil {
		writeError(w, "Failed to get health status", http.StatusInternalServerError)
		return
	}

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, health, statusCode)
}

// Admin endpoints

// AdminStats handles GET /api/v1/admin/stats
func (h *Handlers) AdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.relay.Statistics(r.Context())
	if err != nil {
		h.writeRelayError(w, "Failed to get statistics", err)
		return
	}

	resp := AdminStatsResponse{
		LiveConnections: h.relay.LiveConnectionCount(),
		Tenants:         stats.KeyCount,
		TotalEvents:     stats.TotalEvents,
		EventsPerRobot:  stats.KeyCounts,
	}
	if info, ok := h.relay.(nodeInfo); ok {
		resp.NodeID = info.NodeID()
		resp.UptimeSeconds = info.Uptime().Seconds()
	}
	if resp.EventsPerRobot == nil {
		resp.EventsPerRobot = map[string]int64{}
	}

	writeJSON(w, resp, http.StatusOK)
}

// AdminConnections handles GET /api/v1/admin/connections
func (h *Handlers) AdminConnections(w http.ResponseWriter, r *http.Request) {
	conns := h.relay.Connections()
	if conns == nil {
		conns = []registry.ConnectionInfo{}
	}
	slices.SortFunc(conns, func(a, b registry.ConnectionInfo) int {
		return a.RegisteredAt.Compare(b.RegisteredAt)
	})
	writeJSON(w, AdminConnectionsResponse{Connections: conns}, http.StatusOK)
}

// Root handles GET / with API information
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" || r.Method != http.MethodGet {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	info := map[string]interface{}{
		"service":     "EventRelay HTTP API",
		"version":     Version,
		"description": "Robot event ingestion, history and live broadcast",
		"endpoints": map[string]interface{}{
			"auth": map[string]string{
				"login": "POST /api/v1/auth/login",
			},
			"events": map[string]string{
				"ingest":      "POST /event",
				"query":       "GET /events?robot_id={robotId}&name={name}&limit={limit}",
				"publish":     "POST /api/v1/robots/{robotId}/events",
				"robotEvents": "GET /api/v1/robots/{robotId}/events?name={name}&limit={limit}",
				"stream":      "GET /api/v1/events/stream",
			},
			"admin": map[string]string{
				"stats":       "GET /api/v1/admin/stats",
				"connections": "GET /api/v1/admin/connections",
			},
			"health": "GET /health, GET /api/v1/health",
		},
		"authentication": "Bearer JWT token required for ingestion and admin endpoints",
	}

	writeJSON(w, info, http.StatusOK)
}

// Helper methods

// writeRelayError maps relay errors to HTTP status codes
func (h *Handlers) writeRelayError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, relay.ErrEmptyEventName), errors.Is(err, relay.ErrReservedKey):
		writeError(w, message+": "+err.Error(), http.StatusBadRequest)
	case errors.Is(err, relaynode.ErrNodeStopped), errors.Is(err, relaynode.ErrNodeClosed):
		writeError(w, message+": "+err.Error(), http.StatusServiceUnavailable)
	default:
		h.logger.Error(message, "error", err)
		writeError(w, message, http.StatusInternalServerError)
	}
}

// validateJSON rejects bodies declared as something other than JSON. A
// missing Content-Type is accepted.
func validateJSON(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		return errors.New("Content-Type must be application/json")
	}
	return nil
}

// validateAuthRequest validates authentication request fields
func validateAuthRequest(req *AuthRequest) error {
	if req.ClientID == "" {
		return errors.New("clientId is required")
	}
	if len(req.ClientID) < 2 {
		return errors.New("clientId must be at least 2 characters")
	}
	for _, robot := range req.Robots {
		if robot == "" {
			return errors.New("robots cannot contain empty ids")
		}
	}
	return nil
}
