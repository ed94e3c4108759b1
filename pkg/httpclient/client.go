package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cenkalti/backoff/v5"
)

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Response   ErrorResponse
	Body       string
}

func (e *APIError) Error() string {
	if e.Response.Error == "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("API error (%d): %s - %s", e.StatusCode, http.StatusText(e.StatusCode), e.Response.Error)
}

// Client provides HTTP client for EventRelay API
type Client struct {
	config     Config
	httpClient *http.Client
	// streamClient has no overall timeout
	streamClient *http.Client
	token        string
	baseURL      *url.URL
}

// NewClient creates a new EventRelay HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	// Validate required config
	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	return &Client{
		config:       config,
		httpClient:   &http.Client{Timeout: config.Timeout},
		streamClient: &http.Client{},
		baseURL:      baseURL,
	}, nil
}

// Authenticate logs in with the configured client id and stores the token
func (c *Client) Authenticate(ctx context.Context) error {
	if c.config.ClientID == "" {
		return fmt.Errorf("ClientID is required to authenticate")
	}

	authReq := AuthRequest{
		ClientID: c.config.ClientID,
		Secret:   c.config.ClientSecret,
		Robots:   c.config.Robots,
	}

	var authResp AuthResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", authReq, &authResp); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	c.token = authResp.Token
	return nil
}

// PostEvent sends an unkeyed event to POST /event
func (c *Client) PostEvent(ctx context.Context, name string, fields map[string]interface{}) (*EventResponse, error) {
	var resp EventResponse
	if err := c.doRequest(ctx, http.MethodPost, "/event", eventBody(name, fields), &resp); err != nil {
		return nil, fmt.Errorf("failed to post event: %w", err)
	}
	return &resp, nil
}

// PublishRobotEvent stores an event under robotID and broadcasts it
func (c *Client) PublishRobotEvent(ctx context.Context, robotID, name string, fields map[string]interface{}) (*PublishResponse, error) {
	if robotID == "" {
		return nil, fmt.Errorf("robot id is required")
	}

	path := fmt.Sprintf("/api/v1/robots/%s/events", url.PathEscape(robotID))
	var resp PublishResponse
	if err := c.doRequest(ctx, http.MethodPost, path, eventBody(name, fields), &resp); err != nil {
		return nil, fmt.Errorf("failed to publish event: %w", err)
	}
	return &resp, nil
}

// QueryRobotEvents returns the most recent events stored under robotID
func (c *Client) QueryRobotEvents(ctx context.Context, robotID string, opts QueryOptions) (*QueryResponse, error) {
	if robotID == "" {
		return nil, fmt.Errorf("robot id is required")
	}

	path := fmt.Sprintf("/api/v1/robots/%s/events", url.PathEscape(robotID))
	var resp QueryResponse
	if err := c.doRequestWithQuery(ctx, http.MethodGet, path, opts.values(), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return &resp, nil
}

// QueryEvents queries through GET /events. An empty robotID reads the
// events ingested without one.
func (c *Client) QueryEvents(ctx context.Context, robotID string, opts QueryOptions) (*QueryResponse, error) {
	values := opts.values()
	if robotID != "" {
		values.Set("robot_id", robotID)
	}

	var resp QueryResponse
	if err := c.doRequestWithQuery(ctx, http.MethodGet, "/events", values, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return &resp, nil
}

// GetStatus calls the liveness endpoint
func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	return &resp, nil
}

// GetHealth returns the health status of the EventRelay server
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// Admin Methods (require admin token)

// AdminGetStats returns system statistics (admin only)
func (c *Client) AdminGetStats(ctx context.Context) (*AdminStatsResponse, error) {
	if c.token == "" {
		return nil, fmt.Errorf("client not authenticated - call Authenticate() first")
	}

	var resp AdminStatsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/stats", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &resp, nil
}

// AdminListConnections returns live subscriber connections (admin only)
func (c *Client) AdminListConnections(ctx context.Context) (*AdminConnectionsResponse, error) {
	if c.token == "" {
		return nil, fmt.Errorf("client not authenticated - call Authenticate() first")
	}

	var resp AdminConnectionsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/connections", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return &resp, nil
}

// IsAuthenticated returns whether the client has a token
func (c *Client) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	return c.token
}

// SetToken sets the authentication token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.token = token
}

// eventBody merges the event name into its fields
func eventBody(name string, fields map[string]interface{}) map[string]interface{} {
	body := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["eventname"] = name
	return body
}

func (o QueryOptions) values() url.Values {
	values := url.Values{}
	if o.Name != "" {
		values.Set("name", o.Name)
	}
	if o.Limit != 0 {
		values.Set("limit", strconv.Itoa(o.Limit))
	}
	return values
}

// doRequest performs an HTTP request, sending the token when one is set
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody interface{}, respBody interface{}) error {
	return c.doRequestWithQuery(ctx, method, path, nil, reqBody, respBody)
}

// doRequestWithQuery performs an HTTP request with query parameters. GET
// requests are retried with backoff on network errors and 5xx responses.
func (c *Client) doRequestWithQuery(ctx context.Context, method, path string, queryParams url.Values, reqBody interface{}, respBody interface{}) error {
	// path arrives escaped
	u, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("invalid request path: %w", err)
	}
	if len(queryParams) > 0 {
		u.RawQuery = queryParams.Encode()
	}
	fullURL := c.baseURL.ResolveReference(u).String()

	var jsonBody []byte
	if reqBody != nil {
		jsonBody, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	tries := uint(1)
	if method == http.MethodGet && c.config.MaxRetries > 0 {
		tries += uint(c.config.MaxRetries)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryInterval

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		retry, err := c.doOnce(ctx, method, fullURL, jsonBody, respBody)
		if err != nil && (!retry || ctx.Err() != nil) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
	return err
}

// doOnce performs a single attempt. retry reports whether a failure may
// succeed if repeated.
func (c *Client) doOnce(ctx context.Context, method, fullURL string, jsonBody []byte, respBody interface{}) (retry bool, err error) {
	var bodyReader io.Reader
	if jsonBody != nil {
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	if jsonBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
		_ = json.Unmarshal(bodyBytes, &apiErr.Response)
		return resp.StatusCode >= 500, apiErr
	}

	if respBody != nil {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return false, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return false, nil
}
