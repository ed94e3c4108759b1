package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		ServerURL:     serverURL,
		ClientID:      "test-client",
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func TestNewClient(t *testing.T) {
	t.Run("valid_config", func(t *testing.T) {
		client, err := NewClient(Config{
			ServerURL: "http://localhost:8000",
			ClientID:  "test-client",
		})
		require.NoError(t, err)
		assert.NotNil(t, client)
		assert.Equal(t, "test-client", client.config.ClientID)
		assert.Equal(t, 30*time.Second, client.config.Timeout)
		assert.Equal(t, 3, client.config.MaxRetries)
		assert.False(t, client.IsAuthenticated())
	})

	t.Run("missing_server_url", func(t *testing.T) {
		client, err := NewClient(Config{ClientID: "test-client"})
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "ServerURL is required")
	})

	t.Run("invalid_server_url", func(t *testing.T) {
		client, err := NewClient(Config{ServerURL: "://invalid-url"})
		assert.Error(t, err)
		assert.Nil(t, client)
		assert.Contains(t, err.Error(), "invalid ServerURL")
	})
}

func TestClient_Authenticate(t *testing.T) {
	t.Run("successful_authentication", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/api/v1/auth/login", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var req AuthRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "test-client", req.ClientID)
			assert.Equal(t, "s3cret", req.Secret)
			assert.Equal(t, []string{"r2d2"}, req.Robots)

			json.NewEncoder(w).Encode(AuthResponse{
				Token:     "test-jwt-token",
				ClientID:  req.ClientID,
				ExpiresAt: time.Now().Add(time.Hour),
			})
		}))
		defer server.Close()

		client, err := NewClient(Config{
			ServerURL:    server.URL,
			ClientID:     "test-client",
			ClientSecret: "s3cret",
			Robots:       []string{"r2d2"},
		})
		require.NoError(t, err)

		require.NoError(t, client.Authenticate(context.Background()))
		assert.True(t, client.IsAuthenticated())
		assert.Equal(t, "test-jwt-token", client.GetToken())
	})

	t.Run("authentication_failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(ErrorResponse{Error: "Client ID must be at least 2 characters", Code: 400})
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		err := client.Authenticate(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
		assert.Contains(t, err.Error(), "at least 2 characters")
		assert.False(t, client.IsAuthenticated())

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	})

	t.Run("missing_client_id", func(t *testing.T) {
		client, err := NewClient(Config{ServerURL: "http://localhost:8000"})
		require.NoError(t, err)
		err = client.Authenticate(context.Background())
		assert.ErrorContains(t, err, "ClientID is required")
	})
}

func TestClient_PostEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/event", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ping", body["eventname"])
		assert.Equal(t, 1.5, body["speed"])

		json.NewEncoder(w).Encode(EventResponse{
			Status:  "success",
			Event:   "ping",
			Message: "Pong",
			Data:    map[string]interface{}{"speed": 1.5},
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	client.SetToken("test-token")

	resp, err := client.PostEvent(context.Background(), "ping", map[string]interface{}{"speed": 1.5})
	require.NoError(t, err)
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "Pong", resp.Message)
	assert.Equal(t, 1.5, resp.Data["speed"])
}

func TestClient_PublishRobotEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/robots/unit%207/events", r.URL.EscapedPath())
		assert.Empty(t, r.Header.Get("Authorization"))

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status":"success","event":"moved","message":"Event 'moved' received","data":null,
			"envelope":{"offset":4,"key":"unit 7","name":"moved","payload":{},"timestamp":"2026-01-02T03:04:05.5Z"}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	resp, err := client.PublishRobotEvent(context.Background(), "unit 7", "moved", nil)
	require.NoError(t, err)
	assert.Equal(t, "Event 'moved' received", resp.Message)
	assert.Nil(t, resp.Data)
	assert.Equal(t, int64(4), resp.Envelope.Offset)
	assert.Equal(t, "unit 7", resp.Envelope.Key)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 500000000, time.UTC), resp.Envelope.Timestamp)

	_, err = client.PublishRobotEvent(context.Background(), "", "moved", nil)
	assert.ErrorContains(t, err, "robot id is required")
}

func TestClient_QueryEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		q := r.URL.Query()

		switch r.URL.Path {
		case "/api/v1/robots/r2d2/events":
			assert.Equal(t, "moved", q.Get("name"))
			assert.Equal(t, "5", q.Get("limit"))
		case "/events":
			assert.Equal(t, "r2d2", q.Get("robot_id"))
			assert.False(t, q.Has("limit"))
			assert.False(t, q.Has("name"))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		json.NewEncoder(w).Encode(QueryResponse{
			RobotID: "r2d2",
			Events:  []Event{{Offset: 9, Key: "r2d2", Name: "moved"}},
			Count:   1,
			Limit:   5,
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	resp, err := client.QueryRobotEvents(context.Background(), "r2d2", QueryOptions{Name: "moved", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, int64(9), resp.Events[0].Offset)

	resp, err = client.QueryEvents(context.Background(), "r2d2", QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, "r2d2", resp.RobotID)
}

func TestClient_Retries(t *testing.T) {
	t.Run("get_retried_on_server_error", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			json.NewEncoder(w).Encode(StatusResponse{Status: "healthy"})
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		resp, err := client.GetStatus(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, int32(3), attempts.Load())
	})

	t.Run("gives_up_after_max_retries", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		_, err := client.GetHealth(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "API error (500)")
		assert.Equal(t, int32(4), attempts.Load())
	})

	t.Run("client_errors_not_retried", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		_, err := client.QueryEvents(context.Background(), "", QueryOptions{Limit: 3})
		require.Error(t, err)
		assert.Equal(t, int32(1), attempts.Load())
	})

	t.Run("posts_not_retried", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)
		_, err := client.PostEvent(context.Background(), "ping", nil)
		require.Error(t, err)
		assert.Equal(t, int32(1), attempts.Load())
	})
}

func TestClient_AdminRequiresToken(t *testing.T) {
	client := newTestClient(t, "http://localhost:8000")

	_, err := client.AdminGetStats(context.Background())
	assert.ErrorContains(t, err, "client not authenticated")

	_, err = client.AdminListConnections(context.Background())
	assert.ErrorContains(t, err, "client not authenticated")
}
