// Package config loads the relay server configuration.
//
// Sources are layered, later ones winning:
//  1. built-in defaults
//  2. a YAML file (optional)
//  3. environment variables (PORT, EVENTRELAY_*)
//  4. command-line flags, applied by the caller
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rmacdonaldsmith/eventrelay/internal/logging"
	"github.com/rmacdonaldsmith/eventrelay/pkg/eventlog"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidPort is returned for a port outside 1-65535
	ErrInvalidPort = errors.New("port must be between 1 and 65535")
	// ErrInvalidQueryLimit is returned for a default limit outside the query bounds
	ErrInvalidQueryLimit = fmt.Errorf("query limit must be between %d and %d", eventlog.MinQueryLimit, eventlog.MaxQueryLimit)
	// ErrInvalidRateLimit is returned for a negative rate or burst
	ErrInvalidRateLimit = errors.New("rate limit values cannot be negative")
)

// Config is the full server configuration
type Config struct {
	NodeID   string         `yaml:"node_id"`
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	Store    StoreConfig    `yaml:"store"`
	Registry RegistryConfig `yaml:"registry"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      logging.Config `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// HTTPConfig configures the HTTP API
type HTTPConfig struct {
	Host         string          `yaml:"host"`
	Port         int             `yaml:"port"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	IdleTimeout  time.Duration   `yaml:"idle_timeout"`
	CORSOrigins  []string        `yaml:"cors_origins"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// Addr returns the listen address
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// RateLimitConfig is a per-client token bucket; RPS 0 disables it
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// GRPCConfig configures the gRPC API
type GRPCConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	MaxMessageBytes int    `yaml:"max_message_bytes"`
}

// Addr returns the listen address
func (g GRPCConfig) Addr() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

// StoreConfig configures event retention and query defaults
type StoreConfig struct {
	MaxEventsPerKey   int `yaml:"max_events_per_key"`
	DefaultQueryLimit int `yaml:"default_query_limit"`
	IngestQueryLimit  int `yaml:"ingest_query_limit"`
}

// RegistryConfig configures subscriber delivery
type RegistryConfig struct {
	SendQueueSize     int           `yaml:"send_queue_size"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// AuthConfig configures publisher and admin tokens. An empty SecretKey
// falls back to the HTTP API's development key. An empty LoginSecret leaves
// login open to any client id for development; admin tokens then cannot be
// obtained through login.
type AuthConfig struct {
	SecretKey    string        `yaml:"secret_key"`
	LoginSecret  string        `yaml:"login_secret"`
	NoAuth       bool          `yaml:"no_auth"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
	AdminClients []string      `yaml:"admin_clients"`
}

// MetricsConfig configures OTLP metric and trace export
type MetricsConfig struct {
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	Insecure       bool          `yaml:"insecure"`
	ExportInterval time.Duration `yaml:"export_interval"`
	// TraceSampleRate is the fraction of ingest traces kept; 0 keeps all
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

// Default returns the built-in configuration
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills zero values with defaults
func (c *Config) SetDefaults() {
	if c.NodeID == "" {
		c.NodeID = defaultNodeID()
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8000
	}
	if c.HTTP.ReadTimeout <= 0 {
		c.HTTP.ReadTimeout = 30 * time.Second
	}
	if c.HTTP.WriteTimeout <= 0 {
		c.HTTP.WriteTimeout = 30 * time.Second
	}
	if c.HTTP.IdleTimeout <= 0 {
		c.HTTP.IdleTimeout = 120 * time.Second
	}
	if len(c.HTTP.CORSOrigins) == 0 {
		c.HTTP.CORSOrigins = []string{"*"}
	}

	if c.GRPC.Port == 0 {
		c.GRPC.Port = 9090
	}
	if c.GRPC.MaxMessageBytes <= 0 {
		c.GRPC.MaxMessageBytes = 1024 * 1024 // 1MB
	}

	if c.Store.DefaultQueryLimit == 0 {
		c.Store.DefaultQueryLimit = eventlog.DefaultQueryLimit
	}
	if c.Store.IngestQueryLimit == 0 {
		c.Store.IngestQueryLimit = eventlog.DefaultIngestQueryLimit
	}

	if c.Registry.SendQueueSize <= 0 {
		c.Registry.SendQueueSize = 100
	}
	if c.Registry.SendTimeout <= 0 {
		c.Registry.SendTimeout = 100 * time.Millisecond
	}
	if c.Registry.FailureThreshold == 0 {
		c.Registry.FailureThreshold = 3
	}
	if c.Registry.KeepaliveInterval <= 0 {
		c.Registry.KeepaliveInterval = 30 * time.Second
	}

	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if len(c.Auth.AdminClients) == 0 {
		c.Auth.AdminClients = []string{"admin"}
	}

	c.Log.SetDefaults()
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http: %w", ErrInvalidPort)
	}
	if c.GRPC.Enabled && (c.GRPC.Port < 1 || c.GRPC.Port > 65535) {
		return fmt.Errorf("grpc: %w", ErrInvalidPort)
	}
	if c.HTTP.RateLimit.RPS < 0 || c.HTTP.RateLimit.Burst < 0 {
		return ErrInvalidRateLimit
	}
	if c.Store.MaxEventsPerKey < 0 {
		return errors.New("store: max_events_per_key cannot be negative")
	}
	for name, limit := range map[string]int{
		"default_query_limit": c.Store.DefaultQueryLimit,
		"ingest_query_limit":  c.Store.IngestQueryLimit,
	} {
		if limit < eventlog.MinQueryLimit || limit > eventlog.MaxQueryLimit {
			return fmt.Errorf("store: %s: %w", name, ErrInvalidQueryLimit)
		}
	}
	if c.Registry.FailureThreshold < 0 {
		return errors.New("registry: failure_threshold cannot be negative")
	}
	if c.Metrics.TraceSampleRate < 0 || c.Metrics.TraceSampleRate > 1 {
		return errors.New("metrics: trace_sample_rate must be between 0 and 1")
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// Load builds a configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment.
func Load(path string) (*Config, error) {
	c := &Config{}

	if path != "" {
		if err := loadFromFile(c, path); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(c, os.LookupEnv); err != nil {
		return nil, err
	}

	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return c, nil
}

// loadFromFile decodes a YAML file over c. Unknown keys are rejected.
func loadFromFile(c *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies PORT and EVENTRELAY_* variables.
func applyEnvOverrides(c *Config, lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	// PORT is set by hosting platforms
	num("PORT", &c.HTTP.Port)
	num("EVENTRELAY_HTTP_PORT", &c.HTTP.Port)
	str("EVENTRELAY_HTTP_HOST", &c.HTTP.Host)
	if v, ok := lookup("EVENTRELAY_CORS_ORIGINS"); ok && v != "" {
		c.HTTP.CORSOrigins = splitList(v)
	}

	str("EVENTRELAY_NODE_ID", &c.NodeID)
	flag("EVENTRELAY_GRPC_ENABLED", &c.GRPC.Enabled)
	num("EVENTRELAY_GRPC_PORT", &c.GRPC.Port)
	num("EVENTRELAY_MAX_EVENTS_PER_KEY", &c.Store.MaxEventsPerKey)
	num("EVENTRELAY_SEND_QUEUE_SIZE", &c.Registry.SendQueueSize)
	dur("EVENTRELAY_SEND_TIMEOUT", &c.Registry.SendTimeout)
	num("EVENTRELAY_FAILURE_THRESHOLD", &c.Registry.FailureThreshold)
	str("EVENTRELAY_SECRET_KEY", &c.Auth.SecretKey)
	str("EVENTRELAY_LOGIN_SECRET", &c.Auth.LoginSecret)
	flag("EVENTRELAY_NO_AUTH", &c.Auth.NoAuth)
	str("EVENTRELAY_LOG_LEVEL", &c.Log.Level)
	str("EVENTRELAY_LOG_FORMAT", &c.Log.Format)
	str("EVENTRELAY_OTLP_ENDPOINT", &c.Metrics.OTLPEndpoint)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// defaultNodeID generates a default node ID based on hostname
func defaultNodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "eventrelay-1"
	}
	return fmt.Sprintf("eventrelay-%s", hostname)
}
