package relay

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/rmacdonaldsmith/eventrelay/internal/registry"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrEmptyNodeID is returned when node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrNegativeRetention is returned when MaxEventsPerKey is negative
	ErrNegativeRetention = errors.New("max events per key cannot be negative")
)

// Config represents configuration for a relay Node
type Config struct {
	// NodeID identifies this relay in logs and health output
	NodeID string

	// MaxEventsPerKey caps the history kept per robot key; 0 is unbounded
	MaxEventsPerKey int

	// Registry configures connection delivery
	Registry registry.Config

	// Logger is the base logger; nil uses slog.Default()
	Logger *slog.Logger

	// MeterProvider supplies the node's instruments; nil uses the global provider
	MeterProvider metric.MeterProvider

	// TracerProvider supplies the ingest spans; nil uses the global provider
	TracerProvider trace.TracerProvider
}

// NewConfig creates a relay configuration with safe defaults
func NewConfig(nodeID string) *Config {
	c := &Config{NodeID: nodeID}
	c.SetDefaults()
	return c
}

// SetDefaults fills zero values with defaults
func (c *Config) SetDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Registry.Logger == nil {
		c.Registry.Logger = c.Logger
	}
	c.Registry.SetDefaults()
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.MaxEventsPerKey < 0 {
		return ErrNegativeRetention
	}
	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("invalid registry config: %w", err)
	}
	return nil
}

// WithMaxEventsPerKey sets the per-key retention cap
func (c *Config) WithMaxEventsPerKey(n int) *Config {
	c.MaxEventsPerKey = n
	return c
}

// WithLogger sets the logger used by the node and its registry
func (c *Config) WithLogger(logger *slog.Logger) *Config {
	c.Logger = logger
	c.Registry.Logger = logger
	return c
}

// WithTracerProvider sets the tracer provider
func (c *Config) WithTracerProvider(provider trace.TracerProvider) *Config {
	c.TracerProvider = provider
	return c
}

// WithMeterProvider sets the meter provider
func (c *Config) WithMeterProvider(provider metric.MeterProvider) *Config {
	c.MeterProvider = provider
	return c
}
