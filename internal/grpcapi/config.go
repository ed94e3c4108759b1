package grpcapi

import (
	"errors"
	"log/slog"

	"github.com/rmacdonaldsmith/eventrelay/pkg/eventlog"
	"github.com/rmacdonaldsmith/eventrelay/pkg/registry"
)

// Config holds configuration for the gRPC server
type Config struct {
	ListenAddress     string
	MaxMessageBytes   int
	SendQueueSize     int
	DefaultQueryLimit int
	Logger            *slog.Logger
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("listen address cannot be empty")
	}
	if c.MaxMessageBytes < 0 {
		return errors.New("max message bytes cannot be negative")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1024 * 1024 // 1MB
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = registry.DefaultSendQueueSize
	}
	if c.DefaultQueryLimit <= 0 {
		c.DefaultQueryLimit = eventlog.DefaultQueryLimit
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
