// Package logging builds the relay's structured logger.
//
// Output goes to stderr, and optionally to a size-rotated file. The format
// is "text", "json", or "auto": text when stderr is a terminal, JSON when it
// is piped to a collector.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Formats
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

var (
	// ErrUnknownLevel is returned for a level that is not debug, info, warn or error
	ErrUnknownLevel = errors.New("unknown log level")
	// ErrUnknownFormat is returned for a format that is not auto, text or json
	ErrUnknownFormat = errors.New("unknown log format")
)

// FileConfig enables a rotated log file next to stderr
type FileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Config configures the logger
type Config struct {
	Level  string     `yaml:"level"`
	Format string     `yaml:"format"`
	File   FileConfig `yaml:"file"`
}

// SetDefaults fills zero values with defaults
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = FormatAuto
	}
	if c.File.Path != "" {
		if c.File.MaxSizeMB <= 0 {
			c.File.MaxSizeMB = 100
		}
		if c.File.MaxBackups <= 0 {
			c.File.MaxBackups = 3
		}
		if c.File.MaxAgeDays <= 0 {
			c.File.MaxAgeDays = 28
		}
	}
}

// Validate checks the level and format names
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Format) {
	case FormatAuto, FormatText, FormatJSON:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, c.Format)
	}
}

// ParseLevel converts a level name to a slog.Level
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrUnknownLevel, level)
	}
	return l, nil
}

// Logger is a slog.Logger plus the file it may own
type Logger struct {
	*slog.Logger
	file io.Closer
}

// New builds a logger writing to stderr and, when configured, to a rotated file.
func New(config Config) (*Logger, error) {
	return newLogger(config, os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))
}

func newLogger(config Config, stderr io.Writer, isTerminal bool) (*Logger, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	level, _ := ParseLevel(config.Level)
	options := &slog.HandlerOptions{Level: level}

	var out io.Writer = stderr
	var file io.Closer
	if config.File.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSizeMB,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		}
		out = io.MultiWriter(stderr, rotator)
		file = rotator
	}

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case FormatJSON:
		handler = slog.NewJSONHandler(out, options)
	case FormatText:
		handler = slog.NewTextHandler(out, options)
	default:
		if isTerminal && file == nil {
			handler = slog.NewTextHandler(out, options)
		} else {
			handler = slog.NewJSONHandler(out, options)
		}
	}

	return &Logger{Logger: slog.New(handler), file: file}, nil
}

// Close closes the log file, if any
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
