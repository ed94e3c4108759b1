package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rmacdonaldsmith/eventrelay/internal/config"
	"github.com/rmacdonaldsmith/eventrelay/internal/grpcapi"
	"github.com/rmacdonaldsmith/eventrelay/internal/httpapi"
	"github.com/rmacdonaldsmith/eventrelay/internal/logging"
	"github.com/rmacdonaldsmith/eventrelay/internal/relay"
	"github.com/rmacdonaldsmith/eventrelay/internal/telemetry"
	"github.com/spf13/pflag"
)

const (
	// Application info
	appName    = "EventRelay"
	appVersion = httpapi.Version

	shutdownTimeout = 30 * time.Second
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "eventrelay: %v\n", err)
		os.Exit(1)
	}
}

// options are the flags that select what run does rather than configure it
type options struct {
	configPath  string
	showVersion bool
	showHealth  bool
}

// parseFlags parses args and layers the flags that were set over the loaded
// configuration. The configuration is nil when only --version or --help was
// asked for.
func parseFlags(args []string, stdout io.Writer) (*config.Config, options, error) {
	var opts options

	fs := pflag.NewFlagSet("eventrelay", pflag.ContinueOnError)
	fs.SetOutput(stdout)
	fs.StringVarP(&opts.configPath, "config", "c", os.Getenv("EVENTRELAY_CONFIG"), "Path to a YAML config file")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	fs.BoolVar(&opts.showHealth, "health", false, "Show health status and exit")

	nodeID := fs.String("node-id", "", "Unique node identifier")
	host := fs.String("host", "", "HTTP listen host")
	port := fs.IntP("port", "p", 0, "HTTP listen port")
	grpcEnabled := fs.Bool("grpc", false, "Serve the gRPC API")
	grpcPort := fs.Int("grpc-port", 0, "gRPC listen port")
	noAuth := fs.Bool("no-auth", false, "Accept events without a token (development only)")
	maxEvents := fs.Int("max-events-per-key", 0, "Events kept per robot; 0 keeps all")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: auto, text, json")

	if err := fs.Parse(args); err != nil {
		return nil, opts, err
	}
	if opts.showVersion {
		return nil, opts, nil
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, opts, err
	}

	if fs.Changed("node-id") {
		cfg.NodeID = *nodeID
	}
	if fs.Changed("host") {
		cfg.HTTP.Host = *host
	}
	if fs.Changed("port") {
		cfg.HTTP.Port = *port
	}
	if fs.Changed("grpc") {
		cfg.GRPC.Enabled = *grpcEnabled
	}
	if fs.Changed("grpc-port") {
		cfg.GRPC.Port = *grpcPort
	}
	if fs.Changed("no-auth") {
		cfg.Auth.NoAuth = *noAuth
	}
	if fs.Changed("max-events-per-key") {
		cfg.Store.MaxEventsPerKey = *maxEvents
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = *logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, opts, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, opts, nil
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cfg, opts, err := parseFlags(args, stdout)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "%s v%s\n", appName, appVersion)
		return nil
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:    "eventrelay",
		ServiceVersion: appVersion,
		OTLPEndpoint:   cfg.Metrics.OTLPEndpoint,
		Insecure:       cfg.Metrics.Insecure,
		ExportInterval: cfg.Metrics.ExportInterval,
		SampleRate:     cfg.Metrics.TraceSampleRate,
	}, logger.Logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		provider.Shutdown(shutdownCtx)
	}()

	node, err := relay.NewNode(nodeConfig(cfg, logger.Logger, provider))
	if err != nil {
		return fmt.Errorf("failed to create relay node: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warn("error closing relay node", "error", err)
		}
	}()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay node: %w", err)
	}

	// Handle health check flag
	if opts.showHealth {
		return showHealthStatus(ctx, node, stdout)
	}

	httpServer, err := httpapi.NewServer(node, httpConfig(cfg, logger.Logger))
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}
	if cfg.Auth.SecretKey == "" && !cfg.Auth.NoAuth {
		logger.Warn("using the built-in development JWT secret; set auth.secret_key or EVENTRELAY_SECRET_KEY")
	}
	if cfg.Auth.LoginSecret == "" {
		logger.Warn("login is open to any client id and cannot grant admin; set auth.login_secret or EVENTRELAY_LOGIN_SECRET")
	}
	if cfg.Auth.NoAuth {
		logger.Warn("authentication disabled; any client can publish events")
	}

	serveErr := make(chan error, 2)
	go func() {
		serveErr <- httpServer.Start()
	}()

	var grpcServer *grpcapi.Server
	if cfg.GRPC.Enabled {
		grpcServer, err = grpcapi.NewServer(node, grpcConfig(cfg, logger.Logger))
		if err != nil {
			stopServers(logger.Logger, httpServer, nil)
			return fmt.Errorf("failed to create gRPC server: %w", err)
		}
		go func() {
			serveErr <- grpcServer.Start()
		}()
	}

	logger.Info(appName+" started",
		"version", appVersion,
		"node_id", cfg.NodeID,
		"http_addr", cfg.HTTP.Addr(),
		"grpc_enabled", cfg.GRPC.Enabled,
		"no_auth", cfg.Auth.NoAuth,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down gracefully")
	case runErr = <-serveErr:
		if runErr != nil {
			logger.Error("server failed", "error", runErr)
		}
	}

	stopServers(logger.Logger, httpServer, grpcServer)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := node.Stop(stopCtx); err != nil {
		logger.Warn("error during graceful stop", "error", err)
	}

	logger.Info(appName+" stopped", "node_id", cfg.NodeID)
	return runErr
}

// stopServers drains both APIs within the shutdown timeout
func stopServers(logger *slog.Logger, httpServer *httpapi.Server, grpcServer *grpcapi.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Stop(ctx); err != nil {
		logger.Warn("error stopping HTTP server", "error", err)
	}
	if grpcServer != nil {
		if err := grpcServer.Stop(ctx); err != nil {
			logger.Warn("error stopping gRPC server", "error", err)
		}
	}
}

func nodeConfig(cfg *config.Config, logger *slog.Logger, provider *telemetry.Provider) *relay.Config {
	nc := relay.NewConfig(cfg.NodeID).
		WithMaxEventsPerKey(cfg.Store.MaxEventsPerKey).
		WithLogger(logger).
		WithMeterProvider(provider.MeterProvider()).
		WithTracerProvider(provider.TracerProvider())
	nc.Registry.SendTimeout = cfg.Registry.SendTimeout
	nc.Registry.FailureThreshold = cfg.Registry.FailureThreshold
	return nc
}

func httpConfig(cfg *config.Config, logger *slog.Logger) httpapi.Config {
	return httpapi.Config{
		Addr:              cfg.HTTP.Addr(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
		SecretKey:         cfg.Auth.SecretKey,
		NoAuth:            cfg.Auth.NoAuth,
		TokenTTL:          cfg.Auth.TokenTTL,
		AdminClients:      cfg.Auth.AdminClients,
		LoginSecret:       cfg.Auth.LoginSecret,
		CORSOrigins:       cfg.HTTP.CORSOrigins,
		RateLimitRPS:      cfg.HTTP.RateLimit.RPS,
		RateLimitBurst:    cfg.HTTP.RateLimit.Burst,
		KeepaliveInterval: cfg.Registry.KeepaliveInterval,
		SendQueueSize:     cfg.Registry.SendQueueSize,
		DefaultQueryLimit: cfg.Store.DefaultQueryLimit,
		IngestQueryLimit:  cfg.Store.IngestQueryLimit,
		Logger:            logger,
	}
}

func grpcConfig(cfg *config.Config, logger *slog.Logger) grpcapi.Config {
	return grpcapi.Config{
		ListenAddress:     cfg.GRPC.Addr(),
		MaxMessageBytes:   cfg.GRPC.MaxMessageBytes,
		SendQueueSize:     cfg.Registry.SendQueueSize,
		DefaultQueryLimit: cfg.Store.DefaultQueryLimit,
		Logger:            logger,
	}
}

// showHealthStatus prints the node's health (for --health flag)
func showHealthStatus(ctx context.Context, node *relay.Node, stdout io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := node.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to get health status: %w", err)
	}

	fmt.Fprintf(stdout, "%s Node Health Status:\n", appName)
	fmt.Fprintf(stdout, "  Node ID: %s\n", node.NodeID())
	fmt.Fprintf(stdout, "  Overall: %s\n", healthStatus(health.Healthy))
	fmt.Fprintf(stdout, "  Live Connections: %d\n", health.LiveConnections)
	fmt.Fprintf(stdout, "  Tenants: %d\n", health.Tenants)
	fmt.Fprintf(stdout, "  Total Events: %d\n", health.TotalEvents)
	if health.Message != "" {
		fmt.Fprintf(stdout, "  Message: %s\n", health.Message)
	}

	if !health.Healthy {
		return errors.New("node is unhealthy")
	}
	return nil
}

// healthStatus returns a colored health status string
func healthStatus(healthy bool) string {
	if healthy {
		return "✅ Healthy"
	}
	return "❌ Unhealthy"
}
