package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rmacdonaldsmith/eventrelay/internal/grpcapi"
	"github.com/rmacdonaldsmith/eventrelay/pkg/httpclient"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverURL string
	grpcAddr  string
	clientID  string
	secret    string
	robots    []string
	token     string
	timeout   time.Duration
	noAuth    bool

	// Global client instance
	client *httpclient.Client
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "eventrelay-cli",
		Short: "EventRelay command line interface",
		Long: `eventrelay-cli is a command line interface for an EventRelay server.
It can authenticate, publish and query robot events, and follow the live
event stream.`,
		PersistentPreRunE: initializeClient,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("EVENTRELAY_SERVER", "http://localhost:8000"), "EventRelay HTTP API URL")
	rootCmd.PersistentFlags().StringVar(&grpcAddr, "grpc", "", "EventRelay gRPC address; publish and query use gRPC when set")
	rootCmd.PersistentFlags().StringVar(&clientID, "client-id", "", "Client ID for authentication")
	rootCmd.PersistentFlags().StringVar(&secret, "client-secret", os.Getenv("EVENTRELAY_CLIENT_SECRET"), "Login secret, when the server requires one")
	rootCmd.PersistentFlags().StringSliceVar(&robots, "robots", nil, "Robots the client acts for")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("EVENTRELAY_TOKEN"), "JWT token (if already authenticated)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVar(&noAuth, "no-auth", false, "Skip authentication (for servers started with --no-auth)")

	rootCmd.AddCommand(newAuthCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newQueryCommand())
	rootCmd.AddCommand(newStreamCommand())
	rootCmd.AddCommand(newAdminCommand())
	rootCmd.AddCommand(newHealthCommand())

	return rootCmd
}

// initializeClient sets up the HTTP client with global configuration
func initializeClient(cmd *cobra.Command, args []string) error {
	// Skip client initialization for help commands
	if cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}

	config := httpclient.Config{
		ServerURL:    serverURL,
		ClientID:     clientID,
		ClientSecret: secret,
		Robots:       robots,
		Timeout:      timeout,
	}

	var err error
	client, err = httpclient.NewClient(config)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	if token != "" {
		client.SetToken(token)
	}
	return nil
}

// requireAuthentication checks if the client is authenticated
func requireAuthentication() error {
	if client == nil {
		return fmt.Errorf("client not initialized")
	}

	// The server accepts anonymous requests in no-auth mode
	if noAuth {
		return nil
	}

	if !client.IsAuthenticated() {
		return fmt.Errorf("not authenticated - run 'eventrelay-cli auth' first or provide --token")
	}
	return nil
}

// dialGRPC connects to the gRPC API named by --grpc
func dialGRPC() (*grpcapi.Client, error) {
	rpc, err := grpcapi.Dial(grpcAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", grpcAddr, err)
	}
	return rpc, nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
