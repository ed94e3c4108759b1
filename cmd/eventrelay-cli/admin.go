package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Admin commands (requires admin privileges)",
		Long:  "Administrative commands for monitoring an EventRelay server",
	}

	cmd.AddCommand(newAdminConnectionsCommand())
	cmd.AddCommand(newAdminStatsCommand())

	return cmd
}

func newAdminConnectionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "connections",
		Short: "List live subscriber connections",
		Long:  "List every stream currently registered with the EventRelay server",
		RunE:  runAdminConnections,
	}
}

func newAdminStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show system statistics",
		Long:  "Display EventRelay node statistics",
		RunE:  runAdminStats,
	}
}

func runAdminConnections(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Fetching live connections...")

	response, err := client.AdminListConnections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list connections: %w", err)
	}

	if len(response.Connections) == 0 {
		fmt.Fprintln(out, "No connections currently registered")
		return nil
	}

	fmt.Fprintf(out, "\nFound %d live connection(s):\n\n", len(response.Connections))
	for i, conn := range response.Connections {
		fmt.Fprintf(out, "%d. Connection ID: %s\n", i+1, conn.ID)
		fmt.Fprintf(out, "   Transport: %s\n", conn.Transport)
		fmt.Fprintf(out, "   Registered At: %s\n", conn.RegisteredAt.Format("2006-01-02 15:04:05"))
		if conn.ConsecutiveFailures > 0 {
			fmt.Fprintf(out, "   Consecutive Failures: %d\n", conn.ConsecutiveFailures)
		}
	}

	return nil
}

func runAdminStats(cmd *cobra.Command, args []string) error {
	if err := requireAuthentication(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Fetching system statistics...")

	response, err := client.AdminGetStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}

	fmt.Fprintf(out, "\n📊 EventRelay Statistics (%s):\n\n", response.NodeID)
	fmt.Fprintf(out, "Uptime: %.0fs\n", response.UptimeSeconds)
	fmt.Fprintf(out, "Live Connections: %d\n", response.LiveConnections)
	fmt.Fprintf(out, "Robots: %d\n", response.Tenants)
	fmt.Fprintf(out, "Total Events: %d\n", response.TotalEvents)

	robotIDs := make([]string, 0, len(response.EventsPerRobot))
	for id := range response.EventsPerRobot {
		robotIDs = append(robotIDs, id)
	}
	sort.Strings(robotIDs)
	for _, id := range robotIDs {
		fmt.Fprintf(out, "  %s: %d\n", id, response.EventsPerRobot[id])
	}

	return nil
}
