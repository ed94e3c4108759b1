package main

import (
	"context"
	"fmt"
	"io"

	"github.com/rmacdonaldsmith/eventrelay/pkg/eventlog"
	"github.com/spf13/cobra"
)

func newPublishCommand() *cobra.Command {
	var (
		robot   string
		name    string
		payload string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an event",
		Long: `Publish a named event. The payload must be a JSON object; its fields are
sent alongside the event name. With --robot the event is stored under that
robot, otherwise under the default key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.OutOrStdout(), robot, name, payload)
		},
	}

	cmd.Flags().StringVar(&robot, "robot", "", "Robot the event belongs to")
	cmd.Flags().StringVar(&name, "name", "", "Event name (required)")
	cmd.Flags().StringVar(&payload, "payload", "{}", "Event payload as a JSON object")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(fmt.Sprintf("Failed to mark name as required: %v", err))
	}

	return cmd
}

func runPublish(out io.Writer, robot, name, payloadStr string) error {
	var fields map[string]interface{}
	if payloadStr != "" {
		decoded, err := eventlog.DecodeObject([]byte(payloadStr))
		if err != nil {
			return fmt.Errorf("invalid JSON payload: %w", err)
		}
		fields = decoded
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if grpcAddr != "" {
		return publishGRPC(ctx, out, robot, name, fields)
	}

	if err := requireAuthentication(); err != nil {
		return err
	}

	fmt.Fprintf(out, "Publishing event '%s'...\n", name)

	if robot == "" {
		response, err := client.PostEvent(ctx, name, fields)
		if err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		fmt.Fprintf(out, "✅ %s\n", response.Message)
		return nil
	}

	response, err := client.PublishRobotEvent(ctx, robot, name, fields)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	fmt.Fprintf(out, "✅ %s\n", response.Message)
	fmt.Fprintf(out, "Robot: %s\n", response.Envelope.Key)
	fmt.Fprintf(out, "Offset: %d\n", response.Envelope.Offset)
	fmt.Fprintf(out, "Timestamp: %s\n", response.Envelope.Timestamp.Format("2006-01-02 15:04:05"))
	return nil
}

func publishGRPC(ctx context.Context, out io.Writer, robot, name string, fields map[string]interface{}) error {
	rpc, err := dialGRPC()
	if err != nil {
		return err
	}
	defer rpc.Close()

	fmt.Fprintf(out, "Publishing event '%s' over gRPC...\n", name)

	reply, err := rpc.Ingest(ctx, robot, name, fields)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	fmt.Fprintf(out, "✅ %s\n", reply.Message)
	fmt.Fprintf(out, "Offset: %d\n", reply.Envelope.Offset)
	fmt.Fprintf(out, "Timestamp: %s\n", reply.Envelope.Timestamp)
	return nil
}
