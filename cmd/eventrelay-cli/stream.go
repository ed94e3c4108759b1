package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/rmacdonaldsmith/eventrelay/pkg/httpclient"
	"github.com/spf13/cobra"
)

func newStreamCommand() *cobra.Command {
	var (
		bufferSize   int
		maxEvents    int
		prettyFormat bool
	)

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream events in real-time",
		Long: `Stream every event the server accepts, as it is accepted, using
Server-Sent Events. The stream reconnects after failures.
Press Ctrl+C to stop streaming.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runStream(ctx, cmd.OutOrStdout(), bufferSize, maxEvents, prettyFormat)
		},
	}

	cmd.Flags().IntVar(&bufferSize, "buffer-size", 100, "Frame buffer size")
	cmd.Flags().IntVar(&maxEvents, "max-events", 0, "Stop after this many events (0 streams until interrupted)")
	cmd.Flags().BoolVar(&prettyFormat, "pretty", false, "Pretty print JSON payloads")

	return cmd
}

func runStream(ctx context.Context, out io.Writer, bufferSize, maxEvents int, prettyFormat bool) error {
	config := httpclient.StreamConfig{
		BufferSize:           bufferSize,
		MaxReconnectAttempts: 0, // Infinite retries
	}

	fmt.Fprintf(out, "🌊 Starting event stream from %s...\n", serverURL)
	fmt.Fprintln(out, "Press Ctrl+C to stop streaming")

	streamClient, err := client.Stream(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to start streaming: %w", err)
	}
	defer func() {
		if err := streamClient.Close(); err != nil {
			fmt.Fprintf(out, "Warning: failed to close stream client: %v\n", err)
		}
	}()

	errs := streamClient.Errors()
	eventCount := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "\n✅ Stream stopped. Received %d events.\n", eventCount)
			return nil

		case frame, ok := <-streamClient.Frames():
			if !ok {
				fmt.Fprintf(out, "\n🔌 Event stream closed. Received %d events.\n", eventCount)
				return nil
			}

			switch frame.Type {
			case "connected":
				fmt.Fprintf(out, "🔗 Connected as %s\n", frame.ConnectionID)
			case "event":
				eventCount++
				printFrame(out, frame, eventCount, prettyFormat)
				if maxEvents > 0 && eventCount >= maxEvents {
					fmt.Fprintf(out, "\n✅ Received %d events.\n", eventCount)
					return nil
				}
			case "error":
				fmt.Fprintf(out, "❌ Server error: %s: %s\n", frame.Error, frame.Message)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			// errors are non-fatal; the client reconnects
			fmt.Fprintf(out, "❌ Stream error: %v\n", err)

		case <-streamClient.Done():
			fmt.Fprintf(out, "\n🔌 Stream finished. Received %d events.\n", eventCount)
			return nil
		}
	}
}

func printFrame(out io.Writer, frame httpclient.StreamFrame, count int, pretty bool) {
	fmt.Fprintf(out, "📨 Event #%d:\n", count)
	robot := frame.Key
	if robot == "" {
		robot = "(default)"
	}
	fmt.Fprintf(out, "   Robot: %s\n", robot)
	fmt.Fprintf(out, "   Name: %s\n", frame.Name)
	fmt.Fprintf(out, "   Offset: %d\n", frame.Offset)
	fmt.Fprintf(out, "   Source: %s\n", frame.Source)
	fmt.Fprintf(out, "   Time: %s\n", frame.Timestamp)
	printPayload(out, frame.Payload, pretty)
	fmt.Fprintln(out)
}
