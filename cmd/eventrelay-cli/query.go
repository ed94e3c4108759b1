package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rmacdonaldsmith/eventrelay/pkg/httpclient"
	"github.com/spf13/cobra"
)

func newQueryCommand() *cobra.Command {
	var (
		robot        string
		name         string
		limit        int
		prettyFormat bool
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Show a robot's most recent events",
		Long: `Fetch the most recent events stored for a robot, oldest first.
The server clamps --limit to between 1 and 100. Unlike 'stream', this
command fetches a batch of events and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.OutOrStdout(), robot, name, limit, prettyFormat)
		},
	}

	cmd.Flags().StringVar(&robot, "robot", "", "Robot to query (default key when empty)")
	cmd.Flags().StringVar(&name, "name", "", "Only show events with this name")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of events (server default when 0)")
	cmd.Flags().BoolVar(&prettyFormat, "pretty", false, "Pretty print JSON payloads")

	return cmd
}

func runQuery(out io.Writer, robot, name string, limit int, pretty bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var events []httpclient.Event
	if grpcAddr != "" {
		rpc, err := dialGRPC()
		if err != nil {
			return err
		}
		defer rpc.Close()

		reply, err := rpc.Query(ctx, robot, name, limit)
		if err != nil {
			return fmt.Errorf("failed to query events: %w", err)
		}
		for _, e := range reply.Events {
			// timestamps are RFC 3339 on the wire; an unparsable one is left zero
			ts, _ := time.Parse(time.RFC3339Nano, e.Timestamp)
			events = append(events, httpclient.Event{Offset: e.Offset, Key: e.Key, Name: e.Name, Payload: e.Payload, Timestamp: ts})
		}
	} else {
		opts := httpclient.QueryOptions{Name: name, Limit: limit}
		var (
			response *httpclient.QueryResponse
			err      error
		)
		if robot == "" {
			response, err = client.QueryEvents(ctx, "", opts)
		} else {
			response, err = client.QueryRobotEvents(ctx, robot, opts)
		}
		if err != nil {
			return fmt.Errorf("failed to query events: %w", err)
		}
		events = response.Events
	}

	if len(events) == 0 {
		fmt.Fprintln(out, "No events found")
		return nil
	}

	fmt.Fprintf(out, "Found %d event(s):\n\n", len(events))
	for _, event := range events {
		fmt.Fprintf(out, "#%d %s", event.Offset, event.Name)
		if !event.Timestamp.IsZero() {
			fmt.Fprintf(out, " at %s", event.Timestamp.Format("2006-01-02 15:04:05.000"))
		}
		fmt.Fprintln(out)
		printPayload(out, event.Payload, pretty)
	}
	return nil
}

func printPayload(out io.Writer, payload map[string]interface{}, pretty bool) {
	if payload == nil {
		fmt.Fprintf(out, "   Payload: null\n")
		return
	}

	var (
		jsonBytes []byte
		err       error
	)
	if pretty {
		jsonBytes, err = json.MarshalIndent(payload, "            ", "  ")
	} else {
		jsonBytes, err = json.Marshal(payload)
	}
	if err != nil {
		fmt.Fprintf(out, "   Payload: %v\n", payload)
		return
	}
	fmt.Fprintf(out, "   Payload: %s\n", jsonBytes)
}
