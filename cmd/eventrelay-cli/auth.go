package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authenticate with EventRelay server",
		Long: `Authenticate with the EventRelay server using your client ID.
This will generate a JWT token that can be used for subsequent requests.`,
		RunE: runAuth,
	}

	return cmd
}

func runAuth(cmd *cobra.Command, args []string) error {
	if clientID == "" {
		return fmt.Errorf("client-id is required to authenticate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Authenticating with server %s as client %s...\n", serverURL, clientID)

	if err := client.Authenticate(ctx); err != nil {
		return err
	}

	token := client.GetToken()
	fmt.Fprintf(out, "✅ Authentication successful!\n")
	fmt.Fprintf(out, "Token: %s\n", token)
	fmt.Fprintf(out, "\nYou can now use other commands or save this token for future use:\n")
	fmt.Fprintf(out, "  export EVENTRELAY_TOKEN=\"%s\"\n", token)
	fmt.Fprintf(out, "  eventrelay-cli publish --robot r2d2 --name moved --payload '{\"x\":1}'\n")

	return nil
}
