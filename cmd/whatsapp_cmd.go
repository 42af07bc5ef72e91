package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the WhatsApp connection status of the running gateway",
		Run: func(cmd *cobra.Command, args []string) {
			c := mustAPIClient()
			var st protocol.StatusResponse
			if _, err := c.do(cmd.Context(), http.MethodGet, "/api/status", nil, nil, &st); err != nil {
				exitOnAPIError(err)
			}
			if asJSON {
				data, _ := json.MarshalIndent(st, "", "  ")
				fmt.Println(string(data))
				return
			}
			fmt.Printf("Status:    %s\n", st.Status)
			fmt.Printf("Connected: %v\n", st.Connected)
			if !st.Connected {
				fmt.Println()
				fmt.Println("Run `walink pair` to link a device.")
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw JSON response")
	return cmd
}

func sendCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "send <phone> <message...>",
		Short: "Send a text message through the gateway",
		Example: `  walink send +15551234567 "Your code is 123456"
  walink send 15551234567 hello --idempotency-key order-42`,
		Args: cobra.MinimumNArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			c := mustAPIClient()
			req := protocol.SendRequest{
				PhoneNumber: args[0],
				Message:     strings.Join(args[1:], " "),
			}
			// A key makes the client retries safe.
			if key == "" {
				key = uuid.NewString()
			}
			hdr := http.Header{}
			hdr.Set("Idempotency-Key", key)

			var out protocol.SendResponse
			resp, err := c.do(cmd.Context(), http.MethodPost, "/api/send-message", hdr, req, &out)
			if err != nil {
				exitOnAPIError(err)
			}
			replayed := ""
			if resp.Header.Get("Idempotent-Replayed") == "true" {
				replayed = " (already sent earlier with this key)"
			}
			fmt.Printf("Sent. Message ID: %s%s\n", out.MessageID, replayed)
		},
	}
	cmd.Flags().StringVar(&key, "idempotency-key", "", "deduplicate retries of the same message (default: random per invocation)")
	return cmd
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the linked WhatsApp session",
	}
	cmd.AddCommand(sessionActionCmd("clear", "/api/clear",
		"Log out, delete stored credentials and start a fresh pairing",
		"This unlinks the device and deletes the stored session. Continue?"))
	cmd.AddCommand(sessionActionCmd("logout", "/api/logout",
		"Log out and delete stored credentials without reconnecting",
		"This unlinks the device and deletes the stored session. Continue?"))
	return cmd
}

func sessionActionCmd(name, path, short, confirm string) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Run: func(cmd *cobra.Command, args []string) {
			if !yes {
				ok, err := promptConfirm(confirm, false)
				if err != nil || !ok {
					fmt.Println("Cancelled.")
					return
				}
			}
			runSessionAction(cmd.Context(), mustAPIClient(), path)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func runSessionAction(ctx context.Context, c *apiClient, path string) {
	var out protocol.ActionResponse
	if _, err := c.do(ctx, http.MethodPost, path, nil, nil, &out); err != nil {
		exitOnAPIError(err)
	}
	if out.Message != "" {
		fmt.Println(out.Message)
		return
	}
	fmt.Println("Done.")
}
