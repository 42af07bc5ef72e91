package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/walink/internal/whatsapp"
	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

const pairPollInterval = 3 * time.Second

var errPairingBlocked = errors.New("automatic pairing attempts exhausted")

func pairCmd() *cobra.Command {
	var (
		timeout time.Duration
		noWatch bool
	)
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Show a pairing QR code and wait until the phone links",
		Long: "Requests a pairing code from the running gateway and renders it as a QR code.\n" +
			"Scan it from WhatsApp > Settings > Linked devices. New codes are shown as they rotate.",
		Run: func(cmd *cobra.Command, args []string) {
			c := mustAPIClient()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			// The first request is manual: it always gets a fresh chance.
			var first protocol.PairingResponse
			if _, err := c.do(ctx, http.MethodGet, "/api/qr", nil, nil, &first); err != nil {
				exitOnAPIError(err)
			}
			if first.Connected {
				fmt.Println("Already linked. Use `walink session clear` to link another phone.")
				return
			}
			if first.Code != "" {
				renderPairingCode(first.Code, first.ExpiresInSeconds)
			}
			if noWatch {
				if first.Code == "" {
					fmt.Println("No code yet. Run `walink pair` again in a moment.")
				}
				return
			}

			err := watchPairing(ctx, c, first.Code)
			if errors.Is(err, websocket.ErrBadHandshake) || isDialError(err) {
				// Older gateways or proxies without WebSocket support.
				err = pollPairing(ctx, c, first.Code)
			}
			switch {
			case err == nil:
				fmt.Println()
				fmt.Println("Linked! WhatsApp is connected.")
			case errors.Is(err, errPairingBlocked):
				fmt.Fprintln(os.Stderr, "Pairing codes stopped rotating. Run `walink pair` again when you are ready to scan.")
				os.Exit(1)
			case errors.Is(err, context.DeadlineExceeded):
				fmt.Fprintln(os.Stderr, "Timed out waiting for the phone to link.")
				os.Exit(1)
			default:
				exitOnAPIError(err)
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "give up after this long")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "print the current code and exit")
	return cmd
}

func renderPairingCode(code string, expiresIn int) {
	q, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error rendering QR code: %v\n", err)
		return
	}
	fmt.Println()
	fmt.Print(q.ToSmallString(false))
	fmt.Printf("Scan from WhatsApp > Linked devices (expires in %ds)\n", expiresIn)
}

// watchPairing follows the gateway event stream until the session connects.
func watchPairing(ctx context.Context, c *apiClient, shown string) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return err
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	if c.token != "" {
		u.RawQuery = url.Values{"token": {c.token}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("event stream: %w", err)
		}
		ev, err := protocol.ParseEvent(data)
		if err != nil {
			continue
		}

		switch ev.Event {
		case protocol.EventPairing:
			var p protocol.PairingResponse
			if json.Unmarshal(ev.Payload, &p) == nil && p.Code != "" && p.Code != shown {
				shown = p.Code
				renderPairingCode(p.Code, p.ExpiresInSeconds)
			}
		case protocol.EventStatus, protocol.EventHello:
			if statusOf(ev) == string(whatsapp.StatusConnected) {
				return nil
			}
		case protocol.EventShutdown:
			return errors.New("gateway is shutting down")
		}
	}
}

// pollPairing asks for the code as an automatic request, which the gateway
// bounds; once blocked only a new manual `walink pair` revives it.
func pollPairing(ctx context.Context, c *apiClient, shown string) error {
	ticker := time.NewTicker(pairPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var p protocol.PairingResponse
		if _, err := c.do(ctx, http.MethodGet, "/api/qr?auto=1", nil, nil, &p); err != nil {
			return err
		}
		switch {
		case p.Connected:
			return nil
		case p.Blocked:
			return errPairingBlocked
		case p.Code != "" && p.Code != shown:
			shown = p.Code
			renderPairingCode(p.Code, p.ExpiresInSeconds)
		}
	}
}

// statusOf extracts the lifecycle status from a status or hello event.
func statusOf(ev *protocol.RawEvent) string {
	var snap whatsapp.Snapshot
	if ev.Event == protocol.EventHello {
		var hello struct {
			Status whatsapp.Snapshot `json:"status"`
		}
		if json.Unmarshal(ev.Payload, &hello) != nil {
			return ""
		}
		snap = hello.Status
	} else if json.Unmarshal(ev.Payload, &snap) != nil {
		return ""
	}
	return string(snap.Status)
}

func isDialError(err error) bool {
	return err != nil && containsAny(strings.ToLower(err.Error()), "connection refused", "dial tcp")
}
