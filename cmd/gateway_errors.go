package cmd

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

// formatAPIError turns a client error into a short message for the terminal.
// Raw response bodies are never shown.
func formatAPIError(err error) string {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case protocol.ErrUnauthorized:
			return "Error: the gateway rejected the token. Check gateway.token in your config or WALINK_TOKEN."
		case protocol.ErrRateLimited:
			return "Error: rate limited by the gateway. Try again in a minute."
		case protocol.ErrNotConnected:
			return "Error: WhatsApp is not connected. Run `walink pair` to link a device."
		case protocol.ErrPairingBlocked:
			return "Error: automatic pairing attempts are exhausted. Run `walink pair` to request a new code."
		case protocol.ErrDeliveryFailed:
			return "Error: WhatsApp did not accept the message: " + apiErr.Message
		case protocol.ErrSessionDeleteFailed:
			return "Error: the stored session could not be deleted. Check the data directory permissions."
		case protocol.ErrConnectFailed:
			return "Error: the gateway could not reach WhatsApp. Try again shortly."
		case protocol.ErrInvalidRequest:
			return "Error: " + apiErr.Message
		}
		slog.Debug("unclassified gateway error", "status", apiErr.Status, "code", apiErr.Code, "message", apiErr.Message)
		return "Error: " + apiErr.Error()
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, "connection refused", "no such host", "connect: ") {
		return "Error: the gateway is not running. Start it first:  walink serve"
	}
	if containsAny(lower, "timeout", "timed out", "deadline exceeded") {
		return "Error: request to the gateway timed out. Please try again."
	}
	slog.Debug("unclassified client error", "error", err)
	return "Error: " + err.Error()
}

// containsAny returns true if s contains any of the given substrings.
func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
