package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/nextlevelbuilder/walink/internal/whatsapp"
	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

const qrImageSize = 256

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.lc.Snapshot()
	writeJSON(w, http.StatusOK, protocol.StatusResponse{
		Connected: snap.Status == whatsapp.StatusConnected,
		Status:    snap.Status.String(),
	})
}

// parseAuto reads the ?auto= flag. Absent or false means a manual request.
func parseAuto(r *http.Request) bool {
	v := r.URL.Query().Get("auto")
	if v == "" {
		return false
	}
	auto, err := strconv.ParseBool(v)
	return err == nil && auto
}

// The blocked path disconnects and wipes the session; that must finish even
// if the polling client goes away.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	res := s.gov.Request(context.WithoutCancel(r.Context()), parseAuto(r))
	writeJSON(w, http.StatusOK, protocol.PairingResponse{
		Code:             res.Code,
		ExpiresInSeconds: res.ExpiresIn,
		Blocked:          res.Blocked,
		Connected:        res.Connected,
	})
}

func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	res := s.gov.Request(context.WithoutCancel(r.Context()), parseAuto(r))
	if err := res.Err(); err != nil {
		writeLifecycleError(w, err)
		return
	}
	if res.Code == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	png, err := qrcode.Encode(res.Code, qrcode.Medium, qrImageSize)
	if err != nil {
		slog.Error("http: render QR failed", "error", err)
		writeError(w, http.StatusInternalServerError, protocol.ErrInternal, "render QR code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Expires-In", strconv.Itoa(res.ExpiresIn))
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSendBodySize)

	var req protocol.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "invalid JSON body")
		return
	}
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.PhoneNumber == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "phoneNumber and message are required")
		return
	}

	// Shared with concurrent retries carrying the same key, so not tied to one request.
	ctx := context.WithoutCancel(r.Context())
	key := r.Header.Get("Idempotency-Key")
	id, replayed, err := s.idem.Do(key, func() (string, error) {
		return s.lc.Send(ctx, req.PhoneNumber, req.Message)
	})
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeJSON(w, http.StatusOK, protocol.SendResponse{Success: true, MessageID: id})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	err := s.lc.Reset(context.WithoutCancel(r.Context()))
	if errors.Is(err, whatsapp.ErrSessionDeleteFailed) {
		writeLifecycleError(w, err)
		return
	}
	msg := "session cleared, a new pairing code will be issued"
	if err != nil {
		// Reconnect failures surface through status only.
		slog.Warn("http: reconnect after clear failed", "error", err)
		msg = "session cleared, reconnect failed; request a pairing code to retry"
	}
	writeJSON(w, http.StatusOK, protocol.ActionResponse{Success: true, Message: msg})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.lc.Disconnect(context.WithoutCancel(r.Context())); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ActionResponse{Success: true, Message: "logged out"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"status": s.lc.Snapshot().Status,
	})
}
