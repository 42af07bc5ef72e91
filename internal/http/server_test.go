package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/walink/internal/bus"
	"github.com/nextlevelbuilder/walink/internal/sessionstore"
	"github.com/nextlevelbuilder/walink/internal/whatsapp"
	"github.com/nextlevelbuilder/walink/internal/whatsapp/whatsapptest"
	"github.com/nextlevelbuilder/walink/pkg/protocol"
)

type apiFixture struct {
	conn  *whatsapptest.Connector
	store *sessionstore.MemoryStore
	m     *whatsapp.Manager
	srv   *Server
	ts    *httptest.Server
}

func newAPI(t *testing.T, creds whatsapp.Credentials, cfg Config) *apiFixture {
	t.Helper()
	ms := sessionstore.NewMemoryStore(creds)
	return newAPIWithStore(t, ms, ms, cfg)
}

// newAPIWithStore wires the manager to store; ms is the memory store behind it.
func newAPIWithStore(t *testing.T, ms *sessionstore.MemoryStore, store whatsapp.SessionStore, cfg Config) *apiFixture {
	t.Helper()
	events := bus.New()
	f := &apiFixture{
		conn:  &whatsapptest.Connector{OnConnect: whatsapptest.PairOnConnect("qr-1")},
		store: ms,
	}
	policy := whatsapp.Policy{PairingWait: 300 * time.Millisecond}
	f.m = whatsapp.NewManager(f.conn, store, whatsapp.WithNotifier(events), whatsapp.WithPolicy(policy))
	gov := whatsapp.NewGovernor(f.m, policy)
	f.srv = NewServer(f.m, gov, events, cfg)
	f.ts = httptest.NewServer(f.srv.Handler())
	t.Cleanup(func() {
		f.srv.CloseStreams()
		f.ts.Close()
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func (f *apiFixture) connected(t *testing.T) *whatsapptest.Handle {
	t.Helper()
	if err := f.m.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.m.Snapshot().Status != whatsapp.StatusConnected {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return f.conn.Last()
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	resp := decode[protocol.ErrorResponse](t, data)
	if resp.Error == nil {
		t.Fatalf("no error object in %s", data)
	}
	return resp.Error.Code
}

func TestStatus(t *testing.T) {
	f := newAPI(t, nil, Config{})

	resp, data := f.do(t, "GET", "/api/status", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	got := decode[protocol.StatusResponse](t, data)
	if got.Connected || got.Status != "disconnected" {
		t.Errorf("status = %+v", got)
	}

	f.connected(t)
	_, data = f.do(t, "GET", "/api/status", nil, nil)
	if got := decode[protocol.StatusResponse](t, data); !got.Connected {
		t.Errorf("status after connect = %+v", got)
	}
}

func TestQR_ConnectsAndReturnsCode(t *testing.T) {
	f := newAPI(t, nil, Config{})

	resp, data := f.do(t, "GET", "/api/qr?auto=1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	got := decode[protocol.PairingResponse](t, data)
	if got.Code != "qr-1" || got.ExpiresInSeconds != 30 || got.Blocked {
		t.Errorf("pairing = %+v", got)
	}
}

func TestQR_BlockedAfterAutomaticBound(t *testing.T) {
	f := newAPI(t, nil, Config{})

	for i := 0; i < 5; i++ {
		_, data := f.do(t, "GET", "/api/qr?auto=true", nil, nil)
		if got := decode[protocol.PairingResponse](t, data); got.Blocked {
			t.Fatalf("auto request %d blocked", i+1)
		}
	}
	_, data := f.do(t, "GET", "/api/qr?auto=1", nil, nil)
	got := decode[protocol.PairingResponse](t, data)
	if !got.Blocked || got.Code != "" || got.ExpiresInSeconds != 0 {
		t.Errorf("6th auto request = %+v, want blocked", got)
	}

	resp, data := f.do(t, "GET", "/api/qr.png?auto=1", nil, nil)
	if resp.StatusCode != http.StatusConflict || errorCode(t, data) != protocol.ErrPairingBlocked {
		t.Errorf("png while blocked = %d %s", resp.StatusCode, data)
	}

	// Manual request (no auto flag) unblocks.
	_, data = f.do(t, "GET", "/api/qr", nil, nil)
	if got := decode[protocol.PairingResponse](t, data); got.Blocked || got.Code != "qr-1" {
		t.Errorf("manual request = %+v", got)
	}
}

// cancelAwareStore fails Delete on a cancelled context, as the SQL store does.
type cancelAwareStore struct {
	*sessionstore.MemoryStore
}

func (s cancelAwareStore) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Delete(ctx)
}

func TestQR_BlockedWipesSessionAfterClientLeft(t *testing.T) {
	for _, path := range []string{"/api/qr?auto=1", "/api/qr.png?auto=1"} {
		t.Run(path, func(t *testing.T) {
			ms := sessionstore.NewMemoryStore("device-1")
			f := newAPIWithStore(t, ms, cancelAwareStore{ms}, Config{})
			// The stored session never links, so every dial offers a code.
			f.conn.OnConnect = func(h *whatsapptest.Handle) { h.OfferCode("qr-1") }

			for i := 0; i < 5; i++ {
				f.do(t, "GET", "/api/qr?auto=1", nil, nil)
			}
			if !ms.Present() {
				t.Fatal("session wiped before the bound was reached")
			}

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			req := httptest.NewRequest("GET", path, nil).WithContext(ctx)
			f.srv.Handler().ServeHTTP(httptest.NewRecorder(), req)

			if ms.Present() {
				t.Error("session survived the blocked request of a departed client")
			}
			if s := f.m.Status(); s != whatsapp.StatusDisconnected {
				t.Errorf("status = %s, want disconnected", s)
			}
		})
	}
}

func TestQR_ConnectedReportsConnected(t *testing.T) {
	f := newAPI(t, "device-1", Config{})
	f.connected(t)

	_, data := f.do(t, "GET", "/api/qr?auto=1", nil, nil)
	if got := decode[protocol.PairingResponse](t, data); !got.Connected || got.Code != "" {
		t.Errorf("pairing = %+v, want connected", got)
	}

	resp, _ := f.do(t, "GET", "/api/qr.png", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("png status = %d, want 204", resp.StatusCode)
	}
}

func TestQRImage(t *testing.T) {
	f := newAPI(t, nil, Config{})

	resp, data := f.do(t, "GET", "/api/qr.png", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d: %s", resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Error("body is not a PNG")
	}
	if resp.Header.Get("X-Expires-In") != "30" {
		t.Errorf("X-Expires-In = %q", resp.Header.Get("X-Expires-In"))
	}
}

func TestSend_Validation(t *testing.T) {
	f := newAPI(t, nil, Config{})

	tests := []struct {
		name string
		body any
	}{
		{"missing message", protocol.SendRequest{PhoneNumber: "15551234567"}},
		{"missing phone", protocol.SendRequest{Message: "hi"}},
		{"blank phone", protocol.SendRequest{PhoneNumber: "   ", Message: "hi"}},
		{"not json", "just a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := f.do(t, "POST", "/api/send-message", tt.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status code = %d, want 400", resp.StatusCode)
			}
			if code := errorCode(t, data); code != protocol.ErrInvalidRequest {
				t.Errorf("error code = %s", code)
			}
		})
	}
}

func TestSend_NotConnected(t *testing.T) {
	f := newAPI(t, nil, Config{})

	resp, data := f.do(t, "POST", "/api/send-message",
		protocol.SendRequest{PhoneNumber: "15551234567", Message: "hi"}, nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want 503", resp.StatusCode)
	}
	if code := errorCode(t, data); code != protocol.ErrNotConnected {
		t.Errorf("error code = %s", code)
	}
}

func TestSend_Delivers(t *testing.T) {
	f := newAPI(t, "device-1", Config{})
	h := f.connected(t)

	resp, data := f.do(t, "POST", "/api/send-message",
		protocol.SendRequest{PhoneNumber: "+1 (555) 123-4567", Message: "hello"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d: %s", resp.StatusCode, data)
	}
	got := decode[protocol.SendResponse](t, data)
	if !got.Success || got.MessageID != "MSGA" {
		t.Errorf("response = %+v", got)
	}
	sent := h.Sent()
	if len(sent) != 1 || sent[0].Address != "15551234567@s.whatsapp.net" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestSend_IdempotencyKeyReplays(t *testing.T) {
	f := newAPI(t, "device-1", Config{})
	h := f.connected(t)
	req := protocol.SendRequest{PhoneNumber: "15551234567", Message: "once"}
	hdr := map[string]string{"Idempotency-Key": "order-42"}

	_, first := f.do(t, "POST", "/api/send-message", req, hdr)
	resp, second := f.do(t, "POST", "/api/send-message", req, hdr)

	if decode[protocol.SendResponse](t, first).MessageID != decode[protocol.SendResponse](t, second).MessageID {
		t.Errorf("replayed id differs: %s vs %s", first, second)
	}
	if resp.Header.Get("Idempotent-Replayed") != "true" {
		t.Error("missing Idempotent-Replayed header")
	}
	if n := len(h.Sent()); n != 1 {
		t.Errorf("handle sends = %d, want 1", n)
	}
}

func TestSend_DeliveryFailure(t *testing.T) {
	f := newAPI(t, "device-1", Config{})
	f.connected(t)
	f.conn.SendErr = errors.New("rejected")

	resp, data := f.do(t, "POST", "/api/send-message",
		protocol.SendRequest{PhoneNumber: "15551234567", Message: "hi"}, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status code = %d, want 502", resp.StatusCode)
	}
	if code := errorCode(t, data); code != protocol.ErrDeliveryFailed {
		t.Errorf("error code = %s", code)
	}
}

func TestClear_Reconnects(t *testing.T) {
	f := newAPI(t, "device-1", Config{})
	old := f.connected(t)

	resp, data := f.do(t, "POST", "/api/clear", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d: %s", resp.StatusCode, data)
	}
	if f.store.Present() {
		t.Error("credentials still present after clear")
	}
	if old.Logouts() != 1 {
		t.Errorf("logouts = %d, want 1", old.Logouts())
	}
	if n := f.conn.Opens(); n != 2 {
		t.Errorf("opens = %d, want 2", n)
	}
}

func TestClear_DeleteFailure(t *testing.T) {
	f := newAPI(t, "device-1", Config{})
	f.connected(t)
	f.store.SetDeleteErr(errors.New("read-only"))

	resp, data := f.do(t, "POST", "/api/clear", nil, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status code = %d, want 500", resp.StatusCode)
	}
	if code := errorCode(t, data); code != protocol.ErrSessionDeleteFailed {
		t.Errorf("error code = %s", code)
	}
}

func TestLogout(t *testing.T) {
	f := newAPI(t, "device-1", Config{})
	f.connected(t)

	resp, _ := f.do(t, "POST", "/api/logout", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	if s := f.m.Status(); s != whatsapp.StatusDisconnected {
		t.Errorf("status = %s", s)
	}
	if f.store.Present() {
		t.Error("credentials still present after logout")
	}
	if n := f.conn.Opens(); n != 1 {
		t.Errorf("opens = %d, logout must not reconnect", n)
	}
}

func TestAuth(t *testing.T) {
	f := newAPI(t, nil, Config{Token: "s3cret"})

	resp, data := f.do(t, "GET", "/api/status", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized || errorCode(t, data) != protocol.ErrUnauthorized {
		t.Errorf("no token: %d %s", resp.StatusCode, data)
	}
	resp, _ = f.do(t, "GET", "/api/status", nil, map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: %d", resp.StatusCode)
	}
	resp, _ = f.do(t, "GET", "/api/status", nil, map[string]string{"Authorization": "Bearer s3cret"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("right token: %d", resp.StatusCode)
	}
	resp, _ = f.do(t, "GET", "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz needs no token: %d", resp.StatusCode)
	}

	f.srv.Apply(Config{Token: "rotated"})
	resp, _ = f.do(t, "GET", "/api/status", nil, map[string]string{"Authorization": "Bearer rotated"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("rotated token: %d", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	f := newAPI(t, nil, Config{RateLimitRPM: 60, RateBurst: 2})

	codes := make([]int, 3)
	for i := range codes {
		resp, _ := f.do(t, "GET", "/api/status", nil, nil)
		codes[i] = resp.StatusCode
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 200 429]", codes)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPI(t, nil, Config{})
	f.do(t, "GET", "/api/status", nil, nil)

	resp, data := f.do(t, "GET", "/metrics", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	for _, name := range []string{"walink_connection_status", "walink_http_requests_total"} {
		if !strings.Contains(string(data), name) {
			t.Errorf("metrics missing %s", name)
		}
	}
}

func TestStream(t *testing.T) {
	f := newAPI(t, nil, Config{Token: "s3cret"})
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws?token=s3cret"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() *protocol.RawEvent {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		ev, err := protocol.ParseEvent(data)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return ev
	}

	if ev := read(); ev.Event != protocol.EventHello {
		t.Fatalf("first event = %s, want hello", ev.Event)
	}

	// Clients are registered once subscribed.
	deadline := time.Now().Add(time.Second)
	for f.srv.StreamClients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.m.Connect(t.Context()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var sawPairing bool
	for i := 0; i < 4 && !sawPairing; i++ {
		ev := read()
		if ev.Event == protocol.EventPairing {
			got := decode[protocol.PairingResponse](t, ev.Payload)
			if got.Code != "qr-1" {
				t.Errorf("pairing code = %q", got.Code)
			}
			sawPairing = true
		}
	}
	if !sawPairing {
		t.Error("no pairing event on stream")
	}
}

func TestStream_RequiresToken(t *testing.T) {
	f := newAPI(t, nil, Config{Token: "s3cret"})
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %v, want 401", resp)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if !rl.Allow("1.2.3.4") {
			t.Fatal("disabled limiter refused a request")
		}
	}
	if rl.Enabled() {
		t.Error("Enabled() = true for rpm 0")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	now := time.Now()
	rl := NewRateLimiter(60, 1)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	rl.Allow("b")
	if rl.size() != 2 {
		t.Fatalf("size = %d, want 2", rl.size())
	}

	now = now.Add(15 * time.Minute)
	rl.Allow("c")
	if rl.size() != 1 {
		t.Errorf("size after cleanup = %d, want 1", rl.size())
	}
}
