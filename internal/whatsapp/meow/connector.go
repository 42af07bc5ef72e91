// Package meow implements whatsapp.Connector on top of whatsmeow.
package meow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/nextlevelbuilder/walink/internal/whatsapp"
)

// DefaultDeviceName is the OS name shown under "Linked devices" on the phone.
const DefaultDeviceName = "Windows"

// Config configures the whatsmeow connector.
type Config struct {
	DeviceName string
	// PrintQR renders every offered pairing code to stderr.
	PrintQR bool
}

// Connector opens whatsmeow clients over a shared sqlstore container.
type Connector struct {
	container *sqlstore.Container
	log       waLog.Logger
	cfg       Config
}

var propsOnce sync.Once

// NewConnector creates a connector. Device properties are process-global in
// whatsmeow, so the first connector's name wins.
func NewConnector(container *sqlstore.Container, log waLog.Logger, cfg Config) *Connector {
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultDeviceName
	}
	propsOnce.Do(func() {
		store.DeviceProps.Os = proto.String(cfg.DeviceName)
		store.DeviceProps.PlatformType = waCompanionReg.DeviceProps_DESKTOP.Enum()
		store.DeviceProps.RequireFullSync = proto.Bool(false)
	})
	return &Connector{container: container, log: log, cfg: cfg}
}

// Open implements whatsapp.Connector. A nil or foreign creds value starts a fresh device.
func (c *Connector) Open(_ context.Context, creds whatsapp.Credentials, sink whatsapp.EventSink) (whatsapp.Handle, error) {
	dev, _ := creds.(*store.Device)
	if dev == nil {
		dev = c.container.NewDevice()
	}

	cli := whatsmeow.NewClient(dev, c.log.Sub("Client"))
	cli.EnableAutoReconnect = false

	h := &handle{cli: cli, sink: sink, printQR: c.cfg.PrintQR, dial: cli.Connect, hangup: cli.Disconnect}
	h.handlerID = cli.AddEventHandler(h.onEvent)
	return h, nil
}

var errHandleClosed = errors.New("connection closed before dial")

type handle struct {
	cli       *whatsmeow.Client
	sink      whatsapp.EventSink
	handlerID uint32
	printQR   bool

	// dial and hangup are cli.Connect and cli.Disconnect.
	dial   func() error
	hangup func()

	mu       sync.Mutex
	closed   bool
	cancelQR context.CancelFunc
}

// Connect dials unless the handle was closed. A Close that lands while the
// dial is in flight is honoured once the dial returns.
func (h *handle) Connect() error {
	if h.cli.Store.ID == nil {
		ctx, cancel := context.WithCancel(context.Background())
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			cancel()
			return errHandleClosed
		}
		h.cancelQR = cancel
		h.mu.Unlock()

		qrCh, err := h.cli.GetQRChannel(ctx)
		if err != nil {
			cancel()
			return fmt.Errorf("get qr channel: %w", err)
		}
		go h.pumpQR(qrCh)
	}

	if h.isClosed() {
		return errHandleClosed
	}
	if err := h.dial(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if h.isClosed() {
		h.hangup()
		return errHandleClosed
	}
	return nil
}

func (h *handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *handle) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			if h.printQR {
				printTerminalQR(item.Code)
			}
			h.emit(whatsapp.PairingCodeOffered{Code: item.Code, TTL: item.Timeout})
		case whatsmeow.QRChannelSuccess.Event:
			// events.PairSuccess and events.Connected follow on the event handler.
		case whatsmeow.QRChannelTimeout.Event:
			h.emit(whatsapp.ConnectionClosed{Reason: "pairing timed out"})
		default:
			reason := item.Event
			if item.Error != nil {
				reason = item.Error.Error()
			}
			h.emit(whatsapp.ConnectionClosed{Reason: "pairing failed: " + reason})
		}
	}
}

func (h *handle) onEvent(evt any) {
	if ev := translate(evt, h.cli.Store); ev != nil {
		h.emit(ev)
	}
}

func (h *handle) emit(ev whatsapp.Event) {
	if h.isClosed() {
		return
	}
	h.sink(ev)
}

func (h *handle) Send(ctx context.Context, address, body string) (string, error) {
	jid, err := types.ParseJID(address)
	if err != nil {
		return "", fmt.Errorf("parse address: %w", err)
	}
	resp, err := h.cli.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (h *handle) Logout(ctx context.Context) error {
	if h.cli.Store.ID == nil {
		return nil
	}
	return h.cli.Logout(ctx)
}

func (h *handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	cancel := h.cancelQR
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.cli.RemoveEventHandler(h.handlerID)
	h.hangup()
}

// printTerminalQR writes a half-block QR code so it can be scanned from a terminal.
func printTerminalQR(code string) {
	q, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		slog.Warn("whatsapp: render terminal qr failed", "error", err)
		return
	}
	fmt.Fprintln(os.Stderr, "Scan this QR code from WhatsApp > Linked devices:")
	fmt.Fprint(os.Stderr, q.ToSmallString(false))
}
