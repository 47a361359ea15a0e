// Package whatsapp implements the transport.Transport interface on top of
// whatsmeow, a native Go WhatsApp Web API library. QR code login with a
// persistent SQLite session, automatic reconnection with backoff, media
// download for inbound files and document/image upload for outbound ones.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/transport"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the session store.
)

// Config holds WhatsApp transport configuration.
type Config struct {
	// DatabasePath is the SQLite file holding the whatsmeow session
	// (tables prefixed whatsmeow_). May be the shared zapdesk database.
	DatabasePath string `yaml:"database_path"`

	// MaxMediaSizeMB caps inbound media downloads.
	MaxMediaSizeMB int `yaml:"max_media_size_mb"`

	// ReconnectBackoff is the initial backoff for reconnection attempts.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts caps reconnection tries (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath:         "./data/whatsapp.db",
		MaxMediaSizeMB:       16,
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// QREvent is sent to QR observers during login.
type QREvent struct {
	// Type is "code", "success", "timeout" or "error".
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// WhatsApp implements transport.Transport.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	events chan transport.Inbound

	connected atomic.Bool
	state     atomic.Value // transport.State

	reconnectGuard    atomic.Bool
	reconnectAttempts atomic.Int32

	qrObservers   []chan QREvent
	qrObserversMu sync.Mutex
	lastQR        *QREvent

	onReceipt ReceiptFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp transport instance.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = def.DatabasePath
	}
	if cfg.MaxMediaSizeMB == 0 {
		cfg.MaxMediaSizeMB = def.MaxMediaSizeMB
	}
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = def.ReconnectBackoff
	}

	w := &WhatsApp{
		cfg:    cfg,
		logger: logger.With("component", "whatsapp"),
		events: make(chan transport.Inbound, 256),
	}
	w.setState(transport.StateDisconnected)
	return w
}

func (w *WhatsApp) setState(s transport.State) { w.state.Store(s) }

// State returns the current connection state.
func (w *WhatsApp) State() transport.State {
	if v := w.state.Load(); v != nil {
		return v.(transport.State)
	}
	return transport.StateDisconnected
}

// IsConnected reports whether messages can be sent right now.
func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// Events returns the normalized inbound message channel.
func (w *WhatsApp) Events() <-chan transport.Inbound { return w.events }

// ---------- QR observation ----------

// SubscribeQR registers an observer for QR login events. Late joiners
// immediately receive the cached code. Returns an unsubscribe func.
func (w *WhatsApp) SubscribeQR() (chan QREvent, func()) {
	ch := make(chan QREvent, 8)
	w.qrObserversMu.Lock()
	w.qrObservers = append(w.qrObservers, ch)
	if w.lastQR != nil {
		select {
		case ch <- *w.lastQR:
		default:
		}
	}
	w.qrObserversMu.Unlock()

	return ch, func() {
		w.qrObserversMu.Lock()
		defer w.qrObserversMu.Unlock()
		for i, obs := range w.qrObservers {
			if obs == ch {
				w.qrObservers = append(w.qrObservers[:i], w.qrObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (w *WhatsApp) notifyQR(evt QREvent) {
	w.qrObserversMu.Lock()
	defer w.qrObserversMu.Unlock()

	if evt.Type == "code" {
		w.lastQR = &evt
	} else {
		w.lastQR = nil
	}
	for _, ch := range w.qrObservers {
		select {
		case ch <- evt:
		default:
			// Observer too slow, skip.
		}
	}
}

// ---------- Lifecycle ----------

// Connect initializes the whatsmeow client and connects. With no stored
// session the QR login runs in the background so the console can start
// and show the code to whoever polls for it.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.setState(transport.StateLoading)
	w.logger.Info("whatsapp: initializing connection", "db", w.cfg.DatabasePath)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		w.setState(transport.StateError)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		w.setState(transport.StateError)
		return fmt.Errorf("getting device: %w", err)
	}

	// Name shown in the WhatsApp linked devices list.
	store.SetOSInfo("ZapDesk", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true
	w.client.InitialAutoReconnect = true

	if w.client.Store.ID == nil {
		w.setState(transport.StateQRReady)
		w.logger.Info("whatsapp: no session, QR login required")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR login pending", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		w.setState(transport.StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}
	w.connected.Store(true)
	w.logger.Info("whatsapp: connected with existing session", "jid", w.clientJID())
	return nil
}

// Disconnect gracefully closes the connection.
func (w *WhatsApp) Disconnect() error {
	w.setState(transport.StateDisconnected)
	w.connected.Store(false)

	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	// w.events is never closed: a whatsmeow handler may still be inside
	// emit, and consumers stop on their own context instead.
	w.logger.Info("whatsapp: disconnected")
	return nil
}

func (w *WhatsApp) clientJID() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR streams QR codes to observers until pairing succeeds.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	w.setState(transport.StateQRReady)
	for {
		select {
		case <-ctx.Done():
			w.setState(transport.StateDisconnected)
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}
			switch evt.Event {
			case "code":
				w.setState(transport.StateQRReady)
				w.logger.Info("whatsapp: QR code ready")
				w.notifyQR(QREvent{Type: "code", Code: evt.Code,
					Message: "Escaneie o QR code no WhatsApp para conectar"})
			case "success":
				w.connected.Store(true)
				w.reconnectAttempts.Store(0)
				w.setState(transport.StateConnected)
				w.logger.Info("whatsapp: login successful")
				w.notifyQR(QREvent{Type: "success", Message: "WhatsApp conectado!"})
				return nil
			case "timeout":
				w.setState(transport.StateDisconnected)
				w.logger.Warn("whatsapp: QR code expired")
				w.notifyQR(QREvent{Type: "timeout", Message: "QR code expirado"})
				return fmt.Errorf("QR code timeout")
			default:
				if evt.Error != nil {
					w.setState(transport.StateError)
					w.logger.Error("whatsapp: QR login error", "error", evt.Error)
					w.notifyQR(QREvent{Type: "error", Message: evt.Error.Error()})
					return fmt.Errorf("QR login error: %v", evt.Error)
				}
			}
		}
	}
}

// attemptReconnect retries the connection with linear backoff. A guard
// prevents concurrent attempts.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		return
	}
	defer w.reconnectGuard.Store(false)

	for {
		if w.ctx.Err() != nil {
			return
		}
		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("whatsapp: max reconnect attempts reached", "attempts", attempts)
			w.setState(transport.StateError)
			return
		}

		backoff := min(w.cfg.ReconnectBackoff*time.Duration(attempts), 5*time.Minute)
		w.logger.Info("whatsapp: attempting reconnect", "attempt", attempts, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			return
		}

		if w.client == nil {
			return
		}
		if w.client.IsConnected() {
			w.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}
		if err := w.client.Connect(); err != nil {
			w.logger.Warn("whatsapp: reconnect attempt failed", "attempt", attempts, "error", err)
			continue
		}
		return
	}
}

// emit forwards an inbound event without ever blocking the whatsmeow
// event loop.
func (w *WhatsApp) emit(evt transport.Inbound) {
	select {
	case w.events <- evt:
	case <-w.ctx.Done():
	default:
		w.logger.Warn("whatsapp: event channel full, dropping message", "user", evt.UserID)
	}
}
