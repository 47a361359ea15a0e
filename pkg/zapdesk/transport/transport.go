// Package transport defines the contract between the support console and
// the WhatsApp wire library. The console only ever sees normalized inbound
// events and a small send/edit surface; everything protocol-specific lives
// behind this interface.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/jholhewres/zapdesk/pkg/zapdesk/session"
)

// State is the transport connection state.
type State string

const (
	StateLoading      State = "loading"
	StateQRReady      State = "qr_ready"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// Inbound is a normalized incoming message event.
type Inbound struct {
	// UserID is the stable identifier derived from the sender's phone.
	UserID string

	// UserName is the sender's display (push) name, may be empty.
	UserName string

	Text      string
	File      *session.FileAttachment
	Reply     *session.ReplyRef
	Timestamp time.Time
}

// Transport is the message transport collaborator.
type Transport interface {
	// Connect establishes the connection. Non-blocking QR login: when no
	// session exists the QR flow runs in the background.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// SendText delivers a text message, returning the wire message id.
	SendText(ctx context.Context, userID, text string) (string, error)

	// SendFiles delivers file attachments with an optional caption.
	SendFiles(ctx context.Context, userID, text string, files []session.FileAttachment) (string, error)

	// EditText rewrites an already delivered message.
	EditText(ctx context.Context, userID, transportID, newText string) error

	// Events emits normalized inbound messages.
	Events() <-chan Inbound

	// State reports the connection state.
	State() State

	// IsConnected is true while messages can be sent.
	IsConnected() bool
}

// ErrDisconnected is returned by send operations while the transport is
// not connected; the outbound queue treats it as retriable.
var ErrDisconnected = errors.New("transport is not connected")
