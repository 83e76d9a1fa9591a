package wa

import (
	"context"
	"errors"
	"fmt"

	"livecast/internal/model"
)

var (
	ErrNotFound         = errors.New("wa: tenant session not found")
	ErrNotConnected     = errors.New("wa: tenant session not connected")
	ErrAuthFailed       = errors.New("wa: credentials rejected")
	ErrInvalidRecipient = errors.New("wa: invalid recipient")
)

// ConnectionError reports a failed dial or handshake for a tenant. It is recoverable.
type ConnectionError struct {
	TenantID string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("wa: connect %s: %v", e.TenantID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// EventKind enumerates the lifecycle signals a Conn emits.
type EventKind int

const (
	EventQR            EventKind = iota // a new pairing code is available
	EventQRTimeout                      // pairing codes ran out without a scan
	EventAuthenticated                  // pairing succeeded, login in progress
	EventReady                          // logged in and able to send
	EventDisconnected                   // transport dropped
	EventAuthFailed                     // credentials rejected or revoked
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventQRTimeout:
		return "qr_timeout"
	case EventAuthenticated:
		return "authenticated"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventAuthFailed:
		return "auth_failed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one lifecycle signal. QR is set for EventQR, Identity for
// EventAuthenticated/EventReady, Err for failures.
type Event struct {
	Kind     EventKind
	QR       string
	Identity *model.Identity
	Err      error
}

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// Media describes an attachment fetched from URL.
type Media struct {
	URL     string
	Caption string
	Kind    MediaKind
}

// Conn is one tenant's connection to WhatsApp. It is used by a single owner
// goroutine; implementations need not be safe for concurrent sends.
type Conn interface {
	// Events delivers lifecycle signals in order. The channel is never closed
	// while the connection is open.
	Events() <-chan Event
	// Connect starts the connect or pairing sequence; progress arrives as events.
	Connect() error
	SendText(ctx context.Context, to, text string) (string, error)
	SendMedia(ctx context.Context, to string, media Media) (string, error)
	// Logout revokes the linked device.
	Logout(ctx context.Context) error
	// Close drops the connection without logging out.
	Close()
}

// DialRequest selects the credentials a new Conn is built from.
type DialRequest struct {
	TenantID string
	Identity *model.Identity // previously linked device, nil to pair a new one
	Fresh    bool            // discard stored credentials for Identity and pair again
}

// Dialer creates connections. Dial must not block on network I/O for long;
// the handshake happens in Conn.Connect.
type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Conn, error)
}

// SessionStore persists the per-tenant session record.
type SessionStore interface {
	SaveSession(ctx context.Context, sess model.Session) error
	LoadSession(ctx context.Context, tenantID string) (model.Session, error)
	ListSessions(ctx context.Context) ([]model.Session, error)
	ForgetIdentity(ctx context.Context, tenantID string) error
}
