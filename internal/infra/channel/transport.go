package channel

import (
	"context"
	"errors"
	"time"

	domain "attendance_notifier/internal/domain/channel"
)

// ErrUnauthorized means the messaging network rejected the stored session;
// the gateway must re-pair before it can send again.
var ErrUnauthorized = errors.New("channel session rejected, re-pairing required")

// ErrPairingExpired means the pairing artifact was not consumed in time.
var ErrPairingExpired = errors.New("pairing artifact expired before it was scanned")

// PairingArtifact is the out-of-band handshake token (rendered as a QR by
// the admin UI). It expires and is regenerated if not consumed.
type PairingArtifact struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InboundEvent is a message or delivery receipt observed on the channel.
type InboundEvent struct {
	Type    string         `json:"type"` // message, receipt
	Payload map[string]any `json:"payload"`
	At      time.Time      `json:"at"`
}

// Transport is the wire-level session to the messaging network. The
// gateway owns all calls into it; implementations carry no reconnect or
// state-machine logic of their own.
type Transport interface {
	// Restore resumes a previously paired session from stored credentials.
	Restore(ctx context.Context, creds []byte) (*domain.SessionInfo, error)
	// Pair requests a fresh pairing artifact.
	Pair(ctx context.Context) (*PairingArtifact, error)
	// Handshake blocks until the artifact is consumed out-of-band or
	// expires, returning session credentials to persist.
	Handshake(ctx context.Context, code string) (creds []byte, info *domain.SessionInfo, err error)
	// Send delivers one message, returning the network's message id.
	Send(ctx context.Context, contact, text string) (string, error)
	// Ping verifies the session is still live.
	Ping(ctx context.Context) error
	// Poll fetches inbound messages and delivery receipts.
	Poll(ctx context.Context) ([]InboundEvent, error)
	// Logout terminates the session on the network side.
	Logout(ctx context.Context) error
}

// SessionStore persists session credentials across restarts.
type SessionStore interface {
	Load(ctx context.Context) (creds []byte, userRef string, err error)
	Save(ctx context.Context, creds []byte, userRef string) error
	Clear(ctx context.Context) error
}
