// Package channel defines the contract between the pipeline and the
// stateful outbound messaging connection. Only the gateway mutates the
// session state; everyone else reads it through Client.
package channel

import (
	"context"
	"errors"
	"time"
)

// State is the channel session lifecycle.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StatePairing         State = "pairing"
	StateConnected       State = "connected"
	StateDisconnected    State = "disconnected"
	StateReconnecting    State = "reconnecting"
	StateTerminated      State = "terminated"
)

// ErrNotConnected is returned by Send calls while the session is not
// connected. Dispatch attempts stay pending in that case, they are never
// failed for it.
var ErrNotConnected = errors.New("channel is not connected")

// SessionInfo describes the authenticated messaging-network account.
type SessionInfo struct {
	User        string `json:"user"`
	DisplayName string `json:"display_name,omitempty"`
}

// StateEvent is pushed to subscribers on every lifecycle transition.
type StateEvent struct {
	State  State     `json:"state"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Client is the send-side view of the gateway.
type Client interface {
	SendMessage(ctx context.Context, contact, text string) (externalRef string, err error)
	IsConnected() bool
}
