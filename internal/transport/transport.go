// Package transport describes the real-time media layer the session hands
// its credentials to.
package transport

//go:generate mockgen -source=transport.go -destination=mocks/mock_transport.go -package=mocks

import (
	"context"
	"errors"

	"voice-session/internal/audio"
)

// ErrDeviceNotFound is wrapped by Connect when the capture device is missing.
var ErrDeviceNotFound = errors.New("audio input device not found")

// Credentials are issued once per attempt by the signaling server.
type Credentials struct {
	RoomURL string
	Token   string
}

// State is a transport-reported connection state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReady        State = "ready"
	StateError        State = "error"
	StateDisconnected State = "disconnected"
)

// TrackEvent reports a track for a role. A nil Stream means the track ended.
type TrackEvent struct {
	Role   audio.Role
	Stream audio.Stream
}

// Event carries either a State change or a Track change. Attempt echoes the
// attempt ID the session was connected with.
type Event struct {
	Attempt string
	State   State
	Track   *TrackEvent
	Err     error
}

type attemptKey struct{}

// WithAttempt tags ctx with the attempt a Connect call belongs to.
func WithAttempt(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, attemptKey{}, id)
}

// AttemptFrom returns the attempt ID set by WithAttempt, or "".
func AttemptFrom(ctx context.Context) string {
	id, _ := ctx.Value(attemptKey{}).(string)
	return id
}

// Transport events for a session carry the attempt ID found in the Connect
// context.
type Transport interface {
	Connect(ctx context.Context, creds Credentials) error
	Disconnect(ctx context.Context) error
	EnableMic(enabled bool) error
	Subscribe(fn func(Event)) (unsubscribe func())
}
