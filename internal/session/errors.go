package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected = errors.New("session is not connected")
	ErrClosed       = errors.New("session controller closed")
)

type ErrorKind int

const (
	// SignalingError is a socket failure before credentials arrived.
	SignalingError ErrorKind = iota + 1
	// ProtocolError is a signaling message that is not valid JSON.
	ProtocolError
	// DeviceError means the transport found no capture device.
	DeviceError
	// TransportError is any other transport connect failure.
	TransportError
	// PermissionDenied means device access was refused.
	PermissionDenied
)

func (k ErrorKind) String() string {
	switch k {
	case SignalingError:
		return "signaling_error"
	case ProtocolError:
		return "protocol_error"
	case DeviceError:
		return "device_error"
	case TransportError:
		return "transport_error"
	case PermissionDenied:
		return "permission_denied"
	default:
		return "unknown_error"
	}
}

// Error is the reason carried by the Failed state.
type Error struct {
	Kind ErrorKind
	Err  error
}

func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage is the short text shown to the user.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case SignalingError:
		return "WebSocket connection failed"
	case ProtocolError:
		return "Failed to parse server response"
	case DeviceError:
		return "Microphone not found. Please check your audio device settings."
	case PermissionDenied:
		return "Microphone access was not granted"
	case TransportError:
		if e.Err == nil {
			return "Connection failed: Unknown error"
		}
		return "Connection failed: " + rootCause(e.Err).Error()
	default:
		return "Unexpected error"
	}
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
