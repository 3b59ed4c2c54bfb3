package session

// State is the connection state of the single voice session.
type State int

const (
	Idle State = iota
	SignalingConnecting
	AwaitingCredentials
	TransportConnecting
	Connected
	Disconnecting
	Disconnected
	Failed
)

var stateNames = [...]string{
	Idle:                "idle",
	SignalingConnecting: "signaling_connecting",
	AwaitingCredentials: "awaiting_credentials",
	TransportConnecting: "transport_connecting",
	Connected:           "connected",
	Disconnecting:       "disconnecting",
	Disconnected:        "disconnected",
	Failed:              "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CanConnect reports whether Connect starts a new attempt from s.
func (s State) CanConnect() bool {
	return s == Idle || s == Disconnected || s == Failed
}

// Connecting covers every state between Connect and Connected.
func (s State) Connecting() bool {
	return s == SignalingConnecting || s == AwaitingCredentials || s == TransportConnecting
}

// acceptsTransportEvents reports whether autonomous transport states are
// mapped while in s.
func (s State) acceptsTransportEvents() bool {
	return s == TransportConnecting || s == Connected
}
