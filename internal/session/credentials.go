package session

import (
	"encoding/json"
	"fmt"

	"voice-session/internal/transport"
)

// ParseCredentials reads one signaling message. It returns an error only when
// data is not JSON at all; JSON without both a non-empty room_url and token
// string yields ok == false.
func ParseCredentials(data []byte) (creds transport.Credentials, ok bool, err error) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return transport.Credentials{}, false, fmt.Errorf("failed to parse signaling message: %w", err)
	}

	fields, isObject := payload.(map[string]any)
	if !isObject {
		return transport.Credentials{}, false, nil
	}
	roomURL, _ := fields["room_url"].(string)
	token, _ := fields["token"].(string)
	if roomURL == "" || token == "" {
		return transport.Credentials{}, false, nil
	}
	return transport.Credentials{RoomURL: roomURL, Token: token}, true, nil
}
