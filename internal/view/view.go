// Package view projects session, meter and device state into what the
// terminal renders. It keeps no state of its own.
package view

import (
	"math"

	"voice-session/internal/audio"
	"voice-session/internal/audio/device"
	"voice-session/internal/audio/meter"
	"voice-session/internal/session"
)

type Action int

const (
	ActionNone Action = iota
	ActionConnect
	ActionDisconnect
)

type Input struct {
	Session session.Snapshot
	Local   meter.Reading
	Remote  meter.Reading
	Devices device.Snapshot
	// DeviceErr is the last device access failure, if any.
	DeviceErr *session.Error
}

type Button struct {
	Label   string
	Enabled bool
	Action  Action
}

type TrackCard struct {
	Role    audio.Role
	Title   string
	Live    bool
	Status  string
	Level   float64
	Percent int
	TrackID string
}

type DeviceOption struct {
	ID       string
	Label    string
	Selected bool
}

type Model struct {
	StatusLabel  string
	ErrorMessage string
	Button       Button
	Connecting   bool
	ShowMeters   bool
	Local        TrackCard
	Remote       TrackCard
	MicEnabled   bool
	MicLabel     string

	Devices          []DeviceOption
	PermissionPrompt bool
	PermissionLabel  string
}

var statusLabels = map[session.State]string{
	session.Idle:                "Idle",
	session.SignalingConnecting: "Connecting",
	session.AwaitingCredentials: "Connecting",
	session.TransportConnecting: "Connecting",
	session.Connected:           "Connected",
	session.Disconnecting:       "Disconnecting",
	session.Disconnected:        "Disconnected",
	session.Failed:              "Error",
}

func Project(in Input) Model {
	state := in.Session.State
	m := Model{
		StatusLabel: statusLabels[state],
		Connecting:  state.Connecting(),
		ShowMeters:  state == session.Connected,
		MicEnabled:  in.Session.MicEnabled,
		Local:       trackCard(audio.RoleLocal, "Your Audio", in.Local),
		Remote:      trackCard(audio.RoleRemote, "AI Audio", in.Remote),
	}
	if m.StatusLabel == "" {
		m.StatusLabel = state.String()
	}

	switch {
	case in.Session.Err != nil:
		m.ErrorMessage = in.Session.Err.UserMessage()
	case in.DeviceErr != nil:
		m.ErrorMessage = in.DeviceErr.UserMessage()
	}

	switch {
	case state == session.Connected:
		m.Button = Button{Label: "Disconnect", Enabled: true, Action: ActionDisconnect}
	case state == session.Disconnecting:
		m.Button = Button{Label: "Disconnecting...", Action: ActionNone}
	case state.Connecting():
		// a stuck handshake can still be abandoned
		m.Button = Button{Label: "Connecting...", Action: ActionDisconnect}
	default:
		m.Button = Button{Label: "Connect", Enabled: true, Action: ActionConnect}
	}

	if in.Session.MicEnabled {
		m.MicLabel = "Listening..."
	} else {
		m.MicLabel = "Muted"
	}

	for _, d := range in.Devices.Devices {
		m.Devices = append(m.Devices, DeviceOption{
			ID:       d.ID,
			Label:    DeviceLabel(d),
			Selected: d.ID == in.Devices.SelectedID,
		})
	}
	m.PermissionPrompt = len(in.Devices.Devices) == 0
	if in.Devices.Requesting {
		m.PermissionLabel = "Requesting..."
	} else {
		m.PermissionLabel = "Allow Microphone Access"
	}
	return m
}

func trackCard(role audio.Role, title string, r meter.Reading) TrackCard {
	card := TrackCard{Role: role, Title: title, Status: "OFF", TrackID: "—..."}
	if !r.Live {
		return card
	}
	card.Live = true
	card.Status = "LIVE"
	card.Level = math.Max(0, math.Min(100, r.Level))
	card.Percent = int(math.Round(card.Level))
	card.TrackID = truncate(r.StreamID, 12) + "..."
	return card
}

// DeviceLabel falls back to a short ID when the platform gives no label.
func DeviceLabel(d device.Descriptor) string {
	if d.Label != "" {
		return d.Label
	}
	return "Microphone " + truncate(d.ID, 8) + "..."
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
