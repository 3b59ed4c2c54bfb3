// Package app wires the session controller, the level meters and the input
// device registry into one client.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"voice-session/internal/audio"
	audioconfig "voice-session/internal/audio/config"
	"voice-session/internal/audio/device"
	"voice-session/internal/audio/meter"
	"voice-session/internal/rtc"
	"voice-session/internal/session"
	"voice-session/internal/signaling"
	"voice-session/internal/transport"
	"voice-session/internal/view"
	"voice-session/pkg/config"
)

const (
	handshakeTimeout = 10 * time.Second
	offerTimeout     = 15 * time.Second
)

// Transport is a transport.Transport that can change its capture device.
type Transport interface {
	transport.Transport
	SetInputDevice(id string) error
}

type Deps struct {
	Dialer    signaling.Dialer
	Transport Transport
	Platform  device.Platform
	Clock     meter.FrameClock
	Analysers meter.AnalyserFactory
	// Closers are released last, after everything above.
	Closers []io.Closer
}

type App struct {
	cfg        *config.Config
	controller *session.Controller
	transport  Transport
	registry   *device.Registry
	local      *meter.Meter
	remote     *meter.Meter
	closers    []io.Closer

	mu        sync.Mutex
	deviceErr *session.Error
	inputID   string
	subs      map[int]func()
	nextSub   int

	unsubscribe []func()
	closeOnce   sync.Once
}

// NewDefault builds the client on malgo devices and the pion transport.
func NewDefault(cfg *config.Config) (*App, error) {
	platform, err := device.NewMalgoPlatform(device.DefaultPollInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to init device platform: %w", err)
	}
	tr := rtc.New(rtc.Config{
		ICEServers: cfg.ICEServers(),
		Audio:      audioconfig.NewOpusConfig(),
		Playback:   cfg.Playback,
		HTTPClient: &http.Client{Timeout: offerTimeout},
	})
	return New(cfg, Deps{
		Dialer:    signaling.NewDialer(handshakeTimeout),
		Transport: tr,
		Platform:  platform,
		Clock:     meter.TickerClock{Rate: cfg.FrameRate},
		Closers:   []io.Closer{platform},
	}), nil
}

func New(cfg *config.Config, deps Deps) *App {
	opts := []meter.Option{}
	if deps.Clock != nil {
		opts = append(opts, meter.WithFrameClock(deps.Clock))
	}
	if deps.Analysers != nil {
		opts = append(opts, meter.WithAnalyserFactory(deps.Analysers))
	}

	a := &App{
		cfg: cfg,
		controller: session.NewController(session.Config{
			SignalingURL:   cfg.SignalingURL,
			ConnectTimeout: cfg.ConnectTimeout,
		}, deps.Dialer, deps.Transport),
		transport: deps.Transport,
		registry:  device.NewRegistry(deps.Platform),
		local:     meter.New(audio.RoleLocal, opts...),
		remote:    meter.New(audio.RoleRemote, opts...),
		closers:   deps.Closers,
		subs:      make(map[int]func()),
	}
	a.unsubscribe = append(a.unsubscribe,
		deps.Transport.Subscribe(a.onTransportEvent),
		a.controller.Subscribe(a.onSession),
		a.registry.Subscribe(a.onDevices),
	)
	return a
}

// Start loads the input devices. A failed enumeration leaves the list empty
// and the permission prompt visible; it does not stop the client.
func (a *App) Start(ctx context.Context) {
	if err := a.registry.Start(ctx); err != nil {
		log.Error().Err(err).Str("module", "app").Msg("Failed to load input devices")
	}
}

func (a *App) onTransportEvent(ev transport.Event) {
	if ev.Track == nil {
		return
	}
	m := a.local
	if ev.Track.Role == audio.RoleRemote {
		m = a.remote
	}
	m.Bind(ev.Track.Stream)
	a.changed()
}

func (a *App) onSession(snap session.Snapshot) {
	switch snap.State {
	case session.Disconnected, session.Failed, session.Idle:
		a.local.Bind(nil)
		a.remote.Bind(nil)
	}
	a.changed()
}

func (a *App) onDevices(snap device.Snapshot) {
	a.mu.Lock()
	switched := snap.SelectedID != a.inputID
	a.inputID = snap.SelectedID
	a.mu.Unlock()

	if switched {
		if err := a.transport.SetInputDevice(snap.SelectedID); err != nil {
			log.Error().Err(err).Str("module", "app").Str("device_id", snap.SelectedID).Msg("Failed to switch input device")
		}
	}
	a.changed()
}

// Subscribe registers fn for any change worth redrawing.
func (a *App) Subscribe(fn func()) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.subs, id)
		a.mu.Unlock()
	}
}

func (a *App) changed() {
	a.mu.Lock()
	subs := make([]func(), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (a *App) Connect(ctx context.Context) error {
	return a.controller.Connect(ctx)
}

func (a *App) Disconnect(ctx context.Context) {
	a.controller.Disconnect(ctx)
}

// Trigger runs the action the connect button currently offers.
func (a *App) Trigger(ctx context.Context) error {
	switch view.Project(a.input()).Button.Action {
	case view.ActionConnect:
		return a.Connect(ctx)
	case view.ActionDisconnect:
		a.Disconnect(ctx)
	}
	return nil
}

func (a *App) ToggleMic() error {
	return a.controller.SetMicEnabled(!a.controller.Snapshot().MicEnabled)
}

// RequestAccess asks for microphone access. A denial is kept for the view
// until the next successful request.
func (a *App) RequestAccess(ctx context.Context) error {
	err := a.registry.RequestAccess(ctx)
	if errors.Is(err, device.ErrRequestInProgress) {
		return err
	}
	a.mu.Lock()
	if err != nil {
		a.deviceErr = session.NewError(session.PermissionDenied, err)
	} else {
		a.deviceErr = nil
	}
	a.mu.Unlock()
	a.changed()
	return err
}

func (a *App) SelectDevice(id string) error {
	return a.registry.SelectDevice(id)
}

// CycleDevice selects the device after the current one, wrapping around.
func (a *App) CycleDevice() error {
	snap := a.registry.Snapshot()
	if len(snap.Devices) == 0 {
		return nil
	}
	next := 0
	for i, d := range snap.Devices {
		if d.ID == snap.SelectedID {
			next = (i + 1) % len(snap.Devices)
			break
		}
	}
	return a.registry.SelectDevice(snap.Devices[next].ID)
}

func (a *App) input() view.Input {
	a.mu.Lock()
	deviceErr := a.deviceErr
	a.mu.Unlock()
	return view.Input{
		Session:   a.controller.Snapshot(),
		Local:     a.local.Reading(),
		Remote:    a.remote.Reading(),
		Devices:   a.registry.Snapshot(),
		DeviceErr: deviceErr,
	}
}

// View projects the current state for rendering.
func (a *App) View() view.Model {
	return view.Project(a.input())
}

func (a *App) Session() session.Snapshot {
	return a.controller.Snapshot()
}

// Close ends the session, then stops metering and device tracking.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		a.controller.Close(ctx)
		for _, unsubscribe := range a.unsubscribe {
			unsubscribe()
		}
		a.local.Close()
		a.remote.Close()
		a.registry.Close()
		for _, c := range a.closers {
			err = multierr.Append(err, c.Close())
		}
		log.Info().Str("module", "app").Msg("Client closed")
	})
	return err
}
