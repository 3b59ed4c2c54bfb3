// Package session owns the connection state machine: signaling handshake,
// credential hand-off to the transport, and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voice-session/internal/signaling"
	"voice-session/internal/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultConnectTimeout = 30 * time.Second

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	State      State
	Err        *Error
	MicEnabled bool
	AttemptID  string
}

type Config struct {
	SignalingURL string
	// ConnectTimeout bounds transport.Connect. Zero disables the bound.
	ConnectTimeout time.Duration
}

type Controller struct {
	cfg       Config
	dialer    signaling.Dialer
	transport transport.Transport

	mu         sync.Mutex
	state      State
	err        *Error
	micEnabled bool
	generation uint64
	attemptID  string
	conn       signaling.Conn
	cancel     context.CancelFunc
	closed     bool

	subs     map[int]func(Snapshot)
	nextSub  int
	pending  []Snapshot
	draining bool

	unsubscribeTransport func()
}

func NewController(cfg Config, dialer signaling.Dialer, tr transport.Transport) *Controller {
	if cfg.SignalingURL == "" {
		cfg.SignalingURL = signaling.DefaultURL
	}
	c := &Controller{
		cfg:        cfg,
		dialer:     dialer,
		transport:  tr,
		state:      Idle,
		micEnabled: true,
		subs:       make(map[int]func(Snapshot)),
	}
	c.unsubscribeTransport = tr.Subscribe(c.onTransportEvent)
	return c
}

// Subscribe registers fn for every state change, delivered in mutation order.
// fn may call back into the controller.
func (c *Controller) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{State: c.state, Err: c.err, MicEnabled: c.micEnabled, AttemptID: c.attemptID}
}

// setStateLocked records a transition and queues its notification.
func (c *Controller) setStateLocked(s State) {
	prev := c.state
	c.state = s
	if s != Failed {
		c.err = nil
	}
	log.Info().Str("module", "session").Str("from", prev.String()).Str("state", s.String()).
		Uint64("attempt", c.generation).Msg("Session state changed")
	c.pending = append(c.pending, c.snapshotLocked())
}

func (c *Controller) failLocked(kind ErrorKind, err error) {
	c.err = NewError(kind, err)
	log.Error().Err(err).Str("module", "session").Str("kind", kind.String()).
		Uint64("attempt", c.generation).Msg("Session attempt failed")
	c.setStateLocked(Failed)
}

// flush delivers queued snapshots outside the lock. A nested or concurrent
// flush leaves delivery to the goroutine already draining.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.pending) > 0 {
		snap := c.pending[0]
		c.pending = c.pending[1:]
		subs := make([]func(Snapshot), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()
		for _, fn := range subs {
			fn(snap)
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

// Connect starts a new attempt from Idle, Disconnected or Failed and returns
// without waiting for it. In any other state it does nothing.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.state.CanConnect() {
		log.Debug().Str("module", "session").Str("state", c.state.String()).Msg("Connect ignored, attempt already active")
		c.mu.Unlock()
		return nil
	}

	c.generation++
	gen := c.generation
	attemptCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.attemptID = uuid.NewString()
	c.micEnabled = true
	c.setStateLocked(SignalingConnecting)
	c.mu.Unlock()
	c.flush()

	go c.run(attemptCtx, gen)
	return nil
}

// current reports whether gen is still the live attempt. Caller holds mu.
func (c *Controller) current(gen uint64) bool {
	return gen == c.generation && !c.closed
}

func (c *Controller) run(ctx context.Context, gen uint64) {
	conn, err := c.dialer.Dial(ctx, c.cfg.SignalingURL)
	if err != nil {
		c.fail(gen, SignalingError, fmt.Errorf("failed to open signaling socket: %w", err))
		return
	}

	c.mu.Lock()
	if !c.current(gen) {
		c.mu.Unlock()
		closeSignaling(conn)
		return
	}
	c.conn = conn
	c.setStateLocked(AwaitingCredentials)
	c.mu.Unlock()
	c.flush()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			c.fail(gen, SignalingError, fmt.Errorf("signaling socket closed before credentials: %w", err))
			return
		}

		creds, ok, err := ParseCredentials(msg)
		if err != nil {
			c.fail(gen, ProtocolError, err)
			return
		}
		if !ok {
			log.Debug().Str("module", "session").Int("bytes", len(msg)).Msg("Ignoring signaling message without credentials")
			continue
		}

		c.mu.Lock()
		if !c.current(gen) {
			c.mu.Unlock()
			return
		}
		c.conn = nil
		attempt := c.attemptID
		c.setStateLocked(TransportConnecting)
		c.mu.Unlock()
		c.flush()

		log.Info().Str("module", "session").Str("room_url", creds.RoomURL).Msg("Received room credentials")
		closeSignaling(conn)
		c.connectTransport(transport.WithAttempt(ctx, attempt), gen, creds)
		return
	}
}

func (c *Controller) connectTransport(ctx context.Context, gen uint64, creds transport.Credentials) {
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}
	err := c.transport.Connect(ctx, creds)

	c.mu.Lock()
	if !c.current(gen) {
		// A newer attempt may own the transport by now; only tear down a late
		// success when nothing else is using it.
		orphaned := err == nil && !c.state.acceptsTransportEvents()
		c.mu.Unlock()
		if orphaned {
			log.Warn().Str("module", "session").Msg("Transport connected after disconnect, tearing down")
			if derr := c.transport.Disconnect(context.WithoutCancel(ctx)); derr != nil {
				log.Error().Err(derr).Str("module", "session").Msg("Failed to disconnect stale transport")
			}
		}
		return
	}

	switch {
	case err == nil && c.state == TransportConnecting:
		c.setStateLocked(Connected)
	case err != nil && c.state.acceptsTransportEvents():
		kind := TransportError
		if errors.Is(err, transport.ErrDeviceNotFound) {
			kind = DeviceError
		}
		c.failLocked(kind, err)
		c.endAttemptLocked()
	}
	c.mu.Unlock()
	c.flush()
}

// fail moves a live attempt in a signaling phase to Failed.
func (c *Controller) fail(gen uint64, kind ErrorKind, err error) {
	c.mu.Lock()
	if !c.current(gen) || !(c.state == SignalingConnecting || c.state == AwaitingCredentials) {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.failLocked(kind, err)
	c.endAttemptLocked()
	c.mu.Unlock()

	if conn != nil {
		closeSignaling(conn)
	}
	c.flush()
}

// endAttemptLocked cancels the attempt context. Caller holds mu.
func (c *Controller) endAttemptLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Controller) onTransportEvent(ev transport.Event) {
	if ev.Track != nil {
		return
	}

	c.mu.Lock()
	if c.closed || !c.state.acceptsTransportEvents() || ev.Attempt != c.attemptID {
		log.Debug().Str("module", "session").Str("event", string(ev.State)).Str("state", c.state.String()).
			Str("event_attempt", ev.Attempt).Msg("Ignoring transport state")
		c.mu.Unlock()
		return
	}
	gen := c.generation

	release := false
	switch ev.State {
	case transport.StateConnected, transport.StateReady:
		if c.state != Connected {
			c.setStateLocked(Connected)
		}
	case transport.StateConnecting:
		if c.state != TransportConnecting {
			c.setStateLocked(TransportConnecting)
		}
	case transport.StateError:
		err := ev.Err
		if err == nil {
			err = errors.New("transport reported an error")
		}
		c.failLocked(TransportError, err)
		c.endAttemptLocked()
		release = true
	case transport.StateDisconnected:
		c.setStateLocked(Disconnected)
		c.endAttemptLocked()
		release = true
	default:
		log.Warn().Str("module", "session").Str("event", string(ev.State)).Msg("Unknown transport state")
	}
	c.mu.Unlock()
	c.flush()

	if release {
		c.releaseTransport(gen)
	}
}

// releaseTransport frees the transport after it ended the session on its
// own, unless a newer attempt has started meanwhile.
func (c *Controller) releaseTransport(gen uint64) {
	c.mu.Lock()
	stale := c.generation != gen
	c.mu.Unlock()
	if stale {
		return
	}
	if err := c.transport.Disconnect(context.Background()); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("Failed to release transport")
	}
}

// Disconnect aborts any in-flight attempt and releases the signaling socket
// and the transport. It is a no-op from Idle or Disconnected and never fails;
// cleanup errors are logged.
func (c *Controller) Disconnect(ctx context.Context) {
	c.mu.Lock()
	if c.state == Idle || c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.generation++
	gen := c.generation
	conn := c.conn
	c.conn = nil
	c.endAttemptLocked()
	c.setStateLocked(Disconnecting)
	c.mu.Unlock()
	c.flush()

	var g errgroup.Group
	g.Go(func() error {
		if conn == nil {
			return nil
		}
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("Failed to close signaling socket")
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := c.transport.Disconnect(ctx); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("Failed to disconnect transport")
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Debug().Err(err).Str("module", "session").Msg("Disconnect finished with cleanup errors")
	}

	c.mu.Lock()
	if c.generation == gen && c.state == Disconnecting {
		c.setStateLocked(Disconnected)
	}
	c.mu.Unlock()
	c.flush()
}

// SetMicEnabled forwards the microphone toggle. Only valid while Connected.
func (c *Controller) SetMicEnabled(enabled bool) error {
	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	if err := c.transport.EnableMic(enabled); err != nil {
		return fmt.Errorf("failed to toggle microphone: %w", err)
	}

	c.mu.Lock()
	if c.state != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.micEnabled = enabled
	c.pending = append(c.pending, c.snapshotLocked())
	c.mu.Unlock()
	c.flush()
	log.Info().Str("module", "session").Bool("enabled", enabled).Msg("Microphone toggled")
	return nil
}

// Close disconnects and detaches from the transport. Later Connects fail
// with ErrClosed.
func (c *Controller) Close(ctx context.Context) {
	c.Disconnect(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribe := c.unsubscribeTransport
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func closeSignaling(conn signaling.Conn) {
	if err := conn.Close(); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("Failed to close signaling socket")
	}
}
