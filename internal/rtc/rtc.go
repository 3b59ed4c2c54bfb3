// Package rtc is the pion/webrtc media transport: it captures the microphone,
// negotiates with the room and plays back the remote voice.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"voice-session/internal/audio"
	"voice-session/internal/audio/capture"
	"voice-session/internal/audio/codec"
	"voice-session/internal/audio/config"
	"voice-session/internal/audio/pipeline"
	"voice-session/internal/audio/playback"
	"voice-session/internal/transport"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
	"golang.org/x/oauth2"
)

var ErrNotConnected = errors.New("transport is not connected")

// Capture is an open microphone producing encoded frames.
type Capture interface {
	Packets() <-chan []byte
	SetPaused(paused bool)
	Paused() bool
	Close()
}

// Player plays decoded remote frames.
type Player interface {
	pipeline.Player
	Close()
}

type CaptureOpener func(cfg config.AudioConfig, deviceID string, tap *audio.Tap) (Capture, error)

type PlayerOpener func(cfg config.AudioConfig) (Player, error)

// OpenMalgoCapture opens the microphone with an opus encoder.
func OpenMalgoCapture(cfg config.AudioConfig, deviceID string, tap *audio.Tap) (Capture, error) {
	enc, err := codec.NewOpusEncoder(cfg)
	if err != nil {
		return nil, err
	}
	mc, err := capture.NewMalgoCapture(cfg, enc, capture.Options{DeviceID: deviceID, Tap: tap})
	if err != nil {
		return nil, err
	}
	return mc, nil
}

func OpenMalgoPlayback(cfg config.AudioConfig) (Player, error) {
	mp, err := playback.NewMalgoPlayback(cfg)
	if err != nil {
		return nil, err
	}
	return mp, nil
}

type Config struct {
	ICEServers []webrtc.ICEServer
	Audio      config.AudioConfig
	// Playback plays the remote voice on the default output device.
	Playback bool
	// HTTPClient is the base client for the offer exchange.
	HTTPClient *http.Client

	OpenCapture CaptureOpener
	OpenPlayer  PlayerOpener
}

// Transport implements transport.Transport. It holds at most one peer
// session at a time.
type Transport struct {
	cfg Config

	mu       sync.Mutex
	sess     *peerSession
	deviceID string

	subMu   sync.Mutex
	subs    map[int]func(transport.Event)
	nextSub int
}

func New(cfg Config) *Transport {
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio = config.NewOpusConfig()
	}
	if cfg.OpenCapture == nil {
		cfg.OpenCapture = OpenMalgoCapture
	}
	if cfg.OpenPlayer == nil {
		cfg.OpenPlayer = OpenMalgoPlayback
	}
	return &Transport{cfg: cfg, subs: make(map[int]func(transport.Event))}
}

func (t *Transport) Subscribe(fn func(transport.Event)) func() {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.subMu.Unlock()

	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

func (t *Transport) emit(ev transport.Event) {
	t.subMu.Lock()
	subs := make([]func(transport.Event), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Connect opens the microphone, negotiates with creds.RoomURL and blocks until
// the peer connection is up. A missing microphone wraps
// transport.ErrDeviceNotFound.
func (t *Transport) Connect(ctx context.Context, creds transport.Credentials) error {
	t.mu.Lock()
	prev := t.sess
	t.sess = nil
	deviceID := t.deviceID
	t.mu.Unlock()
	if prev != nil {
		log.Warn().Str("module", "rtc").Msg("Replacing an existing peer session")
		t.teardown(prev)
	}

	t.emit(transport.Event{Attempt: transport.AttemptFrom(ctx), State: transport.StateConnecting})

	sess, err := t.open(ctx, creds, deviceID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.sess = sess
	t.mu.Unlock()
	return nil
}

func (t *Transport) open(ctx context.Context, creds transport.Credentials, deviceID string) (_ *peerSession, err error) {
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &peerSession{
		id:        uuid.NewString(),
		attempt:   transport.AttemptFrom(ctx),
		ctx:       sessCtx,
		cancel:    cancel,
		connected: make(chan error, 1),
	}
	sess.localTap = audio.NewTap("mic-"+sess.id, audio.DefaultTapSize)
	sess.remoteTap = audio.NewTap("bot-"+sess.id, audio.DefaultTapSize)
	defer func() {
		if err != nil {
			t.teardown(sess)
		}
	}()

	mic, err := t.cfg.OpenCapture(t.cfg.Audio, deviceID, sess.localTap)
	if err != nil {
		if errors.Is(err, capture.ErrNoDevice) {
			return nil, fmt.Errorf("failed to open microphone: %w: %w", transport.ErrDeviceNotFound, err)
		}
		return nil, fmt.Errorf("failed to open microphone: %w", err)
	}
	sess.capture = mic
	sess.localLive.Store(true)
	t.emit(transport.Event{Attempt: sess.attempt, Track: &transport.TrackEvent{Role: audio.RoleLocal, Stream: sess.localTap}})

	var player pipeline.Player
	if t.cfg.Playback {
		p, perr := t.cfg.OpenPlayer(t.cfg.Audio)
		if perr != nil {
			// metering still works without an output device
			log.Warn().Err(perr).Str("module", "rtc").Msg("Playback unavailable, remote audio will not be played")
		} else {
			sess.player = p
			player = p
		}
	}

	dec, err := codec.NewOpusDecoder(t.cfg.Audio)
	if err != nil {
		return nil, err
	}
	sess.pipeline = pipeline.New(t.cfg.Audio, dec, player, sess.remoteTap)

	api, err := newAPI(t.cfg.Audio)
	if err != nil {
		return nil, err
	}
	sess.pc, err = api.NewPeerConnection(webrtc.Configuration{
		ICEServers:    t.cfg.ICEServers,
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	sess.track, err = setupAudioTrack(sess.pc, t.cfg.Audio, sess.localTap.ID())
	if err != nil {
		return nil, err
	}
	eventHandlers{sess: sess, emit: t.emit}.setupEventHandlers(sess.pc)

	httpCtx := ctx
	if t.cfg.HTTPClient != nil {
		httpCtx = context.WithValue(ctx, oauth2.HTTPClient, t.cfg.HTTPClient)
	}
	if err := newNegotiator(httpCtx, sess.pc, creds.RoomURL, creds.Token).CreateOffer(ctx); err != nil {
		return nil, fmt.Errorf("failed to negotiate with room: %w", err)
	}

	go sess.pipeline.StartSending(sess.ctx, sess.capture.Packets(), sess.track)

	select {
	case err := <-sess.connected:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to connect to room: %w", ctx.Err())
	}
	log.Info().Str("module", "rtc").Str("session", sess.id).Msg("Peer connection established")
	return sess, nil
}

// teardown closes sess and reports its tracks as ended.
func (t *Transport) teardown(sess *peerSession) error {
	err := sess.close()
	if sess.localLive.Swap(false) {
		t.emit(transport.Event{Attempt: sess.attempt, Track: &transport.TrackEvent{Role: audio.RoleLocal}})
	}
	if sess.remoteLive.Swap(false) {
		t.emit(transport.Event{Attempt: sess.attempt, Track: &transport.TrackEvent{Role: audio.RoleRemote}})
	}
	return err
}

// Disconnect closes the current peer session, if any.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	sess := t.sess
	t.sess = nil
	t.mu.Unlock()
	if sess == nil {
		return nil
	}
	if err := t.teardown(sess); err != nil {
		return fmt.Errorf("failed to close peer session: %w", err)
	}
	log.Info().Str("module", "rtc").Str("session", sess.id).Msg("Peer session closed")
	return nil
}

func (t *Transport) EnableMic(enabled bool) error {
	t.mu.Lock()
	sess := t.sess
	t.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	sess.setMicEnabled(enabled)
	return nil
}

// SetInputDevice selects the capture device. A live session switches over
// immediately; otherwise the choice applies to the next Connect.
func (t *Transport) SetInputDevice(id string) error {
	t.mu.Lock()
	t.deviceID = id
	sess := t.sess
	t.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.switchCapture(func(tap *audio.Tap) (Capture, error) {
		return t.cfg.OpenCapture(t.cfg.Audio, id, tap)
	})
}

type peerSession struct {
	id      string
	attempt string
	ctx     context.Context
	cancel  context.CancelFunc

	pc        *webrtc.PeerConnection
	track     *webrtc.TrackLocalStaticSample
	pipeline  *pipeline.AudioPipeline
	player    Player
	localTap  *audio.Tap
	remoteTap *audio.Tap

	mu      sync.Mutex
	capture Capture

	connected  chan error
	closing    atomic.Bool
	localLive  atomic.Bool
	remoteLive atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// signal reports the first connection outcome to open.
func (s *peerSession) signal(err error) {
	select {
	case s.connected <- err:
	default:
	}
}

func (s *peerSession) setMicEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capture != nil {
		s.capture.SetPaused(!enabled)
	}
	log.Info().Str("module", "rtc").Bool("enabled", enabled).Msg("Microphone toggled")
}

func (s *peerSession) switchCapture(open func(tap *audio.Tap) (Capture, error)) error {
	next, err := open(s.localTap)
	if err != nil {
		if errors.Is(err, capture.ErrNoDevice) {
			return fmt.Errorf("failed to switch microphone: %w: %w", transport.ErrDeviceNotFound, err)
		}
		return fmt.Errorf("failed to switch microphone: %w", err)
	}

	s.mu.Lock()
	prev := s.capture
	if prev != nil {
		next.SetPaused(prev.Paused())
	}
	s.capture = next
	s.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	if s.track != nil && s.pipeline != nil {
		go s.pipeline.StartSending(s.ctx, next.Packets(), s.track)
	}
	log.Info().Str("module", "rtc").Msg("Microphone switched")
	return nil
}

func (s *peerSession) close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()
		if s.pipeline != nil {
			s.pipeline.Close()
		}
		if s.pc != nil {
			s.closeErr = multierr.Append(s.closeErr, s.pc.Close())
		}
		s.mu.Lock()
		if s.capture != nil {
			s.capture.Close()
		}
		s.mu.Unlock()
		if s.player != nil {
			s.player.Close()
		}
		s.localTap.Reset()
		s.remoteTap.Reset()
	})
	return s.closeErr
}
