// Package meter turns a live audio stream into a 0-100 activity level,
// recomputed once per rendered frame.
package meter

import (
	"context"
	"sync"
	"time"

	"voice-session/internal/audio"
	"voice-session/internal/audio/analyser"

	"github.com/rs/zerolog/log"
)

// ReferenceLevel is the average bin energy that maps to a full scale reading.
const ReferenceLevel = 128.0

// DefaultFrameRate matches a common display refresh.
const DefaultFrameRate = 60

// Analyser is the per-stream analysis context owned by a Meter.
type Analyser interface {
	FrequencyBinCount() int
	ByteFrequencyData(dst []byte) error
	Close() error
}

// AnalyserFactory acquires an analysis context for a stream.
type AnalyserFactory func(stream audio.Stream) (Analyser, error)

// NewAnalyser is the default factory.
func NewAnalyser(stream audio.Stream) (Analyser, error) {
	return analyser.New(stream, analyser.DefaultOptions())
}

// FrameClock delivers one tick per rendered frame until stop is called.
type FrameClock interface {
	Start() (frames <-chan time.Time, stop func())
}

// TickerClock ticks Rate times per second.
type TickerClock struct {
	Rate int
}

func (c TickerClock) Start() (<-chan time.Time, func()) {
	rate := c.Rate
	if rate <= 0 {
		rate = DefaultFrameRate
	}
	t := time.NewTicker(time.Second / time.Duration(rate))
	return t.C, t.Stop
}

// LevelFromBins averages the bins and scales against ReferenceLevel, clamped
// to [0,100].
func LevelFromBins(bins []byte) float64 {
	if len(bins) == 0 {
		return 0
	}
	sum := 0
	for _, b := range bins {
		sum += int(b)
	}
	avg := float64(sum) / float64(len(bins))
	return min(100, avg/ReferenceLevel*100)
}

// Reading is a point-in-time view of a meter.
type Reading struct {
	Role     audio.Role
	Level    float64
	Live     bool
	StreamID string
}

type binding struct {
	streamID string
	cancel   context.CancelFunc
	done     chan struct{}
}

// Meter meters at most one stream at a time. Two meters never share state.
type Meter struct {
	role        audio.Role
	newAnalyser AnalyserFactory
	clock       FrameClock

	bindMu sync.Mutex // serialises Bind and Close
	closed bool

	mu      sync.Mutex
	current *binding
	level   float64
}

type Option func(*Meter)

func WithAnalyserFactory(f AnalyserFactory) Option {
	return func(m *Meter) { m.newAnalyser = f }
}

func WithFrameClock(c FrameClock) Option {
	return func(m *Meter) { m.clock = c }
}

func New(role audio.Role, opts ...Option) *Meter {
	m := &Meter{
		role:        role,
		newAnalyser: NewAnalyser,
		clock:       TickerClock{Rate: DefaultFrameRate},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Meter) Role() audio.Role {
	return m.role
}

// Bind switches the meter to stream. Binding the stream that is already bound
// is a no-op; binding nil releases the current analyser and zeroes the level.
func (m *Meter) Bind(stream audio.Stream) {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()
	if m.closed {
		return
	}

	m.mu.Lock()
	same := stream != nil && m.current != nil && m.current.streamID == stream.ID()
	m.mu.Unlock()
	if same {
		return
	}

	m.release()
	if stream == nil {
		return
	}

	a, err := m.newAnalyser(stream)
	if err != nil {
		log.Error().Err(err).Str("module", "meter").Str("role", m.role.String()).Str("stream_id", stream.ID()).Msg("Failed to acquire analyser")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &binding{streamID: stream.ID(), cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.current = b
	m.level = 0
	m.mu.Unlock()

	log.Debug().Str("module", "meter").Str("role", m.role.String()).Str("stream_id", b.streamID).Msg("Stream bound")
	go m.run(ctx, a, b)
}

// release stops the running loop, waits for its analyser to be closed and
// zeroes the level. Caller holds bindMu.
func (m *Meter) release() {
	m.mu.Lock()
	b := m.current
	m.current = nil
	m.level = 0
	m.mu.Unlock()

	if b == nil {
		return
	}
	b.cancel()
	<-b.done
	log.Debug().Str("module", "meter").Str("role", m.role.String()).Str("stream_id", b.streamID).Msg("Stream released")
}

func (m *Meter) run(ctx context.Context, a Analyser, b *binding) {
	defer close(b.done)
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Str("module", "meter").Str("role", m.role.String()).Msg("Failed to close analyser")
		}
	}()

	frames, stop := m.clock.Start()
	defer stop()

	bins := make([]byte, a.FrequencyBinCount())
	for {
		select {
		case <-ctx.Done():
			return
		case <-frames:
			if err := a.ByteFrequencyData(bins); err != nil {
				log.Error().Err(err).Str("module", "meter").Str("role", m.role.String()).Msg("Analysis failed, meter stopped")
				m.drop(b)
				return
			}
			m.set(b, LevelFromBins(bins))
		}
	}
}

func (m *Meter) set(b *binding, level float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != b {
		return
	}
	m.level = level
}

// drop unbinds b after its loop gave up, so the stream reads as not live and
// can be bound again.
func (m *Meter) drop(b *binding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != b {
		return
	}
	m.current = nil
	m.level = 0
	b.cancel()
}

// Level is the latest level, exactly 0 when no stream is bound.
func (m *Meter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func (m *Meter) Reading() Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := Reading{Role: m.role, Level: m.level}
	if m.current != nil {
		r.Live = true
		r.StreamID = m.current.streamID
	}
	return r
}

// Close releases the bound stream; later Binds are ignored.
func (m *Meter) Close() {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.release()
}
