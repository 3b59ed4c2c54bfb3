package meter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"voice-session/internal/audio"
)

type fakeStream string

func (s fakeStream) ID() string                 { return string(s) }
func (s fakeStream) Latest(dst []float32) int { return 0 }

type fakeAnalyser struct {
	mu     sync.Mutex
	fill   byte
	err    error
	closed int
}

func (a *fakeAnalyser) FrequencyBinCount() int { return 4 }

func (a *fakeAnalyser) ByteFrequencyData(dst []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	for i := range dst {
		dst[i] = a.fill
	}
	return nil
}

func (a *fakeAnalyser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed++
	return nil
}

func (a *fakeAnalyser) closeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

type manualClock struct {
	frames chan time.Time
}

func newManualClock() *manualClock {
	return &manualClock{frames: make(chan time.Time)}
}

func (c *manualClock) Start() (<-chan time.Time, func()) {
	return c.frames, func() {}
}

// tick delivers two frames so the first one is fully processed on return.
func (c *manualClock) tick(t *testing.T) {
	t.Helper()
	for range 2 {
		select {
		case c.frames <- time.Now():
		case <-time.After(time.Second):
			t.Fatal("meter loop did not take the frame")
		}
	}
}

type factory struct {
	mu        sync.Mutex
	analysers map[string]*fakeAnalyser
	calls     int
	err       error
}

func newFactory() *factory {
	return &factory{analysers: make(map[string]*fakeAnalyser)}
}

func (f *factory) add(id string, fill byte) *fakeAnalyser {
	a := &fakeAnalyser{fill: fill}
	f.analysers[id] = a
	return a
}

func (f *factory) new(stream audio.Stream) (Analyser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.analysers[stream.ID()], nil
}

func TestLevelFromBins(t *testing.T) {
	cases := []struct {
		name string
		bins []byte
		want float64
	}{
		{"empty", nil, 0},
		{"silence", []byte{0, 0, 0, 0}, 0},
		{"half", []byte{64, 64, 64, 64}, 50},
		{"reference", []byte{128, 128}, 100},
		{"clamped", []byte{255, 255}, 100},
		{"mixed", []byte{0, 128}, 50},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := LevelFromBins(c.bins); got != c.want {
				t.Errorf("LevelFromBins(%v) = %v, want %v", c.bins, got, c.want)
			}
		})
	}
}

func TestUnboundMeterIsSilent(t *testing.T) {
	m := New(audio.RoleLocal)
	defer m.Close()

	if m.Level() != 0 {
		t.Errorf("Expected level 0, got %v", m.Level())
	}
	r := m.Reading()
	if r.Live || r.StreamID != "" || r.Role != audio.RoleLocal {
		t.Errorf("Unexpected reading %+v", r)
	}
}

func TestBoundMeterFollowsAnalyser(t *testing.T) {
	f := newFactory()
	a := f.add("mic-1", 64)
	clock := newManualClock()
	m := New(audio.RoleLocal, WithAnalyserFactory(f.new), WithFrameClock(clock))
	defer m.Close()

	m.Bind(fakeStream("mic-1"))
	clock.tick(t)
	if got := m.Level(); got != 50 {
		t.Errorf("Expected level 50, got %v", got)
	}
	if r := m.Reading(); !r.Live || r.StreamID != "mic-1" {
		t.Errorf("Unexpected reading %+v", r)
	}

	m.Bind(nil)
	if got := m.Level(); got != 0 {
		t.Errorf("Expected level 0 after unbind, got %v", got)
	}
	if a.closeCount() != 1 {
		t.Errorf("Expected analyser closed once, got %d", a.closeCount())
	}
	if m.Reading().Live {
		t.Error("Expected meter to report no live stream")
	}
}

func TestRebindReleasesPreviousAnalyser(t *testing.T) {
	f := newFactory()
	first := f.add("bot-1", 128)
	second := f.add("bot-2", 32)
	clock := newManualClock()
	m := New(audio.RoleRemote, WithAnalyserFactory(f.new), WithFrameClock(clock))
	defer m.Close()

	m.Bind(fakeStream("bot-1"))
	clock.tick(t)
	if m.Level() != 100 {
		t.Fatalf("Expected level 100, got %v", m.Level())
	}

	m.Bind(fakeStream("bot-2"))
	if first.closeCount() != 1 {
		t.Errorf("Expected first analyser released, closed %d times", first.closeCount())
	}
	if m.Level() != 0 {
		t.Errorf("Expected level reset on rebind, got %v", m.Level())
	}
	clock.tick(t)
	if m.Level() != 25 {
		t.Errorf("Expected level 25, got %v", m.Level())
	}

	m.Close()
	if second.closeCount() != 1 {
		t.Errorf("Expected second analyser released on close, closed %d times", second.closeCount())
	}
}

func TestBindSameStreamIsNoop(t *testing.T) {
	f := newFactory()
	f.add("mic-1", 10)
	m := New(audio.RoleLocal, WithAnalyserFactory(f.new), WithFrameClock(newManualClock()))
	defer m.Close()

	m.Bind(fakeStream("mic-1"))
	m.Bind(fakeStream("mic-1"))
	if f.calls != 1 {
		t.Errorf("Expected one analyser acquisition, got %d", f.calls)
	}
}

func TestAnalyserAcquireFailure(t *testing.T) {
	f := newFactory()
	f.err = errors.New("no audio context")
	m := New(audio.RoleLocal, WithAnalyserFactory(f.new), WithFrameClock(newManualClock()))
	defer m.Close()

	m.Bind(fakeStream("mic-1"))
	if r := m.Reading(); r.Live || r.Level != 0 {
		t.Errorf("Expected no live stream after failed acquire, got %+v", r)
	}
}

func TestAnalysisErrorReleasesContext(t *testing.T) {
	f := newFactory()
	a := f.add("mic-1", 128)
	clock := newManualClock()
	m := New(audio.RoleLocal, WithAnalyserFactory(f.new), WithFrameClock(clock))
	defer m.Close()

	m.Bind(fakeStream("mic-1"))
	clock.tick(t)

	a.mu.Lock()
	a.err = errors.New("device lost")
	a.mu.Unlock()
	clock.frames <- time.Now()

	deadline := time.After(time.Second)
	for a.closeCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("analyser was not released after failure")
		case <-time.After(time.Millisecond):
		}
	}
	if m.Level() != 0 {
		t.Errorf("Expected level 0 after failure, got %v", m.Level())
	}
	for m.Reading().Live {
		select {
		case <-deadline:
			t.Fatal("meter still reports a live stream after failure")
		case <-time.After(time.Millisecond):
		}
	}

	// the same stream can be bound again once the device recovers
	a.mu.Lock()
	a.err = nil
	a.mu.Unlock()
	m.Bind(fakeStream("mic-1"))
	if r := m.Reading(); !r.Live || r.StreamID != "mic-1" {
		t.Errorf("Expected mic-1 bound again, got %+v", r)
	}
	f.mu.Lock()
	calls := f.calls
	f.mu.Unlock()
	if calls != 2 {
		t.Errorf("Expected a fresh analyser for the rebind, got %d acquisitions", calls)
	}
}

func TestMetersAreIndependent(t *testing.T) {
	f := newFactory()
	f.add("mic-1", 128)
	f.add("bot-1", 0)
	localClock, remoteClock := newManualClock(), newManualClock()
	local := New(audio.RoleLocal, WithAnalyserFactory(f.new), WithFrameClock(localClock))
	remote := New(audio.RoleRemote, WithAnalyserFactory(f.new), WithFrameClock(remoteClock))
	defer local.Close()
	defer remote.Close()

	local.Bind(fakeStream("mic-1"))
	localClock.tick(t)
	if local.Level() != 100 {
		t.Errorf("Expected local level 100, got %v", local.Level())
	}
	if remote.Level() != 0 {
		t.Errorf("Expected remote level 0 with nothing bound, got %v", remote.Level())
	}

	remote.Bind(fakeStream("bot-1"))
	remoteClock.tick(t)
	if remote.Level() != 0 || local.Level() != 100 {
		t.Errorf("Cross-talk between meters: local=%v remote=%v", local.Level(), remote.Level())
	}
}

func TestBindAfterCloseIgnored(t *testing.T) {
	f := newFactory()
	f.add("mic-1", 128)
	m := New(audio.RoleLocal, WithAnalyserFactory(f.new), WithFrameClock(newManualClock()))
	m.Close()
	m.Bind(fakeStream("mic-1"))
	if f.calls != 0 || m.Reading().Live {
		t.Error("Expected Bind after Close to be ignored")
	}
}
