package audio

import (
	"sync"

	"voice-session/internal/audio/convert"
)

// Role names one of the two metered audio sources.
type Role string

const (
	RoleLocal  Role = "local"  // microphone
	RoleRemote Role = "remote" // synthesized voice from the room
)

func (r Role) String() string {
	return string(r)
}

// Stream is a live audio source that can be analysed.
type Stream interface {
	ID() string
	// Latest copies the most recent samples into the tail of dst, oldest
	// first, zero-filling whatever could not be supplied. It returns how many
	// real samples were copied.
	Latest(dst []float32) int
}

// DefaultTapSize holds a little more than 40ms of mono audio at 48kHz.
const DefaultTapSize = 2048

// Tap is a fixed size ring of the most recent PCM samples of a stream.
// Writers are the capture callback or the receive pipeline, the reader is the
// analyser. It is safe for concurrent use.
type Tap struct {
	id     string
	mu     sync.Mutex
	buf    []float32
	pos    int
	filled bool
}

// NewTap creates a tap identified by id holding size samples.
func NewTap(id string, size int) *Tap {
	if size <= 0 {
		size = DefaultTapSize
	}
	return &Tap{
		id:  id,
		buf: make([]float32, size),
	}
}

func (t *Tap) ID() string {
	return t.id
}

// Write appends float samples in [-1,1].
func (t *Tap) Write(samples []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := len(t.buf)
	if len(samples) >= size {
		copy(t.buf, samples[len(samples)-size:])
		t.pos = 0
		t.filled = true
		return
	}
	for _, s := range samples {
		t.buf[t.pos] = s
		t.pos++
		if t.pos == size {
			t.pos = 0
			t.filled = true
		}
	}
}

// WriteInt16 appends signed 16-bit samples.
func (t *Tap) WriteInt16(samples []int16) {
	t.Write(convert.Int16ToFloat32(samples))
}

func (t *Tap) Latest(dst []float32) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	size := len(t.buf)
	available := t.pos
	if t.filled {
		available = size
	}
	n := min(len(dst), available)
	lead := len(dst) - n
	clear(dst[:lead])

	start := (t.pos - n + size) % size
	for i := 0; i < n; i++ {
		dst[lead+i] = t.buf[(start+i)%size]
	}
	return n
}

// Reset drops every buffered sample.
func (t *Tap) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.buf)
	t.pos = 0
	t.filled = false
}
