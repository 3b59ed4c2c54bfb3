package pipeline

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// jitterBuffer holds decoded frames until minFrames have arrived, then hands
// them out one per tick. It never grows past maxFrames; oldest frames go first.
type jitterBuffer struct {
	mu        sync.Mutex
	frames    [][]int16
	minFrames int
	maxFrames int
	primed    bool
}

func newJitterBuffer(minFrames int) *jitterBuffer {
	if minFrames < 1 {
		minFrames = 1
	}
	return &jitterBuffer{minFrames: minFrames, maxFrames: minFrames * 3}
}

func (jb *jitterBuffer) push(frame []int16) {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	jb.frames = append(jb.frames, frame)
	if len(jb.frames) > jb.maxFrames {
		excess := len(jb.frames) - jb.maxFrames
		log.Debug().Str("module", "pipeline").Int("dropped", excess).Msg("Jitter buffer overflow, dropping old frames")
		jb.frames = jb.frames[excess:]
	}
}

// pop returns the next frame, or nil while the buffer is still filling.
func (jb *jitterBuffer) pop() []int16 {
	jb.mu.Lock()
	defer jb.mu.Unlock()

	if !jb.primed {
		if len(jb.frames) < jb.minFrames {
			return nil
		}
		jb.primed = true
	}
	if len(jb.frames) == 0 {
		// underrun, refill before playing again
		jb.primed = false
		return nil
	}
	frame := jb.frames[0]
	jb.frames = jb.frames[1:]
	return frame
}

func (jb *jitterBuffer) len() int {
	jb.mu.Lock()
	defer jb.mu.Unlock()
	return len(jb.frames)
}
