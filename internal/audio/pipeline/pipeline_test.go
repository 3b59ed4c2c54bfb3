package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"voice-session/internal/audio"
	"voice-session/internal/audio/config"

	"github.com/pion/webrtc/v4/pkg/media"
)

type recordingTrack struct {
	mu      sync.Mutex
	samples []media.Sample
	err     error
}

func (r *recordingTrack) WriteSample(s media.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.samples = append(r.samples, s)
	return nil
}

type byteDecoder struct{}

// Decode expands each payload byte into one sample.
func (byteDecoder) Decode(packet []byte) ([]int16, error) {
	if packet[0] == 0xff {
		return nil, errors.New("corrupt packet")
	}
	pcm := make([]int16, len(packet))
	for i, b := range packet {
		pcm[i] = int16(b) << 8
	}
	return pcm, nil
}

type collectingPlayer struct {
	frames chan []int16
}

func (p *collectingPlayer) Enqueue(frame []int16) bool {
	select {
	case p.frames <- frame:
		return true
	default:
		return false
	}
}

func sourceOf(payloads ...[]byte) PayloadSource {
	i := 0
	return func() ([]byte, error) {
		if i >= len(payloads) {
			return nil, io.EOF
		}
		p := payloads[i]
		i++
		return p, nil
	}
}

func TestStartSendingWritesFrames(t *testing.T) {
	p := New(config.NewOpusConfig(), byteDecoder{}, nil, nil)
	defer p.Close()

	packets := make(chan []byte, 3)
	packets <- []byte{1}
	packets <- []byte{2}
	packets <- []byte{3}
	close(packets)

	track := &recordingTrack{}
	p.StartSending(context.Background(), packets, track)

	if len(track.samples) != 3 {
		t.Fatalf("Expected 3 samples, got %d", len(track.samples))
	}
	for _, s := range track.samples {
		if s.Duration != 20*time.Millisecond {
			t.Errorf("Expected 20ms duration, got %v", s.Duration)
		}
	}
}

func TestStartSendingStopsOnWriteError(t *testing.T) {
	p := New(config.NewOpusConfig(), byteDecoder{}, nil, nil)
	defer p.Close()

	packets := make(chan []byte, 2)
	packets <- []byte{1}
	packets <- []byte{2}

	done := make(chan struct{})
	go func() {
		p.StartSending(context.Background(), packets, &recordingTrack{err: io.ErrClosedPipe})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartSending did not stop after write error")
	}
}

func TestStartSendingStopsOnClose(t *testing.T) {
	p := New(config.NewOpusConfig(), byteDecoder{}, nil, nil)
	done := make(chan struct{})
	go func() {
		p.StartSending(context.Background(), make(chan []byte), &recordingTrack{})
		close(done)
	}()
	p.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("StartSending did not stop on Close")
	}
}

func TestStartReceivingFeedsTap(t *testing.T) {
	tap := audio.NewTap("bot", 8)
	p := New(config.NewOpusConfig(), byteDecoder{}, nil, tap)
	defer p.Close()

	err := p.StartReceiving(context.Background(), sourceOf([]byte{1, 2}, []byte{}, []byte{0xff}, []byte{3}))
	if err != nil {
		t.Fatalf("Expected clean end of stream, got %v", err)
	}

	got := make([]float32, 3)
	tap.Latest(got)
	for i, want := range []int16{1 << 8, 2 << 8, 3 << 8} {
		if got[i] != float32(want)/32767 {
			t.Errorf("Sample %d: expected %v, got %v", i, float32(want)/32767, got[i])
		}
	}
}

func TestStartReceivingReportsReadError(t *testing.T) {
	p := New(config.NewOpusConfig(), byteDecoder{}, nil, nil)
	defer p.Close()

	boom := errors.New("srtp failure")
	err := p.StartReceiving(context.Background(), func() ([]byte, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Errorf("Expected read error, got %v", err)
	}
}

func TestStartReceivingWithoutDecoder(t *testing.T) {
	p := New(config.NewOpusConfig(), nil, nil, nil)
	if err := p.StartReceiving(context.Background(), sourceOf()); !errors.Is(err, ErrDecoderNil) {
		t.Errorf("Expected ErrDecoderNil, got %v", err)
	}
}

func TestReceivedFramesReachPlayer(t *testing.T) {
	player := &collectingPlayer{frames: make(chan []int16, 8)}
	p := New(config.NewOpusConfig(), byteDecoder{}, player, nil)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	block := make(chan struct{})
	payloads := [][]byte{{1}, {2}, {3}}
	i := 0
	go func() {
		_ = p.StartReceiving(ctx, func() ([]byte, error) {
			if i < len(payloads) {
				i++
				return payloads[i-1], nil
			}
			<-block
			return nil, io.EOF
		})
	}()
	defer close(block)

	for want := 1; want <= 3; want++ {
		select {
		case frame := <-player.frames:
			if frame[0] != int16(want)<<8 {
				t.Errorf("Expected frame %d in order, got %v", want, frame)
			}
		case <-time.After(time.Second):
			t.Fatalf("Frame %d never played", want)
		}
	}
}

func TestJitterBuffer(t *testing.T) {
	t.Run("waits for minimum fill", func(t *testing.T) {
		jb := newJitterBuffer(2)
		jb.push([]int16{1})
		if jb.pop() != nil {
			t.Error("Expected nil before minimum fill")
		}
		jb.push([]int16{2})
		if f := jb.pop(); f == nil || f[0] != 1 {
			t.Errorf("Expected first frame, got %v", f)
		}
		if f := jb.pop(); f == nil || f[0] != 2 {
			t.Errorf("Expected second frame, got %v", f)
		}
		if jb.pop() != nil {
			t.Error("Expected nil on underrun")
		}
		jb.push([]int16{3})
		if jb.pop() != nil {
			t.Error("Expected refill after underrun")
		}
	})

	t.Run("drops oldest on overflow", func(t *testing.T) {
		jb := newJitterBuffer(2)
		for i := range 10 {
			jb.push([]int16{int16(i)})
		}
		if jb.len() != 6 {
			t.Fatalf("Expected 6 frames kept, got %d", jb.len())
		}
		if f := jb.pop(); f[0] != 4 {
			t.Errorf("Expected oldest kept frame 4, got %d", f[0])
		}
	})
}
