// Package pipeline moves audio between the capture/playback devices and the
// media tracks: capture -> encode -> send and receive -> decode -> playback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"voice-session/internal/audio"
	"voice-session/internal/audio/codec"
	"voice-session/internal/audio/config"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

var ErrDecoderNil = errors.New("decoder cannot be nil")

// SampleWriter is the outbound track, e.g. *webrtc.TrackLocalStaticSample.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// PayloadSource yields the next inbound RTP payload.
type PayloadSource func() ([]byte, error)

// Player consumes decoded frames without blocking.
type Player interface {
	Enqueue(frame []int16) bool
}

type AudioPipeline struct {
	cfg     config.AudioConfig
	decoder codec.Decoder
	player  Player
	remote  *audio.Tap

	jitter *jitterBuffer
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New builds a pipeline. player may be nil to meter the remote stream
// without playing it.
func New(cfg config.AudioConfig, dec codec.Decoder, player Player, remote *audio.Tap) *AudioPipeline {
	return &AudioPipeline{
		cfg:     cfg,
		decoder: dec,
		player:  player,
		remote:  remote,
		jitter:  newJitterBuffer(cfg.JitterFrames),
		quit:    make(chan struct{}),
	}
}

// StartSending writes encoded packets to track until packets closes, ctx ends
// or the pipeline is closed.
func (p *AudioPipeline) StartSending(ctx context.Context, packets <-chan []byte, track SampleWriter) {
	defer log.Debug().Str("module", "pipeline").Msg("Sending pipeline stopped")
	duration := p.cfg.FrameDuration()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			if err := track.WriteSample(media.Sample{Data: pkt, Duration: duration}); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					return
				}
				log.Warn().Err(err).Str("module", "pipeline").Msg("Error writing audio sample")
				return
			}
		}
	}
}

// StartReceiving decodes payloads into the remote tap and the jitter buffer
// until next fails. The returned error is nil on a clean end of stream.
func (p *AudioPipeline) StartReceiving(ctx context.Context, next PayloadSource) error {
	if p.decoder == nil {
		return ErrDecoderNil
	}
	defer log.Debug().Str("module", "pipeline").Msg("Receiving pipeline stopped")

	if p.player != nil {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.manageJitterBuffer(ctx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.quit:
			return nil
		default:
		}

		payload, err := next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read rtp: %w", err)
		}
		if len(payload) == 0 {
			continue
		}

		pcm, err := p.decoder.Decode(payload)
		if err != nil {
			log.Debug().Err(err).Str("module", "pipeline").Msg("Dropping undecodable packet")
			continue
		}
		if p.remote != nil {
			p.remote.WriteInt16(pcm)
		}
		if p.player != nil {
			p.jitter.push(pcm)
		}
	}
}

// manageJitterBuffer sends one frame per frame duration to the player.
func (p *AudioPipeline) manageJitterBuffer(ctx context.Context) {
	interval := p.cfg.FrameDuration()
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case <-ticker.C:
			frame := p.jitter.pop()
			if frame == nil {
				continue
			}
			if !p.player.Enqueue(frame) {
				log.Debug().Str("module", "pipeline").Msg("Playback channel full, dropping frame")
			}
		}
	}
}

// Close stops both directions and waits for the playout loop.
func (p *AudioPipeline) Close() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
