package playback

import (
	"fmt"
	"sync"
	"sync/atomic"

	"voice-session/internal/audio/config"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
)

type MalgoPlayback struct {
	InChan chan []int16

	device *malgo.Device
	ctx    *malgo.AllocatedContext
	paused atomic.Bool
	once   sync.Once

	pending []int16 // remainder of a frame larger than one callback buffer
}

func NewMalgoPlayback(cfg config.AudioConfig) (*MalgoPlayback, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug().Str("module", "playback").Msg(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init malgo context: %w", err)
	}

	mp := &MalgoPlayback{
		InChan: make(chan []int16, cfg.BufferSize),
		ctx:    ctx,
	}

	playCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	playCfg.Playback.Format = malgo.FormatS16
	playCfg.Playback.Channels = uint32(cfg.Channels)
	playCfg.SampleRate = cfg.SampleRate

	playDev, err := malgo.InitDevice(ctx.Context, playCfg, malgo.DeviceCallbacks{Data: mp.onPlay})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, fmt.Errorf("failed to open playback device: %w", err)
	}
	mp.device = playDev

	if err := mp.device.Start(); err != nil {
		mp.Close()
		return nil, fmt.Errorf("failed to start playback device: %w", err)
	}

	log.Info().Str("module", "playback").Msg("Playback device started")
	return mp, nil
}

func (mp *MalgoPlayback) onPlay(out, _ []byte, _ uint32) {
	if mp.paused.Load() {
		clear(out)
		return
	}

	written := 0
	for written < len(out) {
		if len(mp.pending) == 0 {
			select {
			case frame := <-mp.InChan:
				mp.pending = frame
			default:
				// no data available, output silence
				clear(out[written:])
				return
			}
		}
		n := min(len(mp.pending), (len(out)-written)/2)
		if n == 0 {
			clear(out[written:])
			return
		}
		for i := 0; i < n; i++ {
			sample := mp.pending[i]
			out[written+i*2] = byte(sample)        // low byte
			out[written+i*2+1] = byte(sample >> 8) // high byte
		}
		written += n * 2
		mp.pending = mp.pending[n:]
	}
}

// Enqueue hands a frame to the device without blocking. It reports false when
// the frame was dropped.
func (mp *MalgoPlayback) Enqueue(frame []int16) bool {
	select {
	case mp.InChan <- frame:
		return true
	default:
		return false
	}
}

func (mp *MalgoPlayback) SetPaused(paused bool) {
	mp.paused.Store(paused)
}

func (mp *MalgoPlayback) Close() {
	mp.once.Do(func() {
		if mp.device != nil {
			mp.device.Uninit()
		}
		if mp.ctx != nil {
			_ = mp.ctx.Uninit()
			mp.ctx.Free()
		}
		log.Debug().Str("module", "playback").Msg("Playback device closed")
	})
}
