package capture

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"voice-session/internal/audio"
	"voice-session/internal/audio/codec"
	"voice-session/internal/audio/config"
	"voice-session/internal/audio/convert"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog/log"
)

// ErrNoDevice means no capture device matched the request.
var ErrNoDevice = errors.New("no capture device available")

type Options struct {
	// DeviceID selects a capture device by its enumerated ID. Empty means
	// the system default.
	DeviceID string
	// Tap receives every captured sample for metering.
	Tap *audio.Tap
}

type MalgoCapture struct {
	packets chan []byte

	cfg    config.AudioConfig
	enc    codec.Encoder
	tap    *audio.Tap
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	paused atomic.Bool
	once   sync.Once

	pending []int16 // only touched from the device callback
	silence []float32
}

func NewMalgoCapture(cfg config.AudioConfig, enc codec.Encoder, opts Options) (*MalgoCapture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug().Str("module", "capture").Msg(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init malgo context: %w", err)
	}

	mc := &MalgoCapture{
		packets: make(chan []byte, cfg.BufferSize),
		cfg:     cfg,
		enc:     enc,
		tap:     opts.Tap,
		ctx:     ctx,
	}

	capCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	capCfg.Capture.Format = malgo.FormatS16
	capCfg.Capture.Channels = uint32(cfg.Channels)
	capCfg.SampleRate = cfg.SampleRate

	// alsa specific settings for linux
	if runtime.GOOS == "linux" {
		capCfg.Alsa.NoMMap = 1
	}

	info, err := findDevice(ctx, opts.DeviceID)
	if err != nil {
		mc.releaseContext()
		return nil, err
	}
	if info != nil {
		capCfg.Capture.DeviceID = info.ID.Pointer()
	}

	device, err := malgo.InitDevice(ctx.Context, capCfg, malgo.DeviceCallbacks{Data: mc.onCapture})
	if err != nil {
		mc.releaseContext()
		return nil, fmt.Errorf("failed to open capture device: %w", err)
	}
	mc.device = device

	if err := mc.device.Start(); err != nil {
		mc.Close()
		return nil, fmt.Errorf("failed to start capture device: %w", err)
	}

	log.Info().Str("module", "capture").Str("device_id", opts.DeviceID).Msg("Capture device started")
	return mc, nil
}

// findDevice resolves id among capture devices. A nil result with no error
// means the default device.
func findDevice(ctx *malgo.AllocatedContext, id string) (*malgo.DeviceInfo, error) {
	infos, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to list capture devices: %w", err)
	}
	if len(infos) == 0 {
		return nil, ErrNoDevice
	}
	if id == "" {
		return nil, nil
	}
	for i := range infos {
		if infos[i].ID.String() == id {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoDevice, id)
}

func (mc *MalgoCapture) onCapture(_, input []byte, frameCount uint32) {
	n := int(frameCount) * int(mc.cfg.Channels) * 2
	if n > len(input) {
		n = len(input)
	}

	if mc.paused.Load() {
		if mc.tap != nil {
			if len(mc.silence) < n/2 {
				mc.silence = make([]float32, n/2)
			}
			mc.tap.Write(mc.silence[:n/2])
		}
		mc.pending = mc.pending[:0]
		return
	}

	samples := convert.BytesToInt16(input[:n])
	if mc.tap != nil {
		mc.tap.WriteInt16(samples)
	}
	mc.pending = append(mc.pending, samples...)

	frameLen := mc.cfg.FrameLen()
	for len(mc.pending) >= frameLen {
		pkt, err := mc.enc.Encode(mc.pending[:frameLen])
		mc.pending = append(mc.pending[:0], mc.pending[frameLen:]...)
		if err != nil {
			log.Warn().Err(err).Str("module", "capture").Msg("Encode error")
			continue
		}
		if pkt == nil {
			continue
		}
		select {
		case mc.packets <- pkt:
		default:
			// drop packets if channel is full
		}
	}
}

// Packets yields encoded frames and is closed by Close.
func (mc *MalgoCapture) Packets() <-chan []byte {
	return mc.packets
}

// SetPaused mutes capture. While paused the tap receives silence and no
// packets are produced.
func (mc *MalgoCapture) SetPaused(paused bool) {
	mc.paused.Store(paused)
}

func (mc *MalgoCapture) Paused() bool {
	return mc.paused.Load()
}

func (mc *MalgoCapture) Close() {
	mc.once.Do(func() {
		if mc.device != nil {
			mc.device.Uninit()
		}
		mc.releaseContext()
		close(mc.packets)
		log.Debug().Str("module", "capture").Msg("Capture device closed")
	})
}

func (mc *MalgoCapture) releaseContext() {
	if mc.ctx != nil {
		_ = mc.ctx.Uninit()
		mc.ctx.Free()
		mc.ctx = nil
	}
}
