// Package codec wraps libopus for 20 ms voice frames.
package codec

import (
	"errors"
	"fmt"

	"voice-session/internal/audio/config"
	"voice-session/internal/audio/convert"

	"gopkg.in/hraban/opus.v2"
)

// Valid frame sizes at 48kHz: 2.5ms=120, 5ms=240, 10ms=480, 20ms=960, 40ms=1920, 60ms=2880
var ErrInvalidFrameSize = errors.New("invalid opus frame size for given sample rate")

const (
	maxPacketSize = 4000
	// maxFrameSamples fits the longest opus frame (120 ms at 48kHz).
	maxFrameSamples = 5760
)

type Encoder interface {
	Encode(pcm []int16) ([]byte, error)
}

type Decoder interface {
	Decode(packet []byte) ([]int16, error)
}

type OpusEncoder struct {
	enc      *opus.Encoder
	frameLen int
	out      []byte
}

// NewOpusEncoder creates a VoIP encoder with DTX enabled.
func NewOpusEncoder(cfg config.AudioConfig) (*OpusEncoder, error) {
	if !convert.IsFrameSizeValid(int(cfg.SampleRate), cfg.FrameSamples) {
		return nil, fmt.Errorf("%w: %d samples at %d Hz", ErrInvalidFrameSize, cfg.FrameSamples, cfg.SampleRate)
	}
	enc, err := opus.NewEncoder(int(cfg.SampleRate), int(cfg.Channels), opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	if err := enc.SetDTX(true); err != nil {
		return nil, fmt.Errorf("failed to enable DTX: %w", err)
	}
	return &OpusEncoder{
		enc:      enc,
		frameLen: cfg.FrameLen(),
		out:      make([]byte, maxPacketSize),
	}, nil
}

// Encode encodes exactly one frame. A nil packet with no error means the
// encoder chose discontinuous transmission for this frame.
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.frameLen {
		return nil, fmt.Errorf("%w: got %d samples, want %d", ErrInvalidFrameSize, len(pcm), e.frameLen)
	}
	n, err := e.enc.Encode(pcm, e.out)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pcm: %w", err)
	}
	if n < 3 {
		// very small packet, likely DTX/no voice
		return nil, nil
	}
	packet := make([]byte, n)
	copy(packet, e.out[:n])
	return packet, nil
}

type OpusDecoder struct {
	dec      *opus.Decoder
	channels int
	buf      []int16
}

func NewOpusDecoder(cfg config.AudioConfig) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(int(cfg.SampleRate), int(cfg.Channels))
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:      dec,
		channels: int(cfg.Channels),
		buf:      make([]int16, maxFrameSamples*int(cfg.Channels)),
	}, nil
}

// Decode returns interleaved samples for one packet.
func (d *OpusDecoder) Decode(packet []byte) ([]int16, error) {
	n, err := d.dec.Decode(packet, d.buf)
	if err != nil {
		return nil, fmt.Errorf("failed to decode opus packet: %w", err)
	}
	out := make([]int16, n*d.channels)
	copy(out, d.buf)
	return out, nil
}
