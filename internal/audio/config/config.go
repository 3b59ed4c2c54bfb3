package config

import (
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	SampleRateOpus   = 48000 // opus native rate
	FrameSamplesOpus = 960   // 20 ms at 48kHz
	ChannelsOpus     = 1
	PayloadTypeOpus  = 111

	OpusFmtpLine = "minptime=10;useinbandfec=1;maxaveragebitrate=64000;stereo=0;sprop-stereo=0;cbr=0"

	JitterBufferSize = 2   // frames to buffer before playout
	PacketBufferSize = 300 // channel buffer size in frames
)

type AudioConfig struct {
	SampleRate   uint32
	FrameSamples int
	Channels     uint16
	BufferSize   int
	JitterFrames int
	SDPFmtpLine  string
	PayloadType  uint8
	MimeType     string
}

// NewOpusConfig is the only codec setup the client negotiates.
func NewOpusConfig() AudioConfig {
	return AudioConfig{
		SampleRate:   SampleRateOpus,
		FrameSamples: FrameSamplesOpus,
		Channels:     ChannelsOpus,
		BufferSize:   PacketBufferSize,
		JitterFrames: JitterBufferSize,
		SDPFmtpLine:  OpusFmtpLine,
		PayloadType:  PayloadTypeOpus,
		MimeType:     webrtc.MimeTypeOpus,
	}
}

// FrameDuration is the playout time of one frame.
func (ac AudioConfig) FrameDuration() time.Duration {
	if ac.SampleRate == 0 {
		return 0
	}
	return time.Duration(ac.FrameSamples) * time.Second / time.Duration(ac.SampleRate)
}

// FrameLen is the number of interleaved samples in one frame.
func (ac AudioConfig) FrameLen() int {
	return ac.FrameSamples * int(ac.Channels)
}

func (ac AudioConfig) Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    ac.MimeType,
		ClockRate:   ac.SampleRate,
		Channels:    ac.Channels,
		SDPFmtpLine: ac.SDPFmtpLine,
	}
}

func (ac AudioConfig) CodecParameters() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: ac.Capability(),
		PayloadType:        webrtc.PayloadType(ac.PayloadType),
	}
}
