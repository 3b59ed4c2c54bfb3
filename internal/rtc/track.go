package rtc

import (
	"fmt"
	"time"

	"voice-session/internal/audio/config"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// setupAudioTrack creates the microphone track and adds it to the peer
// connection as a sendrecv transceiver.
func setupAudioTrack(pc *webrtc.PeerConnection, cfg config.AudioConfig, trackID string) (*webrtc.TrackLocalStaticSample, error) {
	audioTrack, err := webrtc.NewTrackLocalStaticSample(cfg.Capability(), trackID, "microphone")
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}

	rtpSender, err := pc.AddTrack(audioTrack)
	if err != nil {
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	// drain RTCP so interceptors keep running
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtpSender.Read(buf); err != nil {
				return
			}
		}
	}()

	log.Debug().Str("module", "rtc").Str("track_id", rtpSender.Track().ID()).Msg("Audio track added")
	return audioTrack, nil
}

func newAPI(cfg config.AudioConfig) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(cfg.CodecParameters(), webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("failed to register opus codec: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		time.Second*60, // disconnected timeout upped for double NAT
		time.Second*30, // failed timeout
		time.Second*5,  // keepalive interval
	)
	settingEngine.SetReceiveMTU(1500)
	settingEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}
