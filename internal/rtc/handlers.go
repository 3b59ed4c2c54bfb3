package rtc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voice-session/internal/audio"
	"voice-session/internal/transport"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const statsInterval = 60 * time.Second

// mapPeerState translates pion peer states into transport states. ok is false
// for states the session does not care about.
func mapPeerState(state webrtc.PeerConnectionState) (s transport.State, ok bool) {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return transport.StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return transport.StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		// ICE lost the path but may still recover
		return transport.StateConnecting, true
	case webrtc.PeerConnectionStateFailed:
		return transport.StateError, true
	case webrtc.PeerConnectionStateClosed:
		return transport.StateDisconnected, true
	default:
		return "", false
	}
}

type eventHandlers struct {
	sess *peerSession
	emit func(transport.Event)
}

// handleIceCandidate logs new ICE candidates
func (h eventHandlers) handleIceCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	var connType string
	switch candidate.Typ {
	case webrtc.ICECandidateTypeHost:
		connType = "Direct" // local network or public ip
	case webrtc.ICECandidateTypeSrflx:
		connType = "STUN" // via stun server
	case webrtc.ICECandidateTypeRelay:
		connType = "TURN" // via turn server (relay)
	case webrtc.ICECandidateTypePrflx:
		connType = "Peer" // peer reflexive candidate
	default:
		connType = "Undefined"
	}

	log.Debug().
		Str("module", "rtc").
		Str("type", connType).
		Str("protocol", candidate.Protocol.String()).
		Str("address", candidate.Address).
		Uint16("port", candidate.Port).
		Uint32("priority", candidate.Priority).
		Msg("New ICE candidate gathered")
}

func (h eventHandlers) handleIceConnectionStateChange(state webrtc.ICEConnectionState) {
	log.Debug().Str("module", "rtc").Str("state", state.String()).Msg("ICE state changed")
}

func (h eventHandlers) handleConnectionStateChange(state webrtc.PeerConnectionState) {
	log.Info().Str("module", "rtc").Str("state", state.String()).Msg("Peer connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		h.sess.signal(nil)
	case webrtc.PeerConnectionStateFailed:
		h.sess.signal(errors.New("peer connection failed"))
	case webrtc.PeerConnectionStateClosed:
		h.sess.signal(errors.New("peer connection closed"))
	}

	if h.sess.closing.Load() {
		return
	}
	s, ok := mapPeerState(state)
	if !ok {
		return
	}
	ev := transport.Event{Attempt: h.sess.attempt, State: s}
	if s == transport.StateError {
		ev.Err = fmt.Errorf("peer connection %s", state)
	}
	h.emit(ev)
}

func (h eventHandlers) handleTrackEvent(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Info().Str("module", "rtc").Str("track_id", track.ID()).Str("type", track.Kind().String()).Msg("Received track")
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}

	sess := h.sess
	if !sess.remoteLive.CompareAndSwap(false, true) {
		log.Warn().Str("module", "rtc").Str("track_id", track.ID()).Msg("Ignoring additional remote audio track")
		return
	}
	h.emit(transport.Event{Attempt: sess.attempt, Track: &transport.TrackEvent{Role: audio.RoleRemote, Stream: sess.remoteTap}})

	go func() {
		err := sess.pipeline.StartReceiving(sess.ctx, func() ([]byte, error) {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return nil, err
			}
			return pkt.Payload, nil
		})
		if err != nil && sess.ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "rtc").Msg("Remote track ended")
		}
		sess.remoteTap.Reset()
		if sess.remoteLive.CompareAndSwap(true, false) && !sess.closing.Load() {
			h.emit(transport.Event{Attempt: sess.attempt, Track: &transport.TrackEvent{Role: audio.RoleRemote}})
		}
	}()
}

// setupEventHandlers sets up the necessary event handlers for the peer connection
func (h eventHandlers) setupEventHandlers(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(h.handleIceCandidate)
	pc.OnICEConnectionStateChange(h.handleIceConnectionStateChange)
	pc.OnConnectionStateChange(h.handleConnectionStateChange)
	pc.OnTrack(h.handleTrackEvent)
	go logStat(h.sess.ctx, pc)
}

// logStat periodically logs connection statistics
func logStat(ctx context.Context, pc *webrtc.PeerConnection) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, stat := range pc.GetStats() {
			if inbound, ok := stat.(webrtc.InboundRTPStreamStats); ok {
				log.Debug().
					Str("module", "rtc").
					Uint32("packets", inbound.PacketsReceived).
					Uint64("bytes", inbound.BytesReceived).
					Int32("lost", inbound.PacketsLost).
					Float64("jitter", inbound.Jitter).
					Msg("Inbound RTP stats")
			}
			if outbound, ok := stat.(webrtc.OutboundRTPStreamStats); ok {
				log.Debug().
					Str("module", "rtc").
					Uint32("packets", outbound.PacketsSent).
					Uint64("bytes", outbound.BytesSent).
					Msg("Outbound RTP stats")
			}
		}
	}
}
