package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	gatherTimeout = 45 * time.Second
	maxAnswerSize = 1 << 20
)

var ErrEmptyAnswer = errors.New("room returned an empty sdp answer")

// negotiator runs the offer/answer exchange with the room: one SDP offer is
// POSTed to the room URL, authorised with the room token, and the response
// body is the answer.
type negotiator struct {
	pc     *webrtc.PeerConnection
	client *http.Client
	url    string
}

// newNegotiator authorises requests with token. A base client stored in ctx
// under oauth2.HTTPClient is used as the underlying transport.
func newNegotiator(ctx context.Context, pc *webrtc.PeerConnection, url, token string) *negotiator {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	return &negotiator{
		pc:     pc,
		client: oauth2.NewClient(ctx, src),
		url:    url,
	}
}

func (n *negotiator) CreateOffer(ctx context.Context) error {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(n.pc)
	if err = n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-gatherComplete:
		log.Debug().Str("module", "rtc").Msg("ICE candidates gathered")
	case <-time.After(gatherTimeout):
		log.Warn().Str("module", "rtc").Msg("ICE gathering timeout, sending partial offer")
	case <-ctx.Done():
		return ctx.Err()
	}

	answer, err := exchangeSDP(ctx, n.client, n.url, n.pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	return n.processAnswer(answer)
}

func (n *negotiator) processAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := n.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	log.Info().Str("module", "rtc").Msg("Answer processed successfully")
	return nil
}

// exchangeSDP posts offer to url and returns the answer body.
func exchangeSDP(ctx context.Context, client *http.Client, url, offer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("failed to build offer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Accept", "application/sdp")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to post offer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerSize))
	if err != nil {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			return "", fmt.Errorf("offer rejected: %s", resp.Status)
		}
		return "", fmt.Errorf("offer rejected: %s: %s", resp.Status, msg)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return "", ErrEmptyAnswer
	}

	log.Debug().Str("module", "rtc").Str("status", resp.Status).Msg("Received sdp answer")
	return string(body), nil
}
