package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"voice-session/internal/audio"
	"voice-session/internal/audio/capture"
	"voice-session/internal/audio/config"
	"voice-session/internal/transport"

	"github.com/pion/webrtc/v4"
	"golang.org/x/oauth2"
)

type fakeCapture struct {
	deviceID string
	packets  chan []byte
	paused   atomic.Bool
	closes   atomic.Int32
}

func newFakeCapture(deviceID string) *fakeCapture {
	return &fakeCapture{deviceID: deviceID, packets: make(chan []byte)}
}

func (c *fakeCapture) Packets() <-chan []byte { return c.packets }
func (c *fakeCapture) SetPaused(paused bool)  { c.paused.Store(paused) }
func (c *fakeCapture) Paused() bool           { return c.paused.Load() }

func (c *fakeCapture) Close() {
	if c.closes.Add(1) == 1 {
		close(c.packets)
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []transport.Event
}

func (l *eventLog) record(ev transport.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []transport.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transport.Event(nil), l.events...)
}

func TestMapPeerState(t *testing.T) {
	tests := []struct {
		in   webrtc.PeerConnectionState
		want transport.State
		ok   bool
	}{
		{webrtc.PeerConnectionStateNew, "", false},
		{webrtc.PeerConnectionStateConnecting, transport.StateConnecting, true},
		{webrtc.PeerConnectionStateConnected, transport.StateConnected, true},
		{webrtc.PeerConnectionStateDisconnected, transport.StateConnecting, true},
		{webrtc.PeerConnectionStateFailed, transport.StateError, true},
		{webrtc.PeerConnectionStateClosed, transport.StateDisconnected, true},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			got, ok := mapPeerState(tt.in)
			if got != tt.want || ok != tt.ok {
				t.Errorf("mapPeerState(%s) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestExchangeSDPSendsBearerToken(t *testing.T) {
	var gotAuth, gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/sdp")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "v=0\r\nanswer\r\n")
	}))
	defer srv.Close()

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, srv.Client())
	n := newNegotiator(ctx, nil, srv.URL+"/room", "abc")

	answer, err := exchangeSDP(context.Background(), n.client, n.url, "v=0\r\noffer\r\n")
	if err != nil {
		t.Fatalf("exchangeSDP failed: %v", err)
	}
	if answer != "v=0\r\nanswer\r\n" {
		t.Errorf("Unexpected answer %q", answer)
	}
	if gotAuth != "Bearer abc" {
		t.Errorf("Expected bearer token, got %q", gotAuth)
	}
	if gotType != "application/sdp" {
		t.Errorf("Expected application/sdp, got %q", gotType)
	}
	if gotBody != "v=0\r\noffer\r\n" {
		t.Errorf("Unexpected offer body %q", gotBody)
	}
}

func TestExchangeSDPErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"rejected with reason", http.StatusForbidden, "room expired", func(err error) bool {
			return strings.Contains(err.Error(), "403") && strings.Contains(err.Error(), "room expired")
		}},
		{"rejected without body", http.StatusInternalServerError, "", func(err error) bool {
			return strings.Contains(err.Error(), "500")
		}},
		{"empty answer", http.StatusOK, "  ", func(err error) bool {
			return errors.Is(err, ErrEmptyAnswer)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := exchangeSDP(context.Background(), srv.Client(), srv.URL, "v=0")
			if err == nil || !tt.check(err) {
				t.Errorf("Unexpected error %v", err)
			}
		})
	}
}

func TestConnectWithoutMicrophone(t *testing.T) {
	var requested string
	tr := New(Config{
		OpenCapture: func(cfg config.AudioConfig, deviceID string, tap *audio.Tap) (Capture, error) {
			requested = deviceID
			return nil, fmt.Errorf("failed to open capture: %w", capture.ErrNoDevice)
		},
	})
	var events eventLog
	tr.Subscribe(events.record)

	if err := tr.SetInputDevice("usb-headset"); err != nil {
		t.Fatalf("SetInputDevice without session failed: %v", err)
	}

	err := tr.Connect(context.Background(), transport.Credentials{RoomURL: "http://127.0.0.1:1", Token: "abc"})
	if !errors.Is(err, transport.ErrDeviceNotFound) {
		t.Fatalf("Expected ErrDeviceNotFound, got %v", err)
	}
	if requested != "usb-headset" {
		t.Errorf("Expected selected device to be opened, got %q", requested)
	}
	for _, ev := range events.snapshot() {
		if ev.Track != nil {
			t.Errorf("Expected no track events, got %+v", ev.Track)
		}
		if ev.State == transport.StateError {
			t.Error("Connect failures must not be reported as error events")
		}
	}
}

func TestConnectRejectedByRoom(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	mic := newFakeCapture("")
	tr := New(Config{
		HTTPClient: srv.Client(),
		OpenCapture: func(cfg config.AudioConfig, deviceID string, tap *audio.Tap) (Capture, error) {
			return mic, nil
		},
	})
	var events eventLog
	tr.Subscribe(events.record)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := tr.Connect(transport.WithAttempt(ctx, "attempt-7"), transport.Credentials{RoomURL: srv.URL + "/room", Token: "abc"})
	if err == nil {
		t.Fatal("Expected connect to fail")
	}
	if errors.Is(err, transport.ErrDeviceNotFound) {
		t.Errorf("Room rejection must not look like a device error: %v", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("Expected status in error, got %v", err)
	}
	if auth, _ := gotAuth.Load().(string); auth != "Bearer abc" {
		t.Errorf("Expected bearer token, got %q", auth)
	}
	if mic.closes.Load() != 1 {
		t.Errorf("Expected microphone released once, got %d", mic.closes.Load())
	}

	var live, ended bool
	for _, ev := range events.snapshot() {
		if ev.Attempt != "attempt-7" {
			t.Errorf("Expected every event tagged with the attempt, got %+v", ev)
		}
		if ev.State == transport.StateError || ev.State == transport.StateDisconnected {
			t.Errorf("Unexpected state event %q from a failed connect", ev.State)
		}
		if ev.Track != nil && ev.Track.Role == audio.RoleLocal {
			if ev.Track.Stream != nil {
				live = true
			} else if live {
				ended = true
			}
		}
	}
	if !live || !ended {
		t.Errorf("Expected local track to start and end, live=%v ended=%v", live, ended)
	}

	if err := tr.EnableMic(false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected after failed connect, got %v", err)
	}
}

func TestDisconnectWithoutSession(t *testing.T) {
	tr := New(Config{})
	if err := tr.Disconnect(context.Background()); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
	if err := tr.EnableMic(true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestSessionMicAndCaptureSwitch(t *testing.T) {
	first := newFakeCapture("builtin")
	sess := &peerSession{localTap: audio.NewTap("mic", 16), capture: first}

	sess.setMicEnabled(false)
	if !first.Paused() {
		t.Fatal("Expected capture paused when mic disabled")
	}

	var opened *fakeCapture
	err := sess.switchCapture(func(tap *audio.Tap) (Capture, error) {
		if tap != sess.localTap {
			t.Error("Expected the new capture to feed the same tap")
		}
		opened = newFakeCapture("usb")
		return opened, nil
	})
	if err != nil {
		t.Fatalf("switchCapture failed: %v", err)
	}
	if first.closes.Load() != 1 {
		t.Error("Expected previous capture closed")
	}
	if !opened.Paused() {
		t.Error("Expected mute state carried over")
	}

	err = sess.switchCapture(func(tap *audio.Tap) (Capture, error) {
		return nil, capture.ErrNoDevice
	})
	if !errors.Is(err, transport.ErrDeviceNotFound) {
		t.Errorf("Expected ErrDeviceNotFound, got %v", err)
	}
	if opened.closes.Load() != 0 {
		t.Error("Expected current capture kept after failed switch")
	}
}
