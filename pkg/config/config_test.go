package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func noEnvFile() []string { return []string{"--env-file", ""} }

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(noEnvFile())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SignalingURL != DefaultSignalingURL {
		t.Errorf("Expected signaling URL %s, got %s", DefaultSignalingURL, cfg.SignalingURL)
	}
	if cfg.FrameRate != DefaultFrameRate {
		t.Errorf("Expected frame rate %d, got %d", DefaultFrameRate, cfg.FrameRate)
	}
	if cfg.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("Expected timeout %v, got %v", DefaultConnectTimeout, cfg.ConnectTimeout)
	}
	if !cfg.Playback || cfg.Headless {
		t.Errorf("Unexpected playback/headless %v/%v", cfg.Playback, cfg.Headless)
	}
	if len(cfg.StunServers) != 1 || cfg.StunServers[0] != DefaultStunServer {
		t.Errorf("Unexpected STUN servers %v", cfg.StunServers)
	}
	if len(cfg.TurnServers) != 0 {
		t.Errorf("Expected no TURN servers, got %v", cfg.TurnServers)
	}
}

func TestLoadFlags(t *testing.T) {
	args := append(noEnvFile(),
		"--signaling-url", "wss://example.com/ws",
		"--frame-rate", "30",
		"--connect-timeout", "5s",
		"--headless",
		"--playback=false",
		"--stun-servers", "stun:a.example.com:3478,stun:b.example.com:3478",
	)
	cfg, err := Load(args)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SignalingURL != "wss://example.com/ws" || cfg.FrameRate != 30 || cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("Flags not applied: %+v", cfg)
	}
	if !cfg.Headless || cfg.Playback {
		t.Errorf("Bool flags not applied: %+v", cfg)
	}
	if len(cfg.StunServers) != 2 {
		t.Errorf("Expected 2 STUN servers, got %v", cfg.StunServers)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("SIGNALING_URL", "ws://127.0.0.1:9000")
	t.Setenv("STUN_SERVERS", "stun:one.example.com:3478, stun:two.example.com:3478")
	t.Setenv("TURN_SERVERS", "turn:turn.example.com:3478")
	t.Setenv("TURN_USERNAME", "user")
	t.Setenv("TURN_CREDENTIAL", "secret")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load(noEnvFile())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SignalingURL != "ws://127.0.0.1:9000" {
		t.Errorf("Unexpected signaling URL %s", cfg.SignalingURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected normalised log level, got %q", cfg.LogLevel)
	}

	servers := cfg.ICEServers()
	if len(servers) != 3 {
		t.Fatalf("Expected 3 ICE servers, got %d", len(servers))
	}
	if servers[1].URLs[0] != "stun:two.example.com:3478" {
		t.Errorf("Expected trimmed URL, got %q", servers[1].URLs[0])
	}
	turn := servers[2]
	if turn.Username != "user" || turn.Credential != "secret" {
		t.Errorf("TURN credentials not applied: %+v", turn)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("FRAME_RATE", "24")
	cfg, err := Load(append(noEnvFile(), "--frame-rate", "50"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.FrameRate != 50 {
		t.Errorf("Expected flag to win, got %d", cfg.FrameRate)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "# local settings\nSIGNALING_URL=ws://10.0.0.2:8765\nHEADLESS=true\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load([]string{"--env-file", path})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.SignalingURL != "ws://10.0.0.2:8765" || !cfg.Headless {
		t.Errorf("Env file not applied: %+v", cfg)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad signaling url", []string{"--signaling-url", "not a url"}, "signaling_url"},
		{"frame rate", []string{"--frame-rate", "0"}, "frame_rate must be at least 1"},
		{"timeout", []string{"--connect-timeout", "0s"}, "connect_timeout"},
		{"log level", []string{"--log-level", "loud"}, "log_level must be one of"},
		{"stun scheme", []string{"--stun-servers", "turn:turn.example.com:3478"}, "invalid STUN URL"},
		{"turn without credentials", []string{"--turn-servers", "turn:turn.example.com:3478"}, "turn_username"},
		{"unknown flag", []string{"--volume", "11"}, "unknown flag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(append(noEnvFile(), tt.args...))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestGetServersFromString(t *testing.T) {
	got := getServersFromString(" stun:a:1 ,stun:b:2")
	if len(got) != 2 || got[0] != "stun:a:1" || got[1] != "stun:b:2" {
		t.Errorf("Unexpected split %v", got)
	}
}
