// Package config loads runtime settings from flags, an optional .env file
// and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pion/stun"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultSignalingURL   = "ws://0.0.0.0:8765"
	DefaultStunServer     = "stun:stun.l.google.com:19302"
	DefaultFrameRate      = 60
	DefaultConnectTimeout = 30 * time.Second
)

var ErrHelp = pflag.ErrHelp

type Config struct {
	SignalingURL   string        `mapstructure:"signaling_url" validate:"required,url"`
	LogLevel       string        `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	LogFile        string        `mapstructure:"log_file"`
	StunServers    []string      `mapstructure:"stun_servers" validate:"dive,stun_uri"`
	TurnServers    []string      `mapstructure:"turn_servers" validate:"dive,turn_uri"`
	TurnUsername   string        `mapstructure:"turn_username"`
	TurnCredential string        `mapstructure:"turn_credential"`
	FrameRate      int           `mapstructure:"frame_rate" validate:"min=1,max=240"`
	Playback       bool          `mapstructure:"playback"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	Headless       bool          `mapstructure:"headless"`
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
	})
	_ = validate.RegisterValidation("stun_uri", iceSchemeValidator(stun.SchemeTypeSTUN, stun.SchemeTypeSTUNS))
	_ = validate.RegisterValidation("turn_uri", iceSchemeValidator(stun.SchemeTypeTURN, stun.SchemeTypeTURNS))
}

func iceSchemeValidator(schemes ...stun.SchemeType) validator.Func {
	return func(fl validator.FieldLevel) bool {
		uri, err := stun.ParseURI(fl.Field().String())
		if err != nil {
			return false
		}
		for _, s := range schemes {
			if uri.Scheme == s {
				return true
			}
		}
		return false
	}
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("voice-session", pflag.ContinueOnError)
	fs.String("signaling-url", DefaultSignalingURL, "signaling WebSocket URL")
	fs.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.String("log-file", "", "write logs to this file")
	fs.StringSlice("stun-servers", []string{DefaultStunServer}, "comma separated STUN server URLs")
	fs.StringSlice("turn-servers", nil, "comma separated TURN server URLs")
	fs.String("turn-username", "", "TURN username")
	fs.String("turn-credential", "", "TURN credential")
	fs.Int("frame-rate", DefaultFrameRate, "meter refresh rate in frames per second")
	fs.Bool("playback", true, "play remote audio on the default output device")
	fs.Duration("connect-timeout", DefaultConnectTimeout, "transport connect timeout")
	fs.Bool("headless", false, "log state changes instead of drawing the terminal UI")
	fs.String("env-file", ".env", "optional env file; empty disables it")
	return fs
}

// Load parses args (without the program name) and returns validated settings.
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	keys := map[string]string{
		"signaling_url":   "signaling-url",
		"log_level":       "log-level",
		"log_file":        "log-file",
		"stun_servers":    "stun-servers",
		"turn_servers":    "turn-servers",
		"turn_username":   "turn-username",
		"turn_credential": "turn-credential",
		"frame_rate":      "frame-rate",
		"playback":        "playback",
		"connect_timeout": "connect-timeout",
		"headless":        "headless",
	}
	for key, flag := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", key, err)
		}
	}
	v.AutomaticEnv()

	envFile, _ := fs.GetString("env-file")
	if path := locateEnvFile(envFile); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.StunServers = normalizeServers(cfg.StunServers)
	cfg.TurnServers = normalizeServers(cfg.TurnServers)
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, e := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s %s", e.Field(), formatValidationMessage(e)))
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	if len(c.TurnServers) > 0 && (c.TurnUsername == "" || c.TurnCredential == "") {
		return errors.New("invalid config: turn_servers require turn_username and turn_credential")
	}
	return nil
}

func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "stun_uri":
		return fmt.Sprintf("has invalid STUN URL %q", e.Value())
	case "turn_uri":
		return fmt.Sprintf("has invalid TURN URL %q", e.Value())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}

// ICEServers returns the STUN entries followed by the TURN entries.
func (c *Config) ICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.StunServers)+len(c.TurnServers))
	for _, s := range c.StunServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{s}})
	}
	for _, s := range c.TurnServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{s},
			Username:   c.TurnUsername,
			Credential: c.TurnCredential,
		})
	}
	return servers
}

// normalizeServers accepts entries that still hold comma separated lists,
// as they arrive from env values.
func normalizeServers(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, s := range getServersFromString(entry) {
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func getServersFromString(envServers string) []string {
	servers := strings.Split(envServers, ",")
	for i, server := range servers {
		servers[i] = strings.TrimSpace(server)
	}
	return servers
}

// locateEnvFile looks for name in the working directory and its parents.
func locateEnvFile(name string) string {
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		if _, err := os.Stat(name); err == nil {
			return name
		}
		return ""
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
