package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/callcore/internal/util"
)

// FileName is the config file created in an agent or relay directory.
const FileName = "callcore.json"

type Config struct {
	Identity  Identity  `json:"identity"`
	Signaling Signaling `json:"signaling"`
	Call      Call      `json:"call"`
	Media     Media     `json:"media"`
	Viewer    Viewer    `json:"viewer"`
	Storage   Storage   `json:"storage"`
	Relay     Relay     `json:"relay"`
	Log       Log       `json:"log"`
}

type Identity struct {
	// Local user id; the signaling URL is keyed by it.
	UserID string `json:"user_id"`
}

type Signaling struct {
	// Base websocket URL; the user id is appended as the last path segment.
	URL             string `json:"url"`
	PingIntervalSec int    `json:"ping_interval_seconds"`

	// Re-dial after the connection drops. Off unless set.
	Reconnect    bool `json:"reconnect"`
	BackoffMinMs int  `json:"backoff_min_ms"`
	BackoffMaxMs int  `json:"backoff_max_ms"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Call struct {
	ICEServers []ICEServer `json:"ice_servers"`

	// Seconds a call may stay in "calling" before it is ended (outbound) or
	// rejected (inbound). 0 disables the timeout.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// pion ICE agent timers.
	ICEDisconnectedSec int `json:"ice_disconnected_seconds"`
	ICEFailedSec       int `json:"ice_failed_seconds"`
	ICEKeepaliveSec    int `json:"ice_keepalive_seconds"`
}

type Media struct {
	Width        int `json:"width"`
	Height       int `json:"height"`
	VideoBitrate int `json:"video_bitrate"`
	AudioBitrate int `json:"audio_bitrate"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
	Metrics  bool   `json:"metrics"`
}

type Storage struct {
	// SQLite call log, relative to the agent directory. Empty disables it.
	DBPath string `json:"db_path"`
}

type Relay struct {
	Bind   string `json:"bind"`
	Port   int    `json:"port"`
	Path   string `json:"path"`
	DBPath string `json:"db_path"`
}

type Log struct {
	// go-log level for pion subsystems (debug, info, warn, error).
	PionLevel string `json:"pion_level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			UserID: "",
		},
		Signaling: Signaling{
			URL:             "ws://localhost:8000/api/webrtc/webrtc",
			PingIntervalSec: 25,
			Reconnect:       false,
			BackoffMinMs:    500,
			BackoffMaxMs:    30000,
		},
		Call: Call{
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
				{URLs: []string{"stun:stun1.l.google.com:19302"}},
			},
			RingTimeoutSec:     0,
			ICEDisconnectedSec: 30,
			ICEFailedSec:       120,
			ICEKeepaliveSec:    2,
		},
		Media: Media{
			Width:        640,
			Height:       480,
			VideoBitrate: 500_000,
			AudioBitrate: 32_000,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
			Debug:    false,
			Metrics:  true,
		},
		Storage: Storage{
			DBPath: "data/calls.db",
		},
		Relay: Relay{
			Bind:   "127.0.0.1",
			Port:   8000,
			Path:   "/api/webrtc/webrtc",
			DBPath: "data/relay.db",
		},
		Log: Log{
			PionLevel: "warn",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if id := strings.TrimSpace(c.Identity.UserID); id != "" {
		if _, err := util.ValidateUserID(id); err != nil {
			return fmt.Errorf("identity.user_id: %w", err)
		}
	}

	// Signaling
	if err := validateWSURL(c.Signaling.URL); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if c.Signaling.PingIntervalSec < 0 {
		return errors.New("signaling.ping_interval_seconds must be >= 0")
	}
	if c.Signaling.Reconnect {
		if c.Signaling.BackoffMinMs <= 0 {
			return errors.New("signaling.backoff_min_ms must be > 0 when reconnect is enabled")
		}
		if c.Signaling.BackoffMaxMs < c.Signaling.BackoffMinMs {
			return errors.New("signaling.backoff_max_ms must be >= signaling.backoff_min_ms")
		}
	}

	// Call
	for i, s := range c.Call.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("call.ice_servers[%d].urls is required", i)
		}
		for _, u := range s.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("call.ice_servers[%d]: %q must be a stun:, turn: or turns: url", i, u)
			}
		}
	}
	if c.Call.RingTimeoutSec < 0 {
		return errors.New("call.ring_timeout_seconds must be >= 0")
	}
	if c.Call.ICEDisconnectedSec < 0 || c.Call.ICEFailedSec < 0 || c.Call.ICEKeepaliveSec < 0 {
		return errors.New("call ice timers must be >= 0")
	}

	// Media
	if c.Media.Width < 0 || c.Media.Height < 0 {
		return errors.New("media.width and media.height must be >= 0")
	}
	if c.Media.VideoBitrate < 0 || c.Media.AudioBitrate < 0 {
		return errors.New("media bitrates must be >= 0")
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Relay
	if c.Relay.Port < 0 || c.Relay.Port > 65535 {
		return errors.New("relay.port must be 0..65535")
	}
	if b := c.Relay.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("relay.bind must be a valid IP address")
	}
	if !strings.HasPrefix(c.Relay.Path, "/") {
		return errors.New("relay.path must start with /")
	}

	// Log
	switch strings.ToLower(c.Log.PionLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.pion_level: unknown level %q", c.Log.PionLevel)
	}

	return nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// PingInterval returns the websocket keepalive interval.
func (s Signaling) PingInterval() time.Duration {
	return time.Duration(s.PingIntervalSec) * time.Second
}

// RingTimeout returns the ringing timeout, 0 when disabled.
func (c Call) RingTimeout() time.Duration {
	return time.Duration(c.RingTimeoutSec) * time.Second
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
