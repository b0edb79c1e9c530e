package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/Amalgamate/bistrolparkHMS-sub000/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	Hub       Hub       `json:"hub"`
	Transport Transport `json:"transport"`
	Call      Call      `json:"call"`
	Bridge    Bridge    `json:"bridge"`
	Storage   Storage   `json:"storage"`
	Log       Log       `json:"log"`
}

// Identity is who this client is. Supplied once; the session treats it as
// immutable.
type Identity struct {
	UserID string `json:"user_id" env:"HMS_USER_ID"`
	Name   string `json:"name" env:"HMS_USER_NAME"`
	Role   string `json:"role" env:"HMS_ROLE"`
	Branch string `json:"branch" env:"HMS_BRANCH"`
}

// Hub configures the server mode.
type Hub struct {
	ListenAddr string `json:"listen_addr" env:"HMS_HUB_LISTEN"`
}

// Transport configures the client connection to the hub.
type Transport struct {
	URL string `json:"url" env:"HMS_HUB_URL"`

	// Reconnect policy. Attempts=0 disables reconnection.
	MaxReconnectAttempts int `json:"max_reconnect_attempts"`
	ReconnectBackoffSec  int `json:"reconnect_backoff_seconds"`
}

// Call tunables. RingTimeoutSec is hot-reloadable.
type Call struct {
	RingTimeoutSec int      `json:"ring_timeout_seconds"`
	ICEServers     []string `json:"ice_servers"`
}

// Bridge configures the third-party live-chat integration. Empty BaseURL
// disables outbound bridging; inbound webhook routes are always mounted on
// the hub.
type Bridge struct {
	Source        string `json:"source" env:"HMS_BRIDGE_SOURCE"`
	BaseURL       string `json:"base_url" env:"HMS_BRIDGE_URL"`
	WebhookSecret string `json:"webhook_secret" env:"HMS_BRIDGE_SECRET"`
}

type Storage struct {
	Dir string `json:"dir" env:"HMS_DATA_DIR"`
}

type Log struct {
	Level string `json:"level" env:"HMS_LOG_LEVEL"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Hub: Hub{ListenAddr: "127.0.0.1:8090"},
		Transport: Transport{
			URL:                  "ws://127.0.0.1:8090/ws",
			MaxReconnectAttempts: 5,
			ReconnectBackoffSec:  2,
		},
		Call: Call{
			RingTimeoutSec: 45,
			ICEServers:     []string{"stun:stun.l.google.com:19302"},
		},
		Bridge:  Bridge{Source: "tawkto"},
		Storage: Storage{Dir: "data"},
		Log:     Log{Level: "info"},
	}
}

// Load reads cfg from path, fills gaps with defaults and applies env
// overrides. A missing file is not an error: defaults + env are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// fall through to env
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Save writes cfg to path as indented JSON.
func Save(path string, cfg Config) error {
	return util.WriteJSONFile(path, cfg)
}

func applyEnv(cfg *Config) error {
	for _, target := range []any{
		&cfg.Identity, &cfg.Hub, &cfg.Transport, &cfg.Bridge, &cfg.Storage, &cfg.Log,
	} {
		if err := env.Parse(target); err != nil {
			return fmt.Errorf("env overrides: %w", err)
		}
	}
	return nil
}

// Validate checks the pieces that would otherwise fail late and confusingly.
func (c *Config) Validate() error {
	if c.Hub.ListenAddr != "" {
		if err := validateHostPort(c.Hub.ListenAddr); err != nil {
			return fmt.Errorf("hub.listen_addr: %w", err)
		}
	}
	if c.Transport.URL != "" && !strings.HasPrefix(c.Transport.URL, "ws://") &&
		!strings.HasPrefix(c.Transport.URL, "wss://") {
		return fmt.Errorf("transport.url %q: must be ws:// or wss://", c.Transport.URL)
	}
	if c.Transport.MaxReconnectAttempts < 0 {
		return errors.New("transport.max_reconnect_attempts must be >= 0")
	}
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_seconds must be > 0")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level)
	}
	return nil
}

func validateHostPort(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return errors.New("missing host")
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("bad port %q", port)
	}
	return nil
}
