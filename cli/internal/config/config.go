package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default configuration values (production)
const (
	DefaultServerURL         = "wss://warpcam.qzz.io/ws"
	DefaultSTUN              = "stun:stun.l.google.com:19302"
	DefaultRetryBackoff      = 3 * time.Second
	DefaultMaxRetries        = 5
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultUnhealthyBeats    = 3
)

// Config holds application configuration
type Config struct {
	// ServerURL is the websocket endpoint of the relay.
	ServerURL string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string
	ForceRelay bool

	// RetryBackoff is the wait before a failed viewer session is rebuilt.
	RetryBackoff time.Duration
	// MaxRetries caps consecutive rebuilds per viewer; zero means unlimited.
	MaxRetries int

	HeartbeatInterval time.Duration
	// UnhealthyBeats is how many heartbeats a viewer tolerates a broken
	// connection while the source is present before it rejoins.
	UnhealthyBeats int
}

// Options for loading config with CLI flag overrides. Zero values fall
// through to the environment and then to defaults.
type Options struct {
	ServerURL    string
	STUNServer   string
	TURNServer   string
	TURNUser     string
	TURNPass     string
	ForceRelay   bool
	RetryBackoff time.Duration
	MaxRetries   int
	// MaxRetriesSet marks MaxRetries as given, so zero can mean unlimited.
	MaxRetriesSet     bool
	HeartbeatInterval time.Duration
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		ServerURL:      firstNonEmpty(opts.ServerURL, os.Getenv("WARPCAM_SERVER"), DefaultServerURL),
		STUNServer:     firstNonEmpty(opts.STUNServer, os.Getenv("STUN_SERVER"), DefaultSTUN),
		TURNServer:     firstNonEmpty(opts.TURNServer, os.Getenv("TURN_SERVER")),
		TURNUser:       firstNonEmpty(opts.TURNUser, os.Getenv("TURN_USERNAME")),
		TURNPass:       firstNonEmpty(opts.TURNPass, os.Getenv("TURN_PASSWORD")),
		ForceRelay:     opts.ForceRelay,
		UnhealthyBeats: DefaultUnhealthyBeats,
	}

	if !cfg.ForceRelay {
		if v := os.Getenv("FORCE_RELAY"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("invalid FORCE_RELAY %q: %w", v, err)
			}
			cfg.ForceRelay = b
		}
	}

	var err error
	if cfg.RetryBackoff, err = durationSetting(opts.RetryBackoff, "RETRY_BACKOFF", DefaultRetryBackoff); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = durationSetting(opts.HeartbeatInterval, "HEARTBEAT_INTERVAL", DefaultHeartbeatInterval); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = intSetting(opts.MaxRetries, opts.MaxRetriesSet, "MAX_RETRIES", DefaultMaxRetries); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server URL must use ws or wss, got %q", u.Scheme)
	}
	if c.ForceRelay && c.TURNServer == "" {
		return errors.New("cannot force relay mode without TURN server configured")
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("retry backoff must be positive, got %s", c.RetryBackoff)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative, got %d", c.MaxRetries)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %s", c.HeartbeatInterval)
	}
	return nil
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	if strings.Contains(c.TURNServer, "?transport=") || strings.Count(c.TURNServer, ":") > 1 {
		return []string{c.TURNServer}
	}
	host := strings.TrimPrefix(c.TURNServer, "turn:")
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

// UseRelayOnly reports whether ICE must be restricted to TURN relays.
func (c *Config) UseRelayOnly() bool {
	if c.GetTURNServers() == nil {
		return false
	}
	return c.ForceRelay || ShouldForceRelay()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func durationSetting(flag time.Duration, env string, fallback time.Duration) (time.Duration, error) {
	if flag != 0 {
		return flag, nil
	}
	if v := os.Getenv(env); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", env, v, err)
		}
		return d, nil
	}
	return fallback, nil
}

func intSetting(flag int, set bool, env string, fallback int) (int, error) {
	if set || flag != 0 {
		return flag, nil
	}
	if v := os.Getenv(env); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", env, v, err)
		}
		return n, nil
	}
	return fallback, nil
}
