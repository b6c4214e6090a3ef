package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr           = "WARPCAM_LISTEN_ADDR"
	envVarAllowedOrigins       = "WARPCAM_ALLOWED_ORIGINS"
	envVarLogFormat            = "WARPCAM_LOG_FORMAT"
	envVarLogLevel             = "WARPCAM_LOG_LEVEL"
	envVarShutdownTimeout      = "WARPCAM_SHUTDOWN_TIMEOUT"
	envVarMaxViewers           = "WARPCAM_MAX_VIEWERS"
	envVarMaxMessageBytes      = "WARPCAM_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "WARPCAM_MAX_MESSAGES_PER_SECOND"
	envVarMessageBurst         = "WARPCAM_MESSAGE_BURST"
	envVarPresenceTimeout      = "WARPCAM_PRESENCE_TIMEOUT"
	envVarSweepInterval        = "WARPCAM_SWEEP_INTERVAL"

	DefaultListenAddr           = ":8080"
	DefaultShutdown             = 10 * time.Second
	DefaultMaxViewers           = 10
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultMessageBurst         = 100
	DefaultPresenceTimeout      = 30 * time.Second
	DefaultSweepInterval        = 5 * time.Second
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config is the resolved relay server configuration.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	LogFormat LogFormat
	LogLevel  slog.Level

	MaxViewers           int
	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	MessageBurst         int

	// PresenceTimeout is how long a registered user may stay silent before
	// the relay drops its connection. Zero disables the sweep.
	PresenceTimeout time.Duration
	SweepInterval   time.Duration
}

// Load resolves the configuration from command line arguments, falling back
// to WARPCAM_* environment variables and then to built-in defaults.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOrigins := envOrDefault(lookup, envVarAllowedOrigins, "")
	logFormat := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevel := envOrDefault(lookup, envVarLogLevel, "info")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	presenceTimeout, err := envDurationOrDefault(lookup, envVarPresenceTimeout, DefaultPresenceTimeout)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, envVarSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	maxViewers, err := envIntOrDefault(lookup, envVarMaxViewers, DefaultMaxViewers)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	messageBurst, err := envIntOrDefault(lookup, envVarMessageBurst, DefaultMessageBurst)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("warpcam-server", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (env "+envVarListenAddr+")")
	fs.StringVar(&allowedOrigins, "allowed-origins", allowedOrigins, "Comma-separated list of allowed browser origins, empty allows all (env "+envVarAllowedOrigins+")")
	fs.StringVar(&logFormat, "log-format", logFormat, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevel, "log-level", logLevel, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.IntVar(&maxViewers, "max-viewers", maxViewers, "Maximum viewers per room (env "+envVarMaxViewers+")")
	fs.IntVar(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Maximum inbound signaling message size (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Inbound signaling messages per second per connection, 0 = unlimited (env "+envVarMaxMessagesPerSecond+")")
	fs.IntVar(&messageBurst, "message-burst", messageBurst, "Burst allowance for the per-connection rate limit (env "+envVarMessageBurst+")")
	fs.DurationVar(&presenceTimeout, "presence-timeout", presenceTimeout, "Drop users silent for longer than this, 0 disables (env "+envVarPresenceTimeout+")")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "How often stale users are swept (env "+envVarSweepInterval+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:           strings.TrimSpace(listenAddr),
		AllowedOrigins:       splitList(allowedOrigins),
		ShutdownTimeout:      shutdownTimeout,
		LogFormat:            LogFormat(strings.ToLower(strings.TrimSpace(logFormat))),
		LogLevel:             level,
		MaxViewers:           maxViewers,
		MaxMessageBytes:      int64(maxMessageBytes),
		MaxMessagesPerSecond: maxMessagesPerSecond,
		MessageBurst:         messageBurst,
		PresenceTimeout:      presenceTimeout,
		SweepInterval:        sweepInterval,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address must not be empty")
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	if c.MaxViewers < 1 {
		return fmt.Errorf("max viewers must be at least 1, got %d", c.MaxViewers)
	}
	if c.MaxMessageBytes < 1024 {
		return fmt.Errorf("max message bytes must be at least 1024, got %d", c.MaxMessageBytes)
	}
	if c.MaxMessagesPerSecond < 0 {
		return fmt.Errorf("max messages per second must not be negative, got %d", c.MaxMessagesPerSecond)
	}
	if c.MaxMessagesPerSecond > 0 && c.MessageBurst < 1 {
		return fmt.Errorf("message burst must be at least 1, got %d", c.MessageBurst)
	}
	if c.PresenceTimeout < 0 {
		return fmt.Errorf("presence timeout must not be negative, got %s", c.PresenceTimeout)
	}
	if c.PresenceTimeout > 0 && c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
