package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/BioHazard786/Warpcam/backend/internal/config"
)

// New builds the server logger from the resolved configuration.
func New(cfg config.Config) (*slog.Logger, error) {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg config.Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case config.LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case config.LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}
