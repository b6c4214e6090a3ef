package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/BioHazard786/Warpcam/backend/internal/config"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, config.Config{LogFormat: config.LogFormatJSON, LogLevel: slog.LevelInfo})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("room created", "room_id", "AB12")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "room created" || line["room_id"] != "AB12" {
		t.Fatalf("unexpected record: %v", line)
	}
}

func TestNewLoggerRejectsUnknownFormat(t *testing.T) {
	if _, err := newLogger(&bytes.Buffer{}, config.Config{LogFormat: "xml"}); err == nil {
		t.Fatalf("expected error")
	}
}
