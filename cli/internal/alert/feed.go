package alert

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/BioHazard786/Warpcam/cli/internal/control"
	"github.com/BioHazard786/Warpcam/cli/internal/signaling"
)

// ErrInvalidAlert marks a feed line that is not a usable alert.
var ErrInvalidAlert = errors.New("invalid alert")

const maxLineBytes = 64 * 1024

// Event is one perception alert read from the feed.
type Event struct {
	ID         string          `json:"id,omitempty"`
	Type       string          `json:"type"`
	Severity   string          `json:"severity,omitempty"`
	Message    string          `json:"message,omitempty"`
	Confidence float64         `json:"confidence"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// Parse decodes one JSON line. Missing ids are generated and missing
// severities default to info.
func Parse(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidAlert, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrInvalidAlert)
	}
	if ev.Confidence < 0 || ev.Confidence > 1 {
		return Event{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidAlert, ev.Confidence)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Severity == "" {
		ev.Severity = "info"
	}
	return ev, nil
}

// Payload is the relay form of the alert.
func (e Event) Payload() signaling.AlertPayload {
	return signaling.AlertPayload{
		ID:         e.ID,
		Type:       e.Type,
		Severity:   e.Severity,
		Message:    e.Message,
		Confidence: e.Confidence,
		Details:    e.Details,
	}
}

// Control is the data channel form of the alert.
func (e Event) Control() control.Alert {
	return control.Alert{
		ID:         e.ID,
		Type:       e.Type,
		Severity:   e.Severity,
		Message:    e.Message,
		Confidence: e.Confidence,
	}
}

// Open returns the feed at path, or stdin for "-".
func Open(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// Read sends every valid line of r to out until r ends or ctx is done.
// Invalid lines are logged and skipped.
func Read(ctx context.Context, r io.Reader, out chan<- Event, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		ev, err := Parse(raw)
		if err != nil {
			logger.Warn("skipping alert", "line", line, "error", err)
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
