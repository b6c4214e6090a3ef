package control

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeStreamInfo(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	frame, err := Encode(TypeStreamInfo, StreamInfo{Source: "porch", ViewerNumber: 2, StartedAt: started})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	v, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	info, ok := v.(*StreamInfo)
	if !ok {
		t.Fatalf("got %T", v)
	}
	if info.Source != "porch" || info.ViewerNumber != 2 || !info.StartedAt.Equal(started) {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestDecodeAlert(t *testing.T) {
	frame, err := Encode(TypeAlert, Alert{ID: "a1", Type: "motion", Severity: "high", Confidence: 0.9})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	v, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	a, ok := v.(*Alert)
	if !ok || a.ID != "a1" || a.Confidence != 0.9 {
		t.Fatalf("unexpected alert %#v", v)
	}
}

func TestDecodeRejects(t *testing.T) {
	frame, err := Encode("telemetry", map[string]int{"x": 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(frame); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("want ErrUnknownType, got %v", err)
	}
	if _, err := Decode([]byte{0xc1}); err == nil {
		t.Fatalf("expected error for garbage frame")
	}
}
