package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestNewSourceTracks(t *testing.T) {
	src, err := NewSource(nil)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	tracks := src.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks", len(tracks))
	}
	if tracks[0].Kind().String() != "video" || tracks[1].Kind().String() != "audio" {
		t.Fatalf("kinds: %s %s", tracks[0].Kind(), tracks[1].Kind())
	}
	if tracks[0].StreamID() != streamID {
		t.Fatalf("stream id %q", tracks[0].StreamID())
	}
}

func TestPlayIVFRejectsGarbage(t *testing.T) {
	src, err := NewSource(nil)
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	path := filepath.Join(t.TempDir(), "bad.ivf")
	if err := os.WriteFile(path, []byte("definitely not an ivf file, but long enough for a header"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := src.PlayIVF(context.Background(), path); err == nil {
		t.Fatalf("expected error")
	}
	if err := src.PlayIVF(context.Background(), filepath.Join(t.TempDir(), "missing.ivf")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
