package ui

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestSessionTableView(t *testing.T) {
	if got := SessionTableView(nil); !strings.Contains(got, "No viewers") {
		t.Fatalf("empty view = %q", got)
	}

	view := SessionTableView([]SessionRow{
		{Number: 1, Name: "Bob", State: "connected"},
		{Number: 2, Name: "a very long display name that keeps going", State: "failed", Attempts: 3, Pending: 2},
	})
	for _, want := range []string{"Bob", "connected", "failed", "Retries", "..."} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
}

func TestRenderOccupancy(t *testing.T) {
	var buf bytes.Buffer
	RenderOccupancy(&buf, Occupancy{
		RoomID:        "AB12",
		SourcePresent: true,
		MaxViewers:    10,
		Viewers: []OccupantRow{
			{Number: 1, Name: "Bob"},
			{Number: 2, Name: "Cara", Self: true},
		},
	})
	out := buf.String()
	for _, want := range []string{"AB12", "live", "2/10", "Cara", "you"} {
		if !strings.Contains(out, want) {
			t.Fatalf("occupancy missing %q:\n%s", want, out)
		}
	}
}

func TestDashboardModel(t *testing.T) {
	updates := make(chan tea.Msg, 4)
	quit := false
	m := newDashboardModel(RoomInfo{RoomID: "AB12", Role: "source", Server: "ws://relay", MaxViewers: 10}, updates, func() { quit = true })

	m.Update(stateMsg("Streaming to 1 viewer"))
	m.Update(sessionsMsg{{Number: 1, Name: "Bob", State: "offer-sent"}})
	for i := 0; i < maxAlertLines+2; i++ {
		m.Update(alertMsg("alert-" + string(rune('a'+i))))
	}

	view := m.View()
	for _, want := range []string{"AB12", "Streaming to 1 viewer", "Bob", "offer-sent", "alert-g"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "alert-a") {
		t.Fatalf("old alerts should scroll off")
	}

	cmd := m.listenForUpdates()
	updates <- stateMsg("next")
	if got := cmd(); got != stateMsg("next") {
		t.Fatalf("listen returned %v", got)
	}

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !quit || cmd == nil || m.View() != "" {
		t.Fatalf("q should quit")
	}
}

func TestSpinnerStops(t *testing.T) {
	var buf safeBuffer
	s := NewWaitingSpinner("waiting")
	s.out = &buf
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.UpdateMessage("still waiting")
	s.Success("done")
	s.Stop()

	out := buf.String()
	if !strings.Contains(out, "waiting") || !strings.HasSuffix(out, "done\n") {
		t.Fatalf("spinner output %q", out)
	}
}

func TestAlertLine(t *testing.T) {
	line := AlertLine("high", "person", "at the door", 0.87)
	for _, want := range []string{"high", "person", "87%", "at the door"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line missing %q: %q", want, line)
		}
	}
}

func TestTruncate(t *testing.T) {
	if truncate("short", 10) != "short" || truncate("abcdefgh", 5) != "ab..." || truncate("abc", 2) != "ab" {
		t.Fatalf("truncate misbehaves")
	}
}

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
