package presence

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/BioHazard786/Warpcam/cli/internal/signaling"
)

// Monitor asks the relay for room occupancy on a fixed interval.
type Monitor struct {
	interval time.Duration
	send     func() error
	logger   *slog.Logger
}

// NewMonitor creates a Monitor that calls send on every beat.
func NewMonitor(interval time.Duration, send func() error, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{interval: interval, send: send, logger: logger.With("component", "presence")}
}

// Run sends a heartbeat immediately and then once per interval until ctx is
// done. Send failures are logged and do not stop the loop.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.send(); err != nil {
			m.logger.Debug("heartbeat request failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Snapshot is the occupancy reported by one heartbeat reply.
type Snapshot struct {
	RoomID        string
	SourcePresent bool
	ViewerCount   int
	MaxViewers    int
	Viewers       []signaling.ViewerInfo
	At            time.Time
}

// FromReply converts a heartbeat reply into a Snapshot.
func FromReply(p signaling.HeartbeatReplyPayload, at time.Time) Snapshot {
	return Snapshot{
		RoomID:        p.RoomID,
		SourcePresent: p.SourcePresent,
		ViewerCount:   p.ViewerCount,
		MaxViewers:    p.MaxViewers,
		Viewers:       p.Viewers,
		At:            at,
	}
}

// ViewerIDs lists the ids in the snapshot.
func (s Snapshot) ViewerIDs() []string {
	ids := make([]string, 0, len(s.Viewers))
	for _, v := range s.Viewers {
		ids = append(ids, v.ID)
	}
	return ids
}

// Diff reports the ids present in remote but not local, and in local but
// not remote. Both results are sorted.
func Diff(local, remote []string) (added, removed []string) {
	have := make(map[string]struct{}, len(local))
	for _, id := range local {
		have[id] = struct{}{}
	}
	want := make(map[string]struct{}, len(remote))
	for _, id := range remote {
		want[id] = struct{}{}
		if _, ok := have[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range local {
		if _, ok := want[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// Health counts consecutive heartbeats in which the source is present but
// the local connection is not up.
type Health struct {
	threshold int
	misses    int
}

// NewHealth creates a Health that trips after threshold bad beats.
func NewHealth(threshold int) *Health {
	if threshold < 1 {
		threshold = 1
	}
	return &Health{threshold: threshold}
}

// Observe records one heartbeat and reports whether the caller should
// reconnect. The counter restarts after it trips.
func (h *Health) Observe(s Snapshot, connected bool) bool {
	if connected || !s.SourcePresent {
		h.misses = 0
		return false
	}
	h.misses++
	if h.misses < h.threshold {
		return false
	}
	h.misses = 0
	return true
}

// Misses reports the current run of unhealthy beats.
func (h *Health) Misses() int {
	return h.misses
}
