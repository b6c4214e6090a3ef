package viewer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/Warpcam/cli/internal/control"
	"github.com/BioHazard786/Warpcam/cli/internal/rtc"
)

// Signaler carries the viewer's outbound signaling to the relay.
type Signaler interface {
	SendAnswer(desc webrtc.SessionDescription) error
	SendCandidate(c webrtc.ICECandidateInit) error
	SendState(state string) error
}

// Options configures a Receiver.
type Options struct {
	API      *webrtc.API
	Config   webrtc.Configuration
	Signaler Signaler
	Logger   *slog.Logger
}

// Alert is an alert as shown to the user, from either delivery path.
type Alert struct {
	ID         string
	Type       string
	Severity   string
	Message    string
	Confidence float64
}

// Stats is a snapshot of the receiving side.
type Stats struct {
	State      webrtc.PeerConnectionState
	Tracks     int
	Bytes      uint64
	StreamInfo *control.StreamInfo
	Alerts     int
	// Pending counts candidates waiting for an offer.
	Pending int
}

// Receiver answers the source's offers with a single peer connection,
// rebuilt on every new offer.
type Receiver struct {
	opts   Options
	logger *slog.Logger

	mu sync.Mutex
	pc *webrtc.PeerConnection
	// remoteSet is true once pc has the offer as its remote description.
	// Until then candidates wait in pending.
	remoteSet bool
	pending   rtc.CandidateQueue
	state     webrtc.PeerConnectionState
	tracks    int
	info      *control.StreamInfo
	seen      map[string]struct{}

	bytes  atomic.Uint64
	alerts chan Alert
	states chan webrtc.PeerConnectionState
}

// New creates a Receiver.
func New(opts Options) *Receiver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		opts:   opts,
		logger: logger.With("component", "viewer"),
		seen:   make(map[string]struct{}),
		alerts: make(chan Alert, 32),
		states: make(chan webrtc.PeerConnectionState, 16),
	}
}

// Alerts delivers each alert once, whichever path brought it first.
func (r *Receiver) Alerts() <-chan Alert {
	return r.alerts
}

// States reports connection state changes of the current connection.
func (r *Receiver) States() <-chan webrtc.PeerConnectionState {
	return r.states
}

// HandleOffer replaces the current connection with one built for offer and
// sends back the answer.
func (r *Receiver) HandleOffer(offer webrtc.SessionDescription) error {
	pc, err := r.opts.API.NewPeerConnection(r.opts.Config)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	r.setupHandlers(pc)

	r.mu.Lock()
	old := r.pc
	r.pc = pc
	r.remoteSet = false
	r.state = webrtc.PeerConnectionStateNew
	r.tracks = 0
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("new offer, replacing peer connection")
		if err := old.Close(); err != nil {
			r.logger.Debug("close previous connection", "error", err)
		}
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	r.mu.Lock()
	current := r.pc == pc
	if current {
		r.remoteSet = true
	}
	r.mu.Unlock()
	if current {
		applied := rtc.ApplyPending(&r.pending, pc.AddICECandidate, func(c webrtc.ICECandidateInit, err error) {
			r.logger.Warn("discarding queued candidate", "candidate", c.Candidate, "error", err)
		})
		if applied > 0 {
			r.logger.Debug("applied queued candidates", "count", applied)
		}
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	return r.opts.Signaler.SendAnswer(answer)
}

// HandleCandidate applies a candidate from the source, queueing it until
// an offer has been applied.
func (r *Receiver) HandleCandidate(c webrtc.ICECandidateInit) error {
	if err := rtc.ValidateCandidate(c); err != nil {
		return err
	}

	r.mu.Lock()
	pc := r.pc
	if pc == nil || !r.remoteSet {
		r.pending.Push(c)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	return pc.AddICECandidate(c)
}

// HandleAlert records an alert relayed over signaling.
func (r *Receiver) HandleAlert(a Alert) bool {
	return r.deliver(a)
}

// Connected reports whether the current connection is up.
func (r *Receiver) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == webrtc.PeerConnectionStateConnected
}

// Stats returns a snapshot of the receiving side.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		State:      r.state,
		Tracks:     r.tracks,
		Bytes:      r.bytes.Load(),
		StreamInfo: r.info,
		Alerts:     len(r.seen),
		Pending:    r.pending.Len(),
	}
}

// Reset closes the current connection and drops queued candidates. The
// next offer builds a new connection.
func (r *Receiver) Reset() {
	r.mu.Lock()
	pc := r.pc
	r.pc = nil
	r.remoteSet = false
	r.pending.Reset()
	r.state = webrtc.PeerConnectionStateClosed
	r.mu.Unlock()

	if pc != nil {
		_ = pc.Close()
	}
}

// Close releases the connection.
func (r *Receiver) Close() error {
	r.Reset()
	return nil
}

func (r *Receiver) current(pc *webrtc.PeerConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pc == pc
}

func (r *Receiver) setupHandlers(pc *webrtc.PeerConnection) {
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !r.current(pc) {
			return
		}
		if err := r.opts.Signaler.SendCandidate(c.ToJSON()); err != nil {
			r.logger.Warn("send candidate", "error", err)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.mu.Lock()
		if r.pc != pc {
			r.mu.Unlock()
			return
		}
		r.state = state
		r.mu.Unlock()

		r.logger.Info("connection state", "state", state.String())
		select {
		case r.states <- state:
		default:
		}
		if err := r.opts.Signaler.SendState(state.String()); err != nil {
			r.logger.Debug("send state", "error", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.mu.Lock()
		if r.pc == pc {
			r.tracks++
		}
		r.mu.Unlock()

		r.logger.Info("receiving track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
		buf := make([]byte, 1500)
		for {
			n, _, err := track.Read(buf)
			if err != nil {
				return
			}
			r.bytes.Add(uint64(n))
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != control.Label {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			r.handleControl(msg.Data)
		})
	})
}

func (r *Receiver) handleControl(data []byte) {
	v, err := control.Decode(data)
	if err != nil {
		r.logger.Warn("bad control message", "error", err)
		return
	}

	switch m := v.(type) {
	case *control.StreamInfo:
		r.mu.Lock()
		r.info = m
		r.mu.Unlock()
		r.logger.Info("stream info", "source", m.Source, "viewer_number", m.ViewerNumber)
	case *control.Alert:
		r.deliver(Alert{
			ID:         m.ID,
			Type:       m.Type,
			Severity:   m.Severity,
			Message:    m.Message,
			Confidence: m.Confidence,
		})
	}
}

// deliver forwards an alert unless its id has been seen.
func (r *Receiver) deliver(a Alert) bool {
	if a.ID != "" {
		r.mu.Lock()
		if _, dup := r.seen[a.ID]; dup {
			r.mu.Unlock()
			return false
		}
		r.seen[a.ID] = struct{}{}
		r.mu.Unlock()
	}

	select {
	case r.alerts <- a:
	default:
		r.logger.Warn("alert dropped, nobody is reading", "id", a.ID)
	}
	return true
}
