package peer

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// State is the signaling state of one viewer's session.
type State int

const (
	StateNew State = iota
	StateOfferSent
	StateAnswered
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer-sent"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Viewer identifies the remote end of a session.
type Viewer struct {
	ID          string
	Number      int
	DisplayName string
}

// MediaSession is the underlying peer connection for one viewer.
type MediaSession interface {
	// CreateOffer generates an offer and installs it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	SendControl(data []byte) error
	Close() error
}

// SessionHooks are the callbacks a MediaSession reports through. They may
// fire from any goroutine.
type SessionHooks struct {
	OnCandidate   func(webrtc.ICECandidateInit)
	OnStateChange func(webrtc.PeerConnectionState)
	OnControlOpen func()
}

// SessionFactory builds a MediaSession for a viewer.
type SessionFactory func(v Viewer, hooks SessionHooks) (MediaSession, error)

// PeerSession is the orchestrator's record of one viewer's media session.
type PeerSession struct {
	Viewer Viewer

	media     MediaSession
	state     State
	remoteSet bool

	// Local candidates are held back until the offer they belong to has
	// been sent, then forwarded in gathering order.
	localMu    sync.Mutex
	localReady bool
	localDone  bool
	localBuf   []webrtc.ICECandidateInit
}

func newPeerSession(v Viewer) *PeerSession {
	return &PeerSession{Viewer: v, state: StateNew}
}

// active reports whether the session is negotiating or connected.
func (ps *PeerSession) active() bool {
	switch ps.state {
	case StateOfferSent, StateAnswered, StateConnected:
		return true
	}
	return false
}

// gateLocal forwards c now if the offer is out, otherwise buffers it.
func (ps *PeerSession) gateLocal(c webrtc.ICECandidateInit, send func(webrtc.ICECandidateInit)) {
	ps.localMu.Lock()
	defer ps.localMu.Unlock()

	if ps.localDone {
		return
	}
	if !ps.localReady {
		ps.localBuf = append(ps.localBuf, c)
		return
	}
	send(c)
}

// openLocal flushes buffered local candidates and lets later ones through.
func (ps *PeerSession) openLocal(send func(webrtc.ICECandidateInit)) {
	ps.localMu.Lock()
	defer ps.localMu.Unlock()

	if ps.localDone {
		return
	}
	ps.localReady = true
	for _, c := range ps.localBuf {
		send(c)
	}
	ps.localBuf = nil
}

// closeLocal drops buffered candidates and silences the gate.
func (ps *PeerSession) closeLocal() {
	ps.localMu.Lock()
	ps.localDone = true
	ps.localBuf = nil
	ps.localMu.Unlock()
}

// SessionInfo is a point-in-time view of a viewer's session.
type SessionInfo struct {
	Viewer            Viewer
	State             State
	HasSession        bool
	Attempts          int
	RetryPending      bool
	PendingCandidates int
}
