package signaling

import (
	"log/slog"
	"sync"
)

// Signal is a message that changes peer connection state. Exactly one
// payload field is set, matching Kind.
type Signal struct {
	Kind         string
	ViewerJoined *ViewerJoinedPayload
	ViewerLeft   *ViewerLeftPayload
	SourceGone   *SourceGonePayload
	Offer        *OfferPayload
	Answer       *AnswerPayload
	Candidate    *CandidatePayload
}

// Handler routes incoming signaling messages to typed channels. Offers,
// answers, candidates and membership changes all go to Signals so they are
// consumed in the order the relay sent them.
type Handler struct {
	client <-chan *Message
	logger *slog.Logger

	Registered       chan RegisteredPayload
	Joined           chan JoinedPayload
	RoomFull         chan RoomFullPayload
	RoleTaken        chan RoleTakenPayload
	Signals          chan Signal
	Alert            chan AlertPayload
	HeartbeatReply   chan HeartbeatReplyPayload
	RoomUpdate       chan RoomUpdatePayload
	ConnectionUpdate chan ConnectionUpdatePayload
	UserList         chan UserListPayload
	Error            chan ErrorPayload

	// Disconnected is closed once the relay connection is gone.
	Disconnected chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a new message handler reading from the client.
func NewHandler(client *Client) *Handler {
	return newHandler(client.Incoming())
}

func newHandler(incoming <-chan *Message) *Handler {
	return &Handler{
		client:           incoming,
		logger:           slog.Default().With("component", "signaling"),
		Registered:       make(chan RegisteredPayload, 1),
		Joined:           make(chan JoinedPayload, 4),
		RoomFull:         make(chan RoomFullPayload, 1),
		RoleTaken:        make(chan RoleTakenPayload, 1),
		Signals:          make(chan Signal, 256),
		Alert:            make(chan AlertPayload, 16),
		HeartbeatReply:   make(chan HeartbeatReplyPayload, 4),
		RoomUpdate:       make(chan RoomUpdatePayload, 16),
		ConnectionUpdate: make(chan ConnectionUpdatePayload, 16),
		UserList:         make(chan UserListPayload, 4),
		Error:            make(chan ErrorPayload, 8),
		Disconnected:     make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Start begins listening to incoming messages and routing them. It returns
// when the connection closes or Close is called.
func (h *Handler) Start() {
	defer close(h.Disconnected)

	for {
		select {
		case <-h.done:
			return
		case msg, ok := <-h.client:
			if !ok {
				return
			}
			h.route(msg)
		}
	}
}

func (h *Handler) route(msg *Message) {
	switch msg.Kind {
	case KindRegistered:
		routeTo(h, msg, h.Registered, true)
	case KindJoined:
		routeTo(h, msg, h.Joined, true)
	case KindRoomFull:
		routeTo(h, msg, h.RoomFull, true)
	case KindRoleTaken:
		routeTo(h, msg, h.RoleTaken, true)
	case KindViewerJoined:
		routeSignal(h, msg, func(s *Signal, p *ViewerJoinedPayload) { s.ViewerJoined = p })
	case KindViewerLeft:
		routeSignal(h, msg, func(s *Signal, p *ViewerLeftPayload) { s.ViewerLeft = p })
	case KindSourceGone:
		routeSignal(h, msg, func(s *Signal, p *SourceGonePayload) { s.SourceGone = p })
	case KindOffer:
		routeSignal(h, msg, func(s *Signal, p *OfferPayload) { s.Offer = p })
	case KindAnswer:
		routeSignal(h, msg, func(s *Signal, p *AnswerPayload) { s.Answer = p })
	case KindCandidate:
		routeSignal(h, msg, func(s *Signal, p *CandidatePayload) { s.Candidate = p })
	case KindAlert:
		routeTo(h, msg, h.Alert, true)
	case KindError:
		routeTo(h, msg, h.Error, true)

	// Status traffic is dropped rather than stalling signaling when nobody
	// is reading it.
	case KindHeartbeatReply:
		routeTo(h, msg, h.HeartbeatReply, false)
	case KindRoomUpdate:
		routeTo(h, msg, h.RoomUpdate, false)
	case KindConnectionUpdate:
		routeTo(h, msg, h.ConnectionUpdate, false)
	case KindUserList:
		routeTo(h, msg, h.UserList, false)

	default:
		h.logger.Debug("ignoring unknown message kind", "kind", msg.Kind)
	}
}

func routeTo[T any](h *Handler, msg *Message, ch chan T, wait bool) {
	var v T
	if err := msg.Decode(&v); err != nil {
		h.logger.Warn("dropping message", "kind", msg.Kind, "error", err)
		return
	}

	if !wait {
		select {
		case ch <- v:
		default:
			h.logger.Debug("status message dropped", "kind", msg.Kind)
		}
		return
	}

	select {
	case ch <- v:
	case <-h.done:
	}
}

func routeSignal[T any](h *Handler, msg *Message, set func(*Signal, *T)) {
	p := new(T)
	if err := msg.Decode(p); err != nil {
		h.logger.Warn("dropping message", "kind", msg.Kind, "error", err)
		return
	}
	s := Signal{Kind: msg.Kind}
	set(&s, p)

	select {
	case h.Signals <- s:
	case <-h.done:
	}
}

// Close stops routing. Channels are left open; consumers watch Disconnected.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}
