package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Participant is one connection as seen by the hub: a delivery endpoint
// that becomes bound to a user id once it registers.
type Participant interface {
	Endpoint
	UserID() string
	SetUserID(id string)
}

// HubOptions tunes the relay.
type HubOptions struct {
	MaxViewers int

	// PresenceTimeout drops users that stayed silent for longer. Zero disables it.
	PresenceTimeout time.Duration
	SweepInterval   time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	MessageBurst         int

	Logger *slog.Logger
}

// Hub is the central brain of the signaling server. It owns the registry,
// relays signaling between the source and viewers of a room, and tracks the
// lifecycle of websocket clients.
type Hub struct {
	Registry *Registry
	Presence *Presence

	// Register and Unregister carry client lifecycle events into Run.
	Register   chan *Client
	Unregister chan *Client

	// order serializes Handle and Disconnect. A registry change and the
	// deliveries it causes happen under it, so every member sees events
	// from different users in the order the registry applied them.
	// Deliver must not block while it is held.
	order sync.Mutex

	opts    HubOptions
	logger  *slog.Logger
	clients map[*Client]struct{}
	done    chan struct{}
}

// NewHub creates a new Hub instance.
func NewHub(opts HubOptions) *Hub {
	if opts.MaxViewers <= 0 {
		opts.MaxViewers = 10
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = maxMessageSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		Registry:   NewRegistry(opts.MaxViewers),
		Presence:   NewPresence(),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		opts:       opts,
		logger:     logger.With("component", "hub"),
		clients:    make(map[*Client]struct{}),
		done:       make(chan struct{}),
	}
}

// Run processes client lifecycle events and presence sweeps until ctx is
// cancelled. Signaling messages are handled on each client's read goroutine.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	var sweep <-chan time.Time
	if h.opts.PresenceTimeout > 0 {
		ticker := time.NewTicker(h.opts.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				c.close()
			}
			return

		case c := <-h.Register:
			h.clients[c] = struct{}{}
			h.logger.Debug("client connected", "remote", c.remoteAddr())

		case c := <-h.Unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			h.Disconnect(c)
			c.close()
			h.logger.Debug("client disconnected", "remote", c.remoteAddr())

		case <-sweep:
			h.sweep()
		}
	}
}

// Attach hands a new client to Run. It reports false once the hub stopped.
func (h *Hub) Attach(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) sweep() {
	stale := h.Presence.Stale(h.opts.PresenceTimeout)
	if len(stale) == 0 {
		return
	}
	ids := make(map[string]struct{}, len(stale))
	for _, id := range stale {
		ids[id] = struct{}{}
		h.Presence.Forget(id)
	}
	for c := range h.clients {
		if _, ok := ids[c.UserID()]; ok {
			h.logger.Warn("dropping silent user", "user_id", c.UserID(), "timeout", h.opts.PresenceTimeout)
			c.Conn.Close()
		}
	}
}

// Handle processes one inbound message from p. Failures are reported to p
// only; they never affect other users.
func (h *Hub) Handle(p Participant, msg *Message) {
	h.order.Lock()
	defer h.order.Unlock()

	if uid := p.UserID(); uid != "" {
		h.Presence.Touch(uid)
	}

	var err error
	switch msg.Kind {
	case KindRegister:
		err = h.handleRegister(p, msg)
	case KindJoin:
		err = h.handleJoin(p, msg)
	case KindLeave:
		err = h.handleLeave(p)
	case KindOffer:
		err = h.handleOffer(p, msg)
	case KindAnswer:
		err = h.handleAnswer(p, msg)
	case KindCandidate:
		err = h.handleCandidate(p, msg)
	case KindAlert:
		err = h.handleAlert(p, msg)
	case KindConnectionState:
		err = h.handleConnectionState(p, msg)
	case KindHeartbeatRequest:
		err = h.handleHeartbeat(p)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownKind, msg.Kind)
	}

	if err != nil {
		h.replyError(p, msg.Kind, err)
	}
}

// Disconnect removes p's user from the registry and tells the rest of the
// room. It is safe to call for participants that never registered.
func (h *Hub) Disconnect(p Participant) {
	uid := p.UserID()
	if uid == "" {
		return
	}
	h.order.Lock()
	defer h.order.Unlock()

	h.Presence.Forget(uid)

	res, inRoom, err := h.Registry.Unregister(uid)
	if err != nil {
		h.logger.Warn("unregister failed", "user_id", uid, "error", err)
		return
	}
	if inRoom {
		h.announceLeave(res)
	}
	h.broadcastUserList()
}

func (h *Hub) handleRegister(p Participant, msg *Message) error {
	if p.UserID() != "" {
		return newRelayError("register", "", ErrAlreadyRegistered)
	}
	var payload RegisterPayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}

	u, err := h.Registry.Register(payload.DisplayName, payload.Role, p)
	if err != nil {
		return newRelayError("register", "", err)
	}
	p.SetUserID(u.ID)
	h.Presence.Touch(u.ID)

	h.logger.Info("user registered", "user_id", u.ID, "display_name", u.DisplayName, "role", u.Role)
	h.send(p, KindRegistered, "", "", RegisteredPayload{UserID: u.ID, DisplayName: u.DisplayName, Role: u.Role})
	h.broadcastUserList()
	return nil
}

func (h *Hub) handleJoin(p Participant, msg *Message) error {
	uid := p.UserID()
	if uid == "" {
		return newRelayError("join", "", ErrNotRegistered)
	}
	var payload JoinPayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}

	res, err := h.Registry.JoinRoom(uid, payload.RoomID)
	var full *RoomFullError
	switch {
	case errors.As(err, &full):
		h.logger.Info("room full", "room_id", payload.RoomID, "user_id", uid, "viewers", full.CurrentCount)
		h.send(p, KindRoomFull, payload.RoomID, "", RoomFullPayload{
			CurrentCount: full.CurrentCount,
			MaxViewers:   full.MaxViewers,
			Message:      fmt.Sprintf("Room is full (%d/%d viewers)", full.CurrentCount, full.MaxViewers),
		})
		return nil
	case errors.Is(err, ErrRoleAlreadyTaken):
		h.logger.Info("source role taken", "room_id", payload.RoomID, "user_id", uid)
		h.send(p, KindRoleTaken, payload.RoomID, "", RoleTakenPayload{
			Role:    RoleSource,
			Message: "This room already has a source",
		})
		return nil
	case err != nil:
		return newRelayError("join", payload.RoomID, err)
	}

	view, m := res.Room, res.Member
	h.logger.Info("user joined room", "room_id", view.ID, "user_id", m.ID, "role", m.Role, "viewer_number", m.Number)

	h.send(p, KindJoined, view.ID, "", JoinedPayload{
		RoomID:       view.ID,
		Role:         m.Role,
		ViewerNumber: m.Number,
		TotalViewers: len(view.Viewers),
		MaxViewers:   view.MaxViewers,
	})

	switch m.Role {
	case RoleViewer:
		if view.Source != nil {
			h.send(view.Source.endpoint, KindViewerJoined, view.ID, m.ID, ViewerJoinedPayload{
				ViewerID:     m.ID,
				ViewerNumber: m.Number,
				DisplayName:  m.DisplayName,
				TotalViewers: len(view.Viewers),
				MaxViewers:   view.MaxViewers,
			})
		}
		h.broadcastRoom(view, m.ID, KindRoomUpdate, RoomUpdatePayload{
			Event:        "viewer_joined",
			Message:      fmt.Sprintf("%s joined as viewer #%d", m.DisplayName, m.Number),
			TotalViewers: len(view.Viewers),
			MaxViewers:   view.MaxViewers,
		})
	case RoleSource:
		h.broadcastRoom(view, m.ID, KindRoomUpdate, RoomUpdatePayload{
			Event:        "source_joined",
			Message:      fmt.Sprintf("%s started the room", m.DisplayName),
			TotalViewers: len(view.Viewers),
			MaxViewers:   view.MaxViewers,
		})
	}

	h.broadcastUserList()
	return nil
}

func (h *Hub) handleLeave(p Participant) error {
	uid := p.UserID()
	if uid == "" {
		return newRelayError("leave", "", ErrNotRegistered)
	}
	res, err := h.Registry.Leave(uid)
	if err != nil {
		return newRelayError("leave", "", err)
	}
	h.announceLeave(res)
	h.broadcastUserList()
	return nil
}

// announceLeave tells the rest of the room that res.Member is gone.
func (h *Hub) announceLeave(res LeaveResult) {
	view, m := res.Room, res.Member
	h.logger.Info("user left room", "room_id", view.ID, "user_id", m.ID, "role", m.Role, "room_deleted", res.RoomDeleted)

	switch m.Role {
	case RoleSource:
		for _, v := range view.Viewers {
			h.send(v.endpoint, KindSourceGone, view.ID, m.ID, SourceGonePayload{
				Message: fmt.Sprintf("%s stopped streaming", m.DisplayName),
			})
		}
	case RoleViewer:
		if view.Source != nil {
			h.send(view.Source.endpoint, KindViewerLeft, view.ID, m.ID, ViewerLeftPayload{
				ViewerID:     m.ID,
				ViewerNumber: m.Number,
				DisplayName:  m.DisplayName,
				Remaining:    len(view.Viewers),
			})
		}
		h.broadcastRoom(view, "", KindRoomUpdate, RoomUpdatePayload{
			Event:        "viewer_left",
			Message:      fmt.Sprintf("%s (viewer #%d) left", m.DisplayName, m.Number),
			TotalViewers: len(view.Viewers),
			MaxViewers:   view.MaxViewers,
		})
	}
}

func (h *Hub) handleOffer(p Participant, msg *Message) error {
	view, m, err := h.memberOf(p, "offer")
	if err != nil {
		return err
	}
	if m.Role != RoleSource {
		return newRelayError("offer", view.ID, ErrNotSource)
	}
	var payload OfferPayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}
	if err := payload.validate(); err != nil {
		return err
	}
	if len(view.Viewers) == 0 {
		return newRelayError("offer", view.ID, ErrNoViewers)
	}

	targets := view.Viewers
	if payload.TargetViewerID != "" {
		v, ok := view.Viewer(payload.TargetViewerID)
		if !ok {
			return newRelayError("offer", view.ID, fmt.Errorf("%w: %s", ErrUnknownViewer, payload.TargetViewerID))
		}
		targets = []Member{v}
	}

	for _, v := range targets {
		h.send(v.endpoint, KindOffer, view.ID, m.ID, OfferPayload{
			SDP:          payload.SDP,
			ViewerNumber: v.Number,
		})
	}
	h.logger.Debug("offer relayed", "room_id", view.ID, "targets", len(targets))

	h.broadcastRoom(view, "", KindConnectionUpdate, ConnectionUpdatePayload{
		Event:         "offer_sent",
		Role:          RoleSource,
		ActiveViewers: len(view.Viewers),
		Message:       fmt.Sprintf("Offer sent to %d viewer(s)", len(targets)),
	})
	return nil
}

func (h *Hub) handleAnswer(p Participant, msg *Message) error {
	view, m, err := h.memberOf(p, "answer")
	if err != nil {
		return err
	}
	if m.Role != RoleViewer {
		return newRelayError("answer", view.ID, fmt.Errorf("%w: answers come from viewers", ErrInvalidRole))
	}
	var payload AnswerPayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}
	if err := payload.validate(); err != nil {
		return err
	}
	if view.Source == nil {
		return newRelayError("answer", view.ID, ErrNoActiveSource)
	}

	h.send(view.Source.endpoint, KindAnswer, view.ID, m.ID, AnswerPayload{
		SDP:          payload.SDP,
		ViewerID:     m.ID,
		ViewerNumber: m.Number,
		DisplayName:  m.DisplayName,
	})
	h.logger.Debug("answer relayed", "room_id", view.ID, "viewer_id", m.ID, "viewer_number", m.Number)

	h.broadcastRoom(view, "", KindConnectionUpdate, ConnectionUpdatePayload{
		Event:         "answer_received",
		Role:          RoleViewer,
		ViewerNumber:  m.Number,
		ActiveViewers: len(view.Viewers),
		Message:       fmt.Sprintf("Viewer #%d answered", m.Number),
	})
	return nil
}

func (h *Hub) handleCandidate(p Participant, msg *Message) error {
	view, m, err := h.memberOf(p, "candidate")
	if err != nil {
		return err
	}
	var payload CandidatePayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}
	if err := payload.validate(); err != nil {
		return err
	}

	if m.Role == RoleViewer {
		if view.Source == nil {
			return newRelayError("candidate", view.ID, ErrNoActiveSource)
		}
		h.send(view.Source.endpoint, KindCandidate, view.ID, m.ID, CandidatePayload{
			Candidate:    payload.Candidate,
			ViewerID:     m.ID,
			ViewerNumber: m.Number,
		})
		return nil
	}

	targets := view.Viewers
	if payload.TargetViewerID != "" {
		v, ok := view.Viewer(payload.TargetViewerID)
		if !ok {
			// The viewer may have left while candidates were still trickling.
			h.logger.Debug("candidate for departed viewer dropped", "room_id", view.ID, "viewer_id", payload.TargetViewerID)
			return nil
		}
		targets = []Member{v}
	}
	for _, v := range targets {
		h.send(v.endpoint, KindCandidate, view.ID, m.ID, CandidatePayload{
			Candidate:    payload.Candidate,
			ViewerNumber: v.Number,
		})
	}
	return nil
}

func (h *Hub) handleAlert(p Participant, msg *Message) error {
	view, m, err := h.memberOf(p, "alert")
	if err != nil {
		return err
	}
	if m.Role != RoleSource {
		return newRelayError("alert", view.ID, ErrNotSource)
	}
	var payload AlertPayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}
	if err := payload.validate(); err != nil {
		return err
	}

	h.logger.Info("alert relayed", "room_id", view.ID, "type", payload.Type, "severity", payload.Severity, "viewers", len(view.Viewers))
	for _, v := range view.Viewers {
		if v.endpoint == nil {
			continue
		}
		v.endpoint.Deliver(&Message{
			Kind:      KindAlert,
			Payload:   msg.Payload,
			SenderID:  m.ID,
			RoomID:    view.ID,
			Timestamp: time.Now().UTC(),
		})
	}
	return nil
}

func (h *Hub) handleConnectionState(p Participant, msg *Message) error {
	view, m, err := h.memberOf(p, "connection_state")
	if err != nil {
		return err
	}
	var payload ConnectionStatePayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}
	if payload.State == "" {
		return fmt.Errorf("%w: connection_state without state", ErrMalformedPayload)
	}

	number := m.Number
	if m.Role == RoleSource && payload.ViewerID != "" {
		if v, ok := view.Viewer(payload.ViewerID); ok {
			number = v.Number
		}
	}
	h.broadcastRoom(view, m.ID, KindConnectionUpdate, ConnectionUpdatePayload{
		Event:         "connection_state",
		Role:          m.Role,
		State:         payload.State,
		ViewerNumber:  number,
		ActiveViewers: len(view.Viewers),
	})
	return nil
}

func (h *Hub) handleHeartbeat(p Participant) error {
	view, _, err := h.memberOf(p, "heartbeat")
	if err != nil {
		return err
	}
	h.send(p, KindHeartbeatReply, view.ID, "", HeartbeatReplyPayload{
		RoomID:        view.ID,
		SourcePresent: view.Source != nil,
		ViewerCount:   len(view.Viewers),
		MaxViewers:    view.MaxViewers,
		Viewers:       view.ViewerList(),
	})
	return nil
}

// memberOf resolves the room snapshot and membership of p's user.
func (h *Hub) memberOf(p Participant, op string) (RoomView, Member, error) {
	uid := p.UserID()
	if uid == "" {
		return RoomView{}, Member{}, newRelayError(op, "", ErrNotRegistered)
	}
	u, err := h.Registry.User(uid)
	if err != nil {
		return RoomView{}, Member{}, newRelayError(op, "", err)
	}
	if u.RoomID == "" {
		return RoomView{}, Member{}, newRelayError(op, "", ErrNotInRoom)
	}
	view, err := h.Registry.Room(u.RoomID)
	if err != nil {
		return RoomView{}, Member{}, newRelayError(op, u.RoomID, err)
	}
	if view.Source != nil && view.Source.ID == uid {
		return view, *view.Source, nil
	}
	if v, ok := view.Viewer(uid); ok {
		return view, v, nil
	}
	return RoomView{}, Member{}, newRelayError(op, view.ID, ErrNotInRoom)
}

func (h *Hub) broadcastRoom(view RoomView, exceptID, kind string, payload any) {
	for _, m := range view.Members() {
		if m.ID == exceptID {
			continue
		}
		h.send(m.endpoint, kind, view.ID, "", payload)
	}
}

func (h *Hub) broadcastUserList() {
	payload := UserListPayload{Users: h.Registry.Users()}
	for _, ep := range h.Registry.Endpoints() {
		h.send(ep, KindUserList, "", "", payload)
	}
}

func (h *Hub) send(ep Endpoint, kind, roomID, senderID string, payload any) {
	if ep == nil {
		return
	}
	msg, err := newMessage(kind, roomID, senderID, payload)
	if err != nil {
		h.logger.Error("failed to build message", "kind", kind, "error", err)
		return
	}
	if !ep.Deliver(msg) {
		h.logger.Warn("message dropped", "kind", kind, "room_id", roomID)
	}
}

func (h *Hub) replyError(p Participant, kind string, err error) {
	code := errorCode(err)
	h.logger.Warn("request rejected", "kind", kind, "user_id", p.UserID(), "code", code, "error", err)
	h.send(p, KindError, "", "", ErrorPayload{Code: code, Error: err.Error()})
}
