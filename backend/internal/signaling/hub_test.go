package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakePeer struct {
	mu   sync.Mutex
	id   string
	msgs []*Message
}

func (f *fakePeer) Deliver(msg *Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return true
}

func (f *fakePeer) UserID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id
}

func (f *fakePeer) SetUserID(id string) {
	f.mu.Lock()
	f.id = id
	f.mu.Unlock()
}

func (f *fakePeer) byKind(kind string) []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Message
	for _, m := range f.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakePeer) reset() {
	f.mu.Lock()
	f.msgs = nil
	f.mu.Unlock()
}

func newTestHub(t *testing.T, maxViewers int) *Hub {
	t.Helper()
	return NewHub(HubOptions{
		MaxViewers: maxViewers,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func request(t *testing.T, kind string, payload any) *Message {
	t.Helper()
	msg := &Message{Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		msg.Payload = raw
	}
	return msg
}

func decode[T any](t *testing.T, msg *Message) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		t.Fatalf("decode %s: %v", msg.Kind, err)
	}
	return v
}

func onlyOne(t *testing.T, p *fakePeer, kind string) *Message {
	t.Helper()
	msgs := p.byKind(kind)
	if len(msgs) != 1 {
		t.Fatalf("got %d %q messages, want 1", len(msgs), kind)
	}
	return msgs[0]
}

func joinAs(t *testing.T, h *Hub, name string, role Role, room string) *fakePeer {
	t.Helper()
	p := &fakePeer{}
	h.Handle(p, request(t, KindRegister, RegisterPayload{DisplayName: name, Role: role}))
	if p.UserID() == "" {
		t.Fatalf("%s not registered", name)
	}
	h.Handle(p, request(t, KindJoin, JoinPayload{RoomID: room}))
	return p
}

func errorCodes(t *testing.T, p *fakePeer) []string {
	t.Helper()
	var codes []string
	for _, m := range p.byKind(KindError) {
		codes = append(codes, decode[ErrorPayload](t, m).Code)
	}
	return codes
}

var testOffer = SessionDescription{Type: "offer", SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}

func TestHubJoinNotifiesSource(t *testing.T) {
	h := newTestHub(t, 10)
	alice := joinAs(t, h, "Alice", RoleSource, "AB12")
	joined := decode[JoinedPayload](t, onlyOne(t, alice, KindJoined))
	if joined.Role != RoleSource || joined.RoomID != "AB12" {
		t.Fatalf("source joined payload: %+v", joined)
	}

	bob := joinAs(t, h, "Bob", RoleViewer, "ab12")
	got := decode[JoinedPayload](t, onlyOne(t, bob, KindJoined))
	if got.ViewerNumber != 1 || got.TotalViewers != 1 || got.MaxViewers != 10 {
		t.Fatalf("bob joined payload: %+v", got)
	}

	vj := decode[ViewerJoinedPayload](t, onlyOne(t, alice, KindViewerJoined))
	if vj.ViewerID != bob.UserID() || vj.ViewerNumber != 1 || vj.DisplayName != "Bob" {
		t.Fatalf("viewer_joined: %+v", vj)
	}
	if len(alice.byKind(KindRoomUpdate)) == 0 {
		t.Fatalf("source missed room_update")
	}
	if len(bob.byKind(KindUserList)) == 0 {
		t.Fatalf("user list never broadcast")
	}
}

func TestHubRoomFullAndRoleTaken(t *testing.T) {
	h := newTestHub(t, 1)
	joinAs(t, h, "Alice", RoleSource, "ROOM")
	joinAs(t, h, "Bob", RoleViewer, "ROOM")

	cara := joinAs(t, h, "Cara", RoleViewer, "ROOM")
	full := decode[RoomFullPayload](t, onlyOne(t, cara, KindRoomFull))
	if full.CurrentCount != 1 || full.MaxViewers != 1 {
		t.Fatalf("room_full payload: %+v", full)
	}
	if len(cara.byKind(KindJoined)) != 0 {
		t.Fatalf("rejected viewer got joined")
	}

	mallory := joinAs(t, h, "Mallory", RoleSource, "ROOM")
	onlyOne(t, mallory, KindRoleTaken)
}

func TestHubOfferFanOut(t *testing.T) {
	h := newTestHub(t, 10)
	alice := joinAs(t, h, "Alice", RoleSource, "AB12")
	bob := joinAs(t, h, "Bob", RoleViewer, "AB12")
	cara := joinAs(t, h, "Cara", RoleViewer, "AB12")

	h.Handle(alice, request(t, KindOffer, OfferPayload{SDP: testOffer}))

	for want, p := range map[int]*fakePeer{1: bob, 2: cara} {
		msg := onlyOne(t, p, KindOffer)
		got := decode[OfferPayload](t, msg)
		if got.SDP != testOffer {
			t.Fatalf("viewer %d got different SDP", want)
		}
		if got.ViewerNumber != want {
			t.Fatalf("viewer_number=%d, want %d", got.ViewerNumber, want)
		}
		if msg.SenderID != alice.UserID() || msg.RoomID != "AB12" {
			t.Fatalf("envelope not stamped: %+v", msg)
		}
	}
	if codes := errorCodes(t, alice); len(codes) != 0 {
		t.Fatalf("unexpected errors: %v", codes)
	}
}

func TestHubTargetedOffer(t *testing.T) {
	h := newTestHub(t, 10)
	alice := joinAs(t, h, "Alice", RoleSource, "AB12")
	bob := joinAs(t, h, "Bob", RoleViewer, "AB12")
	cara := joinAs(t, h, "Cara", RoleViewer, "AB12")

	h.Handle(alice, request(t, KindOffer, OfferPayload{SDP: testOffer, TargetViewerID: cara.UserID()}))
	if len(bob.byKind(KindOffer)) != 0 {
		t.Fatalf("untargeted viewer received offer")
	}
	if got := decode[OfferPayload](t, onlyOne(t, cara, KindOffer)); got.ViewerNumber != 2 {
		t.Fatalf("viewer_number=%d", got.ViewerNumber)
	}

	h.Handle(alice, request(t, KindOffer, OfferPayload{SDP: testOffer, TargetViewerID: "ghost"}))
	if codes := errorCodes(t, alice); len(codes) != 1 || codes[0] != "unknown_viewer" {
		t.Fatalf("codes=%v", codes)
	}
}

func TestHubOfferWithoutViewers(t *testing.T) {
	h := newTestHub(t, 10)
	alice := joinAs(t, h, "Alice", RoleSource, "AB12")
	h.Handle(alice, request(t, KindOffer, OfferPayload{SDP: testOffer}))
	if codes := errorCodes(t, alice); len(codes) != 1 || codes[0] != "no_viewers" {
		t.Fatalf("codes=%v", codes)
	}

	bob := joinAs(t, h, "Bob", RoleViewer, "AB12")
	h.Handle(bob, request(t, KindOffer, OfferPayload{SDP: testOffer}))
	if codes := errorCodes(t, bob); len(codes) != 1 || codes[0] != "not_source" {
		t.Fatalf("codes=%v", codes)
	}
}

func TestHubAnswerForwardedWithViewerIdentity(t *testing.T) {
	h := newTestHub(t, 10)
	alice := joinAs(t, h, "Alice", RoleSource, "AB12")
	joinAs(t, h, "Bob", RoleViewer, "AB12")
	cara := joinAs(t, h, "Cara", RoleViewer, "AB12")

	answer := SessionDescription{Type: "answer", SDP: "v=0\r\n"}
	h.Handle(cara, request(t, KindAnswer, AnswerPayload{SDP: answer}))

	got := decode[AnswerPayload](t, onlyOne(t, alice, KindAnswer))
	if got.ViewerID != cara.UserID() || got.ViewerNumber != 2 || got.SDP != answer {
		t.Fatalf("answer payload: %+v", got)
	}
}

func TestHubAnswerWithoutSource(t *testing.T) {
	h := newTestHub(t, 10)
	bob := joinAs(t, h, "Bob", RoleViewer, "AB12")
	h.Handle(bob, request(t, KindAnswer, AnswerPayload{SDP: SessionDescription{Type: "answer", SDP: "v=0"}}))
	if codes := errorCodes(t, bob); len(codes) != 1 || codes[0] != "no_active_source" {
		t.Fatalf("codes=%v", codes)
	}
	h.Handle(bob, request(t, KindCandidate, CandidatePayload{Candidate: ICECandidate{Candidate: "candidate:1"}}))
	if codes := errorCodes(t, bob); len(codes) != 2 || codes[1] != "no_active_source" {
		t.Fatalf("codes=%v", codes)
	}
}

func TestHubCandidateRouting(t *testing.T) {
	h := newTestHub(t, 10)
	alice := joinAs(t, h, "Alice", RoleSource, "AB12")
	bob := joinAs(t, h, "Bob", RoleViewer, "AB12")
	cara := joinAs(t, h, "Cara", RoleViewer, "AB12")

	mid := "0"
	cand := ICECandidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 5000 typ host", SDPMid: &mid}

	h.Handle(alice, request(t, KindCandidate, CandidatePayload{Candidate: cand}))
	for _, p := range []*fakePeer{bob, cara} {
		got := decode[CandidatePayload](t, onlyOne(t, p, KindCandidate))
		if got.Candidate.Candidate != cand.Candidate {
			t.Fatalf("candidate mangled: %+v", got)
		}
	}

	h.Handle(alice, request(t, KindCandidate, CandidatePayload{Candidate: cand, TargetViewerID: bob.UserID()}))
	if len(bob.byKind(KindCandidate)) != 2 || len(cara.byKind(KindCandidate)) != 1 {
		t.Fatalf("targeted candidate leaked")
	}

	h.Handle(cara, request(t, KindCandidate, CandidatePayload{Candidate: cand}))
	got := decode[CandidatePayload](t, onlyOne(t, alice, KindCandidate))
	if got.ViewerID != cara.UserID() || got.ViewerNumber != 2 {
		t.Fatalf("viewer candidate not tagged: %+v", got)
	}
}

func TestHubSourceDisconnectNotifiesViewersOnce(t *testing.T) {
	h := newTestHub(t, 10)
	alice := joinAs(t, h, "Alice", RoleSource, "AB12")
	bob := joinAs(t, h, "Bob", RoleViewer, "AB12")
	cara := joinAs(t, h, "Cara", RoleViewer, "AB12")

	h.Disconnect(alice)
	h.Disconnect(alice)

	for _, p := range []*fakePeer{bob, cara} {
		onlyOne(t, p, KindSourceGone)
	}
	view, err := h.Registry.Room("AB12")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	if view.Source != nil {
		t.Fatalf("source slot not cleared")
	}
}

func TestHubViewerLeaveNotifiesSource(t *testing.T) {
	h := newTestHub(t, 10)
	alice := joinAs(t, h, "Alice", RoleSource, "AB12")
	bob := joinAs(t, h, "Bob", RoleViewer, "AB12")

	h.Handle(bob, request(t, KindLeave, nil))
	left := decode[ViewerLeftPayload](t, onlyOne(t, alice, KindViewerLeft))
	if left.ViewerID != bob.UserID() || left.ViewerNumber != 1 || left.Remaining != 0 {
		t.Fatalf("viewer_left: %+v", left)
	}

	// Rejoining with the same registration yields a fresh join.
	bob.reset()
	h.Handle(bob, request(t, KindJoin, JoinPayload{RoomID: "AB12"}))
	onlyOne(t, bob, KindJoined)
	if len(alice.byKind(KindViewerJoined)) != 2 {
		t.Fatalf("source not told about rejoin")
	}
}

func TestHubLastUserLeavingDeletesRoom(t *testing.T) {
	h := newTestHub(t, 10)
	alice := joinAs(t, h, "Alice", RoleSource, "AB12")
	bob := joinAs(t, h, "Bob", RoleViewer, "AB12")
	h.Disconnect(bob)
	h.Disconnect(alice)
	if _, err := h.Registry.Room("AB12"); err == nil {
		t.Fatalf("room survived")
	}
	if rooms, users := h.Registry.Stats(); rooms != 0 || users != 0 {
		t.Fatalf("rooms=%d users=%d", rooms, users)
	}
}

func TestHubHeartbeatReply(t *testing.T) {
	h := newTestHub(t, 10)
	joinAs(t, h, "Alice", RoleSource, "AB12")
	bob := joinAs(t, h, "Bob", RoleViewer, "AB12")
	joinAs(t, h, "Cara", RoleViewer, "AB12")

	h.Handle(bob, request(t, KindHeartbeatRequest, nil))
	reply := decode[HeartbeatReplyPayload](t, onlyOne(t, bob, KindHeartbeatReply))
	if !reply.SourcePresent || reply.ViewerCount != 2 || reply.MaxViewers != 10 || len(reply.Viewers) != 2 {
		t.Fatalf("heartbeat reply: %+v", reply)
	}
	if reply.Viewers[1].DisplayName != "Cara" || reply.Viewers[1].Number != 2 {
		t.Fatalf("viewer list: %+v", reply.Viewers)
	}

	idle := &fakePeer{}
	h.Handle(idle, request(t, KindHeartbeatRequest, nil))
	if codes := errorCodes(t, idle); len(codes) != 1 || codes[0] != "not_registered" {
		t.Fatalf("codes=%v", codes)
	}
}

func TestHubAlertForwardedVerbatim(t *testing.T) {
	h := newTestHub(t, 10)
	alice := joinAs(t, h, "Alice", RoleSource, "AB12")
	bob := joinAs(t, h, "Bob", RoleViewer, "AB12")

	raw := json.RawMessage(`{"id":"a1","type":"crying","severity":"high","message":"Baby is crying","confidence":0.92,"details":{"duration_s":12}}`)
	h.Handle(alice, &Message{Kind: KindAlert, Payload: raw})

	got := onlyOne(t, bob, KindAlert)
	if string(got.Payload) != string(raw) {
		t.Fatalf("alert payload changed:\n got %s\nwant %s", got.Payload, raw)
	}

	h.Handle(bob, &Message{Kind: KindAlert, Payload: raw})
	if codes := errorCodes(t, bob); len(codes) != 1 || codes[0] != "not_source" {
		t.Fatalf("codes=%v", codes)
	}
}

func TestHubConnectionStateBroadcast(t *testing.T) {
	h := newTestHub(t, 10)
	alice := joinAs(t, h, "Alice", RoleSource, "AB12")
	bob := joinAs(t, h, "Bob", RoleViewer, "AB12")

	h.Handle(bob, request(t, KindConnectionState, ConnectionStatePayload{State: "connected"}))
	var found bool
	for _, m := range alice.byKind(KindConnectionUpdate) {
		p := decode[ConnectionUpdatePayload](t, m)
		if p.Event == "connection_state" && p.State == "connected" && p.ViewerNumber == 1 && p.Role == RoleViewer {
			found = true
		}
	}
	if !found {
		t.Fatalf("source never saw the viewer's state")
	}
}

func TestHubMalformedAndUnknown(t *testing.T) {
	h := newTestHub(t, 10)
	alice := joinAs(t, h, "Alice", RoleSource, "AB12")
	joinAs(t, h, "Bob", RoleViewer, "AB12")

	h.Handle(alice, &Message{Kind: KindOffer, Payload: json.RawMessage(`{"sdp":`)})
	h.Handle(alice, request(t, KindOffer, OfferPayload{SDP: SessionDescription{Type: "answer", SDP: "x"}}))
	h.Handle(alice, &Message{Kind: "teleport"})
	h.Handle(alice, request(t, KindRegister, RegisterPayload{DisplayName: "again", Role: RoleSource}))

	want := []string{"malformed", "malformed", "unknown_kind", "already_registered"}
	got := errorCodes(t, alice)
	if len(got) != len(want) {
		t.Fatalf("codes=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("codes=%v, want %v", got, want)
		}
	}
}

func TestHubRequiresRegistration(t *testing.T) {
	h := newTestHub(t, 10)
	p := &fakePeer{}
	h.Handle(p, request(t, KindJoin, JoinPayload{RoomID: "AB12"}))
	if codes := errorCodes(t, p); len(codes) != 1 || codes[0] != "not_registered" {
		t.Fatalf("codes=%v", codes)
	}
}

// gatedPeer holds the first delivery of kind until gate is closed.
type gatedPeer struct {
	fakePeer
	kind    string
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (g *gatedPeer) Deliver(msg *Message) bool {
	if msg.Kind == g.kind {
		g.once.Do(func() {
			close(g.entered)
			<-g.gate
		})
	}
	return g.fakePeer.Deliver(msg)
}

func TestHubDeliversAcrossUsersInRegistryOrder(t *testing.T) {
	h := newTestHub(t, 10)
	alice := joinAs(t, h, "Alice", RoleSource, "AB12")

	bob := &gatedPeer{kind: KindSourceGone, entered: make(chan struct{}), gate: make(chan struct{})}
	h.Handle(bob, request(t, KindRegister, RegisterPayload{DisplayName: "Bob", Role: RoleViewer}))
	h.Handle(bob, request(t, KindJoin, JoinPayload{RoomID: "AB12"}))

	go h.Disconnect(alice)
	select {
	case <-bob.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("source_gone never delivered")
	}

	// A new source takes the room and offers while the old source's
	// departure is still being delivered.
	dan := &fakePeer{}
	steps := []*Message{
		request(t, KindRegister, RegisterPayload{DisplayName: "Dan", Role: RoleSource}),
		request(t, KindJoin, JoinPayload{RoomID: "AB12"}),
		request(t, KindOffer, OfferPayload{SDP: testOffer}),
	}
	restarted := make(chan struct{})
	go func() {
		defer close(restarted)
		for _, msg := range steps {
			h.Handle(dan, msg)
		}
	}()
	select {
	case <-restarted:
		t.Fatalf("new source overtook the old source's departure")
	case <-time.After(50 * time.Millisecond):
	}
	close(bob.gate)
	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatalf("new source never joined")
	}

	bob.mu.Lock()
	defer bob.mu.Unlock()
	gone, offer := -1, -1
	for i, m := range bob.msgs {
		switch m.Kind {
		case KindSourceGone:
			gone = i
		case KindOffer:
			offer = i
		}
	}
	if gone < 0 || offer < 0 || gone > offer {
		t.Fatalf("source_gone at %d, offer at %d", gone, offer)
	}
	if codes := errorCodes(t, dan); len(codes) != 0 {
		t.Fatalf("new source errors: %v", codes)
	}
}
