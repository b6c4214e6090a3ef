package signaling

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func raw(t *testing.T, kind string, payload any) *Message {
	t.Helper()
	msg, err := NewMessage(kind, payload)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return msg
}

func TestHandlerRoutesByKind(t *testing.T) {
	in := make(chan *Message, 8)
	h := newHandler(in)
	go h.Start()
	defer h.Close()

	mid := "0"
	in <- raw(t, KindJoined, JoinedPayload{RoomID: "AB12", Role: RoleViewer, ViewerNumber: 3})
	in <- &Message{Kind: KindCandidate, Payload: json.RawMessage(`{"candidate":{"candidate":"candidate:1","sdpMid":"0"},"viewer_id":"v1"}`)}
	in <- &Message{Kind: KindOffer, Payload: json.RawMessage(`{"sdp":`)} // malformed, dropped
	in <- raw(t, "mystery", nil)
	in <- raw(t, KindError, ErrorPayload{Code: "room_full", Error: "room full"})

	select {
	case j := <-h.Joined:
		if j.ViewerNumber != 3 || j.RoomID != "AB12" {
			t.Fatalf("joined: %+v", j)
		}
	case <-time.After(time.Second):
		t.Fatalf("joined not routed")
	}

	select {
	case sig := <-h.Signals:
		c := sig.Candidate
		if sig.Kind != KindCandidate || c == nil {
			t.Fatalf("signal: %+v", sig)
		}
		if c.ViewerID != "v1" || c.Candidate.Candidate != "candidate:1" || c.Candidate.SDPMid == nil || *c.Candidate.SDPMid != mid {
			t.Fatalf("candidate: %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatalf("candidate not routed")
	}

	select {
	case e := <-h.Error:
		if e.Code != "room_full" {
			t.Fatalf("error: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("error not routed")
	}

	if len(h.Signals) != 0 {
		t.Fatalf("malformed offer was routed")
	}
}

func TestHandlerDropsStatusWhenFull(t *testing.T) {
	in := make(chan *Message, 64)
	h := newHandler(in)

	for i := 0; i < cap(h.RoomUpdate)+5; i++ {
		in <- raw(t, KindRoomUpdate, RoomUpdatePayload{Event: "viewer_joined"})
	}
	in <- raw(t, KindSourceGone, SourceGonePayload{Message: "bye"})
	close(in)

	done := make(chan struct{})
	go func() {
		h.Start()
		close(done)
	}()

	select {
	case sig := <-h.Signals:
		if sig.SourceGone == nil || sig.SourceGone.Message != "bye" {
			t.Fatalf("signal: %+v", sig)
		}
	case <-time.After(time.Second):
		t.Fatalf("status backlog blocked signaling")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Start did not return after input closed")
	}
	select {
	case <-h.Disconnected:
	default:
		t.Fatalf("Disconnected not closed")
	}
}

func TestHandlerKeepsSignalOrder(t *testing.T) {
	in := make(chan *Message, 16)
	h := newHandler(in)
	go h.Start()
	defer h.Close()

	offer := SessionDescription{Type: "offer", SDP: "v=0"}
	in <- raw(t, KindViewerLeft, ViewerLeftPayload{ViewerID: "v1"})
	in <- raw(t, KindViewerJoined, ViewerJoinedPayload{ViewerID: "v1", ViewerNumber: 1})
	in <- raw(t, KindOffer, OfferPayload{SDP: offer})
	for _, c := range []string{"c1", "c2", "c3"} {
		mid := "0"
		in <- raw(t, KindCandidate, CandidatePayload{Candidate: webrtc.ICECandidateInit{Candidate: c, SDPMid: &mid}})
	}
	in <- raw(t, KindSourceGone, SourceGonePayload{Message: "bye"})
	in <- raw(t, KindAnswer, AnswerPayload{SDP: SessionDescription{Type: "answer", SDP: "v=0"}, ViewerID: "v1"})

	var got []string
	for len(got) < 8 {
		select {
		case sig := <-h.Signals:
			entry := sig.Kind
			if sig.Candidate != nil {
				entry += ":" + sig.Candidate.Candidate.Candidate
			}
			got = append(got, entry)
		case <-time.After(time.Second):
			t.Fatalf("signals so far %v", got)
		}
	}
	want := []string{
		KindViewerLeft, KindViewerJoined, KindOffer,
		KindCandidate + ":c1", KindCandidate + ":c2", KindCandidate + ":c3",
		KindSourceGone, KindAnswer,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("signals = %v, want %v", got, want)
		}
	}
}

func TestSessionDescriptionToPion(t *testing.T) {
	if _, err := (SessionDescription{Type: "bogus", SDP: "v=0"}).ToPion(); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	d, err := SessionDescription{Type: "answer", SDP: "v=0"}.ToPion()
	if err != nil {
		t.Fatalf("ToPion: %v", err)
	}
	if back := FromPion(d); back.Type != "answer" || back.SDP != "v=0" {
		t.Fatalf("round trip: %+v", back)
	}
}
