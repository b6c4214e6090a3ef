package signaling

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the single envelope used for all C2S (Client to Server)
// and S2C (Server to Client) websocket traffic.
type Message struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client to server kinds.
const (
	KindRegister         = "register"
	KindJoin             = "join"
	KindLeave            = "leave"
	KindOffer            = "offer"
	KindAnswer           = "answer"
	KindCandidate        = "candidate"
	KindAlert            = "alert"
	KindConnectionState  = "connection_state"
	KindHeartbeatRequest = "heartbeat_request"
)

// Server to client kinds. Offer, answer, candidate and alert are relayed
// under their original kind.
const (
	KindRegistered       = "registered"
	KindJoined           = "joined"
	KindRoomFull         = "room_full"
	KindRoleTaken        = "role_taken"
	KindViewerJoined     = "viewer_joined"
	KindViewerLeft       = "viewer_left"
	KindSourceGone       = "source_gone"
	KindRoomUpdate       = "room_update"
	KindConnectionUpdate = "connection_update"
	KindHeartbeatReply   = "heartbeat_reply"
	KindUserList         = "user_list"
	KindError            = "error"
)

type RegisterPayload struct {
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

type RegisteredPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

type JoinPayload struct {
	RoomID string `json:"room_id"`
}

type JoinedPayload struct {
	RoomID       string `json:"room_id"`
	Role         Role   `json:"role"`
	ViewerNumber int    `json:"viewer_number,omitempty"`
	TotalViewers int    `json:"total_viewers"`
	MaxViewers   int    `json:"max_viewers"`
}

type RoomFullPayload struct {
	CurrentCount int    `json:"current_count"`
	MaxViewers   int    `json:"max_viewers"`
	Message      string `json:"message"`
}

type RoleTakenPayload struct {
	Role    Role   `json:"role"`
	Message string `json:"message"`
}

// SessionDescription mirrors the browser RTCSessionDescriptionInit shape.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type OfferPayload struct {
	SDP            SessionDescription `json:"sdp"`
	TargetViewerID string             `json:"target_viewer_id,omitempty"`
	ViewerNumber   int                `json:"viewer_number,omitempty"`
}

type AnswerPayload struct {
	SDP          SessionDescription `json:"sdp"`
	ViewerID     string             `json:"viewer_id,omitempty"`
	ViewerNumber int                `json:"viewer_number,omitempty"`
	DisplayName  string             `json:"display_name,omitempty"`
}

// ICECandidate mirrors RTCIceCandidateInit. The relay never interprets it.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type CandidatePayload struct {
	Candidate      ICECandidate `json:"candidate"`
	TargetViewerID string       `json:"target_viewer_id,omitempty"`
	ViewerID       string       `json:"viewer_id,omitempty"`
	ViewerNumber   int          `json:"viewer_number,omitempty"`
}

type ViewerJoinedPayload struct {
	ViewerID     string `json:"viewer_id"`
	ViewerNumber int    `json:"viewer_number"`
	DisplayName  string `json:"display_name"`
	TotalViewers int    `json:"total_viewers"`
	MaxViewers   int    `json:"max_viewers"`
}

type ViewerLeftPayload struct {
	ViewerID     string `json:"viewer_id"`
	ViewerNumber int    `json:"viewer_number"`
	DisplayName  string `json:"display_name"`
	Remaining    int    `json:"remaining"`
}

type SourceGonePayload struct {
	Message string `json:"message"`
}

type RoomUpdatePayload struct {
	Event        string `json:"event"`
	Message      string `json:"message"`
	TotalViewers int    `json:"total_viewers"`
	MaxViewers   int    `json:"max_viewers"`
}

type ConnectionStatePayload struct {
	State    string `json:"state"`
	ViewerID string `json:"viewer_id,omitempty"`
}

type ConnectionUpdatePayload struct {
	Event         string `json:"event"`
	Role          Role   `json:"role"`
	State         string `json:"state,omitempty"`
	ViewerNumber  int    `json:"viewer_number,omitempty"`
	ActiveViewers int    `json:"active_viewers"`
	Message       string `json:"message,omitempty"`
}

type ViewerInfo struct {
	ID          string `json:"id"`
	Number      int    `json:"number"`
	DisplayName string `json:"display_name"`
}

type HeartbeatReplyPayload struct {
	RoomID        string       `json:"room_id"`
	SourcePresent bool         `json:"source_present"`
	ViewerCount   int          `json:"viewer_count"`
	MaxViewers    int          `json:"max_viewers"`
	Viewers       []ViewerInfo `json:"viewers"`
}

type UserSummary struct {
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	RoomID      string `json:"room_id,omitempty"`
}

type UserListPayload struct {
	Users []UserSummary `json:"users"`
}

// AlertPayload is only decoded for validation; the relay forwards the
// original bytes untouched.
type AlertPayload struct {
	ID         string          `json:"id,omitempty"`
	Type       string          `json:"type"`
	Severity   string          `json:"severity"`
	Message    string          `json:"message"`
	Confidence float64         `json:"confidence"`
	Details    json.RawMessage `json:"details,omitempty"`
}

type ErrorPayload struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// newMessage builds an outbound envelope stamped with the current time.
func newMessage(kind, roomID, senderID string, payload any) (*Message, error) {
	msg := &Message{
		Kind:      kind,
		RoomID:    roomID,
		SenderID:  senderID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// decodePayload unmarshals the envelope payload into v.
func decodePayload(msg *Message, v any) error {
	if len(msg.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformedPayload, msg.Kind)
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, msg.Kind, err)
	}
	return nil
}

func (p OfferPayload) validate() error {
	if p.SDP.Type != "offer" || p.SDP.SDP == "" {
		return fmt.Errorf("%w: offer requires an sdp of type offer", ErrMalformedPayload)
	}
	return nil
}

func (p AnswerPayload) validate() error {
	if p.SDP.Type != "answer" || p.SDP.SDP == "" {
		return fmt.Errorf("%w: answer requires an sdp of type answer", ErrMalformedPayload)
	}
	return nil
}

func (p CandidatePayload) validate() error {
	if p.Candidate.Candidate == "" && p.Candidate.SDPMid == nil && p.Candidate.SDPMLineIndex == nil {
		return fmt.Errorf("%w: empty candidate", ErrMalformedPayload)
	}
	return nil
}

func (p AlertPayload) validate() error {
	if p.Type == "" || p.Message == "" {
		return fmt.Errorf("%w: alert requires type and message", ErrMalformedPayload)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("%w: alert confidence %v out of range", ErrMalformedPayload, p.Confidence)
	}
	return nil
}
