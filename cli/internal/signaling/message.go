package signaling

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Message represents all WebSocket messages between CLI and server.
type Message struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Message kind constants.
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

// Roles a user can register with.
const (
	RoleSource = "source"
	RoleViewer = "viewer"
)

type RegisterPayload struct {
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type RegisteredPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type JoinPayload struct {
	RoomID string `json:"room_id"`
}

type JoinedPayload struct {
	RoomID       string `json:"room_id"`
	Role         string `json:"role"`
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
	Role    string `json:"role"`
	Message string `json:"message"`
}

// SessionDescription is the wire form of an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// FromPion converts a pion description to its wire form.
func FromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

// ToPion converts the wire form back, rejecting unknown types.
func (d SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(d.Type)
	if t == webrtc.SDPTypeUnknown || d.SDP == "" {
		return webrtc.SessionDescription{}, &ProtocolError{Kind: "sdp", Reason: "invalid session description type " + d.Type}
	}
	return webrtc.SessionDescription{Type: t, SDP: d.SDP}, nil
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

type CandidatePayload struct {
	Candidate      webrtc.ICECandidateInit `json:"candidate"`
	TargetViewerID string                  `json:"target_viewer_id,omitempty"`
	ViewerID       string                  `json:"viewer_id,omitempty"`
	ViewerNumber   int                     `json:"viewer_number,omitempty"`
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
	Role          string `json:"role"`
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
	Role        string `json:"role"`
	RoomID      string `json:"room_id,omitempty"`
}

type UserListPayload struct {
	Users []UserSummary `json:"users"`
}

// AlertPayload is a perception event published by the source.
type AlertPayload struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Severity   string          `json:"severity"`
	Message    string          `json:"message"`
	Confidence float64         `json:"confidence"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// ErrorPayload represents error messages from server.
type ErrorPayload struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// NewMessage builds an envelope with a JSON-encoded payload.
func NewMessage(kind string, payload any) (*Message, error) {
	msg := &Message{Kind: kind, Timestamp: time.Now().UTC()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Payload = raw
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return &ProtocolError{Kind: m.Kind, Reason: "missing payload"}
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return &ProtocolError{Kind: m.Kind, Reason: err.Error()}
	}
	return nil
}

// ProtocolError reports a message the client could not interpret.
type ProtocolError struct {
	Kind   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return "malformed " + e.Kind + " message: " + e.Reason
}
