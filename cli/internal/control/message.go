package control

import (
	"errors"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Label is the data channel label both ends agree on.
const Label = "control"

// Message types carried on the control channel.
const (
	TypeStreamInfo = "stream_info"
	TypeAlert      = "alert"
)

// ErrUnknownType is returned by Decode for message types it does not know.
var ErrUnknownType = errors.New("unknown control message type")

// Message represents all control data channel messages
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// StreamInfo is sent by the source as soon as the channel opens.
type StreamInfo struct {
	Source       string    `msgpack:"source"`
	ViewerNumber int       `msgpack:"viewerNumber"`
	StartedAt    time.Time `msgpack:"startedAt"`
}

// Alert mirrors a relayed alert so it still arrives if signaling drops.
type Alert struct {
	ID         string  `msgpack:"id"`
	Type       string  `msgpack:"type"`
	Severity   string  `msgpack:"severity"`
	Message    string  `msgpack:"message"`
	Confidence float64 `msgpack:"confidence"`
}

// DecodePayload decodes the message payload into the provided struct
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// NewMessage creates a new Message with the given type and payload
func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Type:    t,
		Payload: b,
	}, nil
}

// Encode marshals a typed payload into a complete frame.
func Encode(t string, payload any) ([]byte, error) {
	msg, err := NewMessage(t, payload)
	if err != nil {
		return nil, err
	}
	return msgpack.Marshal(msg)
}

// Decode parses a frame and returns its typed payload, either *StreamInfo
// or *Alert.
func Decode(data []byte) (any, error) {
	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, err
	}

	switch msg.Type {
	case TypeStreamInfo:
		var info StreamInfo
		if err := msg.DecodePayload(&info); err != nil {
			return nil, err
		}
		return &info, nil
	case TypeAlert:
		var a Alert
		if err := msg.DecodePayload(&a); err != nil {
			return nil, err
		}
		return &a, nil
	default:
		return nil, ErrUnknownType
	}
}
