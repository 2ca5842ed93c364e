// Package signaling implements the meeting relay protocol: the JSON message
// envelope and a WebSocket client scoped to one meeting room.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MsgTypeJoin                 MessageType = "join"
	MsgTypeLeave                MessageType = "leave"
	MsgTypeExistingParticipants MessageType = "existing-participants"
	MsgTypeOffer                MessageType = "offer"
	MsgTypeAnswer               MessageType = "answer"
	MsgTypeCandidate            MessageType = "ice-candidate"
	MsgTypeRaiseHand            MessageType = "raise-hand"
	MsgTypeParticipantLeft      MessageType = "participant-left"
)

// ErrMalformed is returned when a frame or payload cannot be decoded.
var ErrMalformed = errors.New("malformed signaling message")

// ID is a room or participant identifier. The relay stores user ids as
// numbers, so ids may arrive as JSON numbers as well as strings.
type ID string

// UnmarshalJSON accepts a JSON string, a JSON number or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

// Message is the JSON envelope exchanged with the relay.
type Message struct {
	Type         MessageType     `json:"type"`
	ClassroomID  ID              `json:"classroomId"`
	FromUserID   ID              `json:"fromUserId,omitempty"`
	ToUserID     ID              `json:"toUserId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Participants []ID            `json:"participants,omitempty"`
	UserID       ID              `json:"userId,omitempty"`
}

// RaiseHandPayload is the payload of a raise-hand message.
type RaiseHandPayload struct {
	Raised *bool `json:"raised,omitempty"`
}

// Decode parses one relay frame.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return &msg, nil
}

// Encode serializes a message into a relay frame.
func Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// NewJoin builds the presence announcement sent right after connecting.
func NewJoin(room, from ID) *Message {
	return &Message{Type: MsgTypeJoin, ClassroomID: room, FromUserID: from}
}

// NewLeave builds the departure notice.
func NewLeave(room, from ID) *Message {
	return &Message{Type: MsgTypeLeave, ClassroomID: room, FromUserID: from}
}

// NewDescription builds an offer or answer addressed to one participant;
// the message type follows desc.Type.
func NewDescription(room, from, to ID, desc webrtc.SessionDescription) (*Message, error) {
	var typ MessageType
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		typ = MsgTypeOffer
	case webrtc.SDPTypeAnswer:
		typ = MsgTypeAnswer
	default:
		return nil, fmt.Errorf("unsupported description type %q", desc.Type.String())
	}

	payload, err := json.Marshal(desc)
	if err != nil {
		return nil, err
	}
	return &Message{Type: typ, ClassroomID: room, FromUserID: from, ToUserID: to, Payload: payload}, nil
}

// NewCandidate builds an ice-candidate message addressed to one participant.
func NewCandidate(room, from, to ID, candidate webrtc.ICECandidateInit) (*Message, error) {
	payload, err := json.Marshal(candidate)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeCandidate, ClassroomID: room, FromUserID: from, ToUserID: to, Payload: payload}, nil
}

// NewRaiseHand builds the broadcast hand-raise state change.
func NewRaiseHand(room, from ID, raised bool) *Message {
	payload, _ := json.Marshal(RaiseHandPayload{Raised: &raised})
	return &Message{Type: MsgTypeRaiseHand, ClassroomID: room, FromUserID: from, Payload: payload}
}

// ---------------------------------------------------------------------------
// Payload accessors
// ---------------------------------------------------------------------------

// SessionDescription decodes an offer or answer payload. The description type
// must match the message type.
func (m *Message) SessionDescription() (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if len(m.Payload) == 0 {
		return desc, fmt.Errorf("%w: %s without payload", ErrMalformed, m.Type)
	}
	if err := json.Unmarshal(m.Payload, &desc); err != nil {
		return desc, fmt.Errorf("%w: %s payload: %v", ErrMalformed, m.Type, err)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("%w: %s without sdp", ErrMalformed, m.Type)
	}

	want := webrtc.SDPTypeOffer
	if m.Type == MsgTypeAnswer {
		want = webrtc.SDPTypeAnswer
	}
	if desc.Type != want {
		return desc, fmt.Errorf("%w: %s carries a %q description", ErrMalformed, m.Type, desc.Type.String())
	}
	return desc, nil
}

// ICECandidate decodes an ice-candidate payload.
func (m *Message) ICECandidate() (webrtc.ICECandidateInit, error) {
	var candidate webrtc.ICECandidateInit
	if len(m.Payload) == 0 {
		return candidate, fmt.Errorf("%w: candidate without payload", ErrMalformed)
	}
	if err := json.Unmarshal(m.Payload, &candidate); err != nil {
		return candidate, fmt.Errorf("%w: candidate payload: %v", ErrMalformed, err)
	}
	return candidate, nil
}

// Raised reports the hand state carried by a raise-hand message. A missing
// or unreadable payload counts as raised.
func (m *Message) Raised() bool {
	var p RaiseHandPayload
	if len(m.Payload) == 0 || json.Unmarshal(m.Payload, &p) != nil || p.Raised == nil {
		return true
	}
	return *p.Raised
}
