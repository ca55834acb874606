// Package protocol defines the wire envelope exchanged between the relay and
// its clients, and the close reasons the relay uses when it ends a connection.
//
// Every frame is a UTF-8 text message holding one JSON object:
//
//	{"messageType": "chat", "data": {"sender": "bob", "message": "hi"}}
//
// The messageType discriminant selects the payload schema. Unknown
// discriminants and payloads that do not match their schema are parse errors.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	ErrMalformed      = errors.New("malformed envelope")
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid payload")
)

var validate = validator.New()

// Type is the envelope discriminant.
type Type string

const (
	TypeSessionOpen   Type = "connect"
	TypeChatPost      Type = "chat"
	TypePresenceJoin  Type = "userjoin"
	TypePresenceLeave Type = "userleft"
)

// Payload is implemented by every envelope body.
type Payload interface {
	MessageType() Type
}

// SessionOpen asks the relay to admit the connection as Username.
type SessionOpen struct {
	Username string `json:"username" validate:"required"`
}

// ChatPost is a chat line; the relay fans it out unchanged.
type ChatPost struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// PresenceJoin announces an admitted session.
type PresenceJoin struct {
	Username string `json:"username" validate:"required"`
}

// PresenceLeave announces a session that went away.
type PresenceLeave struct {
	Username string `json:"username" validate:"required"`
}

func (SessionOpen) MessageType() Type   { return TypeSessionOpen }
func (ChatPost) MessageType() Type      { return TypeChatPost }
func (PresenceJoin) MessageType() Type  { return TypePresenceJoin }
func (PresenceLeave) MessageType() Type { return TypePresenceLeave }

// chatPostWire keeps message as a pointer so an absent field can be told
// apart from an empty line.
type chatPostWire struct {
	Sender  string  `json:"sender" validate:"required"`
	Message *string `json:"message" validate:"required"`
}

// Envelope is the tagged union carried by one frame.
type Envelope struct {
	Type Type
	Data Payload
}

type frame struct {
	MessageType Type            `json:"messageType"`
	Data        json.RawMessage `json:"data"`
}

// New wraps a payload in an envelope carrying the matching discriminant.
func New(p Payload) Envelope {
	return Envelope{Type: p.MessageType(), Data: p}
}

// Encode serialises an envelope into a single text frame.
func Encode(e Envelope) ([]byte, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("%w: %q has no data", ErrInvalidPayload, e.Type)
	}
	if e.Data.MessageType() != e.Type {
		return nil, fmt.Errorf("%w: %q carries a %q payload", ErrInvalidPayload, e.Type, e.Data.MessageType())
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return json.Marshal(frame{MessageType: e.Type, Data: data})
}

// Decode parses a frame and validates its payload against the schema selected
// by messageType.
func Decode(raw []byte) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(f.Data) == 0 {
		return Envelope{}, fmt.Errorf("%w: %q has no data", ErrInvalidPayload, f.MessageType)
	}

	var (
		p   Payload
		err error
	)
	switch f.MessageType {
	case TypeSessionOpen:
		p, err = decodePayload[SessionOpen](f.Data)
	case TypeChatPost:
		p, err = decodeChatPost(f.Data)
	case TypePresenceJoin:
		p, err = decodePayload[PresenceJoin](f.Data)
	case TypePresenceLeave:
		p, err = decodePayload[PresenceLeave](f.Data)
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, f.MessageType)
	}
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: f.MessageType, Data: p}, nil
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return Encode(e)
}

func (e *Envelope) UnmarshalJSON(raw []byte) error {
	decoded, err := Decode(raw)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}

func decodePayload[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}

func decodeChatPost(raw json.RawMessage) (Payload, error) {
	var w chatPostWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return ChatPost{Sender: w.Sender, Message: *w.Message}, nil
}
