package xframe

import (
	"encoding/json"
	"fmt"
)

// Kind classifies an Envelope by the fields it carries.
type Kind int

const (
	KindMalformed Kind = iota
	KindCommand
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindResponse:
		return "response"
	default:
		return "malformed"
	}
}

// Envelope is the unit exchanged between contexts. A command or event has
// Type (and optionally RequestID); a response has ResponseTo and no Type.
type Envelope struct {
	Type       string          `json:"type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RequestID  string          `json:"requestId,omitempty"`
	ResponseTo string          `json:"responseTo,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func (e Envelope) Kind() Kind {
	switch {
	case e.Type != "":
		return KindCommand
	case e.ResponseTo != "":
		return KindResponse
	default:
		return KindMalformed
	}
}

// Clone returns a copy that shares no memory with e.
func (e Envelope) Clone() Envelope {
	if e.Payload != nil {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return e
}

// EncodePayload converts v into the raw form carried by an Envelope.
// Raw messages and byte slices holding valid JSON are passed through.
func EncodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if json.Valid(p) {
			return json.RawMessage(p), nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}

// Decode unmarshals a raw payload into T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return out, nil
}

func newCommand(msgType string, payload any, requestID string) (Envelope, error) {
	if msgType == "" {
		return Envelope{}, fmt.Errorf("%w: empty message type", ErrInvalidEnvelope)
	}
	raw, err := EncodePayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: raw, RequestID: requestID}, nil
}

func newResponse(responseTo string, payload any, errMsg string) (Envelope, error) {
	if responseTo == "" {
		return Envelope{}, fmt.Errorf("%w: empty responseTo", ErrInvalidEnvelope)
	}
	raw, err := EncodePayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ResponseTo: responseTo, Payload: raw, Error: errMsg}, nil
}
