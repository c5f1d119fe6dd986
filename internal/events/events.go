package events

import (
	"encoding/json"
	"strings"
)

// Kind identifies which cancellation slot and which UI channel a stream
// belongs to. The set is open; the constants below are the kinds the desktop
// client issues today.
type Kind string

const (
	KindMessage Kind = "message"
	KindPreview Kind = "preview"
	KindGroup   Kind = "group"
	KindGuide   Kind = "guide"
)

// AuthExpiredChannel is the process-wide channel used to redirect the UI to
// login. It is not tied to any stream kind.
const AuthExpiredChannel = "auth-expired"

// Channel returns the UI channel name events of this kind are published on.
func (k Kind) Channel() string {
	switch k {
	case KindMessage:
		return "message-chunk"
	case KindPreview:
		return "preview-ask-chunk"
	case KindGroup:
		return "group-message"
	case KindGuide:
		return "guide-chunk"
	default:
		return string(k) + "-chunk"
	}
}

// NormalizeKind lowercases and trims a kind received from the UI.
func NormalizeKind(s string) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(s)))
}

type Type string

const (
	TypePhase Type = "phase"
	TypeDelta Type = "delta"
	TypeData  Type = "data"
	TypeDone  Type = "done"
	TypeError Type = "error"
)

const (
	PhaseRequesting = "requesting"
	PhaseConnected  = "connected"
	PhaseReceiving  = "receiving"
)

// Event is a single item published to the UI for a stream. Exactly one of the
// payload fields is meaningful, selected by Type. Data events carry the
// backend's JSON object untouched in Raw.
type Event struct {
	Type    Type
	Phase   string
	Content string
	Message string
	Raw     json.RawMessage
}

func Phase(name string) Event        { return Event{Type: TypePhase, Phase: name} }
func Delta(content string) Event     { return Event{Type: TypeDelta, Content: content} }
func Data(raw json.RawMessage) Event { return Event{Type: TypeData, Raw: raw} }
func Done() Event                    { return Event{Type: TypeDone} }
func Error(message string) Event     { return Event{Type: TypeError, Message: message} }

// MarshalJSON renders the event in the shape the UI listens for. Data events
// are emitted as the backend sent them.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypePhase:
		return json.Marshal(map[string]string{"type": "phase", "phase": e.Phase})
	case TypeDelta:
		return json.Marshal(map[string]string{"type": "delta", "content": e.Content})
	case TypeData:
		if len(e.Raw) == 0 {
			return []byte("{}"), nil
		}
		return e.Raw, nil
	case TypeDone:
		return []byte(`{"type":"done"}`), nil
	case TypeError:
		return json.Marshal(map[string]string{"type": "error", "errorMessage": e.Message})
	default:
		return json.Marshal(map[string]string{"type": string(e.Type)})
	}
}

// Envelope ties an event to the stream that produced it.
type Envelope struct {
	Kind     Kind
	StreamID string
	Event    Event
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Channel  string `json:"channel"`
		Kind     Kind   `json:"kind"`
		StreamID string `json:"streamId"`
		Event    Event  `json:"event"`
	}{e.Kind.Channel(), e.Kind, e.StreamID, e.Event})
}

// AuthExpiredPayload is the body published on AuthExpiredChannel.
func AuthExpiredPayload() []byte {
	return []byte(`{"channel":"auth-expired","event":{"code":"UNAUTHORIZED"}}`)
}

// Sink receives stream events for the UI. Implementations must not block the
// publishing stream; delivery is best-effort.
type Sink interface {
	Publish(env Envelope)
	AuthExpired()
}

// Fanout delivers to every sink in order. Nil entries are skipped.
type Fanout []Sink

func (f Fanout) Publish(env Envelope) {
	for _, s := range f {
		if s != nil {
			s.Publish(env)
		}
	}
}

func (f Fanout) AuthExpired() {
	for _, s := range f {
		if s != nil {
			s.AuthExpired()
		}
	}
}
