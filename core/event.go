package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names a stored auth event.
type EventType string

const (
	EventUserCreated    EventType = "user-created"
	EventUserVerified   EventType = "user-verified"
	EventAuthSuccess    EventType = "auth-success"
	EventAuthFailed     EventType = "auth-failed"
	EventSessionExpired EventType = "session-expired"
)

// Subject is who an event is about.
type Subject struct {
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email"`
}

// EventPayload is the closed set of event variants. Each variant carries
// exactly the fields its type requires.
type EventPayload interface {
	Type() EventType
	Subject() Subject
	isEventPayload()
}

type UserCreated struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

type UserVerified struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

type AuthSuccess struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Role   Role   `json:"role"`
}

type AuthFailed struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

type SessionExpired struct {
	Email string `json:"email"`
}

func (UserCreated) Type() EventType    { return EventUserCreated }
func (UserVerified) Type() EventType   { return EventUserVerified }
func (AuthSuccess) Type() EventType    { return EventAuthSuccess }
func (AuthFailed) Type() EventType     { return EventAuthFailed }
func (SessionExpired) Type() EventType { return EventSessionExpired }

func (p UserCreated) Subject() Subject    { return Subject{UserID: p.UserID, Email: p.Email} }
func (p UserVerified) Subject() Subject   { return Subject{UserID: p.UserID, Email: p.Email} }
func (p AuthSuccess) Subject() Subject    { return Subject{UserID: p.UserID, Email: p.Email} }
func (p AuthFailed) Subject() Subject     { return Subject{Email: p.Email} }
func (p SessionExpired) Subject() Subject { return Subject{Email: p.Email} }

func (UserCreated) isEventPayload()    {}
func (UserVerified) isEventPayload()   {}
func (AuthSuccess) isEventPayload()    {}
func (AuthFailed) isEventPayload()     {}
func (SessionExpired) isEventPayload() {}

// DecodePayload rebuilds a payload from its type tag and JSON body.
func DecodePayload(t EventType, data []byte) (EventPayload, error) {
	var (
		p   EventPayload
		err error
	)
	switch t {
	case EventUserCreated:
		var v UserCreated
		err = json.Unmarshal(data, &v)
		p = v
	case EventUserVerified:
		var v UserVerified
		err = json.Unmarshal(data, &v)
		p = v
	case EventAuthSuccess:
		var v AuthSuccess
		err = json.Unmarshal(data, &v)
		p = v
	case EventAuthFailed:
		var v AuthFailed
		err = json.Unmarshal(data, &v)
		p = v
	case EventSessionExpired:
		var v SessionExpired
		err = json.Unmarshal(data, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event type %q: %w", t, ErrInvalidInput)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// AuthEvent is one stored fact about a session.
type AuthEvent struct {
	ID        string
	Timestamp time.Time
	SessionID string
	Payload   EventPayload
}

func (e AuthEvent) Type() EventType { return e.Payload.Type() }
func (e AuthEvent) UserID() string  { return e.Payload.Subject().UserID }
func (e AuthEvent) Email() string   { return e.Payload.Subject().Email }

type authEventJSON struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	Type      EventType       `json:"type"`
	UserID    string          `json:"userId,omitempty"`
	Email     string          `json:"email"`
	Data      json.RawMessage `json:"data"`
}

func (e AuthEvent) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("auth event %s has no payload", e.ID)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(authEventJSON{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		SessionID: e.SessionID,
		Type:      e.Type(),
		UserID:    e.UserID(),
		Email:     e.Email(),
		Data:      data,
	})
}

func (e *AuthEvent) UnmarshalJSON(b []byte) error {
	var raw authEventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	p, err := DecodePayload(raw.Type, raw.Data)
	if err != nil {
		return err
	}
	*e = AuthEvent{ID: raw.ID, Timestamp: raw.Timestamp, SessionID: raw.SessionID, Payload: p}
	return nil
}

// SSEType is the subscriber-facing event vocabulary.
type SSEType string

const (
	SSEUserCreated    SSEType = "user-created"
	SSEUserReady      SSEType = "user-ready"
	SSEAuthSuccess    SSEType = "auth-success"
	SSEAuthError      SSEType = "auth-error"
	SSESessionExpired SSEType = "session-expired"
)

// SSEData is the body of a progress notification.
type SSEData struct {
	UserID     string `json:"userId,omitempty"`
	Email      string `json:"email"`
	NextAction string `json:"nextAction"`
	Message    string `json:"message"`
	Progress   int    `json:"progress"`
}

// SSEAuthEvent is the live projection of an AuthEvent.
type SSEAuthEvent struct {
	Type      SSEType `json:"type"`
	SessionID string  `json:"sessionId"`
	Data      SSEData `json:"data"`
}

// ProgressFor maps an event type to its presentational progress value.
func ProgressFor(t EventType) int {
	switch t {
	case EventUserCreated:
		return 25
	case EventUserVerified:
		return 50
	case EventAuthSuccess:
		return 100
	default:
		return 0
	}
}

// SSETypeFor maps a stored event type to the subscriber vocabulary.
func SSETypeFor(t EventType) SSEType {
	switch t {
	case EventUserCreated:
		return SSEUserCreated
	case EventUserVerified:
		return SSEUserReady
	case EventAuthSuccess:
		return SSEAuthSuccess
	case EventAuthFailed:
		return SSEAuthError
	default:
		return SSESessionExpired
	}
}

// NewSSEEvent projects ev for subscribers of sessionID.
func NewSSEEvent(sessionID string, ev AuthEvent, message, nextAction string) SSEAuthEvent {
	return SSEAuthEvent{
		Type:      SSETypeFor(ev.Type()),
		SessionID: sessionID,
		Data: SSEData{
			UserID:     ev.UserID(),
			Email:      ev.Email(),
			NextAction: nextAction,
			Message:    message,
			Progress:   ProgressFor(ev.Type()),
		},
	}
}
