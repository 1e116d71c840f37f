package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spec-kit/dealroom-service/internal/domain"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventMessageDeleted EventType = "message.deleted"
	EventRequestCreated EventType = "request.created"
	EventRequestUpdated EventType = "request.updated"
	EventRequestDeleted EventType = "request.deleted"
	EventMemberJoined   EventType = "member.joined"
	EventMemberLeft     EventType = "member.left"
	EventTyping         EventType = "typing"
)

// LifecycleTypes are the persisted-record events every subscriber converges on.
var LifecycleTypes = []EventType{
	EventMessageCreated,
	EventMessageDeleted,
	EventRequestCreated,
	EventRequestUpdated,
	EventRequestDeleted,
}

// Actor encapsulates actor metadata for an event.
type Actor struct {
	UserID string          `json:"user_id,omitempty"`
	Role   domain.UserRole `json:"role,omitempty"`
}

// Event is the envelope carried on a transaction's channel.
type Event struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	TransactionID string          `json:"transaction_id"`
	Actor         Actor           `json:"actor"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an envelope with a fresh id, encoding payload as JSON.
// A nil payload produces an envelope without one.
func NewEvent(eventType EventType, transactionID string, actor Actor, payload any) (Event, error) {
	event := Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		TransactionID: transactionID,
		Actor:         actor,
		Timestamp:     time.Now().UTC(),
	}
	if payload == nil {
		return event, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	event.Payload = raw
	return event, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// HasPayload reports whether the event carries a non-null payload.
func (e Event) HasPayload() bool {
	return len(e.Payload) > 0 && string(e.Payload) != "null"
}
