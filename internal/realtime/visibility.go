package realtime

import (
	"github.com/spec-kit/dealroom-service/internal/access"
	"github.com/spec-kit/dealroom-service/internal/events"
)

// viewer is what a connection is allowed to see, fixed at connect time.
type viewer struct {
	caller   access.Caller
	messages access.MessagePredicate
	requests access.RequestPredicate
}

// allows applies the same predicates the list endpoints use. Events that
// only carry an id go to everyone in the transaction.
func (v viewer) allows(ev events.Event) bool {
	switch ev.Type {
	case events.EventMessageCreated:
		var p events.MessageCreatedPayload
		if err := ev.Decode(&p); err != nil {
			return false
		}
		return v.messages.Matches(p.Message.ToDomain())
	case events.EventRequestCreated:
		var p events.RequestCreatedPayload
		if err := ev.Decode(&p); err != nil {
			return false
		}
		return v.requests.Matches(p.Request.ToDomain())
	case events.EventRequestUpdated:
		if !ev.HasPayload() {
			return true
		}
		var p events.RequestUpdatedPayload
		if err := ev.Decode(&p); err != nil {
			return false
		}
		if p.Request == nil {
			return true
		}
		return v.requests.Matches(p.Request.ToDomain())
	case events.EventTyping:
		var p events.TypingPayload
		if err := ev.Decode(&p); err != nil {
			return false
		}
		if p.UserID == v.caller.UserID {
			return false
		}
		return v.caller.CanSeeParty(p.PartyID)
	case events.EventMessageDeleted, events.EventRequestDeleted, events.EventMemberJoined, events.EventMemberLeft:
		return true
	default:
		return false
	}
}
