package access

import (
	"github.com/spec-kit/dealroom-service/internal/domain"
	apperrors "github.com/spec-kit/dealroom-service/pkg/util"
)

// Caller is an authenticated actor resolved against one transaction.
type Caller struct {
	UserID  string
	Role    domain.UserRole
	PartyID string
}

// IsHandler reports whether the caller manages the transaction.
func (c Caller) IsHandler() bool {
	return c.Role == domain.RoleHandler
}

// CanSeeParty reports whether party-scoped signals for partyID may be shown
// to the caller.
func (c Caller) CanSeeParty(partyID string) bool {
	if c.IsHandler() {
		return true
	}
	return partyID != "" && partyID == c.PartyID
}

// MessagePredicate selects the messages of one transaction a caller may see.
//
// A message matches when All is set, when it is addressed to
// AddresseePartyID, or when it was sent by one of SenderIDs. With
// UnaddressedOnly the sender clause only holds for messages without an
// addressee.
type MessagePredicate struct {
	TransactionID    string
	All              bool
	AddresseePartyID string
	SenderIDs        []string
	UnaddressedOnly  bool
}

// Matches evaluates the predicate against a message.
func (p MessagePredicate) Matches(m domain.Message) bool {
	if m.TransactionID != p.TransactionID {
		return false
	}
	if p.All {
		return true
	}
	if p.AddresseePartyID != "" && m.AddresseePartyID != nil && *m.AddresseePartyID == p.AddresseePartyID {
		return true
	}
	if !contains(p.SenderIDs, m.SenderID) {
		return false
	}
	return !p.UnaddressedOnly || m.AddresseePartyID == nil
}

// RequestPredicate selects the requests of one transaction a caller may see.
type RequestPredicate struct {
	TransactionID string
	All           bool
	Role          domain.RoleTag
	PartyID       string
}

// Matches evaluates the predicate against a request. Role and party
// targeting combine as a union.
func (p RequestPredicate) Matches(r domain.Request) bool {
	if r.TransactionID != p.TransactionID {
		return false
	}
	if p.All {
		return true
	}
	return r.Targets(domain.Party{ID: p.PartyID, Role: p.Role})
}

// VisibleMessages builds the message predicate for caller. partyFilter is
// only meaningful for handlers; a member may pass their own party id or
// nothing.
func VisibleMessages(caller Caller, tx *domain.Transaction, partyFilter string) (MessagePredicate, error) {
	switch caller.Role {
	case domain.RoleHandler:
		if caller.UserID != tx.HandlerID {
			return MessagePredicate{}, apperrors.NewPermissionDenied("not the handler of this transaction")
		}
		if partyFilter == "" {
			return MessagePredicate{TransactionID: tx.ID, All: true}, nil
		}
		party, ok := tx.PartyByID(partyFilter)
		if !ok {
			return MessagePredicate{}, apperrors.NewNotFound("party", map[string]any{"party_id": partyFilter})
		}
		return MessagePredicate{
			TransactionID:    tx.ID,
			AddresseePartyID: party.ID,
			SenderIDs:        append([]string(nil), party.MemberIDs...),
			UnaddressedOnly:  true,
		}, nil
	case domain.RoleMember:
		party, err := memberParty(caller, tx, partyFilter)
		if err != nil {
			return MessagePredicate{}, err
		}
		return MessagePredicate{
			TransactionID:    tx.ID,
			AddresseePartyID: party.ID,
			SenderIDs:        []string{caller.UserID},
		}, nil
	default:
		return MessagePredicate{}, apperrors.NewPermissionDenied("caller has no access to this transaction")
	}
}

// VisibleRequests builds the request predicate for caller.
func VisibleRequests(caller Caller, tx *domain.Transaction, partyFilter string) (RequestPredicate, error) {
	switch caller.Role {
	case domain.RoleHandler:
		if caller.UserID != tx.HandlerID {
			return RequestPredicate{}, apperrors.NewPermissionDenied("not the handler of this transaction")
		}
		if partyFilter == "" {
			return RequestPredicate{TransactionID: tx.ID, All: true}, nil
		}
		party, ok := tx.PartyByID(partyFilter)
		if !ok {
			return RequestPredicate{}, apperrors.NewNotFound("party", map[string]any{"party_id": partyFilter})
		}
		return RequestPredicate{TransactionID: tx.ID, Role: party.Role, PartyID: party.ID}, nil
	case domain.RoleMember:
		party, err := memberParty(caller, tx, partyFilter)
		if err != nil {
			return RequestPredicate{}, err
		}
		return RequestPredicate{TransactionID: tx.ID, Role: party.Role, PartyID: party.ID}, nil
	default:
		return RequestPredicate{}, apperrors.NewPermissionDenied("caller has no access to this transaction")
	}
}

func memberParty(caller Caller, tx *domain.Transaction, partyFilter string) (*domain.Party, error) {
	party, ok := tx.PartyOf(caller.UserID)
	if !ok || (caller.PartyID != "" && caller.PartyID != party.ID) {
		return nil, apperrors.NewPermissionDenied("caller is not a member of this transaction")
	}
	if partyFilter != "" && partyFilter != party.ID {
		return nil, apperrors.NewPermissionDenied("members may only view their own party")
	}
	return party, nil
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
