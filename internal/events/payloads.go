package events

import (
	"time"

	"github.com/spec-kit/dealroom-service/internal/domain"
)

// MessagePayload is the wire shape of a message.
type MessagePayload struct {
	ID               string    `json:"id"`
	TransactionID    string    `json:"transactionId"`
	SenderID         string    `json:"senderId"`
	Content          string    `json:"content"`
	DocumentRef      *string   `json:"documentRef,omitempty"`
	AddresseePartyID *string   `json:"addresseePartyId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// MessageCreatedPayload payload.
type MessageCreatedPayload struct {
	Message MessagePayload `json:"message"`
}

// MessageDeletedPayload payload.
type MessageDeletedPayload struct {
	MessageID string `json:"messageId"`
}

// DocumentPayload is the wire shape of a request response document.
type DocumentPayload struct {
	ID          string    `json:"id"`
	DocumentRef string    `json:"documentRef"`
	PartyID     string    `json:"partyId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RequestPayload is the wire shape of a request.
type RequestPayload struct {
	ID             string               `json:"id"`
	TransactionID  string               `json:"transactionId"`
	Title          string               `json:"title"`
	Body           string               `json:"body"`
	TargetRoles    []domain.RoleTag     `json:"targetRoles"`
	TargetPartyIDs []string             `json:"targetPartyIds"`
	Status         domain.RequestStatus `json:"status"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
	CreatedBy      string               `json:"createdBy"`
	Documents      []DocumentPayload    `json:"documents"`
}

// RequestCreatedPayload payload.
type RequestCreatedPayload struct {
	Request RequestPayload `json:"request"`
}

// RequestUpdatedPayload payload. Request may be absent, in which case
// receivers re-fetch.
type RequestUpdatedPayload struct {
	Request *RequestPayload `json:"request,omitempty"`
}

// RequestDeletedPayload payload.
type RequestDeletedPayload struct {
	RequestID string `json:"requestId"`
}

// TypingPayload is an ephemeral typing signal. PartyID names the thread
// the typist is writing in.
type TypingPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
	PartyID  string `json:"partyId,omitempty"`
}

// MemberPayload carries the user id of a presence change.
type MemberPayload struct {
	ID string `json:"id"`
}

// MessageToPayload converts a domain message.
func MessageToPayload(m domain.Message) MessagePayload {
	return MessagePayload{
		ID:               m.ID,
		TransactionID:    m.TransactionID,
		SenderID:         m.SenderID,
		Content:          m.Content,
		DocumentRef:      m.DocumentRef,
		AddresseePartyID: m.AddresseePartyID,
		CreatedAt:        m.CreatedAt,
	}
}

// ToDomain converts the payload back to a domain message.
func (p MessagePayload) ToDomain() domain.Message {
	return domain.Message{
		ID:               p.ID,
		TransactionID:    p.TransactionID,
		SenderID:         p.SenderID,
		Content:          p.Content,
		DocumentRef:      p.DocumentRef,
		AddresseePartyID: p.AddresseePartyID,
		CreatedAt:        p.CreatedAt,
	}
}

// RequestToPayload converts a domain request.
func RequestToPayload(r domain.Request) RequestPayload {
	docs := make([]DocumentPayload, 0, len(r.Documents))
	for _, d := range r.Documents {
		docs = append(docs, DocumentPayload{
			ID:          d.ID,
			DocumentRef: d.DocumentRef,
			PartyID:     d.PartyID,
			CreatedAt:   d.CreatedAt,
		})
	}
	roles := r.TargetRoles
	if roles == nil {
		roles = []domain.RoleTag{}
	}
	partyIDs := r.TargetPartyIDs
	if partyIDs == nil {
		partyIDs = []string{}
	}
	return RequestPayload{
		ID:             r.ID,
		TransactionID:  r.TransactionID,
		Title:          r.Title,
		Body:           r.Body,
		TargetRoles:    roles,
		TargetPartyIDs: partyIDs,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		CreatedBy:      r.CreatedBy,
		Documents:      docs,
	}
}

// ToDomain converts the payload back to a domain request.
func (p RequestPayload) ToDomain() domain.Request {
	docs := make([]domain.ResponseDocument, 0, len(p.Documents))
	for _, d := range p.Documents {
		docs = append(docs, domain.ResponseDocument{
			ID:          d.ID,
			RequestID:   p.ID,
			DocumentRef: d.DocumentRef,
			PartyID:     d.PartyID,
			CreatedAt:   d.CreatedAt,
		})
	}
	return domain.Request{
		ID:             p.ID,
		TransactionID:  p.TransactionID,
		CreatedBy:      p.CreatedBy,
		Title:          p.Title,
		Body:           p.Body,
		TargetRoles:    p.TargetRoles,
		TargetPartyIDs: p.TargetPartyIDs,
		Status:         p.Status,
		Documents:      docs,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}
