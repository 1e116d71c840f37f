package dto

import (
	"time"

	"github.com/spec-kit/dealroom-service/internal/domain"
)

// SendMessageRequest payload.
type SendMessageRequest struct {
	Content          string  `json:"content"`
	DocumentRef      *string `json:"document_ref"`
	AddresseePartyID *string `json:"addressee_party_id"`
}

// MessageResponse represents one conversation message.
type MessageResponse struct {
	ID               string    `json:"id"`
	TransactionID    string    `json:"transaction_id"`
	SenderID         string    `json:"sender_id"`
	Content          string    `json:"content"`
	DocumentRef      *string   `json:"document_ref"`
	AddresseePartyID *string   `json:"addressee_party_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// DocumentUploadResponse returns the opaque ref of a stored file.
type DocumentUploadResponse struct {
	DocumentRef string `json:"document_ref"`
}

// NewMessageResponse maps a domain message.
func NewMessageResponse(m domain.Message) MessageResponse {
	return MessageResponse{
		ID:               m.ID,
		TransactionID:    m.TransactionID,
		SenderID:         m.SenderID,
		Content:          m.Content,
		DocumentRef:      m.DocumentRef,
		AddresseePartyID: m.AddresseePartyID,
		CreatedAt:        m.CreatedAt,
	}
}

// ToDomain maps the response back, for API clients.
func (m MessageResponse) ToDomain() domain.Message {
	return domain.Message{
		ID:               m.ID,
		TransactionID:    m.TransactionID,
		SenderID:         m.SenderID,
		Content:          m.Content,
		DocumentRef:      m.DocumentRef,
		AddresseePartyID: m.AddresseePartyID,
		CreatedAt:        m.CreatedAt,
	}
}
