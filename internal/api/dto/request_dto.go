package dto

import (
	"time"

	"github.com/spec-kit/dealroom-service/internal/domain"
)

// CreateRequestRequest payload.
type CreateRequestRequest struct {
	Title          string           `json:"title"`
	Body           string           `json:"body"`
	TargetRoles    []domain.RoleTag `json:"target_roles"`
	TargetPartyIDs []string         `json:"target_party_ids"`
}

// UpdateRequestStatusRequest payload.
type UpdateRequestStatusRequest struct {
	Status domain.RequestStatus `json:"status"`
}

// AttachDocumentRequest payload for attaching an already uploaded file.
type AttachDocumentRequest struct {
	DocumentRef string `json:"document_ref"`
}

// ResponseDocumentResponse is one party's answer to a request.
type ResponseDocumentResponse struct {
	ID          string    `json:"id"`
	DocumentRef string    `json:"document_ref"`
	PartyID     string    `json:"party_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// RequestResponse represents a request with its responses.
type RequestResponse struct {
	ID             string                     `json:"id"`
	TransactionID  string                     `json:"transaction_id"`
	CreatedBy      string                     `json:"created_by"`
	Title          string                     `json:"title"`
	Body           string                     `json:"body"`
	TargetRoles    []domain.RoleTag           `json:"target_roles"`
	TargetPartyIDs []string                   `json:"target_party_ids"`
	Status         domain.RequestStatus       `json:"status"`
	Documents      []ResponseDocumentResponse `json:"documents"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// NewRequestResponse maps a domain request.
func NewRequestResponse(r domain.Request) RequestResponse {
	docs := make([]ResponseDocumentResponse, 0, len(r.Documents))
	for _, d := range r.Documents {
		docs = append(docs, ResponseDocumentResponse{ID: d.ID, DocumentRef: d.DocumentRef, PartyID: d.PartyID, CreatedAt: d.CreatedAt})
	}
	roles := r.TargetRoles
	if roles == nil {
		roles = []domain.RoleTag{}
	}
	parties := r.TargetPartyIDs
	if parties == nil {
		parties = []string{}
	}
	return RequestResponse{
		ID:             r.ID,
		TransactionID:  r.TransactionID,
		CreatedBy:      r.CreatedBy,
		Title:          r.Title,
		Body:           r.Body,
		TargetRoles:    roles,
		TargetPartyIDs: parties,
		Status:         r.Status,
		Documents:      docs,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// ToDomain maps the response back, for API clients.
func (r RequestResponse) ToDomain() domain.Request {
	docs := make([]domain.ResponseDocument, 0, len(r.Documents))
	for _, d := range r.Documents {
		docs = append(docs, domain.ResponseDocument{ID: d.ID, RequestID: r.ID, DocumentRef: d.DocumentRef, PartyID: d.PartyID, CreatedAt: d.CreatedAt})
	}
	return domain.Request{
		ID:             r.ID,
		TransactionID:  r.TransactionID,
		CreatedBy:      r.CreatedBy,
		Title:          r.Title,
		Body:           r.Body,
		TargetRoles:    r.TargetRoles,
		TargetPartyIDs: r.TargetPartyIDs,
		Status:         r.Status,
		Documents:      docs,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}
