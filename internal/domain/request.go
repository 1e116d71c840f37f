package domain

import "time"

// RequestStatus enumerates lifecycle states for document requests.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "PENDING"
	RequestStatusCompleted RequestStatus = "COMPLETED"
	RequestStatusCancelled RequestStatus = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestStatusPending, RequestStatusCompleted, RequestStatusCancelled:
		return true
	}
	return false
}

// Request is a trackable ask for data or documents issued by a handler.
type Request struct {
	ID             string
	TransactionID  string
	CreatedBy      string
	Title          string
	Body           string
	TargetRoles    []RoleTag
	TargetPartyIDs []string
	Status         RequestStatus
	Documents      []ResponseDocument
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Targets reports whether the request is addressed to the given party,
// either through its role tag or its id.
func (r Request) Targets(party Party) bool {
	for _, role := range r.TargetRoles {
		if role == party.Role {
			return true
		}
	}
	for _, id := range r.TargetPartyIDs {
		if id == party.ID {
			return true
		}
	}
	return false
}

// ResponseDocument is a file a party submitted in answer to a request.
type ResponseDocument struct {
	ID          string
	RequestID   string
	DocumentRef string
	PartyID     string
	CreatedAt   time.Time
}
