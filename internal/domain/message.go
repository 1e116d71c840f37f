package domain

import "time"

// Message is a single unit of conversation inside a transaction.
//
// AddresseePartyID is set only for handler-originated messages. A nil
// addressee means the message was sent by a party member to the handler.
type Message struct {
	ID               string
	TransactionID    string
	SenderID         string
	Content          string
	DocumentRef      *string
	AddresseePartyID *string
	CreatedAt        time.Time
}
