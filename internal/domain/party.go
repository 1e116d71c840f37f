package domain

// UserRole differentiates case handlers from transacting members.
type UserRole string

const (
	RoleHandler UserRole = "HANDLER"
	RoleMember  UserRole = "MEMBER"
)

// RoleTag names the side a party plays in a transaction.
type RoleTag string

const (
	RoleTagOwner  RoleTag = "OWNER"
	RoleTagTenant RoleTag = "TENANT"
)

// Party is a named group of members on one side of a transaction.
type Party struct {
	ID            string
	TransactionID string
	Role          RoleTag
	MemberIDs     []string
}

// HasMember reports whether userID belongs to the party.
func (p Party) HasMember(userID string) bool {
	for _, id := range p.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Transaction is the deal that scopes one conversation and its requests.
type Transaction struct {
	ID        string
	HandlerID string
	Parties   []Party
}

// PartyByID returns the party with the given id, if it belongs to the transaction.
func (t *Transaction) PartyByID(id string) (*Party, bool) {
	for i := range t.Parties {
		if t.Parties[i].ID == id {
			return &t.Parties[i], true
		}
	}
	return nil, false
}

// PartyOf returns the party userID is a member of.
func (t *Transaction) PartyOf(userID string) (*Party, bool) {
	for i := range t.Parties {
		if t.Parties[i].HasMember(userID) {
			return &t.Parties[i], true
		}
	}
	return nil, false
}
