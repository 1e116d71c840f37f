package repository

import (
	"fmt"
	"strings"

	"github.com/spec-kit/dealroom-service/internal/access"
)

// ListOptions bounds list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

func (o ListOptions) clause(defaultLimit int) string {
	limit := o.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := o.Offset
	if offset < 0 {
		offset = 0
	}
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}

// messageWhere renders a message visibility predicate as a WHERE clause.
func messageWhere(p access.MessagePredicate) (string, []any) {
	args := []any{p.TransactionID}
	clauses := []string{"transaction_id=$1"}
	if p.All {
		return strings.Join(clauses, " AND "), args
	}

	var or []string
	if p.AddresseePartyID != "" {
		args = append(args, p.AddresseePartyID)
		or = append(or, fmt.Sprintf("addressee_party_id=$%d", len(args)))
	}
	if len(p.SenderIDs) > 0 {
		args = append(args, p.SenderIDs)
		sender := fmt.Sprintf("sender_id = ANY($%d)", len(args))
		if p.UnaddressedOnly {
			sender = fmt.Sprintf("(%s AND addressee_party_id IS NULL)", sender)
		}
		or = append(or, sender)
	}
	if len(or) == 0 {
		clauses = append(clauses, "FALSE")
	} else {
		clauses = append(clauses, "("+strings.Join(or, " OR ")+")")
	}
	return strings.Join(clauses, " AND "), args
}

// requestWhere renders a request visibility predicate as a WHERE clause.
func requestWhere(p access.RequestPredicate) (string, []any) {
	args := []any{p.TransactionID}
	clauses := []string{"transaction_id=$1"}
	if p.All {
		return strings.Join(clauses, " AND "), args
	}

	var or []string
	if p.Role != "" {
		args = append(args, string(p.Role))
		or = append(or, fmt.Sprintf("$%d = ANY(target_roles)", len(args)))
	}
	if p.PartyID != "" {
		args = append(args, p.PartyID)
		or = append(or, fmt.Sprintf("$%d = ANY(target_party_ids)", len(args)))
	}
	if len(or) == 0 {
		clauses = append(clauses, "FALSE")
	} else {
		clauses = append(clauses, "("+strings.Join(or, " OR ")+")")
	}
	return strings.Join(clauses, " AND "), args
}
