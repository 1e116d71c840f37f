package access

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/spec-kit/dealroom-service/internal/domain"
	apperrors "github.com/spec-kit/dealroom-service/pkg/util"
)

// Directory is the external source of truth for transactions and their parties.
type Directory interface {
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	IsMember(ctx context.Context, transactionID, userID string) (bool, error)
}

// Resolver turns an authenticated user into a Caller of one transaction.
type Resolver struct {
	directory Directory
}

// NewResolver constructs a resolver.
func NewResolver(directory Directory) *Resolver {
	return &Resolver{directory: directory}
}

// Resolve loads the transaction and checks that userID may act in it with role.
func (r *Resolver) Resolve(ctx context.Context, userID string, role domain.UserRole, transactionID string) (Caller, *domain.Transaction, error) {
	tx, err := r.directory.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Caller{}, nil, apperrors.NewNotFound("transaction", map[string]any{"transaction_id": transactionID})
		}
		return Caller{}, nil, apperrors.MapError(err)
	}

	switch role {
	case domain.RoleHandler:
		if tx.HandlerID != userID {
			return Caller{}, nil, apperrors.NewPermissionDenied("not the handler of this transaction")
		}
		return Caller{UserID: userID, Role: domain.RoleHandler}, tx, nil
	case domain.RoleMember:
		member, err := r.directory.IsMember(ctx, transactionID, userID)
		if err != nil {
			return Caller{}, nil, apperrors.MapError(err)
		}
		party, ok := tx.PartyOf(userID)
		if !member || !ok {
			return Caller{}, nil, apperrors.NewPermissionDenied("caller is not a member of this transaction")
		}
		return Caller{UserID: userID, Role: domain.RoleMember, PartyID: party.ID}, tx, nil
	default:
		return Caller{}, nil, apperrors.NewPermissionDenied("unknown role")
	}
}
