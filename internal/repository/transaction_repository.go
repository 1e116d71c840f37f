package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/dealroom-service/internal/domain"
)

// TransactionRepository reads transactions and their parties. It is the
// directory the access resolver authorizes against.
type TransactionRepository interface {
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	IsMember(ctx context.Context, transactionID, userID string) (bool, error)
}

type transactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository instantiates repository.
func NewTransactionRepository(pool *pgxpool.Pool) TransactionRepository {
	return &transactionRepository{pool: pool}
}

func (r *transactionRepository) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	tx := &domain.Transaction{ID: id}
	if err := r.pool.QueryRow(ctx, `SELECT handler_user_id FROM transactions WHERE id=$1`, id).Scan(&tx.HandlerID); err != nil {
		return nil, err
	}

	const query = `
        SELECT p.id, p.role_tag, COALESCE(array_agg(m.user_id ORDER BY m.created_at) FILTER (WHERE m.user_id IS NOT NULL), '{}')
        FROM parties p
        LEFT JOIN party_members m ON m.party_id = p.id
        WHERE p.transaction_id=$1
        GROUP BY p.id, p.role_tag
        ORDER BY p.role_tag`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		party := domain.Party{TransactionID: id}
		var role string
		if err := rows.Scan(&party.ID, &role, &party.MemberIDs); err != nil {
			return nil, err
		}
		party.Role = domain.RoleTag(role)
		tx.Parties = append(tx.Parties, party)
	}
	return tx, rows.Err()
}

func (r *transactionRepository) IsMember(ctx context.Context, transactionID, userID string) (bool, error) {
	const query = `
        SELECT EXISTS (
            SELECT 1 FROM party_members m
            JOIN parties p ON p.id = m.party_id
            WHERE p.transaction_id=$1 AND m.user_id=$2
        )`
	var member bool
	if err := r.pool.QueryRow(ctx, query, transactionID, userID).Scan(&member); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return member, nil
}
