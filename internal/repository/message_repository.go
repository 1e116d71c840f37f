package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/dealroom-service/internal/access"
	"github.com/spec-kit/dealroom-service/internal/domain"
)

const defaultMessageLimit = 500

// MessageRepository persists conversation messages.
type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) error
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	List(ctx context.Context, pred access.MessagePredicate, opts ListOptions) ([]domain.Message, error)
	// DeleteIfOwner removes the message only when senderID wrote it. It
	// returns false without error when the sender does not match.
	DeleteIfOwner(ctx context.Context, id, senderID string) (bool, error)
}

type messageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository builds repository.
func NewMessageRepository(pool *pgxpool.Pool) MessageRepository {
	return &messageRepository{pool: pool}
}

const messageColumns = `id, transaction_id, sender_id, content, document_ref, addressee_party_id, created_at`

func (r *messageRepository) Create(ctx context.Context, msg *domain.Message) error {
	const query = `
        INSERT INTO messages (transaction_id, sender_id, content, document_ref, addressee_party_id)
        VALUES ($1,$2,$3,$4,$5)
        RETURNING id, created_at`
	return r.pool.QueryRow(ctx, query,
		msg.TransactionID,
		msg.SenderID,
		msg.Content,
		msg.DocumentRef,
		msg.AddresseePartyID,
	).Scan(&msg.ID, &msg.CreatedAt)
}

func (r *messageRepository) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id=$1`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, pgx.ErrNoRows
	}
	return &msgs[0], nil
}

func (r *messageRepository) List(ctx context.Context, pred access.MessagePredicate, opts ListOptions) ([]domain.Message, error) {
	query, args := messageListQuery(pred, opts)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// messageListQuery pages from the newest message backwards and returns the
// page in chronological order, so the default limit keeps the latest
// messages of a long thread.
func messageListQuery(pred access.MessagePredicate, opts ListOptions) (string, []any) {
	where, args := messageWhere(pred)
	return fmt.Sprintf(`SELECT %[1]s FROM (
            SELECT %[1]s FROM messages WHERE %[2]s
            ORDER BY created_at DESC, id DESC %[3]s
        ) recent ORDER BY created_at ASC, id ASC`,
		messageColumns, where, opts.clause(defaultMessageLimit)), args
}

func (r *messageRepository) DeleteIfOwner(ctx context.Context, id, senderID string) (bool, error) {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE id=$1 AND sender_id=$2`, id, senderID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func scanMessages(rows pgx.Rows) ([]domain.Message, error) {
	var result []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.TransactionID,
			&msg.SenderID,
			&msg.Content,
			&msg.DocumentRef,
			&msg.AddresseePartyID,
			&msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}
