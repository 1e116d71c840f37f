package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/dealroom-service/internal/access"
	"github.com/spec-kit/dealroom-service/internal/domain"
)

const defaultRequestLimit = 200

// ErrRequestCancelled is returned by AddDocument when the request was
// cancelled before the response could be recorded.
var ErrRequestCancelled = errors.New("request is cancelled")

// RequestRepository persists document requests and their responses.
type RequestRepository interface {
	Create(ctx context.Context, req *domain.Request) error
	GetByID(ctx context.Context, id string) (*domain.Request, error)
	List(ctx context.Context, pred access.RequestPredicate, opts ListOptions) ([]domain.Request, error)
	UpdateStatus(ctx context.Context, req *domain.Request) error
	// AddDocument stores the response and sets the request status in one
	// database transaction. A cancelled request is left untouched and
	// ErrRequestCancelled is returned.
	AddDocument(ctx context.Context, req *domain.Request, doc *domain.ResponseDocument) error
	// Delete removes the request and returns the refs of its response documents.
	Delete(ctx context.Context, id string) ([]string, error)
}

type requestRepository struct {
	pool *pgxpool.Pool
}

// NewRequestRepository builds repository.
func NewRequestRepository(pool *pgxpool.Pool) RequestRepository {
	return &requestRepository{pool: pool}
}

const requestColumns = `id, transaction_id, created_by, title, body, target_roles, target_party_ids, status, created_at, updated_at`

func (r *requestRepository) Create(ctx context.Context, req *domain.Request) error {
	const query = `
        INSERT INTO requests (transaction_id, created_by, title, body, target_roles, target_party_ids, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        RETURNING id, created_at, updated_at`
	return r.pool.QueryRow(ctx, query,
		req.TransactionID,
		req.CreatedBy,
		req.Title,
		req.Body,
		roleStrings(req.TargetRoles),
		nonNil(req.TargetPartyIDs),
		string(req.Status),
	).Scan(&req.ID, &req.CreatedAt, &req.UpdatedAt)
}

func (r *requestRepository) GetByID(ctx context.Context, id string) (*domain.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id=$1`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	reqs, err := scanRequests(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, pgx.ErrNoRows
	}
	if err := r.loadDocuments(ctx, reqs); err != nil {
		return nil, err
	}
	return &reqs[0], nil
}

func (r *requestRepository) List(ctx context.Context, pred access.RequestPredicate, opts ListOptions) ([]domain.Request, error) {
	where, args := requestWhere(pred)
	query := fmt.Sprintf(`SELECT %s FROM requests WHERE %s ORDER BY created_at ASC, id ASC %s`,
		requestColumns, where, opts.clause(defaultRequestLimit))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	reqs, err := scanRequests(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if err := r.loadDocuments(ctx, reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

func (r *requestRepository) UpdateStatus(ctx context.Context, req *domain.Request) error {
	const query = `UPDATE requests SET status=$1, updated_at=NOW() WHERE id=$2 RETURNING updated_at`
	return r.pool.QueryRow(ctx, query, string(req.Status), req.ID).Scan(&req.UpdatedAt)
}

func (r *requestRepository) AddDocument(ctx context.Context, req *domain.Request, doc *domain.ResponseDocument) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const update = `
            UPDATE requests SET status=$1, updated_at=NOW()
            WHERE id=$2 AND status <> $3
            RETURNING updated_at`
		err := tx.QueryRow(ctx, update, string(req.Status), req.ID, string(domain.RequestStatusCancelled)).Scan(&req.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			var status string
			if err := tx.QueryRow(ctx, `SELECT status FROM requests WHERE id=$1`, req.ID).Scan(&status); err != nil {
				return err
			}
			return ErrRequestCancelled
		}
		if err != nil {
			return err
		}
		const insert = `
            INSERT INTO request_documents (request_id, document_ref, party_id)
            VALUES ($1,$2,$3)
            RETURNING id, created_at`
		return tx.QueryRow(ctx, insert, doc.RequestID, doc.DocumentRef, doc.PartyID).Scan(&doc.ID, &doc.CreatedAt)
	})
}

func (r *requestRepository) Delete(ctx context.Context, id string) ([]string, error) {
	var refs []string
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `DELETE FROM request_documents WHERE request_id=$1 RETURNING document_ref`, id)
		if err != nil {
			return err
		}
		for rows.Next() {
			var ref string
			if err := rows.Scan(&ref); err != nil {
				rows.Close()
				return err
			}
			refs = append(refs, ref)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		cmd, err := tx.Exec(ctx, `DELETE FROM requests WHERE id=$1`, id)
		if err != nil {
			return err
		}
		if cmd.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

func (r *requestRepository) loadDocuments(ctx context.Context, reqs []domain.Request) error {
	if len(reqs) == 0 {
		return nil
	}
	ids := make([]string, len(reqs))
	index := make(map[string]int, len(reqs))
	for i, req := range reqs {
		ids[i] = req.ID
		index[req.ID] = i
	}

	const query = `
        SELECT id, request_id, document_ref, party_id, created_at
        FROM request_documents WHERE request_id = ANY($1)
        ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var doc domain.ResponseDocument
		if err := rows.Scan(&doc.ID, &doc.RequestID, &doc.DocumentRef, &doc.PartyID, &doc.CreatedAt); err != nil {
			return err
		}
		i := index[doc.RequestID]
		reqs[i].Documents = append(reqs[i].Documents, doc)
	}
	return rows.Err()
}

func scanRequests(rows pgx.Rows) ([]domain.Request, error) {
	var result []domain.Request
	for rows.Next() {
		var (
			req    domain.Request
			roles  []string
			status string
		)
		if err := rows.Scan(
			&req.ID,
			&req.TransactionID,
			&req.CreatedBy,
			&req.Title,
			&req.Body,
			&roles,
			&req.TargetPartyIDs,
			&status,
			&req.CreatedAt,
			&req.UpdatedAt,
		); err != nil {
			return nil, err
		}
		req.Status = domain.RequestStatus(status)
		for _, role := range roles {
			req.TargetRoles = append(req.TargetRoles, domain.RoleTag(role))
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func roleStrings(roles []domain.RoleTag) []string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		out = append(out, string(role))
	}
	return out
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
