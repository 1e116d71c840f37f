package service

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/dealroom-service/internal/access"
	"github.com/spec-kit/dealroom-service/internal/auth"
	"github.com/spec-kit/dealroom-service/internal/documents"
	"github.com/spec-kit/dealroom-service/internal/domain"
	"github.com/spec-kit/dealroom-service/internal/events"
	"github.com/spec-kit/dealroom-service/internal/observability"
	"github.com/spec-kit/dealroom-service/internal/repository"
	apperrors "github.com/spec-kit/dealroom-service/pkg/util"
)

// RequestService manages document requests and their lifecycle.
type RequestService struct {
	requests  repository.RequestRepository
	resolver  CallerResolver
	documents documents.Store
	events    publisher
	logger    *zap.Logger
}

// RequestDependencies bundles collaborators for the request service.
type RequestDependencies struct {
	RequestRepo repository.RequestRepository
	Resolver    CallerResolver
	Documents   documents.Store
	Dispatcher  events.Dispatcher
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// CreateRequestInput describes a new request. A party is targeted when its
// role tag is in TargetRoles or its id is in TargetPartyIDs.
type CreateRequestInput struct {
	Title          string
	Body           string
	TargetRoles    []domain.RoleTag
	TargetPartyIDs []string
}

// NewRequestService constructs the service.
func NewRequestService(deps RequestDependencies) *RequestService {
	logger := loggerOrNop(deps.Logger)
	return &RequestService{
		requests:  deps.RequestRepo,
		resolver:  deps.Resolver,
		documents: deps.Documents,
		events:    publisher{dispatcher: deps.Dispatcher, logger: logger, metrics: deps.Metrics},
		logger:    logger,
	}
}

var allowedTransitions = map[domain.RequestStatus][]domain.RequestStatus{
	domain.RequestStatusPending:   {domain.RequestStatusCompleted, domain.RequestStatusCancelled},
	domain.RequestStatusCompleted: {domain.RequestStatusPending},
	domain.RequestStatusCancelled: {},
}

func isValidTransition(current, next domain.RequestStatus) bool {
	for _, candidate := range allowedTransitions[current] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Create issues a request. Only the transaction's handler may do so.
func (s *RequestService) Create(ctx context.Context, principal auth.Principal, transactionID string, input CreateRequestInput) (*domain.Request, error) {
	caller, tx, err := s.resolveHandler(ctx, principal, transactionID, "only the handler may issue requests")
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, apperrors.NewValidationError("title required", nil)
	}
	roles := dedupeRoles(input.TargetRoles)
	partyIDs := dedupe(input.TargetPartyIDs)
	if len(roles) == 0 && len(partyIDs) == 0 {
		return nil, apperrors.NewTargetRequired("a request must target a role or a party")
	}
	for _, id := range partyIDs {
		if _, ok := tx.PartyByID(id); !ok {
			return nil, apperrors.NewNotFound("party", map[string]any{"party_id": id})
		}
	}

	req := &domain.Request{
		TransactionID:  transactionID,
		CreatedBy:      caller.UserID,
		Title:          title,
		Body:           strings.TrimSpace(input.Body),
		TargetRoles:    roles,
		TargetPartyIDs: partyIDs,
		Status:         domain.RequestStatusPending,
	}
	if err := s.requests.Create(ctx, req); err != nil {
		return nil, apperrors.MapError(err)
	}
	s.events.publish(ctx, events.EventRequestCreated, caller, transactionID,
		events.RequestCreatedPayload{Request: events.RequestToPayload(*req)})
	return req, nil
}

// List returns the requests caller may see, oldest first.
func (s *RequestService) List(ctx context.Context, principal auth.Principal, transactionID, partyFilter string, opts repository.ListOptions) ([]domain.Request, error) {
	caller, tx, err := s.resolver.Resolve(ctx, principal.UserID, principal.Role, transactionID)
	if err != nil {
		return nil, err
	}
	pred, err := access.VisibleRequests(caller, tx, partyFilter)
	if err != nil {
		return nil, err
	}
	reqs, err := s.requests.List(ctx, pred, opts)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return reqs, nil
}

// Get returns one request with its response documents.
func (s *RequestService) Get(ctx context.Context, principal auth.Principal, transactionID, requestID string) (*domain.Request, error) {
	caller, tx, err := s.resolver.Resolve(ctx, principal.UserID, principal.Role, transactionID)
	if err != nil {
		return nil, err
	}
	return s.loadVisible(ctx, caller, tx, requestID)
}

// UpdateStatus moves a request through its lifecycle. Setting the current
// status again is a no-op and emits nothing.
func (s *RequestService) UpdateStatus(ctx context.Context, principal auth.Principal, transactionID, requestID string, status domain.RequestStatus) (*domain.Request, error) {
	if !status.Valid() {
		return nil, apperrors.NewValidationError("unknown status", map[string]any{"status": status})
	}
	caller, tx, err := s.resolveHandler(ctx, principal, transactionID, "only the handler may change a request's status")
	if err != nil {
		return nil, err
	}
	req, err := s.loadVisible(ctx, caller, tx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == status {
		return req, nil
	}
	if !isValidTransition(req.Status, status) {
		return nil, apperrors.NewInvalidTransition(string(req.Status), string(status))
	}

	req.Status = status
	if err := s.requests.UpdateStatus(ctx, req); err != nil {
		return nil, apperrors.MapError(err)
	}
	s.publishUpdated(ctx, caller, req)
	return req, nil
}

// AttachDocument records a member's response to a request and marks it
// completed. Cancelled requests accept no responses.
func (s *RequestService) AttachDocument(ctx context.Context, principal auth.Principal, transactionID, requestID, documentRef string) (*domain.Request, error) {
	documentRef = strings.TrimSpace(documentRef)
	if documentRef == "" {
		return nil, apperrors.NewValidationError("document_ref required", nil)
	}
	caller, tx, err := s.resolver.Resolve(ctx, principal.UserID, principal.Role, transactionID)
	if err != nil {
		return nil, err
	}
	if caller.IsHandler() {
		return nil, apperrors.NewPermissionDenied("only party members respond to requests")
	}
	req, err := s.loadVisible(ctx, caller, tx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status == domain.RequestStatusCancelled {
		return nil, apperrors.NewInvalidTransition(string(req.Status), string(domain.RequestStatusCompleted))
	}

	doc := &domain.ResponseDocument{
		RequestID:   req.ID,
		DocumentRef: documentRef,
		PartyID:     caller.PartyID,
	}
	req.Status = domain.RequestStatusCompleted
	if err := s.requests.AddDocument(ctx, req, doc); err != nil {
		if errors.Is(err, repository.ErrRequestCancelled) {
			return nil, apperrors.NewInvalidTransition(string(domain.RequestStatusCancelled), string(domain.RequestStatusCompleted))
		}
		return nil, apperrors.MapError(err)
	}
	req.Documents = append(req.Documents, *doc)
	s.publishUpdated(ctx, caller, req)
	return req, nil
}

// AttachUpload stores an uploaded file and attaches it in one step. The
// stored file is detached again when the attachment is refused.
func (s *RequestService) AttachUpload(ctx context.Context, principal auth.Principal, transactionID, requestID string, upload documents.Upload) (*domain.Request, error) {
	caller, tx, err := s.resolver.Resolve(ctx, principal.UserID, principal.Role, transactionID)
	if err != nil {
		return nil, err
	}
	if caller.IsHandler() {
		return nil, apperrors.NewPermissionDenied("only party members respond to requests")
	}
	if _, err := s.loadVisible(ctx, caller, tx, requestID); err != nil {
		return nil, err
	}

	upload.TransactionID = transactionID
	ref, err := storeUpload(ctx, s.documents, upload)
	if err != nil {
		return nil, err
	}
	req, err := s.AttachDocument(ctx, principal, transactionID, requestID, ref)
	if err != nil {
		s.detach(ctx, ref)
		return nil, err
	}
	return req, nil
}

// Delete removes a request and detaches its response documents.
func (s *RequestService) Delete(ctx context.Context, principal auth.Principal, transactionID, requestID string) error {
	caller, tx, err := s.resolveHandler(ctx, principal, transactionID, "only the handler may delete requests")
	if err != nil {
		return err
	}
	if _, err := s.loadVisible(ctx, caller, tx, requestID); err != nil {
		return err
	}
	refs, err := s.requests.Delete(ctx, requestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NewNotFound("request", map[string]any{"request_id": requestID})
		}
		return apperrors.MapError(err)
	}
	for _, ref := range refs {
		s.detach(ctx, ref)
	}
	s.events.publish(ctx, events.EventRequestDeleted, caller, transactionID,
		events.RequestDeletedPayload{RequestID: requestID})
	return nil
}

func (s *RequestService) resolveHandler(ctx context.Context, principal auth.Principal, transactionID, denial string) (access.Caller, *domain.Transaction, error) {
	caller, tx, err := s.resolver.Resolve(ctx, principal.UserID, principal.Role, transactionID)
	if err != nil {
		return access.Caller{}, nil, err
	}
	if !caller.IsHandler() {
		return access.Caller{}, nil, apperrors.NewPermissionDenied(denial)
	}
	return caller, tx, nil
}

func (s *RequestService) loadVisible(ctx context.Context, caller access.Caller, tx *domain.Transaction, requestID string) (*domain.Request, error) {
	notFound := apperrors.NewNotFound("request", map[string]any{"request_id": requestID})
	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound
		}
		return nil, apperrors.MapError(err)
	}
	pred, err := access.VisibleRequests(caller, tx, "")
	if err != nil {
		return nil, err
	}
	if !pred.Matches(*req) {
		return nil, notFound
	}
	return req, nil
}

func (s *RequestService) publishUpdated(ctx context.Context, caller access.Caller, req *domain.Request) {
	payload := events.RequestToPayload(*req)
	s.events.publish(ctx, events.EventRequestUpdated, caller, req.TransactionID,
		events.RequestUpdatedPayload{Request: &payload})
}

func (s *RequestService) detach(ctx context.Context, ref string) {
	if s.documents == nil {
		return
	}
	if err := s.documents.Detach(ctx, ref); err != nil {
		s.logger.Warn("detach document", zap.String("document_ref", ref), zap.Error(err))
	}
}

func dedupeRoles(roles []domain.RoleTag) []domain.RoleTag {
	seen := make(map[domain.RoleTag]struct{}, len(roles))
	out := make([]domain.RoleTag, 0, len(roles))
	for _, r := range roles {
		r = domain.RoleTag(strings.ToUpper(strings.TrimSpace(string(r))))
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
