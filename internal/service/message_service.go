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

// MessageService coordinates the party-scoped conversation.
type MessageService struct {
	messages  repository.MessageRepository
	resolver  CallerResolver
	documents documents.Store
	events    publisher
	logger    *zap.Logger
}

// MessageDependencies bundles collaborators for the message service.
type MessageDependencies struct {
	MessageRepo repository.MessageRepository
	Resolver    CallerResolver
	Documents   documents.Store
	Dispatcher  events.Dispatcher
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// SendMessageInput describes a new message. AddresseePartyID is required
// from handlers and ignored for members.
type SendMessageInput struct {
	Content          string
	DocumentRef      *string
	AddresseePartyID *string
}

// NewMessageService constructs the service.
func NewMessageService(deps MessageDependencies) *MessageService {
	logger := loggerOrNop(deps.Logger)
	return &MessageService{
		messages:  deps.MessageRepo,
		resolver:  deps.Resolver,
		documents: deps.Documents,
		events:    publisher{dispatcher: deps.Dispatcher, logger: logger, metrics: deps.Metrics},
		logger:    logger,
	}
}

// Send persists a message and announces it on the transaction channel.
func (s *MessageService) Send(ctx context.Context, principal auth.Principal, transactionID string, input SendMessageInput) (*domain.Message, error) {
	caller, tx, err := s.resolver.Resolve(ctx, principal.UserID, principal.Role, transactionID)
	if err != nil {
		return nil, err
	}

	msg := &domain.Message{
		TransactionID: transactionID,
		SenderID:      caller.UserID,
		Content:       strings.TrimSpace(input.Content),
		DocumentRef:   nonEmpty(input.DocumentRef),
	}
	if msg.Content == "" && msg.DocumentRef == nil {
		return nil, apperrors.NewValidationError("content or document_ref required", nil)
	}

	if caller.IsHandler() {
		addressee := nonEmpty(input.AddresseePartyID)
		if addressee == nil {
			return nil, apperrors.NewTargetRequired("handler messages must address a party")
		}
		if _, ok := tx.PartyByID(*addressee); !ok {
			return nil, apperrors.NewNotFound("party", map[string]any{"party_id": *addressee})
		}
		msg.AddresseePartyID = addressee
	}

	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, apperrors.MapError(err)
	}
	s.events.publish(ctx, events.EventMessageCreated, caller, transactionID,
		events.MessageCreatedPayload{Message: events.MessageToPayload(*msg)})
	return msg, nil
}

// List returns the messages caller may see, oldest first. partyFilter
// narrows a handler's view to one party's thread.
func (s *MessageService) List(ctx context.Context, principal auth.Principal, transactionID, partyFilter string, opts repository.ListOptions) ([]domain.Message, error) {
	caller, tx, err := s.resolver.Resolve(ctx, principal.UserID, principal.Role, transactionID)
	if err != nil {
		return nil, err
	}
	pred, err := access.VisibleMessages(caller, tx, partyFilter)
	if err != nil {
		return nil, err
	}
	msgs, err := s.messages.List(ctx, pred, opts)
	if err != nil {
		return nil, apperrors.MapError(err)
	}
	return msgs, nil
}

// Delete removes a message its caller sent. Messages the caller cannot see
// are reported as missing.
func (s *MessageService) Delete(ctx context.Context, principal auth.Principal, transactionID, messageID string) error {
	caller, tx, err := s.resolver.Resolve(ctx, principal.UserID, principal.Role, transactionID)
	if err != nil {
		return err
	}
	notFound := apperrors.NewNotFound("message", map[string]any{"message_id": messageID})

	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound
		}
		return apperrors.MapError(err)
	}
	pred, err := access.VisibleMessages(caller, tx, "")
	if err != nil {
		return err
	}
	if !pred.Matches(*msg) {
		return notFound
	}
	if msg.SenderID != caller.UserID {
		return apperrors.NewPermissionDenied("only the sender may delete a message")
	}

	deleted, err := s.messages.DeleteIfOwner(ctx, messageID, caller.UserID)
	if err != nil {
		return apperrors.MapError(err)
	}
	if !deleted {
		return notFound
	}
	if msg.DocumentRef != nil {
		s.detach(ctx, *msg.DocumentRef)
	}
	s.events.publish(ctx, events.EventMessageDeleted, caller, transactionID,
		events.MessageDeletedPayload{MessageID: messageID})
	return nil
}

// UploadDocument stores a file for later use as a message attachment and
// returns its ref.
func (s *MessageService) UploadDocument(ctx context.Context, principal auth.Principal, transactionID string, upload documents.Upload) (string, error) {
	if _, _, err := s.resolver.Resolve(ctx, principal.UserID, principal.Role, transactionID); err != nil {
		return "", err
	}
	upload.TransactionID = transactionID
	return storeUpload(ctx, s.documents, upload)
}

func (s *MessageService) detach(ctx context.Context, ref string) {
	if s.documents == nil {
		return
	}
	if err := s.documents.Detach(ctx, ref); err != nil {
		s.logger.Warn("detach document", zap.String("document_ref", ref), zap.Error(err))
	}
}

func storeUpload(ctx context.Context, store documents.Store, upload documents.Upload) (string, error) {
	if store == nil {
		return "", apperrors.NewInternalError(errors.New("document store not configured"))
	}
	ref, err := store.Put(ctx, upload)
	if err != nil {
		if errors.Is(err, documents.ErrTooLarge) {
			return "", apperrors.NewValidationError("document too large", nil)
		}
		return "", apperrors.MapError(err)
	}
	return ref, nil
}

func nonEmpty(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
