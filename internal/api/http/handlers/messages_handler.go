package handlers

import (
	"context"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/dealroom-service/internal/api/dto"
	"github.com/spec-kit/dealroom-service/internal/auth"
	"github.com/spec-kit/dealroom-service/internal/documents"
	"github.com/spec-kit/dealroom-service/internal/domain"
	"github.com/spec-kit/dealroom-service/internal/repository"
	"github.com/spec-kit/dealroom-service/internal/service"
	apperrors "github.com/spec-kit/dealroom-service/pkg/util"
)

// MessageService is what the messages endpoints need.
type MessageService interface {
	Send(ctx context.Context, principal auth.Principal, transactionID string, input service.SendMessageInput) (*domain.Message, error)
	List(ctx context.Context, principal auth.Principal, transactionID, partyFilter string, opts repository.ListOptions) ([]domain.Message, error)
	Delete(ctx context.Context, principal auth.Principal, transactionID, messageID string) error
	UploadDocument(ctx context.Context, principal auth.Principal, transactionID string, upload documents.Upload) (string, error)
}

// MessagesHandler serves the transaction conversation.
type MessagesHandler struct {
	service MessageService
}

// NewMessagesHandler constructs handler.
func NewMessagesHandler(messageService MessageService) *MessagesHandler {
	return &MessagesHandler{service: messageService}
}

// ListMessages GET /transactions/:txID/messages.
func (h *MessagesHandler) ListMessages(c *fiber.Ctx) error {
	principal, err := principalFrom(c)
	if err != nil {
		return err
	}
	msgs, err := h.service.List(c.UserContext(), principal, c.Params("txID"), c.Query("party_id"), listOptions(c))
	if err != nil {
		return err
	}
	items := make([]dto.MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, dto.NewMessageResponse(m))
	}
	return c.JSON(fiber.Map{"data": items})
}

// SendMessage POST /transactions/:txID/messages.
func (h *MessagesHandler) SendMessage(c *fiber.Ctx) error {
	principal, err := principalFrom(c)
	if err != nil {
		return err
	}
	var req dto.SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	msg, err := h.service.Send(c.UserContext(), principal, c.Params("txID"), service.SendMessageInput{
		Content:          req.Content,
		DocumentRef:      req.DocumentRef,
		AddresseePartyID: req.AddresseePartyID,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewMessageResponse(*msg)})
}

// DeleteMessage DELETE /transactions/:txID/messages/:id.
func (h *MessagesHandler) DeleteMessage(c *fiber.Ctx) error {
	principal, err := principalFrom(c)
	if err != nil {
		return err
	}
	if err := h.service.Delete(c.UserContext(), principal, c.Params("txID"), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}

// UploadDocument POST /transactions/:txID/documents.
func (h *MessagesHandler) UploadDocument(c *fiber.Ctx) error {
	principal, err := principalFrom(c)
	if err != nil {
		return err
	}
	return withUpload(c, func(upload documents.Upload) error {
		ref, err := h.service.UploadDocument(c.UserContext(), principal, c.Params("txID"), upload)
		if err != nil {
			return err
		}
		return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.DocumentUploadResponse{DocumentRef: ref}})
	})
}
