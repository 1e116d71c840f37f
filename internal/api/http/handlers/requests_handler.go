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

// RequestService is what the request endpoints need.
type RequestService interface {
	Create(ctx context.Context, principal auth.Principal, transactionID string, input service.CreateRequestInput) (*domain.Request, error)
	List(ctx context.Context, principal auth.Principal, transactionID, partyFilter string, opts repository.ListOptions) ([]domain.Request, error)
	Get(ctx context.Context, principal auth.Principal, transactionID, requestID string) (*domain.Request, error)
	UpdateStatus(ctx context.Context, principal auth.Principal, transactionID, requestID string, status domain.RequestStatus) (*domain.Request, error)
	AttachDocument(ctx context.Context, principal auth.Principal, transactionID, requestID, documentRef string) (*domain.Request, error)
	AttachUpload(ctx context.Context, principal auth.Principal, transactionID, requestID string, upload documents.Upload) (*domain.Request, error)
	Delete(ctx context.Context, principal auth.Principal, transactionID, requestID string) error
}

// RequestsHandler serves document requests.
type RequestsHandler struct {
	service RequestService
}

// NewRequestsHandler constructs handler.
func NewRequestsHandler(requestService RequestService) *RequestsHandler {
	return &RequestsHandler{service: requestService}
}

// ListRequests GET /transactions/:txID/requests.
func (h *RequestsHandler) ListRequests(c *fiber.Ctx) error {
	principal, err := principalFrom(c)
	if err != nil {
		return err
	}
	reqs, err := h.service.List(c.UserContext(), principal, c.Params("txID"), c.Query("party_id"), listOptions(c))
	if err != nil {
		return err
	}
	items := make([]dto.RequestResponse, 0, len(reqs))
	for _, r := range reqs {
		items = append(items, dto.NewRequestResponse(r))
	}
	return c.JSON(fiber.Map{"data": items})
}

// CreateRequest POST /transactions/:txID/requests.
func (h *RequestsHandler) CreateRequest(c *fiber.Ctx) error {
	principal, err := principalFrom(c)
	if err != nil {
		return err
	}
	var req dto.CreateRequestRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	created, err := h.service.Create(c.UserContext(), principal, c.Params("txID"), service.CreateRequestInput{
		Title:          req.Title,
		Body:           req.Body,
		TargetRoles:    req.TargetRoles,
		TargetPartyIDs: req.TargetPartyIDs,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewRequestResponse(*created)})
}

// GetRequest GET /transactions/:txID/requests/:id.
func (h *RequestsHandler) GetRequest(c *fiber.Ctx) error {
	principal, err := principalFrom(c)
	if err != nil {
		return err
	}
	req, err := h.service.Get(c.UserContext(), principal, c.Params("txID"), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewRequestResponse(*req)})
}

// UpdateStatus PATCH /transactions/:txID/requests/:id/status.
func (h *RequestsHandler) UpdateStatus(c *fiber.Ctx) error {
	principal, err := principalFrom(c)
	if err != nil {
		return err
	}
	var req dto.UpdateRequestStatusRequest
	if err := c.BodyParser(&req); err != nil || req.Status == "" {
		return apperrors.NewValidationError("status required", nil)
	}
	updated, err := h.service.UpdateStatus(c.UserContext(), principal, c.Params("txID"), c.Params("id"), req.Status)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewRequestResponse(*updated)})
}

// AttachDocument POST /transactions/:txID/requests/:id/documents. Accepts a
// multipart "file" or a JSON body naming an uploaded document_ref.
func (h *RequestsHandler) AttachDocument(c *fiber.Ctx) error {
	principal, err := principalFrom(c)
	if err != nil {
		return err
	}
	txID, requestID := c.Params("txID"), c.Params("id")

	if isMultipart(c) {
		return withUpload(c, func(upload documents.Upload) error {
			updated, err := h.service.AttachUpload(c.UserContext(), principal, txID, requestID, upload)
			if err != nil {
				return err
			}
			return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewRequestResponse(*updated)})
		})
	}

	var req dto.AttachDocumentRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	updated, err := h.service.AttachDocument(c.UserContext(), principal, txID, requestID, req.DocumentRef)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"data": dto.NewRequestResponse(*updated)})
}

// DeleteRequest DELETE /transactions/:txID/requests/:id.
func (h *RequestsHandler) DeleteRequest(c *fiber.Ctx) error {
	principal, err := principalFrom(c)
	if err != nil {
		return err
	}
	if err := h.service.Delete(c.UserContext(), principal, c.Params("txID"), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(http.StatusNoContent)
}
