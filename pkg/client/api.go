package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/dealroom-service/internal/api/dto"
	"github.com/spec-kit/dealroom-service/internal/domain"
)

// Backend is the HTTP surface a Session drives.
type Backend interface {
	ListMessages(ctx context.Context, transactionID, partyFilter string) ([]domain.Message, error)
	SendMessage(ctx context.Context, transactionID string, req dto.SendMessageRequest) (domain.Message, error)
	DeleteMessage(ctx context.Context, transactionID, messageID string) error
	ListRequests(ctx context.Context, transactionID, partyFilter string) ([]domain.Request, error)
	CreateRequest(ctx context.Context, transactionID string, req dto.CreateRequestRequest) (domain.Request, error)
	UpdateRequestStatus(ctx context.Context, transactionID, requestID string, status domain.RequestStatus) (domain.Request, error)
}

// APIError is a failed call decoded from the service's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// HasCode reports whether err is an APIError with code.
func HasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// HTTPBackend talks to the REST API with fiber's client agent.
type HTTPBackend struct {
	baseURL string
	token   string
	timeout time.Duration
}

// NewHTTPBackend builds a backend for baseURL authenticated with token.
func NewHTTPBackend(baseURL, token string, timeout time.Duration) *HTTPBackend {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBackend{baseURL: strings.TrimRight(baseURL, "/"), token: token, timeout: timeout}
}

func (b *HTTPBackend) ListMessages(ctx context.Context, transactionID, partyFilter string) ([]domain.Message, error) {
	var out []dto.MessageResponse
	if err := b.do(ctx, fiber.MethodGet, b.path(transactionID, "messages")+filterQuery(partyFilter), nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(out))
	for _, m := range out {
		msgs = append(msgs, m.ToDomain())
	}
	return msgs, nil
}

func (b *HTTPBackend) SendMessage(ctx context.Context, transactionID string, req dto.SendMessageRequest) (domain.Message, error) {
	var out dto.MessageResponse
	if err := b.do(ctx, fiber.MethodPost, b.path(transactionID, "messages"), req, &out); err != nil {
		return domain.Message{}, err
	}
	return out.ToDomain(), nil
}

func (b *HTTPBackend) DeleteMessage(ctx context.Context, transactionID, messageID string) error {
	return b.do(ctx, fiber.MethodDelete, b.path(transactionID, "messages", messageID), nil, nil)
}

func (b *HTTPBackend) ListRequests(ctx context.Context, transactionID, partyFilter string) ([]domain.Request, error) {
	var out []dto.RequestResponse
	if err := b.do(ctx, fiber.MethodGet, b.path(transactionID, "requests")+filterQuery(partyFilter), nil, &out); err != nil {
		return nil, err
	}
	reqs := make([]domain.Request, 0, len(out))
	for _, r := range out {
		reqs = append(reqs, r.ToDomain())
	}
	return reqs, nil
}

func (b *HTTPBackend) CreateRequest(ctx context.Context, transactionID string, req dto.CreateRequestRequest) (domain.Request, error) {
	var out dto.RequestResponse
	if err := b.do(ctx, fiber.MethodPost, b.path(transactionID, "requests"), req, &out); err != nil {
		return domain.Request{}, err
	}
	return out.ToDomain(), nil
}

func (b *HTTPBackend) UpdateRequestStatus(ctx context.Context, transactionID, requestID string, status domain.RequestStatus) (domain.Request, error) {
	var out dto.RequestResponse
	body := dto.UpdateRequestStatusRequest{Status: status}
	if err := b.do(ctx, fiber.MethodPatch, b.path(transactionID, "requests", requestID, "status"), body, &out); err != nil {
		return domain.Request{}, err
	}
	return out.ToDomain(), nil
}

func (b *HTTPBackend) path(transactionID string, parts ...string) string {
	segments := append([]string{b.baseURL, "transactions", url.PathEscape(transactionID)}, parts...)
	return strings.Join(segments, "/")
}

func filterQuery(partyFilter string) string {
	if partyFilter == "" {
		return ""
	}
	return "?party_id=" + url.QueryEscape(partyFilter)
}

func (b *HTTPBackend) do(ctx context.Context, method, target string, body, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := b.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	var agent *fiber.Agent
	switch method {
	case fiber.MethodGet:
		agent = fiber.Get(target)
	case fiber.MethodPost:
		agent = fiber.Post(target)
	case fiber.MethodPatch:
		agent = fiber.Patch(target)
	case fiber.MethodDelete:
		agent = fiber.Delete(target)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}
	agent.Set(fiber.HeaderAuthorization, "Bearer "+b.token).Timeout(timeout)
	if body != nil {
		agent.JSON(body)
	}

	code, raw, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("%s %s: %w", method, target, errors.Join(errs...))
	}
	if code < 200 || code >= 300 {
		return decodeAPIError(code, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return json.Unmarshal(envelope.Data, out)
}

func decodeAPIError(status int, raw []byte) error {
	var body dto.ErrorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Error.Code == "" {
		return &APIError{Status: status, Code: "HTTP_ERROR", Message: strings.TrimSpace(string(raw))}
	}
	return &APIError{
		Status:  status,
		Code:    body.Error.Code,
		Message: body.Error.Message,
		Details: body.Error.Details,
	}
}
