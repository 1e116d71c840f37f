package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/dealroom-service/internal/api/dto"
	"github.com/spec-kit/dealroom-service/internal/api/http/handlers"
	"github.com/spec-kit/dealroom-service/internal/auth"
	"github.com/spec-kit/dealroom-service/internal/documents"
	"github.com/spec-kit/dealroom-service/internal/domain"
	"github.com/spec-kit/dealroom-service/internal/observability"
	"github.com/spec-kit/dealroom-service/internal/repository"
	"github.com/spec-kit/dealroom-service/internal/service"
	apperrors "github.com/spec-kit/dealroom-service/pkg/util"
)

type stubMessages struct {
	sendInput  service.SendMessageInput
	listFilter string
	listOpts   repository.ListOptions
	deletedID  string
	uploadBody string
	uploadName string
	err        error
}

func (s *stubMessages) Send(_ context.Context, p auth.Principal, txID string, in service.SendMessageInput) (*domain.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.sendInput = in
	return &domain.Message{ID: "m-1", TransactionID: txID, SenderID: p.UserID, Content: in.Content, AddresseePartyID: in.AddresseePartyID, CreatedAt: time.Unix(100, 0).UTC()}, nil
}

func (s *stubMessages) List(_ context.Context, _ auth.Principal, txID, filter string, opts repository.ListOptions) ([]domain.Message, error) {
	s.listFilter, s.listOpts = filter, opts
	return []domain.Message{{ID: "m-1", TransactionID: txID, SenderID: "alice", Content: "hi"}}, s.err
}

func (s *stubMessages) Delete(_ context.Context, _ auth.Principal, _, id string) error {
	s.deletedID = id
	return s.err
}

func (s *stubMessages) UploadDocument(_ context.Context, _ auth.Principal, txID string, up documents.Upload) (string, error) {
	data, _ := io.ReadAll(up.Body)
	s.uploadBody, s.uploadName = string(data), up.FileName
	return "tx/" + txID + "/abc", s.err
}

type stubRequests struct {
	created     service.CreateRequestInput
	status      domain.RequestStatus
	attachedRef string
	uploadBody  string
	err         error
}

func (s *stubRequests) record(txID, id string) *domain.Request {
	return &domain.Request{ID: id, TransactionID: txID, Title: "deed", Status: domain.RequestStatusPending}
}

func (s *stubRequests) Create(_ context.Context, _ auth.Principal, txID string, in service.CreateRequestInput) (*domain.Request, error) {
	s.created = in
	return s.record(txID, "r-1"), s.err
}

func (s *stubRequests) List(_ context.Context, _ auth.Principal, txID, _ string, _ repository.ListOptions) ([]domain.Request, error) {
	return []domain.Request{*s.record(txID, "r-1")}, s.err
}

func (s *stubRequests) Get(_ context.Context, _ auth.Principal, txID, id string) (*domain.Request, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.record(txID, id), nil
}

func (s *stubRequests) UpdateStatus(_ context.Context, _ auth.Principal, txID, id string, status domain.RequestStatus) (*domain.Request, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.status = status
	r := s.record(txID, id)
	r.Status = status
	return r, nil
}

func (s *stubRequests) AttachDocument(_ context.Context, _ auth.Principal, txID, id, ref string) (*domain.Request, error) {
	s.attachedRef = ref
	return s.record(txID, id), s.err
}

func (s *stubRequests) AttachUpload(_ context.Context, _ auth.Principal, txID, id string, up documents.Upload) (*domain.Request, error) {
	data, _ := io.ReadAll(up.Body)
	s.uploadBody = string(data)
	return s.record(txID, id), s.err
}

func (s *stubRequests) Delete(_ context.Context, _ auth.Principal, _, _ string) error {
	return s.err
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

type harness struct {
	app      *fiber.App
	tokens   *auth.TokenManager
	messages *stubMessages
	requests *stubRequests
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tokens := auth.NewTokenManager("test-secret", 5)
	h := &harness{
		app:      fiber.New(),
		tokens:   tokens,
		messages: &stubMessages{},
		requests: &stubRequests{},
	}
	metrics := observability.NewMetrics()
	RegisterMiddlewares(h.app, zap.NewNop(), metrics, time.Second)
	RegisterRoutes(h.app, RouteConfig{
		Health:         handlers.NewHealthHandler("dealroom", "test", map[string]handlers.Pinger{"postgres": failingPinger{}}),
		Messages:       handlers.NewMessagesHandler(h.messages),
		Requests:       handlers.NewRequestsHandler(h.requests),
		AuthMiddleware: auth.NewAuthMiddleware(tokens),
		Registry:       metrics.Registry,
	})
	return h
}

func (h *harness) do(t *testing.T, role domain.UserRole, userID string, req *http.Request) *http.Response {
	t.Helper()
	if userID != "" {
		token, _, err := h.tokens.GenerateToken(userID, role)
		require.NoError(t, err)
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func jsonRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return req
}

func multipartRequest(t *testing.T, target, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "deed.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())
	return req
}

func decodeError(t *testing.T, resp *http.Response) dto.ErrorBody {
	t.Helper()
	var body dto.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestRoutesRequireBearerToken(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, "", "", jsonRequest(http.MethodGet, "/transactions/tx-1/messages", nil))

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, apperrors.CodeUnauthorized, decodeError(t, resp).Error.Code)
}

func TestHandlerOnlyRoutesRejectMembers(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, domain.RoleMember, "alice", jsonRequest(http.MethodPost, "/transactions/tx-1/requests", dto.CreateRequestRequest{Title: "deed"}))

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, apperrors.CodePermissionDenied, decodeError(t, resp).Error.Code)
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)
	party := "p-owner"

	resp := h.do(t, domain.RoleHandler, "notary", jsonRequest(http.MethodPost, "/transactions/tx-1/messages", dto.SendMessageRequest{
		Content:          "please sign",
		AddresseePartyID: &party,
	}))

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var body struct {
		Data dto.MessageResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "notary", body.Data.SenderID)
	assert.Equal(t, "tx-1", body.Data.TransactionID)
	require.NotNil(t, h.messages.sendInput.AddresseePartyID)
	assert.Equal(t, "p-owner", *h.messages.sendInput.AddresseePartyID)
}

func TestServiceErrorsKeepTheirCode(t *testing.T) {
	h := newHarness(t)
	h.messages.err = apperrors.NewTargetRequired("addressee required")

	resp := h.do(t, domain.RoleHandler, "notary", jsonRequest(http.MethodPost, "/transactions/tx-1/messages", dto.SendMessageRequest{Content: "hi"}))

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, apperrors.CodeTargetRequired, decodeError(t, resp).Error.Code)
}

func TestListMessagesPassesFilterAndPaging(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, domain.RoleHandler, "notary", jsonRequest(http.MethodGet, "/transactions/tx-1/messages?party_id=p-tenant&limit=9000&offset=5", nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "p-tenant", h.messages.listFilter)
	assert.Equal(t, repository.ListOptions{Limit: 500, Offset: 5}, h.messages.listOpts)
}

func TestDeleteMessage(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, domain.RoleMember, "alice", jsonRequest(http.MethodDelete, "/transactions/tx-1/messages/m-7", nil))

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "m-7", h.messages.deletedID)
}

func TestUploadDocument(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, domain.RoleMember, "alice", multipartRequest(t, "/transactions/tx-1/documents", "pdf-bytes"))

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var body struct {
		Data dto.DocumentUploadResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "tx/tx-1/abc", body.Data.DocumentRef)
	assert.Equal(t, "pdf-bytes", h.messages.uploadBody)
	assert.Equal(t, "deed.pdf", h.messages.uploadName)
}

func TestAttachDocumentAcceptsUploadOrRef(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, domain.RoleMember, "alice", multipartRequest(t, "/transactions/tx-1/requests/r-1/documents", "signed"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "signed", h.requests.uploadBody)

	resp = h.do(t, domain.RoleMember, "alice", jsonRequest(http.MethodPost, "/transactions/tx-1/requests/r-1/documents", dto.AttachDocumentRequest{DocumentRef: "tx/tx-1/ff"}))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "tx/tx-1/ff", h.requests.attachedRef)
}

func TestUpdateRequestStatus(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, domain.RoleHandler, "notary", jsonRequest(http.MethodPatch, "/transactions/tx-1/requests/r-1/status", dto.UpdateRequestStatusRequest{Status: domain.RequestStatusCompleted}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.RequestStatusCompleted, h.requests.status)

	resp = h.do(t, domain.RoleHandler, "notary", jsonRequest(http.MethodPatch, "/transactions/tx-1/requests/r-1/status", map[string]string{}))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMissingRecordRendersNotFound(t *testing.T) {
	h := newHarness(t)
	h.requests.err = apperrors.NewNotFound("request", nil)

	resp := h.do(t, domain.RoleMember, "bob", jsonRequest(http.MethodGet, "/transactions/tx-1/requests/r-9", nil))

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperrors.CodeNotFound, decodeError(t, resp).Error.Code)
}

func TestReadinessReportsFailingDependency(t *testing.T) {
	h := newHarness(t)

	resp := h.do(t, "", "", httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(t, "", "", httptest.NewRequest(http.MethodGet, "/health/live", nil))

	resp := h.do(t, "", "", httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "dealroom_http_requests_total")
}
