// Package notify delivers offline notices for new messages and keeps the
// bookkeeping that makes delivery at-most-once and throttled.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/dealroom-service/internal/domain"
)

// Notice tells absent recipients that a message is waiting for them.
type Notice struct {
	TransactionID string          `json:"transactionId"`
	MessageID     string          `json:"messageId"`
	SenderID      string          `json:"senderId"`
	SenderRole    domain.UserRole `json:"senderRole"`
	Recipients    []string        `json:"recipients"`
	Preview       string          `json:"preview,omitempty"`
	HasDocument   bool            `json:"hasDocument"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Sender hands a notice to the external delivery channel.
type Sender interface {
	Send(ctx context.Context, notice Notice) error
}

// WebhookSender posts notices as JSON to an HTTP endpoint.
type WebhookSender struct {
	url     string
	timeout time.Duration
}

// NewWebhookSender builds a sender for url.
func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSender{url: url, timeout: timeout}
}

func (s *WebhookSender) Send(ctx context.Context, notice Notice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	agent := fiber.Post(s.url).JSON(notice).Timeout(s.timeout)
	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("notify webhook: %w", errors.Join(errs...))
	}
	if code < 200 || code >= 300 {
		return fmt.Errorf("notify webhook: status %d: %s", code, truncate(string(body), 200))
	}
	return nil
}

// LogSender records notices in the log. It stands in when no webhook is
// configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender builds a LogSender.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, notice Notice) error {
	s.logger.Info("offline notice",
		zap.String("transaction_id", notice.TransactionID),
		zap.String("message_id", notice.MessageID),
		zap.String("sender_id", notice.SenderID),
		zap.Strings("recipients", notice.Recipients))
	return nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
