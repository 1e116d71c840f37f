package service

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/dealroom-service/internal/access"
	"github.com/spec-kit/dealroom-service/internal/domain"
	"github.com/spec-kit/dealroom-service/internal/events"
	"github.com/spec-kit/dealroom-service/internal/notify"
	"github.com/spec-kit/dealroom-service/internal/observability"
)

const previewLength = 140

// PresenceChecker reports whether a user currently has a live connection.
type PresenceChecker interface {
	IsOnline(ctx context.Context, transactionID, userID string) (bool, error)
}

// TaskRunner runs work off the publishing goroutine.
type TaskRunner interface {
	Submit(task func(ctx context.Context)) error
}

// NotificationService tells absent recipients about new messages.
type NotificationService struct {
	dispatcher events.Dispatcher
	directory  access.Directory
	presence   PresenceChecker
	ledger     notify.Ledger
	throttle   *notify.Throttle
	sender     notify.Sender
	logger     *zap.Logger
	metrics    *observability.Metrics
	timeout    time.Duration
}

// NotificationDependencies bundles collaborators for the notification service.
type NotificationDependencies struct {
	Dispatcher events.Dispatcher
	Directory  access.Directory
	Presence   PresenceChecker
	Ledger     notify.Ledger
	Throttle   *notify.Throttle
	Sender     notify.Sender
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// NewNotificationService creates the service.
func NewNotificationService(deps NotificationDependencies) *NotificationService {
	return &NotificationService{
		dispatcher: deps.Dispatcher,
		directory:  deps.Directory,
		presence:   deps.Presence,
		ledger:     deps.Ledger,
		throttle:   deps.Throttle,
		sender:     deps.Sender,
		logger:     loggerOrNop(deps.Logger).Named("notifications"),
		metrics:    deps.Metrics,
		timeout:    10 * time.Second,
	}
}

// RegisterHandlers subscribes to created messages. Evaluation is queued on
// runner so a slow sender never delays the send that triggered it.
func (n *NotificationService) RegisterHandlers(runner TaskRunner) {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventMessageCreated, func(_ context.Context, event events.Event) error {
		err := runner.Submit(func(ctx context.Context) {
			n.HandleMessageCreated(ctx, event)
		})
		if err != nil {
			n.metrics.Notification("dropped")
			n.logger.Warn("notification queue rejected event", zap.String("event_id", event.ID), zap.Error(err))
		}
		return nil
	})
}

// HandleMessageCreated notifies the message's recipients who are not
// connected. Each message is notified at most once; every failure is
// logged and swallowed.
func (n *NotificationService) HandleMessageCreated(ctx context.Context, event events.Event) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var payload events.MessageCreatedPayload
	if err := event.Decode(&payload); err != nil {
		n.logger.Warn("undecodable message event", zap.String("event_id", event.ID), zap.Error(err))
		return
	}
	msg := payload.Message.ToDomain()
	logger := n.logger.With(zap.String("transaction_id", msg.TransactionID), zap.String("message_id", msg.ID))

	if n.ledger != nil {
		first, err := n.ledger.Claim(ctx, msg.ID)
		if err != nil {
			n.metrics.Notification("failed")
			logger.Warn("notification ledger unavailable; skipping", zap.Error(err))
			return
		}
		if !first {
			n.metrics.Notification("duplicate")
			logger.Debug("message already notified")
			return
		}
	}

	tx, err := n.directory.GetTransaction(ctx, msg.TransactionID)
	if err != nil {
		n.metrics.Notification("failed")
		logger.Warn("load transaction for notification", zap.Error(err))
		return
	}

	absent := make([]string, 0)
	for _, recipient := range Recipients(tx, msg) {
		if n.presence != nil {
			online, err := n.presence.IsOnline(ctx, msg.TransactionID, recipient)
			if err != nil {
				logger.Warn("presence lookup failed; treating recipient as absent", zap.String("recipient", recipient), zap.Error(err))
			}
			if online {
				continue
			}
		}
		if !n.throttle.Allow(msg.TransactionID, recipient) {
			n.metrics.Notification("throttled")
			continue
		}
		absent = append(absent, recipient)
	}
	if len(absent) == 0 {
		return
	}

	notice := notify.Notice{
		TransactionID: msg.TransactionID,
		MessageID:     msg.ID,
		SenderID:      msg.SenderID,
		SenderRole:    event.Actor.Role,
		Recipients:    absent,
		Preview:       preview(msg.Content),
		HasDocument:   msg.DocumentRef != nil,
		CreatedAt:     msg.CreatedAt,
	}
	if err := n.sender.Send(ctx, notice); err != nil {
		n.metrics.Notification("failed")
		logger.Warn("send notification", zap.Strings("recipients", absent), zap.Error(err))
		return
	}
	n.metrics.Notification("sent")
	logger.Info("notified absent recipients", zap.Int("recipients", len(absent)))
}

// Recipients lists who a message is for: the addressed party's members when
// the handler wrote it, the handler when a member wrote it. The sender is
// never a recipient.
func Recipients(tx *domain.Transaction, msg domain.Message) []string {
	var candidates []string
	if msg.SenderID == tx.HandlerID {
		if msg.AddresseePartyID == nil {
			return nil
		}
		party, ok := tx.PartyByID(*msg.AddresseePartyID)
		if !ok {
			return nil
		}
		candidates = party.MemberIDs
	} else {
		candidates = []string{tx.HandlerID}
	}

	out := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if id != msg.SenderID {
			out = append(out, id)
		}
	}
	return out
}

func preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength]) + "…"
}
