package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/dealroom-service/internal/access"
	"github.com/spec-kit/dealroom-service/internal/domain"
	"github.com/spec-kit/dealroom-service/internal/events"
	"github.com/spec-kit/dealroom-service/internal/observability"
	apperrors "github.com/spec-kit/dealroom-service/pkg/util"
)

// CallerResolver authorizes a user against a transaction.
type CallerResolver interface {
	Resolve(ctx context.Context, userID string, role domain.UserRole, transactionID string) (access.Caller, *domain.Transaction, error)
}

// publisher raises canonical events after a committed write.
type publisher struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// publish never fails the caller: the write already happened, and
// subscribers that miss the event converge on their next refresh.
func (p publisher) publish(ctx context.Context, eventType events.EventType, caller access.Caller, transactionID string, payload any) {
	if p.dispatcher == nil {
		return
	}
	ev, err := events.NewEvent(eventType, transactionID, events.Actor{UserID: caller.UserID, Role: caller.Role}, payload)
	if err != nil {
		p.logger.Error("build event", zap.String("event_type", string(eventType)), zap.Error(err))
		return
	}
	if err := p.dispatcher.Publish(ctx, ev); err != nil {
		p.metrics.PublishFailed(string(eventType))
		p.logger.Warn("event not delivered to channel",
			zap.String("event_type", string(eventType)),
			zap.String("event_id", ev.ID),
			zap.String("transaction_id", transactionID),
			zap.Error(apperrors.NewTransportUnavailable(err)))
		return
	}
	p.metrics.EventPublished(string(eventType))
}

func loggerOrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
