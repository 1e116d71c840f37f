package worker

import (
	"github.com/spec-kit/dealroom-service/internal/service"
)

// StartNotificationWorker subscribes the notification service to the
// dispatcher. Its evaluations run on pool, never on the publishing request.
func StartNotificationWorker(notificationService *service.NotificationService, pool *Pool) {
	if notificationService == nil || pool == nil {
		return
	}
	notificationService.RegisterHandlers(pool)
}
