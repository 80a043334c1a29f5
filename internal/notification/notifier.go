// Package notification delivers fire-and-forget outbound messages. Delivery
// is best effort and must never raise into the resolution path.
package notification

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notification kinds
const (
	KindBidPlaced       = "bid_placed"
	KindOutbid          = "outbid"
	KindBidAccepted     = "bid_accepted"
	KindBidRejected     = "bid_rejected"
	KindSlotClosed      = "slot_closed"
	KindRequestReceived = "request_received"
	KindRequestReminder = "request_reminder"
	KindRequestExpired  = "request_expired"
	KindRequestAccepted = "request_accepted"
	KindRequestRejected = "request_rejected"
	KindRefundIssued    = "refund_issued"
	KindRefundFailed    = "refund_failed"
)

// Notifier sends a message to a user. Implementations swallow their own
// failures; callers never see an error.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, kind string, payload map[string]interface{})
}

// LogNotifier writes notifications to the log only. Used in tests and when no
// broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-only notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

var _ Notifier = (*LogNotifier)(nil)

// Notify logs the notification.
func (n *LogNotifier) Notify(_ context.Context, userID uuid.UUID, kind string, payload map[string]interface{}) {
	n.logger.Info("notification",
		zap.String("user_id", userID.String()),
		zap.String("kind", kind),
		zap.Any("payload", payload),
	)
}
