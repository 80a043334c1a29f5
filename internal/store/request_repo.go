package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/openrx/pharmslot/common/dbutil"
	"github.com/openrx/pharmslot/common/errors"
	"github.com/openrx/pharmslot/pkg/models"
)

// CreateMatchRequest persists a new match request.
func (s *Store) CreateMatchRequest(ctx context.Context, req *models.MatchRequest) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if err := s.db.WithContext(ctx).Create(req).Error; err != nil {
		return dbutil.WrapError(err)
	}
	return nil
}

// GetMatchRequest loads a match request by id.
func (s *Store) GetMatchRequest(ctx context.Context, id uuid.UUID) (*models.MatchRequest, error) {
	return dbutil.FindOne[models.MatchRequest](s.db.WithContext(ctx).Where("id = ?", id))
}

// ActiveRequestExists reports whether an unresolved request already exists
// between the two parties, in either direction.
func (s *Store) ActiveRequestExists(ctx context.Context, initiatorID, responderID uuid.UUID) (bool, error) {
	active := []string{
		models.RequestStatusPendingPayment,
		models.RequestStatusPending,
		models.RequestStatusAccepted,
		models.RequestStatusContactMade,
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&models.MatchRequest{}).
		Where("status IN ?", active).
		Where("(initiator_id = ? AND responder_id = ?) OR (initiator_id = ? AND responder_id = ?)",
			initiatorID, responderID, responderID, initiatorID).
		Count(&count).Error
	if err != nil {
		return false, dbutil.WrapError(err)
	}
	return count > 0, nil
}

// DueMatchRequests returns PENDING requests whose response deadline has passed.
func (s *Store) DueMatchRequests(ctx context.Context, now time.Time, limit int) ([]*models.MatchRequest, error) {
	var reqs []*models.MatchRequest
	err := s.db.WithContext(ctx).
		Where("status = ? AND response_deadline < ?", models.RequestStatusPending, now).
		Order("response_deadline asc").
		Limit(limit).
		Find(&reqs).Error
	if err != nil {
		return nil, dbutil.WrapError(err)
	}
	return reqs, nil
}

// ReminderDueRequests returns PENDING requests entering their final response
// window that have not been reminded yet.
func (s *Store) ReminderDueRequests(ctx context.Context, now time.Time, lead time.Duration, limit int) ([]*models.MatchRequest, error) {
	var reqs []*models.MatchRequest
	err := s.db.WithContext(ctx).
		Where("status = ? AND reminder_sent_at IS NULL", models.RequestStatusPending).
		Where("response_deadline >= ? AND response_deadline < ?", now, now.Add(lead)).
		Order("response_deadline asc").
		Limit(limit).
		Find(&reqs).Error
	if err != nil {
		return nil, dbutil.WrapError(err)
	}
	return reqs, nil
}

// MarkReminderSent stamps the reminder time so the sweep never repeats it.
func (s *Store) MarkReminderSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.MatchRequest{}).
		Where("id = ? AND reminder_sent_at IS NULL", id).
		Update("reminder_sent_at", at).Error
	return dbutil.WrapError(err)
}

// TransitionRequest moves a request from one status to another, conditionally
// on the current persisted status, applying any extra column updates in the
// same statement. Losing the race returns errors.ResolutionRace.
func (s *Store) TransitionRequest(ctx context.Context, id uuid.UUID, from, to string, extra map[string]interface{}) error {
	updates := map[string]interface{}{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&models.MatchRequest{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return dbutil.WrapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ResolutionRace
	}
	return nil
}

// MarkRefunded stamps the refund fields, conditionally on the request still
// being in a refundable status with no refund recorded. Losing the race means
// another compensation attempt already committed; callers treat that as done.
func (s *Store) MarkRefunded(ctx context.Context, id uuid.UUID, refundRef, reason string, at time.Time) error {
	refundable := []string{
		models.RequestStatusRejected,
		models.RequestStatusExpired,
		models.RequestStatusCancelled,
	}
	res := s.db.WithContext(ctx).Model(&models.MatchRequest{}).
		Where("id = ? AND status IN ? AND refund_ref IS NULL", id, refundable).
		Updates(map[string]interface{}{
			"status":         models.RequestStatusRefunded,
			"refund_ref":     refundRef,
			"refund_reason":  reason,
			"refunded_at":    at,
			"refund_failure": gorm.Expr("NULL"),
		})
	if res.Error != nil {
		return dbutil.WrapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.ResolutionRace
	}
	return nil
}

// RecordRefundFailure stores the gateway failure for manual reconciliation.
// The request keeps its truthful non-refunded status.
func (s *Store) RecordRefundFailure(ctx context.Context, id uuid.UUID, note string) error {
	err := s.db.WithContext(ctx).Model(&models.MatchRequest{}).
		Where("id = ?", id).
		Update("refund_failure", note).Error
	return dbutil.WrapError(err)
}

// RefundFailures lists paid, unrefunded requests with a recorded gateway
// failure, for the operator retry surface.
func (s *Store) RefundFailures(ctx context.Context, limit int) ([]*models.MatchRequest, error) {
	var reqs []*models.MatchRequest
	err := s.db.WithContext(ctx).
		Where("refund_failure IS NOT NULL AND refund_ref IS NULL").
		Order("updated_at asc").
		Limit(limit).
		Find(&reqs).Error
	if err != nil {
		return nil, dbutil.WrapError(err)
	}
	return reqs, nil
}

// PurgeTerminalRequests deletes terminal match requests older than the cutoff.
// Any paid row that still owes a refund (REJECTED, EXPIRED or CANCELLED with
// no refund_ref) is kept: it is the manual-reconciliation record.
func (s *Store) PurgeTerminalRequests(ctx context.Context, cutoff time.Time) (int64, error) {
	terminal := []string{
		models.RequestStatusRefunded,
		models.RequestStatusCompleted,
		models.RequestStatusCancelled,
		models.RequestStatusExpired,
		models.RequestStatusRejected,
	}
	settled := []string{
		models.RequestStatusRefunded,
		models.RequestStatusCompleted,
	}
	res := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", terminal, cutoff).
		Where("status IN ? OR fee_payment_ref IS NULL OR refund_ref IS NOT NULL", settled).
		Delete(&models.MatchRequest{})
	if res.Error != nil {
		return 0, dbutil.WrapError(res.Error)
	}
	return res.RowsAffected, nil
}
