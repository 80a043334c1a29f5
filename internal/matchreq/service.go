// Package matchreq implements the paid one-to-one match request flow:
// intake, responder accept/reject, initiator cancel, payment confirmation and
// the post-acceptance waypoints. Every path that strands a paid fee hands off
// to the shared compensation routine.
package matchreq

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openrx/pharmslot/common/errors"
	"github.com/openrx/pharmslot/internal/compensation"
	"github.com/openrx/pharmslot/internal/notification"
	"github.com/openrx/pharmslot/internal/store"
	"github.com/openrx/pharmslot/pkg/models"
)

// Compensation reasons recorded on refunds.
const (
	ReasonExpired   = "response_deadline_expired"
	ReasonRejected  = "responder_rejected"
	ReasonCancelled = "initiator_cancelled"
)

// MatchRequestService defines match request operations for dependency injection
type MatchRequestService interface {
	PlaceMatchRequest(ctx context.Context, initiatorID, responderID uuid.UUID, feePaymentRef string, feeAmount decimal.Decimal) (*models.MatchRequest, error)
	ConfirmPayment(ctx context.Context, requestID uuid.UUID, feePaymentRef string) (*models.MatchRequest, error)
	Respond(ctx context.Context, requestID, responderID uuid.UUID, accept bool) (*models.MatchRequest, error)
	Cancel(ctx context.Context, requestID, initiatorID uuid.UUID) (*models.MatchRequest, error)
	MarkContactMade(ctx context.Context, requestID uuid.UUID) (*models.MatchRequest, error)
	Complete(ctx context.Context, requestID uuid.UUID) (*models.MatchRequest, error)
	GetRequestStatus(ctx context.Context, requestID uuid.UUID) (*models.MatchRequest, error)
	ExpireRequest(ctx context.Context, requestID uuid.UUID) (bool, error)
}

// Service implements MatchRequestService
type Service struct {
	logger         *zap.Logger
	store          *store.Store
	compensator    compensation.Orchestrator
	notifier       notification.Notifier
	responseWindow time.Duration
}

// NewService creates a new match request service
func NewService(logger *zap.Logger, st *store.Store, compensator compensation.Orchestrator, notifier notification.Notifier, responseWindow time.Duration) *Service {
	if responseWindow <= 0 {
		responseWindow = 48 * time.Hour
	}
	return &Service{
		logger:         logger,
		store:          st,
		compensator:    compensator,
		notifier:       notifier,
		responseWindow: responseWindow,
	}
}

var _ MatchRequestService = (*Service)(nil)

// PlaceMatchRequest persists a paid request in PENDING with the fixed response
// window. The fee payment reference is required; an unresolved request between
// the same pair blocks a second one.
func (s *Service) PlaceMatchRequest(ctx context.Context, initiatorID, responderID uuid.UUID, feePaymentRef string, feeAmount decimal.Decimal) (*models.MatchRequest, error) {
	if feePaymentRef == "" {
		return nil, errors.PaymentRequired.Explain("a confirmed fee payment is required to place a match request")
	}
	if initiatorID == responderID {
		return nil, errors.Invalid.Explain("initiator and responder must differ")
	}

	exists, err := s.store.ActiveRequestExists(ctx, initiatorID, responderID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.DuplicateActiveRequest.Explain("an unresolved request already exists between these parties")
	}

	now := time.Now().UTC()
	req := &models.MatchRequest{
		ID:               uuid.New(),
		InitiatorID:      initiatorID,
		ResponderID:      responderID,
		FeePaymentRef:    &feePaymentRef,
		FeeAmount:        feeAmount,
		Status:           models.RequestStatusPending,
		ResponseDeadline: now.Add(s.responseWindow),
	}
	if err := s.store.CreateMatchRequest(ctx, req); err != nil {
		return nil, err
	}

	s.logger.Info("match request placed",
		zap.String("request_id", req.ID.String()),
		zap.String("initiator_id", initiatorID.String()),
		zap.String("responder_id", responderID.String()),
		zap.Time("response_deadline", req.ResponseDeadline))

	go s.notifier.Notify(context.Background(), responderID, notification.KindRequestReceived, map[string]interface{}{
		"request_id":        req.ID.String(),
		"response_deadline": req.ResponseDeadline,
	})
	return req, nil
}

// ConfirmPayment advances a PENDING_PAYMENT request to PENDING. The response
// deadline is fixed at confirmation time and never extended afterwards.
func (s *Service) ConfirmPayment(ctx context.Context, requestID uuid.UUID, feePaymentRef string) (*models.MatchRequest, error) {
	if feePaymentRef == "" {
		return nil, errors.PaymentRequired.Explain("a payment reference is required to confirm payment")
	}
	deadline := time.Now().UTC().Add(s.responseWindow)
	err := s.store.TransitionRequest(ctx, requestID,
		models.RequestStatusPendingPayment, models.RequestStatusPending,
		map[string]interface{}{
			"fee_payment_ref":   feePaymentRef,
			"response_deadline": deadline,
		})
	if err != nil {
		if errors.Is(err, errors.ResolutionRace) {
			return nil, errors.Conflict.Explain("request %s is not awaiting payment", requestID)
		}
		return nil, err
	}

	req, err := s.store.GetMatchRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	go s.notifier.Notify(context.Background(), req.ResponderID, notification.KindRequestReceived, map[string]interface{}{
		"request_id":        req.ID.String(),
		"response_deadline": req.ResponseDeadline,
	})
	return req, nil
}

// Respond records the responder's explicit accept or reject. A reject
// immediately compensates the initiator through the shared refund routine.
func (s *Service) Respond(ctx context.Context, requestID, responderID uuid.UUID, accept bool) (*models.MatchRequest, error) {
	req, err := s.store.GetMatchRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ResponderID != responderID {
		return nil, errors.NotFound
	}

	target := models.RequestStatusRejected
	kind := notification.KindRequestRejected
	if accept {
		target = models.RequestStatusAccepted
		kind = notification.KindRequestAccepted
	}

	now := time.Now().UTC()
	err = s.store.TransitionRequest(ctx, requestID,
		models.RequestStatusPending, target,
		map[string]interface{}{"responded_at": now})
	if err != nil {
		if errors.Is(err, errors.ResolutionRace) {
			return nil, errors.Conflict.Explain("request %s is no longer pending", requestID)
		}
		return nil, err
	}

	s.logger.Info("match request responded",
		zap.String("request_id", requestID.String()),
		zap.Bool("accepted", accept))

	if !accept && req.Paid() {
		// Direct path shares the same idempotent routine as the sweep.
		if _, err := s.compensator.Compensate(ctx, requestID, ReasonRejected); err != nil {
			s.logger.Error("compensation after reject failed",
				zap.String("request_id", requestID.String()), zap.Error(err))
		}
	}

	go s.notifier.Notify(context.Background(), req.InitiatorID, kind, map[string]interface{}{
		"request_id": requestID.String(),
	})
	return s.store.GetMatchRequest(ctx, requestID)
}

// Cancel lets the initiator withdraw a still-pending request. A paid cancel
// triggers compensation.
func (s *Service) Cancel(ctx context.Context, requestID, initiatorID uuid.UUID) (*models.MatchRequest, error) {
	req, err := s.store.GetMatchRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.InitiatorID != initiatorID {
		return nil, errors.NotFound
	}

	err = s.store.TransitionRequest(ctx, requestID,
		models.RequestStatusPending, models.RequestStatusCancelled, nil)
	if err != nil {
		if errors.Is(err, errors.ResolutionRace) {
			return nil, errors.Conflict.Explain("request %s can no longer be cancelled", requestID)
		}
		return nil, err
	}

	s.logger.Info("match request cancelled", zap.String("request_id", requestID.String()))

	if req.Paid() {
		if _, err := s.compensator.Compensate(ctx, requestID, ReasonCancelled); err != nil {
			s.logger.Error("compensation after cancel failed",
				zap.String("request_id", requestID.String()), zap.Error(err))
		}
	}
	return s.store.GetMatchRequest(ctx, requestID)
}

// MarkContactMade advances an accepted request to the CONTACT_MADE waypoint.
func (s *Service) MarkContactMade(ctx context.Context, requestID uuid.UUID) (*models.MatchRequest, error) {
	err := s.store.TransitionRequest(ctx, requestID,
		models.RequestStatusAccepted, models.RequestStatusContactMade, nil)
	if err != nil {
		if errors.Is(err, errors.ResolutionRace) {
			return nil, errors.Conflict.Explain("request %s is not in ACCEPTED", requestID)
		}
		return nil, err
	}
	return s.store.GetMatchRequest(ctx, requestID)
}

// Complete closes a CONTACT_MADE request as successfully concluded.
func (s *Service) Complete(ctx context.Context, requestID uuid.UUID) (*models.MatchRequest, error) {
	err := s.store.TransitionRequest(ctx, requestID,
		models.RequestStatusContactMade, models.RequestStatusCompleted, nil)
	if err != nil {
		if errors.Is(err, errors.ResolutionRace) {
			return nil, errors.Conflict.Explain("request %s is not in CONTACT_MADE", requestID)
		}
		return nil, err
	}
	return s.store.GetMatchRequest(ctx, requestID)
}

// GetRequestStatus returns the request, refund fields included.
func (s *Service) GetRequestStatus(ctx context.Context, requestID uuid.UUID) (*models.MatchRequest, error) {
	return s.store.GetMatchRequest(ctx, requestID)
}

// ExpireRequest transitions an overdue PENDING request to EXPIRED exactly
// once. Returns false when another sweep already expired it or the responder
// answered in the meantime.
func (s *Service) ExpireRequest(ctx context.Context, requestID uuid.UUID) (bool, error) {
	req, err := s.store.GetMatchRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	if req.Status != models.RequestStatusPending || time.Now().Before(req.ResponseDeadline) {
		return false, nil
	}

	err = s.store.TransitionRequest(ctx, requestID,
		models.RequestStatusPending, models.RequestStatusExpired, nil)
	if err != nil {
		if errors.Is(err, errors.ResolutionRace) {
			s.logger.Debug("request expiry lost race", zap.String("request_id", requestID.String()))
			return false, nil
		}
		return false, err
	}
	return true, nil
}
