// Package compensation performs the refund side effect for a paid match
// request that ended without an allocation. The routine is idempotent and
// shared by the sweep path, the responder-reject path, the initiator-cancel
// path and the operator's manual retry.
package compensation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openrx/pharmslot/common/errors"
	"github.com/openrx/pharmslot/internal/payment"
	"github.com/openrx/pharmslot/internal/store"
	"github.com/openrx/pharmslot/pkg/metrics"
	"github.com/openrx/pharmslot/pkg/models"
)

// Result values for a compensation attempt.
const (
	ResultRefunded        = "refunded"
	ResultAlreadyRefunded = "already_refunded"
	ResultSkipped         = "skipped"
	ResultFailed          = "failed"
)

// Result describes the outcome of a Compensate call.
type Result struct {
	Status    string
	RefundRef string
}

// RetryPolicy bounds gateway retries. The policy is owned by the wiring, not
// by the gateway.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Orchestrator defines the compensation operations.
type Orchestrator interface {
	Compensate(ctx context.Context, requestID uuid.UUID, reason string) (*Result, error)
	ListRefundFailures(ctx context.Context, limit int) ([]*models.MatchRequest, error)
}

// Service implements Orchestrator
type Service struct {
	logger  *zap.Logger
	store   *store.Store
	gateway payment.Gateway
	retry   RetryPolicy
}

// NewService creates a new compensation orchestrator.
func NewService(logger *zap.Logger, st *store.Store, gateway payment.Gateway, retry RetryPolicy) *Service {
	if retry.Attempts <= 0 {
		retry.Attempts = 1
	}
	return &Service{logger: logger, store: st, gateway: gateway, retry: retry}
}

var _ Orchestrator = (*Service)(nil)

// Compensate refunds the request's fee payment exactly once.
//
// The persisted status is re-checked before any gateway call: a request that
// is already REFUNDED returns success without touching the gateway, which
// guards against duplicate sweep or trigger firing. On gateway failure the
// request keeps its truthful prior status and the failure is recorded for
// manual reconciliation.
func (s *Service) Compensate(ctx context.Context, requestID uuid.UUID, reason string) (*Result, error) {
	req, err := s.store.GetMatchRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if req.Status == models.RequestStatusRefunded {
		metrics.Refunds.WithLabelValues(ResultAlreadyRefunded).Inc()
		return &Result{Status: ResultAlreadyRefunded, RefundRef: deref(req.RefundRef)}, nil
	}
	if !req.Refundable() {
		// Unpaid requests have nothing to compensate.
		if !req.Paid() {
			metrics.Refunds.WithLabelValues(ResultSkipped).Inc()
			return &Result{Status: ResultSkipped}, nil
		}
		return nil, errors.Conflict.Explain("request %s is not refundable in status %s", req.ID, req.Status)
	}

	result, gatewayErr := s.cancelWithRetry(ctx, *req.FeePaymentRef, reason, &req.FeeAmount)
	if gatewayErr != nil {
		note := gatewayErr.Error()
		if recErr := s.store.RecordRefundFailure(ctx, req.ID, note); recErr != nil {
			s.logger.Error("failed to record refund failure",
				zap.String("request_id", req.ID.String()), zap.Error(recErr))
		}
		metrics.Refunds.WithLabelValues(ResultFailed).Inc()
		s.logger.Error("gateway cancel failed",
			zap.String("request_id", req.ID.String()),
			zap.String("payment_ref", *req.FeePaymentRef),
			zap.Error(gatewayErr))
		return &Result{Status: ResultFailed}, errors.GatewayCancelFailed.
			Explain("cancel of payment %s failed", *req.FeePaymentRef).
			Wrap(gatewayErr)
	}

	if err := s.store.MarkRefunded(ctx, req.ID, result.RefundRef, reason, time.Now().UTC()); err != nil {
		if errors.Is(err, errors.ResolutionRace) {
			// Another compensation attempt committed first; the gateway call
			// was idempotent, so nothing was refunded twice.
			s.logger.Debug("refund already recorded",
				zap.String("request_id", req.ID.String()))
			metrics.Refunds.WithLabelValues(ResultAlreadyRefunded).Inc()
			return &Result{Status: ResultAlreadyRefunded, RefundRef: result.RefundRef}, nil
		}
		return nil, err
	}

	metrics.Refunds.WithLabelValues(ResultRefunded).Inc()
	s.logger.Info("refund issued",
		zap.String("request_id", req.ID.String()),
		zap.String("refund_ref", result.RefundRef),
		zap.String("reason", reason))
	return &Result{Status: ResultRefunded, RefundRef: result.RefundRef}, nil
}

// cancelWithRetry calls the gateway under the bounded retry policy. The
// gateway is idempotent per payment reference, so retries cannot double-refund.
func (s *Service) cancelWithRetry(ctx context.Context, paymentRef, reason string, amount *decimal.Decimal) (*payment.CancelResult, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retry.Attempts; attempt++ {
		result, err := s.gateway.Cancel(ctx, paymentRef, reason, amount)
		if err == nil && result != nil && result.Success {
			return result, nil
		}
		if err != nil {
			lastErr = err
		} else if result == nil {
			lastErr = errors.New("gateway returned no result")
		} else {
			lastErr = errors.New("gateway declined cancel: " + result.Reason)
		}
		if attempt < s.retry.Attempts {
			s.logger.Warn("gateway cancel attempt failed, retrying",
				zap.String("payment_ref", paymentRef),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.retry.Backoff * time.Duration(attempt)):
			}
		}
	}
	return nil, lastErr
}

// ListRefundFailures returns paid, unrefunded requests whose last gateway
// cancel failed, for the operator retry surface.
func (s *Service) ListRefundFailures(ctx context.Context, limit int) ([]*models.MatchRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.RefundFailures(ctx, limit)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
