package payment

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/refund"
	"go.uber.org/zap"
)

// StripeGateway implements Gateway against the Stripe refunds API.
type StripeGateway struct {
	apiKey string
	logger *zap.Logger
}

// NewStripeGateway creates a Stripe-backed gateway.
func NewStripeGateway(apiKey string, logger *zap.Logger) *StripeGateway {
	return &StripeGateway{apiKey: apiKey, logger: logger}
}

var _ Gateway = (*StripeGateway)(nil)

// Cancel refunds the payment intent behind the given reference. The
// idempotency key is derived from the reference, so repeated calls for the
// same payment return the original refund instead of creating a second one.
func (g *StripeGateway) Cancel(ctx context.Context, paymentRef, reason string, amount *decimal.Decimal) (*CancelResult, error) {
	stripe.Key = g.apiKey
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentRef),
		Metadata:      map[string]string{"reason": reason},
	}
	if amount != nil {
		// Stripe amounts are integer minor units.
		params.Amount = stripe.Int64(amount.Mul(decimal.NewFromInt(100)).IntPart())
	}
	params.SetIdempotencyKey("cancel-" + paymentRef)
	// Stripe Go SDK v75 does not support context, so we cannot pass ctx directly.
	r, err := refund.New(params)
	if err != nil {
		g.logger.Error("stripe refund failed", zap.String("payment_ref", paymentRef), zap.Error(err))
		return &CancelResult{Success: false, Reason: err.Error()}, err
	}
	return &CancelResult{Success: true, RefundRef: r.ID, Reason: reason}, nil
}
