// Package payment defines the contract the engine expects from the payment
// gateway: a cancel/refund operation that is safe to call more than once for
// the same payment reference.
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// CancelResult carries the gateway's answer to a cancel/refund call.
type CancelResult struct {
	Success   bool
	RefundRef string
	Reason    string
}

// Gateway cancels a prior charge. Implementations must be idempotent per
// payment reference: a second cancel for the same reference returns the
// original result instead of refunding twice.
type Gateway interface {
	Cancel(ctx context.Context, paymentRef, reason string, amount *decimal.Decimal) (*CancelResult, error)
}
