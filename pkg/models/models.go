package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Slot status values
const (
	SlotStatusBidding = "BIDDING"
	SlotStatusMatched = "MATCHED"
	SlotStatusClosed  = "CLOSED"
)

// Bid status values
const (
	BidStatusPending  = "PENDING"
	BidStatusAccepted = "ACCEPTED"
	BidStatusRejected = "REJECTED"
)

// Match request status values
const (
	RequestStatusPendingPayment = "PENDING_PAYMENT"
	RequestStatusPending        = "PENDING"
	RequestStatusAccepted       = "ACCEPTED"
	RequestStatusRejected       = "REJECTED"
	RequestStatusExpired        = "EXPIRED"
	RequestStatusRefunded       = "REFUNDED"
	RequestStatusContactMade    = "CONTACT_MADE"
	RequestStatusCompleted      = "COMPLETED"
	RequestStatusCancelled      = "CANCELLED"
)

// Slot represents a transferable pharmacy slot offered for competitive bidding
type Slot struct {
	ID                uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	OwnerID           uuid.UUID        `json:"owner_id" gorm:"type:uuid;index" validate:"required,uuid"`
	PharmacyName      string           `json:"pharmacy_name" validate:"required,max=120"`
	Region            string           `json:"region" validate:"omitempty,max=120"`
	Status            string           `json:"status" gorm:"index" validate:"required,oneof=BIDDING MATCHED CLOSED"` // BIDDING, MATCHED, CLOSED
	BidDeadline       *time.Time       `json:"bid_deadline" gorm:"index"`
	AskingPrice       *decimal.Decimal `json:"asking_price" gorm:"type:numeric(20,2)"`
	AutoMatch         bool             `json:"auto_match" gorm:"index"`
	BidCount          int              `json:"bid_count"`
	MatchedClaimantID *uuid.UUID       `json:"matched_claimant_id" gorm:"type:uuid" validate:"omitempty,uuid"`
	MatchedAt         *time.Time       `json:"matched_at"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Biddable reports whether the slot can accept a new bid at the given time.
func (s *Slot) Biddable(now time.Time) bool {
	if s.Status != SlotStatusBidding {
		return false
	}
	if s.BidDeadline != nil && !now.Before(*s.BidDeadline) {
		return false
	}
	return true
}

// Bid represents a single competing claim against a slot
type Bid struct {
	ID         uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	SlotID     uuid.UUID       `json:"slot_id" gorm:"type:uuid;index" validate:"required,uuid"`
	ClaimantID uuid.UUID       `json:"claimant_id" gorm:"type:uuid;index" validate:"required,uuid"`
	Amount     decimal.Decimal `json:"amount" gorm:"type:numeric(20,2)" validate:"required"`
	Status     string          `json:"status" gorm:"index" validate:"required,oneof=PENDING ACCEPTED REJECTED"` // PENDING, ACCEPTED, REJECTED
	CreatedAt  time.Time       `json:"created_at" gorm:"index"`
}

// MatchRequest represents a paid, deadline-bound introduction offer between two parties
type MatchRequest struct {
	ID               uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid" validate:"required,uuid"`
	InitiatorID      uuid.UUID       `json:"initiator_id" gorm:"type:uuid;index" validate:"required,uuid"`
	ResponderID      uuid.UUID       `json:"responder_id" gorm:"type:uuid;index" validate:"required,uuid"`
	FeePaymentRef    *string         `json:"fee_payment_ref" validate:"omitempty,max=255"`
	FeeAmount        decimal.Decimal `json:"fee_amount" gorm:"type:numeric(20,2)"`
	Status           string          `json:"status" gorm:"index" validate:"required,oneof=PENDING_PAYMENT PENDING ACCEPTED REJECTED EXPIRED REFUNDED CONTACT_MADE COMPLETED CANCELLED"`
	ResponseDeadline time.Time       `json:"response_deadline" gorm:"index"`
	RespondedAt      *time.Time      `json:"responded_at"`
	ReminderSentAt   *time.Time      `json:"reminder_sent_at"`
	RefundRef        *string         `json:"refund_ref" validate:"omitempty,max=255"`
	RefundReason     *string         `json:"refund_reason" validate:"omitempty,max=255"`
	RefundedAt       *time.Time      `json:"refunded_at"`
	RefundFailure    *string         `json:"refund_failure,omitempty"` // last gateway failure, kept for manual reconciliation
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Paid reports whether the request carries a confirmed fee payment.
func (r *MatchRequest) Paid() bool {
	return r.FeePaymentRef != nil && *r.FeePaymentRef != ""
}

// Terminal reports whether the request status can no longer change. A
// REJECTED, EXPIRED or CANCELLED row with an unrefunded fee still owes
// compensation and is not terminal.
func (r *MatchRequest) Terminal() bool {
	switch r.Status {
	case RequestStatusRefunded, RequestStatusCompleted:
		return true
	case RequestStatusRejected, RequestStatusExpired, RequestStatusCancelled:
		return !r.Refundable()
	default:
		return false
	}
}

// Refundable reports whether the request qualifies for compensation:
// a paid request that ended without an allocation and has not been refunded.
func (r *MatchRequest) Refundable() bool {
	if !r.Paid() || r.RefundRef != nil {
		return false
	}
	switch r.Status {
	case RequestStatusRejected, RequestStatusExpired, RequestStatusCancelled:
		return true
	default:
		return false
	}
}
