package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type IntentKind string

const (
	IntentKindEscrow  IntentKind = "escrow"
	IntentKindPenalty IntentKind = "penalty"
)

type IntentStatus string

const (
	IntentStatusPending IntentStatus = "pending"
	IntentStatusPaid    IntentStatus = "paid"
	IntentStatusFailed  IntentStatus = "failed"
	IntentStatusVoided  IntentStatus = "voided"
)

func (s IntentStatus) Terminal() bool {
	return s != IntentStatusPending
}

// CanTransition reports whether s -> to is a legal intent transition.
// Paid, failed and voided are all terminal for the charge itself; a voided
// intent in particular can never become paid, which is what makes voiding a
// stale intent safe.
func (s IntentStatus) CanTransition(to IntentStatus) bool {
	if s != IntentStatusPending {
		return false
	}
	switch to {
	case IntentStatusPaid, IntentStatusFailed, IntentStatusVoided:
		return true
	default:
		return false
	}
}

type RefundStatus string

const (
	RefundStatusNone      RefundStatus = "none"
	RefundStatusRequested RefundStatus = "requested"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
)

// CanTransition reports whether s -> to is a legal refund transition.
// failed -> requested is allowed: a failed refund is escalated for manual
// re-request, never retried automatically.
func (s RefundStatus) CanTransition(to RefundStatus) bool {
	switch s {
	case RefundStatusNone:
		return to == RefundStatusRequested
	case RefundStatusRequested:
		return to == RefundStatusSucceeded || to == RefundStatusFailed
	case RefundStatusFailed:
		return to == RefundStatusRequested
	default:
		return false
	}
}

// PaymentIntent is a single money-movement request made to the external
// gateway. Reference is the sole deduplication key for gateway callbacks
// and is immutable once the row exists.
type PaymentIntent struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Kind            IntentKind      `json:"kind"`
	TaskID          *string         `json:"task_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Reference       string          `json:"reference"`
	Status          IntentStatus    `json:"status"`
	RefundStatus    RefundStatus    `json:"refund_status"`
	GatewayChargeID *string         `json:"gateway_charge_id"`
	CheckoutURL     *string         `json:"checkout_url"`
	CreatedAt       time.Time       `json:"created_at"`
	PaidAt          *time.Time      `json:"paid_at"`
	RefundedAt      *time.Time      `json:"refunded_at"`
}
