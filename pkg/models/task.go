package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TaskStatus string

const (
	TaskStatusOpen         TaskStatus = "open"
	TaskStatusTaken        TaskStatus = "taken"
	TaskStatusInProgress   TaskStatus = "in_progress"
	TaskStatusPendingFinal TaskStatus = "pending_final_confirmation"
	TaskStatusCompleted    TaskStatus = "completed"
	TaskStatusExpired      TaskStatus = "expired"
	TaskStatusCanceled     TaskStatus = "canceled"
)

// Terminal reports whether no further transition can leave the status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusExpired, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s -> to is a legal task transition.
// Illegal pairs are rejected here once instead of being re-checked by
// callers with ad-hoc status comparisons.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	switch s {
	case TaskStatusOpen:
		return to == TaskStatusTaken || to == TaskStatusExpired
	case TaskStatusTaken:
		return to == TaskStatusInProgress || to == TaskStatusCanceled
	case TaskStatusInProgress:
		return to == TaskStatusPendingFinal || to == TaskStatusCanceled
	case TaskStatusPendingFinal:
		return to == TaskStatusCompleted
	default:
		return false
	}
}

type ExchangeStrategy string

const (
	StrategyFull     ExchangeStrategy = "full"
	StrategyEven     ExchangeStrategy = "even"
	StrategyThreeWay ExchangeStrategy = "three_way"
)

func (s ExchangeStrategy) Valid() bool {
	switch s {
	case StrategyFull, StrategyEven, StrategyThreeWay:
		return true
	default:
		return false
	}
}

// Task is a unit of work offered for hire. Stages are derived from the
// exchange strategy at post time and are never edited directly by callers.
type Task struct {
	ID                    string           `json:"id"`
	CreatorID             string           `json:"creator_id"`
	Description           string           `json:"description"`
	Fee                   decimal.Decimal  `json:"fee"`
	Currency              string           `json:"currency"`
	CompletionWindowHours int              `json:"completion_window_hours"`
	RevisionWindowHours   int              `json:"revision_window_hours"`
	LatePenaltyRate       decimal.Decimal  `json:"late_penalty_rate"`
	Strategy              ExchangeStrategy `json:"strategy"`
	OfferExpiry           time.Time        `json:"offer_expiry"`
	Status                TaskStatus       `json:"status"`
	AcceptedApplicantID   *string          `json:"accepted_applicant_id"`
	Stages                []*Stage         `json:"stages"`

	// Version is the optimistic-concurrency counter: every mutating
	// transition bumps it with a compare-and-swap, so two writers racing
	// on the same task cannot both succeed.
	Version int64 `json:"version"`

	FundedAt          *time.Time `json:"funded_at"`
	CompletedAt       *time.Time `json:"completed_at"`
	CanceledAt        *time.Time `json:"canceled_at"`
	OverdueRemindedAt *time.Time `json:"overdue_reminded_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// CompletionDeadline is the instant delivery becomes late. The clock starts
// when escrow is funded, not when the task is posted. Zero time if the task
// was never funded.
func (t *Task) CompletionDeadline() time.Time {
	if t.FundedAt == nil {
		return time.Time{}
	}
	return t.FundedAt.Add(time.Duration(t.CompletionWindowHours) * time.Hour)
}

// Stage returns the stage with the given 1-based number, or nil.
func (t *Task) Stage(num int) *Stage {
	for _, s := range t.Stages {
		if s.StageNum == num {
			return s
		}
	}
	return nil
}

// AnyStagePaid reports whether any installment has already been released.
// Cancellation is only legal while this is false.
func (t *Task) AnyStagePaid() bool {
	for _, s := range t.Stages {
		if s.Paid {
			return true
		}
	}
	return false
}
