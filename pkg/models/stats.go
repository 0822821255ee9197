package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserStats is the running settlement tally for one user, updated whenever a
// task they posted or worked completes.
type UserStats struct {
	UserID         string          `json:"user_id"`
	TasksPosted    int             `json:"tasks_posted"`
	TasksCompleted int             `json:"tasks_completed"`
	AmountSpent    decimal.Decimal `json:"amount_spent"`
	AmountEarned   decimal.Decimal `json:"amount_earned"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
