package models

import "time"

// Stage is one installment of a task's delivery-then-payment schedule.
// The paid flag is set only by the escrow manager after a gateway
// confirmation, never by a UI command directly.
type Stage struct {
	StageNum       int        `json:"stage_num"`
	Percent        int        `json:"percent"`
	Delivered      bool       `json:"delivered"`
	Paid           bool       `json:"paid"`
	DeliveredAt    *time.Time `json:"delivered_at"`
	PaidAt         *time.Time `json:"paid_at"`
	ReviewDeadline *time.Time `json:"review_deadline"`
}
