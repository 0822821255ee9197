package models

import (
	"encoding/json"
	"time"
)

type EventKind string

const (
	EventTaskPosted         EventKind = "task_posted"
	EventApplicantAccepted  EventKind = "applicant_accepted"
	EventApplicantDeclined  EventKind = "applicant_declined"
	EventApplicantConfirmed EventKind = "applicant_confirmed"
	EventEscrowFunded       EventKind = "escrow_funded"
	EventEscrowFailed       EventKind = "escrow_failed"
	EventStageDelivered     EventKind = "stage_delivered"
	EventStagePaid          EventKind = "stage_paid"
	EventTaskCompleted      EventKind = "task_completed"
	EventTaskExpired        EventKind = "task_expired"
	EventTaskCanceled       EventKind = "task_canceled"
	EventRefundIssued       EventKind = "refund_issued"
	EventRefundFailed       EventKind = "refund_failed"
	EventPenaltyCharged     EventKind = "penalty_charged"
	EventConfirmReminder    EventKind = "confirm_reminder"
	EventTaskOverdue        EventKind = "task_overdue"
)

// Event is a domain fact emitted for the conversational layer. Events are
// appended to the outbox in the same transaction as the mutation that caused
// them, so a delivered notification always corresponds to committed state.
type Event struct {
	Seq          int64           `json:"seq"`
	TaskID       string          `json:"task_id"`
	Kind         EventKind       `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	DispatchedAt *time.Time      `json:"dispatched_at,omitempty"`
}

// NewEvent builds an event with the payload marshaled to JSON. A payload
// that cannot marshal is dropped rather than failing the transition that
// produced the event.
func NewEvent(taskID string, kind EventKind, payload any) *Event {
	e := &Event{TaskID: taskID, Kind: kind}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			e.Payload = raw
		}
	}
	return e
}
