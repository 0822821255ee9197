package models

import "time"

type ApplicantStatus string

const (
	ApplicantStatusPending   ApplicantStatus = "pending"
	ApplicantStatusAccepted  ApplicantStatus = "accepted"
	ApplicantStatusConfirmed ApplicantStatus = "confirmed"
	ApplicantStatusDeclined  ApplicantStatus = "declined"
	ApplicantStatusCanceled  ApplicantStatus = "canceled"
)

func (s ApplicantStatus) Terminal() bool {
	switch s {
	case ApplicantStatusConfirmed, ApplicantStatusDeclined, ApplicantStatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether s -> to is a legal applicant transition.
func (s ApplicantStatus) CanTransition(to ApplicantStatus) bool {
	switch s {
	case ApplicantStatusPending:
		return to == ApplicantStatusAccepted || to == ApplicantStatusDeclined || to == ApplicantStatusCanceled
	case ApplicantStatusAccepted:
		return to == ApplicantStatusConfirmed || to == ApplicantStatusDeclined || to == ApplicantStatusCanceled
	default:
		return false
	}
}

// Applicant is one user's bid on a task. At most one applicant per
// (task, user) pair, and at most one accepted or confirmed applicant
// per task at any time.
type Applicant struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"task_id"`
	UserID          string          `json:"user_id"`
	CoverText       string          `json:"cover_text"`
	Status          ApplicantStatus `json:"status"`
	AppliedAt       time.Time       `json:"applied_at"`
	AcceptedAt      *time.Time      `json:"accepted_at"`
	ConfirmDeadline *time.Time      `json:"confirm_deadline"`
	LastReminderAt  *time.Time      `json:"last_reminder_at"`
}
