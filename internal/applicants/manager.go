// Package applicants handles bid intake and winner selection. Acceptance is
// the only place a one-winner guarantee exists, and it leans entirely on the
// guarded UPDATE in the storage layer rather than on locks held here.
package applicants

import (
	"context"
	"fmt"
	"time"

	"github.com/amanlux/taskifii-core/pkg/models"
)

// Store defines the storage operations the manager needs. *db.DB implements
// it.
type Store interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	GetApplicant(ctx context.Context, id string) (*models.Applicant, error)
	CreateApplicant(ctx context.Context, a *models.Applicant, events ...*models.Event) error
	AcceptApplicant(ctx context.Context, taskID, applicantID string, deadline time.Time) (*models.Applicant, []*models.Applicant, error)
	UpdateApplicantStatus(ctx context.Context, id string, from, to models.ApplicantStatus, events ...*models.Event) error
}

// Manager runs the applicant state machine for one marketplace.
type Manager struct {
	store         Store
	confirmWindow time.Duration
	now           func() time.Time
}

// NewManager creates a Manager. confirmWindow is how long an accepted
// applicant has to confirm; zero or negative falls back to 24h.
func NewManager(store Store, confirmWindow time.Duration) *Manager {
	if confirmWindow <= 0 {
		confirmWindow = 24 * time.Hour
	}
	return &Manager{store: store, confirmWindow: confirmWindow, now: time.Now}
}

// Apply records a user's bid on an open task. The task must still be open
// and inside its offer window, the creator cannot bid on their own task, and
// a user gets one application per task.
func (m *Manager) Apply(ctx context.Context, taskID, userID, coverText string) (*models.Applicant, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	if task.Status != models.TaskStatusOpen {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, models.ErrTaskNotOpen)
	}
	// The offer may have lapsed before the sweep marks the task expired;
	// applications in that gap are rejected, not raced.
	if m.now().After(task.OfferExpiry) {
		return nil, fmt.Errorf("task %s offer expired at %s: %w",
			taskID, task.OfferExpiry.Format(time.RFC3339), models.ErrTaskNotOpen)
	}
	if userID == task.CreatorID {
		return nil, fmt.Errorf("%w: creators cannot apply to their own task", models.ErrValidation)
	}

	a := &models.Applicant{
		TaskID:    taskID,
		UserID:    userID,
		CoverText: coverText,
	}
	if err := m.store.CreateApplicant(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Accept picks the winner. Every other pending applicant on the task is
// auto-declined in the same transaction, and the winner's confirmation clock
// starts now.
func (m *Manager) Accept(ctx context.Context, taskID, applicantID string) (*models.Applicant, []*models.Applicant, error) {
	deadline := m.now().Add(m.confirmWindow).UTC()
	return m.store.AcceptApplicant(ctx, taskID, applicantID, deadline)
}

// Decline rejects a pending applicant. Accepted applicants are not declined
// here; they leave acceptance only by confirming, withdrawing or timing out.
func (m *Manager) Decline(ctx context.Context, taskID, applicantID string) error {
	a, err := m.applicant(ctx, taskID, applicantID)
	if err != nil {
		return err
	}
	ev := models.NewEvent(taskID, models.EventApplicantDeclined, map[string]any{
		"applicant_id": a.ID,
		"user_id":      a.UserID,
		"reason":       "declined_by_creator",
	})
	return m.store.UpdateApplicantStatus(ctx, a.ID, models.ApplicantStatusPending, models.ApplicantStatusDeclined, ev)
}

// Confirm is the accepted applicant's commitment to do the work. After the
// confirmation deadline it fails with ErrExpired; the sweep owns the actual
// auto-decline, so a late confirm never mutates anything.
func (m *Manager) Confirm(ctx context.Context, taskID, applicantID string) (*models.Applicant, error) {
	a, err := m.applicant(ctx, taskID, applicantID)
	if err != nil {
		return nil, err
	}

	lapsed := a.ConfirmDeadline != nil && m.now().After(*a.ConfirmDeadline)
	switch {
	case a.Status == models.ApplicantStatusAccepted && lapsed:
		return nil, fmt.Errorf("confirmation window for applicant %s closed at %s: %w",
			a.ID, a.ConfirmDeadline.Format(time.RFC3339), models.ErrExpired)
	case a.Status == models.ApplicantStatusDeclined && lapsed:
		return nil, fmt.Errorf("applicant %s was auto-declined at the deadline: %w", a.ID, models.ErrExpired)
	case a.Status != models.ApplicantStatusAccepted:
		return nil, fmt.Errorf("applicant %s is %s, only accepted applicants confirm: %w",
			a.ID, a.Status, models.ErrConflict)
	}

	ev := models.NewEvent(taskID, models.EventApplicantConfirmed, map[string]any{
		"applicant_id": a.ID,
		"user_id":      a.UserID,
	})
	if err := m.store.UpdateApplicantStatus(ctx, a.ID, models.ApplicantStatusAccepted, models.ApplicantStatusConfirmed, ev); err != nil {
		return nil, err
	}
	a.Status = models.ApplicantStatusConfirmed
	return a, nil
}

// Withdraw lets an applicant pull their own bid while still pending or
// accepted. A confirmed applicant is committed and cannot withdraw.
func (m *Manager) Withdraw(ctx context.Context, taskID, applicantID string) error {
	a, err := m.applicant(ctx, taskID, applicantID)
	if err != nil {
		return err
	}
	if a.Status != models.ApplicantStatusPending && a.Status != models.ApplicantStatusAccepted {
		return fmt.Errorf("applicant %s is %s and cannot withdraw: %w", a.ID, a.Status, models.ErrConflict)
	}
	return m.store.UpdateApplicantStatus(ctx, a.ID, a.Status, models.ApplicantStatusCanceled)
}

func (m *Manager) applicant(ctx context.Context, taskID, applicantID string) (*models.Applicant, error) {
	a, err := m.store.GetApplicant(ctx, applicantID)
	if err != nil {
		return nil, err
	}
	if a == nil || a.TaskID != taskID {
		return nil, fmt.Errorf("applicant %s on task %s: %w", applicantID, taskID, models.ErrNotFound)
	}
	return a, nil
}
