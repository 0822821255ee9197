package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amanlux/taskifii-core/pkg/models"
)

const applicantColumns = `id, task_id, user_id, cover_text, status,
	       applied_at, accepted_at, confirm_deadline, last_reminder_at`

func scanApplicant(row rowScanner) (*models.Applicant, error) {
	a := &models.Applicant{}
	err := row.Scan(
		&a.ID, &a.TaskID, &a.UserID, &a.CoverText, &a.Status,
		&a.AppliedAt, &a.AcceptedAt, &a.ConfirmDeadline, &a.LastReminderAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CreateApplicant inserts a new application. A second application by the
// same user to the same task returns ErrDuplicateApplication.
func (db *DB) CreateApplicant(ctx context.Context, a *models.Applicant, events ...*models.Event) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.ApplicantStatusPending
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO applicants (id, task_id, user_id, cover_text, status)
		VALUES (?, ?, ?, ?, ?)
		RETURNING applied_at
	`
	err = tx.QueryRowContext(ctx, query,
		a.ID, a.TaskID, a.UserID, a.CoverText, a.Status,
	).Scan(&a.AppliedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s already applied to task %s: %w",
			a.UserID, a.TaskID, models.ErrDuplicateApplication)
	}
	if err != nil {
		return fmt.Errorf("failed to create applicant: %w", err)
	}

	if err := appendEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}

// GetApplicant retrieves an applicant by ID. Returns nil if not found.
func (db *DB) GetApplicant(ctx context.Context, id string) (*models.Applicant, error) {
	query := `SELECT ` + applicantColumns + ` FROM applicants WHERE id = ?`
	a, err := scanApplicant(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get applicant: %w", err)
	}
	return a, nil
}

// GetApplicantByUser retrieves a user's application to a task. Returns nil
// if the user never applied.
func (db *DB) GetApplicantByUser(ctx context.Context, taskID, userID string) (*models.Applicant, error) {
	query := `SELECT ` + applicantColumns + ` FROM applicants WHERE task_id = ? AND user_id = ?`
	a, err := scanApplicant(db.QueryRowContext(ctx, query, taskID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get applicant by user: %w", err)
	}
	return a, nil
}

// ListApplicants returns a task's applicants, optionally filtered by status.
func (db *DB) ListApplicants(ctx context.Context, taskID string, status *models.ApplicantStatus) ([]*models.Applicant, error) {
	query := `SELECT ` + applicantColumns + ` FROM applicants WHERE task_id = ?`
	args := []any{taskID}

	if status != nil {
		query += " AND status = ?"
		args = append(args, *status)
	}

	query += " ORDER BY applied_at, id"

	return db.queryApplicants(ctx, query, args...)
}

func (db *DB) queryApplicants(ctx context.Context, query string, args ...any) ([]*models.Applicant, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applicants []*models.Applicant
	for rows.Next() {
		a, err := scanApplicant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan applicant: %w", err)
		}
		applicants = append(applicants, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return applicants, nil
}

// AcceptApplicant atomically accepts one pending applicant and declines the
// task's other pending applicants. The guarded UPDATE makes acceptance a
// single-winner operation: it succeeds only while the applicant is still
// pending, the task is still open and no sibling has been accepted or
// confirmed. Returns the accepted applicant and the siblings that were
// auto-declined.
func (db *DB) AcceptApplicant(ctx context.Context, taskID, applicantID string, deadline time.Time) (*models.Applicant, []*models.Applicant, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE applicants
		SET status = 'accepted', accepted_at = ?, confirm_deadline = ?
		WHERE id = ? AND task_id = ? AND status = 'pending'
		  AND EXISTS (SELECT 1 FROM tasks WHERE id = ? AND status = 'open')
		  AND NOT EXISTS (
			SELECT 1 FROM applicants a2
			WHERE a2.task_id = ? AND a2.status IN ('accepted', 'confirmed')
		  )
		RETURNING ` + applicantColumns + `
	`
	now := utcTime(time.Now())
	accepted, err := scanApplicant(tx.QueryRowContext(ctx, query,
		now, utcTime(deadline), applicantID, taskID, taskID, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, db.acceptFailure(ctx, tx, taskID, applicantID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to accept applicant: %w", err)
	}

	declined, err := db.declinePendingSiblings(ctx, tx, taskID, applicantID)
	if err != nil {
		return nil, nil, err
	}

	events := []*models.Event{
		models.NewEvent(taskID, models.EventApplicantAccepted, map[string]any{
			"applicant_id":     accepted.ID,
			"user_id":          accepted.UserID,
			"confirm_deadline": accepted.ConfirmDeadline,
		}),
	}
	for _, d := range declined {
		events = append(events, models.NewEvent(taskID, models.EventApplicantDeclined, map[string]any{
			"applicant_id": d.ID,
			"user_id":      d.UserID,
			"reason":       "another_applicant_accepted",
		}))
	}
	if err := appendEvents(ctx, tx, events); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.triggerChange(ctx)
	return accepted, declined, nil
}

// acceptFailure explains why the guarded accept matched no row.
func (db *DB) acceptFailure(ctx context.Context, exec executor, taskID, applicantID string) error {
	query := `SELECT ` + applicantColumns + ` FROM applicants WHERE id = ?`
	a, err := scanApplicant(exec.QueryRowContext(ctx, query, applicantID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("applicant %s: %w", applicantID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check applicant %s: %w", applicantID, err)
	}
	if a.TaskID != taskID {
		return fmt.Errorf("applicant %s does not belong to task %s: %w", applicantID, taskID, models.ErrNotFound)
	}
	if a.Status != models.ApplicantStatusPending {
		return fmt.Errorf("applicant %s is already %s: %w", applicantID, a.Status, models.ErrConflict)
	}

	var status models.TaskStatus
	err = exec.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check task %s: %w", taskID, err)
	}
	if status != models.TaskStatusOpen {
		return fmt.Errorf("task %s is %s: %w", taskID, status, models.ErrTaskNotOpen)
	}
	return fmt.Errorf("task %s already has an accepted applicant: %w", taskID, models.ErrConflict)
}

func (db *DB) declinePendingSiblings(ctx context.Context, exec executor, taskID, acceptedID string) ([]*models.Applicant, error) {
	query := `
		UPDATE applicants
		SET status = 'declined'
		WHERE task_id = ? AND id != ? AND status = 'pending'
		RETURNING ` + applicantColumns + `
	`
	rows, err := exec.QueryContext(ctx, query, taskID, acceptedID)
	if err != nil {
		return nil, fmt.Errorf("failed to decline siblings: %w", err)
	}
	defer rows.Close()

	var declined []*models.Applicant
	for rows.Next() {
		a, err := scanApplicant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan declined applicant: %w", err)
		}
		declined = append(declined, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return declined, nil
}

// UpdateApplicantStatus moves an applicant from one status to another with a
// guarded UPDATE. The from status is part of the WHERE clause, so a stale
// caller loses cleanly with ErrConflict instead of clobbering a concurrent
// transition.
func (db *DB) UpdateApplicantStatus(ctx context.Context, id string, from, to models.ApplicantStatus, events ...*models.Event) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("applicant transition %s -> %s: %w", from, to, models.ErrValidation)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE applicants SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return fmt.Errorf("failed to update applicant status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		var current models.ApplicantStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM applicants WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("applicant %s: %w", id, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check applicant %s: %w", id, err)
		}
		return fmt.Errorf("applicant %s is %s, not %s: %w", id, current, from, models.ErrConflict)
	}

	if err := appendEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}

// HasLiveApplicant reports whether the task has an accepted or confirmed
// applicant. Expiry is deferred while this holds.
func (db *DB) HasLiveApplicant(ctx context.Context, taskID string) (bool, error) {
	var n int
	query := `SELECT COUNT(*) FROM applicants WHERE task_id = ? AND status IN ('accepted', 'confirmed')`
	if err := db.QueryRowContext(ctx, query, taskID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check live applicants: %w", err)
	}
	return n > 0, nil
}

// ListAcceptedPastDeadline returns accepted applicants whose confirmation
// window has closed.
func (db *DB) ListAcceptedPastDeadline(ctx context.Context, now time.Time) ([]*models.Applicant, error) {
	query := `SELECT ` + applicantColumns + `
		FROM applicants
		WHERE status = 'accepted' AND confirm_deadline IS NOT NULL AND confirm_deadline < ?
		ORDER BY confirm_deadline`
	return db.queryApplicants(ctx, query, utcTime(now))
}

// ListAcceptedNeedingReminder returns accepted applicants still inside their
// confirmation window who have not been reminded since the cutoff.
func (db *DB) ListAcceptedNeedingReminder(ctx context.Context, now, cutoff time.Time) ([]*models.Applicant, error) {
	query := `SELECT ` + applicantColumns + `
		FROM applicants
		WHERE status = 'accepted' AND confirm_deadline IS NOT NULL AND confirm_deadline >= ?
		  AND (last_reminder_at IS NULL OR last_reminder_at < ?)
		ORDER BY confirm_deadline`
	return db.queryApplicants(ctx, query, utcTime(now), utcTime(cutoff))
}

// TouchReminder records that a confirmation reminder was sent.
func (db *DB) TouchReminder(ctx context.Context, id string, at time.Time, events ...*models.Event) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE applicants SET last_reminder_at = ? WHERE id = ?`, utcTime(at), id); err != nil {
		return fmt.Errorf("failed to record reminder: %w", err)
	}

	if err := appendEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}
