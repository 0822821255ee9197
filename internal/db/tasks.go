package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amanlux/taskifii-core/pkg/models"
)

const taskColumns = `id, creator_id, description, fee, currency,
	       completion_window_hours, revision_window_hours, late_penalty_rate,
	       strategy, offer_expiry, status, accepted_applicant_id, version,
	       funded_at, completed_at, canceled_at, overdue_reminded_at,
	       created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	t := &models.Task{}
	var fee, rate string
	err := row.Scan(
		&t.ID, &t.CreatorID, &t.Description, &fee, &t.Currency,
		&t.CompletionWindowHours, &t.RevisionWindowHours, &rate,
		&t.Strategy, &t.OfferExpiry, &t.Status, &t.AcceptedApplicantID, &t.Version,
		&t.FundedAt, &t.CompletedAt, &t.CanceledAt, &t.OverdueRemindedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.Fee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("bad fee %q: %w", fee, err)
	}
	if t.LatePenaltyRate, err = decimal.NewFromString(rate); err != nil {
		return nil, fmt.Errorf("bad late penalty rate %q: %w", rate, err)
	}
	return t, nil
}

// CreateTask inserts a new task together with its stage schedule and any
// outbox events, in one transaction. If t.ID is empty, a new UUID is
// generated.
func (db *DB) CreateTask(ctx context.Context, t *models.Task, events ...*models.Event) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusOpen
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO tasks (id, creator_id, description, fee, currency,
		                   completion_window_hours, revision_window_hours,
		                   late_penalty_rate, strategy, offer_expiry, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING version, created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, query,
		t.ID, t.CreatorID, t.Description, t.Fee.String(), t.Currency,
		t.CompletionWindowHours, t.RevisionWindowHours,
		t.LatePenaltyRate.String(), t.Strategy, utcTime(t.OfferExpiry), t.Status,
	).Scan(&t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	for _, s := range t.Stages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO stages (task_id, stage_num, percent) VALUES (?, ?, ?)`,
			t.ID, s.StageNum, s.Percent,
		); err != nil {
			return fmt.Errorf("failed to create stage %d: %w", s.StageNum, err)
		}
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

// GetTask retrieves a task and its stages by ID. Returns nil if not found.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	t, err := scanTask(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	if t.Stages, err = db.loadStages(ctx, db.DB, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns tasks, optionally filtered by status or creator.
func (db *DB) ListTasks(ctx context.Context, status *models.TaskStatus, creatorID *string) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []any{}

	if status != nil {
		query += " AND status = ?"
		args = append(args, *status)
	}

	if creatorID != nil {
		query += " AND creator_id = ?"
		args = append(args, *creatorID)
	}

	query += " ORDER BY created_at DESC, id"

	return db.queryTasks(ctx, query, args...)
}

// queryTasks is a helper to execute a query that returns a list of tasks,
// stages included.
func (db *DB) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for _, t := range tasks {
		if t.Stages, err = db.loadStages(ctx, db.DB, t.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (db *DB) loadStages(ctx context.Context, exec executor, taskID string) ([]*models.Stage, error) {
	query := `
		SELECT stage_num, percent, delivered, paid, delivered_at, paid_at, review_deadline
		FROM stages
		WHERE task_id = ?
		ORDER BY stage_num
	`
	rows, err := exec.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stages: %w", err)
	}
	defer rows.Close()

	var stages []*models.Stage
	for rows.Next() {
		s := &models.Stage{}
		var delivered, paid int
		if err := rows.Scan(&s.StageNum, &s.Percent, &delivered, &paid,
			&s.DeliveredAt, &s.PaidAt, &s.ReviewDeadline); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		s.Delivered = delivered == 1
		s.Paid = paid == 1
		stages = append(stages, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return stages, nil
}

// TransitionTask persists a task mutation with a compare-and-swap on the
// version counter, writing the in-memory field values of t, its stages and
// any outbox events in one transaction. The caller must not change t.Version
// between loading the task and calling this; a version mismatch returns
// ErrConflict and the caller is expected to reload and re-validate.
func (db *DB) TransitionTask(ctx context.Context, t *models.Task, events ...*models.Event) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Status-pair legality is enforced here as well as in the controller;
	// a status-preserving write (deadline stamps, stage flags) skips it.
	var current models.TaskStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, t.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", t.ID, models.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to check task %s: %w", t.ID, err)
	}
	if current != t.Status && !current.CanTransition(t.Status) {
		return fmt.Errorf("invalid transition from %s to %s: %w", current, t.Status, models.ErrValidation)
	}

	query := `
		UPDATE tasks
		SET status = ?, accepted_applicant_id = ?,
		    funded_at = ?, completed_at = ?, canceled_at = ?, overdue_reminded_at = ?,
		    version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
		RETURNING updated_at
	`
	err = tx.QueryRowContext(ctx, query,
		t.Status, t.AcceptedApplicantID,
		nullableTime(t.FundedAt), nullableTime(t.CompletedAt),
		nullableTime(t.CanceledAt), nullableTime(t.OverdueRemindedAt),
		t.ID, t.Version,
	).Scan(&t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return taskConflictOrMissing(ctx, tx, t.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}

	for _, s := range t.Stages {
		if _, err := tx.ExecContext(ctx, `
			UPDATE stages
			SET delivered = ?, paid = ?, delivered_at = ?, paid_at = ?, review_deadline = ?
			WHERE task_id = ? AND stage_num = ?`,
			boolInt(s.Delivered), boolInt(s.Paid),
			nullableTime(s.DeliveredAt), nullableTime(s.PaidAt), nullableTime(s.ReviewDeadline),
			t.ID, s.StageNum,
		); err != nil {
			return fmt.Errorf("failed to update stage %d: %w", s.StageNum, err)
		}
	}

	if err := appendEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	t.Version++
	db.triggerChange(ctx)
	return nil
}

// taskConflictOrMissing disambiguates a zero-row CAS update.
func taskConflictOrMissing(ctx context.Context, exec executor, id string) error {
	var n int
	if err := exec.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("failed to check task %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, models.ErrNotFound)
	}
	return fmt.Errorf("task %s was modified concurrently: %w", id, models.ErrConflict)
}

// TotalFeeVolume sums the fee of completed tasks, for the status report.
func (db *DB) TotalFeeVolume(ctx context.Context) (decimal.Decimal, error) {
	rows, err := db.QueryContext(ctx, `SELECT fee FROM tasks WHERE status = 'completed'`)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query fee volume: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var fee string
		if err := rows.Scan(&fee); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan fee: %w", err)
		}
		d, err := decimal.NewFromString(fee)
		if err != nil {
			return decimal.Zero, fmt.Errorf("bad fee %q: %w", fee, err)
		}
		total = total.Add(d)
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("rows error: %w", err)
	}
	return total, nil
}
