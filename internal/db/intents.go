package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amanlux/taskifii-core/pkg/models"
)

const intentColumns = `id, user_id, kind, task_id, amount, currency, reference,
	       status, refund_status, gateway_charge_id, checkout_url,
	       created_at, paid_at, refunded_at`

func scanIntent(row rowScanner) (*models.PaymentIntent, error) {
	in := &models.PaymentIntent{}
	var amount string
	err := row.Scan(
		&in.ID, &in.UserID, &in.Kind, &in.TaskID, &amount, &in.Currency, &in.Reference,
		&in.Status, &in.RefundStatus, &in.GatewayChargeID, &in.CheckoutURL,
		&in.CreatedAt, &in.PaidAt, &in.RefundedAt,
	)
	if err != nil {
		return nil, err
	}
	if in.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("bad amount %q: %w", amount, err)
	}
	return in, nil
}

// CreateIntent inserts a new payment intent in pending state. A reference
// collision, or a second live escrow intent for the same task, returns
// ErrConflict.
func (db *DB) CreateIntent(ctx context.Context, in *models.PaymentIntent, events ...*models.Event) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Status == "" {
		in.Status = models.IntentStatusPending
	}
	if in.RefundStatus == "" {
		in.RefundStatus = models.RefundStatusNone
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO payment_intents (id, user_id, kind, task_id, amount, currency,
		                             reference, status, refund_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING created_at
	`
	err = tx.QueryRowContext(ctx, query,
		in.ID, in.UserID, in.Kind, in.TaskID, in.Amount.String(), in.Currency,
		in.Reference, in.Status, in.RefundStatus,
	).Scan(&in.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("intent %s for task %v already exists: %w",
			in.Reference, in.TaskID, models.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create intent: %w", err)
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

// GetIntent retrieves an intent by ID. Returns nil if not found.
func (db *DB) GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = ?`
	in, err := scanIntent(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent: %w", err)
	}
	return in, nil
}

// GetIntentByReference retrieves an intent by its gateway reference.
// Returns nil if not found.
func (db *DB) GetIntentByReference(ctx context.Context, reference string) (*models.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE reference = ?`
	in, err := scanIntent(db.QueryRowContext(ctx, query, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent by reference: %w", err)
	}
	return in, nil
}

// GetLiveEscrowIntent returns the task's pending or paid escrow intent, or
// nil. The schema enforces at most one.
func (db *DB) GetLiveEscrowIntent(ctx context.Context, taskID string) (*models.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + `
		FROM payment_intents
		WHERE task_id = ? AND kind = 'escrow' AND status IN ('pending', 'paid')`
	in, err := scanIntent(db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get live escrow intent: %w", err)
	}
	return in, nil
}

// ListIntentsByTask returns all intents recorded against a task, oldest
// first.
func (db *DB) ListIntentsByTask(ctx context.Context, taskID string) ([]*models.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + `
		FROM payment_intents WHERE task_id = ? ORDER BY created_at, id`
	return db.queryIntents(ctx, query, taskID)
}

func (db *DB) queryIntents(ctx context.Context, query string, args ...any) ([]*models.PaymentIntent, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query intents: %w", err)
	}
	defer rows.Close()

	var intents []*models.PaymentIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		intents = append(intents, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return intents, nil
}

// SetIntentCheckout records the gateway handle returned when the charge was
// created. Only a pending intent can be updated; anything later is owned by
// the callback path.
func (db *DB) SetIntentCheckout(ctx context.Context, id string, checkoutURL, gatewayChargeID *string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE payment_intents
		SET checkout_url = ?, gateway_charge_id = ?
		WHERE id = ? AND status = 'pending'`,
		checkoutURL, gatewayChargeID, id)
	if err != nil {
		return fmt.Errorf("failed to set intent checkout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("intent %s is not pending: %w", id, models.ErrConflict)
	}
	db.triggerChange(ctx)
	return nil
}

// MarkIntentPaid applies a success callback to the intent with the given
// reference. The status guard in the WHERE clause makes replays converge:
// only the first callback transitions the row, and the bool result reports
// whether this call was that first one. Events are appended only on the
// first transition. An unknown reference returns ErrNotFound.
func (db *DB) MarkIntentPaid(ctx context.Context, reference string, gatewayChargeID *string, paidAt time.Time, events ...*models.Event) (*models.PaymentIntent, bool, error) {
	return db.resolveIntent(ctx, reference, models.IntentStatusPaid, gatewayChargeID, &paidAt, events)
}

// MarkIntentFailed applies a failure callback to the intent with the given
// reference, with the same replay semantics as MarkIntentPaid.
func (db *DB) MarkIntentFailed(ctx context.Context, reference string, events ...*models.Event) (*models.PaymentIntent, bool, error) {
	return db.resolveIntent(ctx, reference, models.IntentStatusFailed, nil, nil, events)
}

func (db *DB) resolveIntent(ctx context.Context, reference string, to models.IntentStatus, gatewayChargeID *string, paidAt *time.Time, events []*models.Event) (*models.PaymentIntent, bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE payment_intents
		SET status = ?, paid_at = ?, gateway_charge_id = COALESCE(?, gateway_charge_id)
		WHERE reference = ? AND status = 'pending'
		RETURNING ` + intentColumns + `
	`
	in, err := scanIntent(tx.QueryRowContext(ctx, query,
		to, nullableTime(paidAt), gatewayChargeID, reference))
	if errors.Is(err, sql.ErrNoRows) {
		// Already resolved or unknown; replays return the final state.
		existing, err := db.intentByReference(ctx, tx, reference)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, fmt.Errorf("intent %s: %w", reference, models.ErrNotFound)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve intent: %w", err)
	}

	if err := appendEvents(ctx, tx, events); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.triggerChange(ctx)
	return in, true, nil
}

func (db *DB) intentByReference(ctx context.Context, exec executor, reference string) (*models.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE reference = ?`
	in, err := scanIntent(exec.QueryRowContext(ctx, query, reference))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent by reference: %w", err)
	}
	return in, nil
}

// VoidIntent cancels a pending intent so a later gateway callback for it
// cannot move money. Voiding anything but a pending intent is a conflict.
func (db *DB) VoidIntent(ctx context.Context, id string, events ...*models.Event) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE payment_intents SET status = 'voided' WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return fmt.Errorf("failed to void intent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		var status models.IntentStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM payment_intents WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check intent %s: %w", id, err)
		}
		return fmt.Errorf("intent %s is %s, not pending: %w", id, status, models.ErrConflict)
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

// UpdateRefundStatus moves a paid intent's refund state with a guarded
// UPDATE; the from state is part of the WHERE clause.
func (db *DB) UpdateRefundStatus(ctx context.Context, id string, from, to models.RefundStatus, refundedAt *time.Time, events ...*models.Event) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("refund transition %s -> %s: %w", from, to, models.ErrValidation)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE payment_intents
		SET refund_status = ?, refunded_at = COALESCE(?, refunded_at)
		WHERE id = ? AND refund_status = ? AND status = 'paid'`,
		to, nullableTime(refundedAt), id, from)
	if err != nil {
		return fmt.Errorf("failed to update refund status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		var status models.IntentStatus
		var current models.RefundStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status, refund_status FROM payment_intents WHERE id = ?`, id).Scan(&status, &current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("intent %s: %w", id, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to check intent %s: %w", id, err)
		}
		if status != models.IntentStatusPaid {
			return fmt.Errorf("intent %s is %s, only paid intents refund: %w", id, status, models.ErrConflict)
		}
		return fmt.Errorf("intent %s refund is %s, not %s: %w", id, current, from, models.ErrConflict)
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
