package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/amanlux/taskifii-core/pkg/models"
)

// BumpPosted increments a user's posted-task counter.
func (db *DB) BumpPosted(ctx context.Context, userID string) error {
	query := `
		INSERT INTO user_stats (user_id, tasks_posted)
		VALUES (?, 1)
		ON CONFLICT(user_id) DO UPDATE SET
			tasks_posted = tasks_posted + 1,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to bump posted count: %w", err)
	}
	db.triggerChange(ctx)
	return nil
}

// RecordSettlement credits a completed task to both parties: the creator's
// spend and the doer's earnings plus completion count. Amounts are decimal
// strings, so the addition happens here rather than in SQL.
func (db *DB) RecordSettlement(ctx context.Context, creatorID, doerID string, fee decimal.Decimal) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := addAmount(ctx, tx, creatorID, fee, false); err != nil {
		return err
	}
	if err := addAmount(ctx, tx, doerID, fee, true); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}

func addAmount(ctx context.Context, exec executor, userID string, fee decimal.Decimal, earned bool) error {
	var spentStr, earnedStr string
	err := exec.QueryRowContext(ctx,
		`SELECT amount_spent, amount_earned FROM user_stats WHERE user_id = ?`, userID).
		Scan(&spentStr, &earnedStr)
	if errors.Is(err, sql.ErrNoRows) {
		spent, earnedAmt, completed := fee, decimal.Zero, 0
		if earned {
			spent, earnedAmt, completed = decimal.Zero, fee, 1
		}
		if _, err := exec.ExecContext(ctx, `
			INSERT INTO user_stats (user_id, tasks_completed, amount_spent, amount_earned)
			VALUES (?, ?, ?, ?)`,
			userID, completed, spent.String(), earnedAmt.String()); err != nil {
			return fmt.Errorf("failed to insert stats for %s: %w", userID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read stats for %s: %w", userID, err)
	}

	spent, err := decimal.NewFromString(spentStr)
	if err != nil {
		return fmt.Errorf("bad amount_spent %q: %w", spentStr, err)
	}
	earnedAmt, err := decimal.NewFromString(earnedStr)
	if err != nil {
		return fmt.Errorf("bad amount_earned %q: %w", earnedStr, err)
	}

	completedDelta := 0
	if earned {
		earnedAmt = earnedAmt.Add(fee)
		completedDelta = 1
	} else {
		spent = spent.Add(fee)
	}

	if _, err := exec.ExecContext(ctx, `
		UPDATE user_stats
		SET tasks_completed = tasks_completed + ?, amount_spent = ?, amount_earned = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?`,
		completedDelta, spent.String(), earnedAmt.String(), userID); err != nil {
		return fmt.Errorf("failed to update stats for %s: %w", userID, err)
	}
	return nil
}

// GetUserStats retrieves a user's settlement tally. Returns zeroed stats
// rather than nil for a user with no history.
func (db *DB) GetUserStats(ctx context.Context, userID string) (*models.UserStats, error) {
	s := &models.UserStats{UserID: userID}
	var spentStr, earnedStr string
	err := db.QueryRowContext(ctx, `
		SELECT tasks_posted, tasks_completed, amount_spent, amount_earned, updated_at
		FROM user_stats WHERE user_id = ?`, userID).
		Scan(&s.TasksPosted, &s.TasksCompleted, &spentStr, &earnedStr, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		s.AmountSpent = decimal.Zero
		s.AmountEarned = decimal.Zero
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user stats: %w", err)
	}

	if s.AmountSpent, err = decimal.NewFromString(spentStr); err != nil {
		return nil, fmt.Errorf("bad amount_spent %q: %w", spentStr, err)
	}
	if s.AmountEarned, err = decimal.NewFromString(earnedStr); err != nil {
		return nil, fmt.Errorf("bad amount_earned %q: %w", earnedStr, err)
	}
	return s, nil
}
