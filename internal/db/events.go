package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/amanlux/taskifii-core/pkg/models"
)

// appendEvents inserts outbox rows through the given executor so composite
// operations can include them in their own transaction. A nil event is
// skipped.
func appendEvents(ctx context.Context, exec executor, events []*models.Event) error {
	for _, e := range events {
		if e == nil {
			continue
		}
		var payload any
		if len(e.Payload) > 0 {
			payload = string(e.Payload)
		}
		if _, err := exec.ExecContext(ctx,
			`INSERT INTO events (task_id, kind, payload) VALUES (?, ?, ?)`,
			e.TaskID, e.Kind, payload); err != nil {
			return fmt.Errorf("failed to append event %s: %w", e.Kind, err)
		}
	}
	return nil
}

// AppendEvents writes events on their own, outside a composite operation.
func (db *DB) AppendEvents(ctx context.Context, events ...*models.Event) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := appendEvents(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}

func scanEvent(row rowScanner) (*models.Event, error) {
	e := &models.Event{}
	var payload sql.NullString
	err := row.Scan(&e.Seq, &e.TaskID, &e.Kind, &payload, &e.CreatedAt, &e.DispatchedAt)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	return e, nil
}

func (db *DB) queryEvents(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}

// ListEventsAfter returns up to limit events with seq greater than after, in
// sequence order. Consumers resume by passing the last seq they processed.
func (db *DB) ListEventsAfter(ctx context.Context, after int64, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT seq, task_id, kind, payload, created_at, dispatched_at
		FROM events
		WHERE seq > ?
		ORDER BY seq
		LIMIT ?
	`
	return db.queryEvents(ctx, query, after, limit)
}

// ListUndispatched returns events not yet pushed to the callback consumer,
// oldest first.
func (db *DB) ListUndispatched(ctx context.Context, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT seq, task_id, kind, payload, created_at, dispatched_at
		FROM events
		WHERE dispatched_at IS NULL
		ORDER BY seq
		LIMIT ?
	`
	return db.queryEvents(ctx, query, limit)
}

// MarkDispatched stamps the given events as delivered.
func (db *DB) MarkDispatched(ctx context.Context, at time.Time, seqs ...int64) error {
	if len(seqs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(seqs)), ",")
	args := []any{utcTime(at)}
	for _, seq := range seqs {
		args = append(args, seq)
	}

	query := `UPDATE events SET dispatched_at = ? WHERE seq IN (` + placeholders + `)`
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to mark events dispatched: %w", err)
	}

	db.triggerChange(ctx)
	return nil
}
