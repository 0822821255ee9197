package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/amanlux/taskifii-core/pkg/models"
)

// EnableAutoAudit sets up a hook that re-exports the audit trail to the
// given path after every successful write operation.
func (db *DB) EnableAutoAudit(path string) {
	db.SetOnChange(func(ctx context.Context) {
		// Hooks are best-effort; an export failure must not fail the
		// write that triggered it.
		_ = db.ExportAudit(ctx, path)
	})
}

// auditLine is one JSONL record of the exported settlement trail. Exactly
// one of the record pointers is set, matching RecordType.
type auditLine struct {
	RecordType string                `json:"record_type"`
	ExportedAt *time.Time            `json:"exported_at,omitempty"`
	Task       *models.Task          `json:"task,omitempty"`
	Applicant  *models.Applicant     `json:"applicant,omitempty"`
	Intent     *models.PaymentIntent `json:"intent,omitempty"`
	Event      *models.Event         `json:"event,omitempty"`
}

// ExportAudit writes the full settlement trail as JSONL to the given path,
// atomically via a temporary file. There is deliberately no import
// counterpart: financial state is only ever mutated through the guarded
// transitions, never restored wholesale from a file.
func (db *DB) ExportAudit(ctx context.Context, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, "audit-*.jsonl")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	enc := json.NewEncoder(tempFile)

	now := time.Now().UTC()
	if err := enc.Encode(auditLine{RecordType: "meta", ExportedAt: &now}); err != nil {
		return fmt.Errorf("failed to write meta record: %w", err)
	}

	tasks, err := db.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := enc.Encode(auditLine{RecordType: "task", Task: t}); err != nil {
			return fmt.Errorf("failed to write task record: %w", err)
		}
	}

	applicants, err := db.queryApplicants(ctx,
		`SELECT `+applicantColumns+` FROM applicants ORDER BY applied_at, id`)
	if err != nil {
		return err
	}
	for _, a := range applicants {
		if err := enc.Encode(auditLine{RecordType: "applicant", Applicant: a}); err != nil {
			return fmt.Errorf("failed to write applicant record: %w", err)
		}
	}

	intents, err := db.queryIntents(ctx,
		`SELECT `+intentColumns+` FROM payment_intents ORDER BY created_at, id`)
	if err != nil {
		return err
	}
	for _, in := range intents {
		if err := enc.Encode(auditLine{RecordType: "intent", Intent: in}); err != nil {
			return fmt.Errorf("failed to write intent record: %w", err)
		}
	}

	events, err := db.queryEvents(ctx,
		`SELECT seq, task_id, kind, payload, created_at, dispatched_at FROM events ORDER BY seq`)
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := enc.Encode(auditLine{RecordType: "event", Event: e}); err != nil {
			return fmt.Errorf("failed to write event record: %w", err)
		}
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	filename := tempFile.Name()
	tempFile = nil // Prevent defer from removing it

	if err := os.Rename(filename, path); err != nil {
		os.Remove(filename)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
