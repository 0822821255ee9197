// Package scheduler runs the periodic sweep that drives every time-based
// transition: confirmation timeouts, offer expiry, review-window
// auto-confirmation, funding reconciliation, reminders and outbox dispatch.
// Each step is idempotent, so overlapping or repeated sweeps converge on the
// same state instead of compounding.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/amanlux/taskifii-core/internal/config"
	"github.com/amanlux/taskifii-core/internal/db"
	"github.com/amanlux/taskifii-core/internal/gateway"
	"github.com/amanlux/taskifii-core/internal/lifecycle"
	"github.com/amanlux/taskifii-core/pkg/models"
)

// SignatureHeader carries the HMAC of the dispatched event body so the
// conversational layer can authenticate pushes.
const SignatureHeader = "X-Taskifii-Signature"

const dispatchBatchSize = 50

// Scheduler owns the sweep loop. All state transitions it performs go
// through the controller and the storage layer's version CAS; the scheduler
// itself holds no authority beyond noticing that time has passed.
type Scheduler struct {
	store  *db.DB
	ctrl   *lifecycle.Controller
	cfg    *config.Config
	client *http.Client

	interval time.Duration
	now      func() time.Time
}

func New(store *db.DB, ctrl *lifecycle.Controller, cfg *config.Config) *Scheduler {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:    store,
		ctrl:     ctrl,
		cfg:      cfg,
		client:   &http.Client{Timeout: 15 * time.Second},
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps once immediately, then on every tick until the context is
// canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs every step once. Steps never abort the sweep: a failure on one
// task is logged and the rest still get their turn. Declines run before
// expiry so a task whose accepted applicant timed out can expire in the same
// pass.
func (s *Scheduler) Sweep(ctx context.Context) {
	s.declineLapsedConfirmations(ctx)
	s.expireStaleOffers(ctx)
	s.reconcileFundedTasks(ctx)
	s.autoConfirmDueStages(ctx)
	s.remindPendingConfirmations(ctx)
	s.noticeOverdueTasks(ctx)
	s.dispatchOutbox(ctx)
}

// declineLapsedConfirmations frees tasks whose accepted applicant never
// confirmed. The guarded accepted->declined update makes a lost race with a
// concurrent confirm harmless.
func (s *Scheduler) declineLapsedConfirmations(ctx context.Context) {
	lapsed, err := s.store.ListAcceptedPastDeadline(ctx, s.now().UTC())
	if err != nil {
		log.Printf("[sweep] list lapsed confirmations: %v", err)
		return
	}
	for _, a := range lapsed {
		ev := models.NewEvent(a.TaskID, models.EventApplicantDeclined, map[string]any{
			"applicant_id": a.ID,
			"user_id":      a.UserID,
			"reason":       "confirm_timeout",
		})
		err := s.store.UpdateApplicantStatus(ctx, a.ID,
			models.ApplicantStatusAccepted, models.ApplicantStatusDeclined, ev)
		if err != nil && !errors.Is(err, models.ErrConflict) {
			log.Printf("[sweep] decline applicant %s: %v", a.ID, err)
		}
	}
}

// expireStaleOffers closes open tasks whose offer window lapsed. The
// controller re-checks for a live applicant, so a confirm landing between
// the list and the call just makes this a no-op.
func (s *Scheduler) expireStaleOffers(ctx context.Context) {
	open := models.TaskStatusOpen
	tasks, err := s.store.ListTasks(ctx, &open, nil)
	if err != nil {
		log.Printf("[sweep] list open tasks: %v", err)
		return
	}
	now := s.now()
	for _, t := range tasks {
		if now.Before(t.OfferExpiry) {
			continue
		}
		if _, err := s.ctrl.Expire(ctx, t.ID); err != nil && !errors.Is(err, models.ErrConflict) {
			log.Printf("[sweep] expire task %s: %v", t.ID, err)
		}
	}
}

// reconcileFundedTasks catches tasks stuck in taken with a paid escrow
// intent, which happens when the funding callback's task transition lost a
// race or the process died between the two commits.
func (s *Scheduler) reconcileFundedTasks(ctx context.Context) {
	taken := models.TaskStatusTaken
	tasks, err := s.store.ListTasks(ctx, &taken, nil)
	if err != nil {
		log.Printf("[sweep] list taken tasks: %v", err)
		return
	}
	for _, t := range tasks {
		live, err := s.store.GetLiveEscrowIntent(ctx, t.ID)
		if err != nil {
			log.Printf("[sweep] load escrow for task %s: %v", t.ID, err)
			continue
		}
		if live == nil || live.Status != models.IntentStatusPaid {
			continue
		}
		if _, err := s.ctrl.OnEscrowFunded(ctx, t.ID); err != nil {
			log.Printf("[sweep] reconcile funding for task %s: %v", t.ID, err)
		}
	}
}

// autoConfirmDueStages releases stages the creator left unreviewed past the
// review deadline. Silence is acceptance.
func (s *Scheduler) autoConfirmDueStages(ctx context.Context) {
	now := s.now()
	for _, status := range []models.TaskStatus{models.TaskStatusInProgress, models.TaskStatusPendingFinal} {
		st := status
		tasks, err := s.store.ListTasks(ctx, &st, nil)
		if err != nil {
			log.Printf("[sweep] list %s tasks: %v", status, err)
			continue
		}
		for _, t := range tasks {
			for _, stage := range t.Stages {
				if !stage.Delivered || stage.Paid || stage.ReviewDeadline == nil {
					continue
				}
				if now.Before(*stage.ReviewDeadline) {
					continue
				}
				// ConfirmStage reloads the task, so releasing several due
				// stages of one task in a single pass cannot trip the CAS.
				if _, err := s.ctrl.ConfirmStage(ctx, t.ID, stage.StageNum); err != nil {
					log.Printf("[sweep] auto-confirm stage %d of task %s: %v", stage.StageNum, t.ID, err)
					break
				}
			}
		}
	}
}

// remindPendingConfirmations nudges accepted applicants who have not
// confirmed yet, at most once per cooldown.
func (s *Scheduler) remindPendingConfirmations(ctx context.Context) {
	now := s.now().UTC()
	cutoff := now.Add(-s.cfg.ReminderCooldown)
	due, err := s.store.ListAcceptedNeedingReminder(ctx, now, cutoff)
	if err != nil {
		log.Printf("[sweep] list reminder candidates: %v", err)
		return
	}
	for _, a := range due {
		ev := models.NewEvent(a.TaskID, models.EventConfirmReminder, map[string]any{
			"applicant_id":     a.ID,
			"user_id":          a.UserID,
			"confirm_deadline": a.ConfirmDeadline,
		})
		if err := s.store.TouchReminder(ctx, a.ID, now, ev); err != nil {
			log.Printf("[sweep] record reminder for applicant %s: %v", a.ID, err)
		}
	}
}

// noticeOverdueTasks emits a single task_overdue event when an in-progress
// task crosses its completion deadline with the doer still working. The
// stamp on the task keeps the notice one-shot.
func (s *Scheduler) noticeOverdueTasks(ctx context.Context) {
	inProgress := models.TaskStatusInProgress
	tasks, err := s.store.ListTasks(ctx, &inProgress, nil)
	if err != nil {
		log.Printf("[sweep] list in-progress tasks: %v", err)
		return
	}
	now := s.now().UTC()
	for _, t := range tasks {
		deadline := t.CompletionDeadline()
		if deadline.IsZero() || now.Before(deadline) || t.OverdueRemindedAt != nil {
			continue
		}
		stamp := now
		t.OverdueRemindedAt = &stamp
		ev := models.NewEvent(t.ID, models.EventTaskOverdue, map[string]any{
			"completion_deadline": deadline,
			"hours_late":          int(math.Ceil(now.Sub(deadline).Hours())),
		})
		if err := s.store.TransitionTask(ctx, t, ev); err != nil && !errors.Is(err, models.ErrConflict) {
			log.Printf("[sweep] mark task %s overdue: %v", t.ID, err)
		}
	}
}

// dispatchOutbox pushes undelivered events to the conversational layer in
// sequence order, stopping at the first failure so delivery order is
// preserved. Delivery is at-least-once: a crash after the POST but before
// the dispatch mark replays the event next sweep.
func (s *Scheduler) dispatchOutbox(ctx context.Context) {
	if s.cfg.BotCallbackURL == "" {
		return
	}
	events, err := s.store.ListUndispatched(ctx, dispatchBatchSize)
	if err != nil {
		log.Printf("[sweep] list undispatched events: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	var delivered []int64
	for _, e := range events {
		if err := s.deliver(ctx, e); err != nil {
			log.Printf("[sweep] dispatch event %d (%s): %v", e.Seq, e.Kind, err)
			break
		}
		delivered = append(delivered, e.Seq)
	}
	if len(delivered) == 0 {
		return
	}
	if err := s.store.MarkDispatched(ctx, s.now().UTC(), delivered...); err != nil {
		log.Printf("[sweep] mark %d events dispatched: %v", len(delivered), err)
	}
}

func (s *Scheduler) deliver(ctx context.Context, e *models.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BotCallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, gateway.Sign(s.cfg.WebhookSecret, body))

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned %s", resp.Status)
	}
	return nil
}
