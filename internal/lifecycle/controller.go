// Package lifecycle is the authoritative task state machine. Every
// cross-component transition passes through the Controller: posting,
// acceptance fallout, escrow funding, stage delivery and release,
// cancellation and expiry. All task writes go through the version CAS in the
// storage layer, so a stale controller call loses cleanly instead of
// clobbering concurrent state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amanlux/taskifii-core/internal/applicants"
	"github.com/amanlux/taskifii-core/internal/config"
	"github.com/amanlux/taskifii-core/internal/db"
	"github.com/amanlux/taskifii-core/internal/escrow"
	"github.com/amanlux/taskifii-core/internal/stages"
	"github.com/amanlux/taskifii-core/pkg/models"
)

// Draft is the creator's input to PostTask, before validation.
type Draft struct {
	CreatorID             string
	Description           string
	Fee                   decimal.Decimal
	Currency              string
	CompletionWindowHours int
	RevisionWindowHours   int
	LatePenaltyRate       decimal.Decimal
	Strategy              models.ExchangeStrategy
	ExpiryHours           int
}

// Controller coordinates the storage layer, the escrow manager and the
// applicant manager.
type Controller struct {
	store      *db.DB
	escrow     *escrow.Manager
	applicants *applicants.Manager
	cfg        *config.Config
	now        func() time.Time
}

func NewController(store *db.DB, esc *escrow.Manager, apps *applicants.Manager, cfg *config.Config) *Controller {
	return &Controller{
		store:      store,
		escrow:     esc,
		applicants: apps,
		cfg:        cfg,
		now:        time.Now,
	}
}

// PostTask validates a draft, derives its stage schedule and opens it for
// applications.
func (c *Controller) PostTask(ctx context.Context, draft Draft) (*models.Task, error) {
	if draft.CreatorID == "" {
		return nil, fmt.Errorf("%w: creator is required", models.ErrValidation)
	}
	if strings.TrimSpace(draft.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", models.ErrValidation)
	}
	if draft.Currency == "" {
		draft.Currency = c.cfg.Currency
	}
	if draft.Fee.LessThan(c.cfg.MinFee) {
		return nil, fmt.Errorf("%w: fee %s is below the minimum %s %s",
			models.ErrValidation, draft.Fee, c.cfg.MinFee, draft.Currency)
	}
	if draft.CompletionWindowHours < 1 {
		return nil, fmt.Errorf("%w: completion window must be at least one hour", models.ErrValidation)
	}
	if draft.RevisionWindowHours < 0 || draft.RevisionWindowHours*2 > draft.CompletionWindowHours {
		return nil, fmt.Errorf("%w: revision window %dh exceeds half the completion window %dh",
			models.ErrValidation, draft.RevisionWindowHours, draft.CompletionWindowHours)
	}
	if draft.LatePenaltyRate.IsNegative() {
		return nil, fmt.Errorf("%w: negative late penalty rate", models.ErrValidation)
	}
	if maxRate := draft.Fee.Mul(c.cfg.PenaltyCapRatio); draft.LatePenaltyRate.GreaterThan(maxRate) {
		return nil, fmt.Errorf("%w: late penalty rate %s/h exceeds %s%% of the fee",
			models.ErrValidation, draft.LatePenaltyRate, c.cfg.PenaltyCapRatio.Mul(decimal.NewFromInt(100)))
	}
	if draft.ExpiryHours < 1 || draft.ExpiryHours > c.cfg.MaxOfferHours {
		return nil, fmt.Errorf("%w: offer expiry must be between 1 and %d hours",
			models.ErrValidation, c.cfg.MaxOfferHours)
	}

	schedule, err := stages.BuildSchedule(draft.Strategy)
	if err != nil {
		return nil, err
	}
	if err := stages.Validate(schedule); err != nil {
		return nil, err
	}

	task := &models.Task{
		// Minted here so the posted event can carry it into the same
		// transaction.
		ID:                    uuid.NewString(),
		CreatorID:             draft.CreatorID,
		Description:           draft.Description,
		Fee:                   draft.Fee,
		Currency:              draft.Currency,
		CompletionWindowHours: draft.CompletionWindowHours,
		RevisionWindowHours:   draft.RevisionWindowHours,
		LatePenaltyRate:       draft.LatePenaltyRate,
		Strategy:              draft.Strategy,
		OfferExpiry:           c.now().Add(time.Duration(draft.ExpiryHours) * time.Hour).UTC(),
		Stages:                schedule,
	}
	ev := models.NewEvent(task.ID, models.EventTaskPosted, map[string]any{
		"creator_id":   task.CreatorID,
		"fee":          task.Fee,
		"currency":     task.Currency,
		"strategy":     task.Strategy,
		"offer_expiry": task.OfferExpiry,
	})
	if err := c.store.CreateTask(ctx, task, ev); err != nil {
		return nil, err
	}
	if err := c.store.BumpPosted(ctx, task.CreatorID); err != nil {
		return nil, err
	}
	return task, nil
}

// ConfirmApplicant is the composite confirm: the applicant commits, the task
// moves to taken and escrow is opened against the creator. Replaying it
// after a crash between those steps resumes instead of failing.
func (c *Controller) ConfirmApplicant(ctx context.Context, taskID, applicantID string) (*models.Task, *models.PaymentIntent, error) {
	a, err := c.applicants.Confirm(ctx, taskID, applicantID)
	if err != nil {
		existing, gerr := c.store.GetApplicant(ctx, applicantID)
		if gerr == nil && existing != nil && existing.TaskID == taskID &&
			existing.Status == models.ApplicantStatusConfirmed {
			// Already confirmed; the task transition or the escrow open is
			// what is missing.
			return c.OnApplicantConfirmed(ctx, taskID, applicantID)
		}
		return nil, nil, err
	}
	return c.OnApplicantConfirmed(ctx, taskID, a.ID)
}

// OnApplicantConfirmed records the winner on the task, moves it to taken and
// asks the escrow manager for a hold on the full fee. Escrow failure leaves
// the task taken so the open can be retried; it never rolls back the
// confirmation.
func (c *Controller) OnApplicantConfirmed(ctx context.Context, taskID, applicantID string) (*models.Task, *models.PaymentIntent, error) {
	task, err := c.task(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	a, err := c.store.GetApplicant(ctx, applicantID)
	if err != nil {
		return nil, nil, err
	}
	if a == nil || a.TaskID != taskID {
		return nil, nil, fmt.Errorf("applicant %s on task %s: %w", applicantID, taskID, models.ErrNotFound)
	}
	if a.Status != models.ApplicantStatusConfirmed {
		return nil, nil, fmt.Errorf("applicant %s is %s, not confirmed: %w", a.ID, a.Status, models.ErrConflict)
	}

	switch task.Status {
	case models.TaskStatusOpen:
		task.Status = models.TaskStatusTaken
		task.AcceptedApplicantID = &a.ID
		if err := c.store.TransitionTask(ctx, task); err != nil {
			return nil, nil, err
		}
	case models.TaskStatusTaken:
		if task.AcceptedApplicantID == nil || *task.AcceptedApplicantID != a.ID {
			return nil, nil, fmt.Errorf("task %s is taken by a different applicant: %w", taskID, models.ErrConflict)
		}
	default:
		return nil, nil, fmt.Errorf("task %s is %s: %w", taskID, task.Status, models.ErrConflict)
	}

	in, err := c.escrow.OpenEscrow(ctx, task)
	if errors.Is(err, models.ErrAlreadyPaid) {
		// Funded while we were away; catch the task up.
		task, err = c.OnEscrowFunded(ctx, taskID)
		return task, in, err
	}
	return task, in, err
}

// RetryEscrow re-runs the escrow open for a taken task whose previous
// attempt failed. It is a manual command, not a background retry: moving
// money again is never done without an explicit decision.
func (c *Controller) RetryEscrow(ctx context.Context, taskID string) (*models.Task, *models.PaymentIntent, error) {
	task, err := c.task(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.Status != models.TaskStatusTaken || task.AcceptedApplicantID == nil {
		return nil, nil, fmt.Errorf("task %s is %s, escrow retry needs a taken task: %w",
			taskID, task.Status, models.ErrConflict)
	}
	return c.OnApplicantConfirmed(ctx, taskID, *task.AcceptedApplicantID)
}

// HandleGatewayCallback routes one gateway fact through the escrow manager
// and, on the first funding of an escrow, starts the task's completion
// clock.
func (c *Controller) HandleGatewayCallback(ctx context.Context, reference string, succeeded bool, gatewayChargeID string) (*models.PaymentIntent, error) {
	in, first, err := c.escrow.HandleGatewayCallback(ctx, reference, succeeded, gatewayChargeID)
	if err != nil {
		return nil, err
	}
	if first && succeeded && in.Kind == models.IntentKindEscrow && in.TaskID != nil {
		// The payment is already recorded; if this transition loses a race
		// the sweep's reconcile step finishes the job.
		if _, err := c.OnEscrowFunded(ctx, *in.TaskID); err != nil {
			return in, err
		}
	}
	return in, nil
}

// OnEscrowFunded moves a taken task to in_progress once its escrow intent is
// paid, stamping funded_at so the completion clock starts. Calling it on a
// task already past taken is a no-op, which makes the webhook path and the
// sweep's reconcile path safe to race.
func (c *Controller) OnEscrowFunded(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := c.task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case models.TaskStatusInProgress, models.TaskStatusPendingFinal, models.TaskStatusCompleted:
		return task, nil
	case models.TaskStatusTaken:
	default:
		return nil, fmt.Errorf("task %s is %s, escrow funding needs a taken task: %w",
			taskID, task.Status, models.ErrConflict)
	}

	live, err := c.store.GetLiveEscrowIntent(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if live == nil || live.Status != models.IntentStatusPaid {
		return nil, fmt.Errorf("task %s has no paid escrow: %w", taskID, models.ErrConflict)
	}

	fundedAt := c.now().UTC()
	if live.PaidAt != nil {
		fundedAt = *live.PaidAt
	}
	task.Status = models.TaskStatusInProgress
	task.FundedAt = &fundedAt
	ev := models.NewEvent(task.ID, models.EventEscrowFunded, map[string]any{
		"intent_id": live.ID,
		"amount":    live.Amount,
		"currency":  live.Currency,
	})
	if err := c.store.TransitionTask(ctx, task, ev); err != nil {
		return nil, err
	}
	return task, nil
}

// MarkStageDelivered records the doer's delivery of the next stage and
// starts its review window. Delivering the final stage parks the task in
// pending_final_confirmation.
func (c *Controller) MarkStageDelivered(ctx context.Context, taskID string, stageNum int) (*models.Task, error) {
	task, err := c.task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusInProgress {
		return nil, fmt.Errorf("task %s is %s, delivery needs an in-progress task: %w",
			taskID, task.Status, models.ErrConflict)
	}
	if !stages.CanMarkDelivered(task.Stages, stageNum) {
		return nil, fmt.Errorf("stage %d of task %s is not deliverable: %w", stageNum, taskID, models.ErrStageOrder)
	}

	now := c.now().UTC()
	review := now.Add(time.Duration(task.RevisionWindowHours) * time.Hour)
	st := task.Stage(stageNum)
	st.Delivered = true
	st.DeliveredAt = &now
	st.ReviewDeadline = &review

	if stageNum == finalStage(task) {
		task.Status = models.TaskStatusPendingFinal
	}
	ev := models.NewEvent(task.ID, models.EventStageDelivered, map[string]any{
		"stage_num":       stageNum,
		"review_deadline": review,
	})
	if err := c.store.TransitionTask(ctx, task, ev); err != nil {
		return nil, err
	}
	return task, nil
}

// ConfirmStage releases one delivered stage's money to the doer. The payout
// goes out first under a deterministic reference, then the paid flag and the
// events are committed; a crash in between is healed by the gateway
// deduplicating the payout on replay. Confirming the final stage completes
// the task and settles both parties' stats.
func (c *Controller) ConfirmStage(ctx context.Context, taskID string, stageNum int) (*models.Task, error) {
	task, err := c.task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusInProgress && task.Status != models.TaskStatusPendingFinal {
		return nil, fmt.Errorf("task %s is %s, stage confirmation needs an active task: %w",
			taskID, task.Status, models.ErrConflict)
	}
	if !stages.CanMarkPaid(task.Stages, stageNum) {
		return nil, fmt.Errorf("stage %d of task %s is not releasable: %w", stageNum, taskID, models.ErrStageOrder)
	}
	doer, err := c.doer(ctx, task)
	if err != nil {
		return nil, err
	}

	if err := c.escrow.ReleaseStage(ctx, task, stageNum, doer.UserID); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	st := task.Stage(stageNum)
	st.Paid = true
	st.PaidAt = &now
	amount := stages.StageAmount(task.Fee, task.Stages, stageNum)
	events := []*models.Event{
		models.NewEvent(task.ID, models.EventStagePaid, map[string]any{
			"stage_num": stageNum,
			"amount":    amount,
			"currency":  task.Currency,
		}),
	}

	final := stageNum == finalStage(task)
	if final {
		task.Status = models.TaskStatusCompleted
		task.CompletedAt = &now
		events = append(events, models.NewEvent(task.ID, models.EventTaskCompleted, map[string]any{
			"fee":      task.Fee,
			"currency": task.Currency,
		}))
	}
	if err := c.store.TransitionTask(ctx, task, events...); err != nil {
		return nil, err
	}
	if final {
		if err := c.store.RecordSettlement(ctx, task.CreatorID, doer.UserID, task.Fee); err != nil {
			return nil, err
		}
	}
	return task, nil
}

// Cancel ends a taken or in-progress task before any money has been
// released. A pending escrow intent is voided before the cancel commits so a
// late callback cannot fund a dead task; a paid one is refunded after. If
// the completion deadline lapsed with nothing delivered, the doer is charged
// the late penalty. Refund and penalty outcomes are recorded on their
// intents and escalated as events rather than failing the cancellation.
func (c *Controller) Cancel(ctx context.Context, taskID, initiator, reason string) (*models.Task, error) {
	task, err := c.task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusTaken && task.Status != models.TaskStatusInProgress {
		return nil, fmt.Errorf("task %s is %s and cannot be canceled: %w", taskID, task.Status, models.ErrConflict)
	}
	if task.AnyStagePaid() {
		return nil, fmt.Errorf("task %s has released installments: %w", taskID, models.ErrConflict)
	}

	live, err := c.store.GetLiveEscrowIntent(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if live != nil && live.Status == models.IntentStatusPending {
		if err := c.escrow.VoidPending(ctx, live.ID); err != nil {
			if !errors.Is(err, models.ErrConflict) {
				return nil, err
			}
			// A callback resolved the intent mid-cancel; re-read and let
			// the refund step below pick it up if it went to paid.
			if live, err = c.store.GetIntent(ctx, live.ID); err != nil {
				return nil, err
			}
		} else {
			live.Status = models.IntentStatusVoided
		}
	}

	now := c.now().UTC()
	task.Status = models.TaskStatusCanceled
	task.CanceledAt = &now
	ev := models.NewEvent(task.ID, models.EventTaskCanceled, map[string]any{
		"initiator": initiator,
		"reason":    reason,
	})
	if err := c.store.TransitionTask(ctx, task, ev); err != nil {
		return nil, err
	}

	if live != nil && live.Status == models.IntentStatusPaid {
		// Failure is recorded as refund_status=failed plus a refund_failed
		// event for manual escalation; the cancellation itself stands.
		_ = c.escrow.Refund(ctx, task, live.ID, reason)
	}

	if hoursLate := c.hoursLate(task, now); hoursLate > 0 && !anyStageDelivered(task.Stages) {
		if doer, derr := c.doer(ctx, task); derr == nil {
			// Same escalation contract as the refund above.
			_, _ = c.escrow.ChargePenalty(ctx, task, doer.UserID, hoursLate)
		}
	}
	return task, nil
}

// RetryRefund re-requests a refund that previously failed. Manual, like
// RetryEscrow.
func (c *Controller) RetryRefund(ctx context.Context, taskID, intentID string) error {
	task, err := c.task(ctx, taskID)
	if err != nil {
		return err
	}
	return c.escrow.Refund(ctx, task, intentID, "manual_retry")
}

// Expire closes an open task whose offer window lapsed with no accepted or
// confirmed applicant. Expiring an already-expired task is a no-op so the
// sweep can safely revisit.
func (c *Controller) Expire(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := c.task(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskStatusExpired {
		return task, nil
	}
	if task.Status != models.TaskStatusOpen {
		return nil, fmt.Errorf("task %s is %s, only open tasks expire: %w", taskID, task.Status, models.ErrConflict)
	}
	if c.now().Before(task.OfferExpiry) {
		return nil, fmt.Errorf("task %s offer window is still open: %w", taskID, models.ErrConflict)
	}
	alive, err := c.store.HasLiveApplicant(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if alive {
		return nil, fmt.Errorf("task %s has an accepted applicant: %w", taskID, models.ErrConflict)
	}

	task.Status = models.TaskStatusExpired
	ev := models.NewEvent(task.ID, models.EventTaskExpired, map[string]any{
		"offer_expiry": task.OfferExpiry,
	})
	if err := c.store.TransitionTask(ctx, task, ev); err != nil {
		return nil, err
	}
	return task, nil
}

func (c *Controller) task(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	return task, nil
}

func (c *Controller) doer(ctx context.Context, task *models.Task) (*models.Applicant, error) {
	if task.AcceptedApplicantID == nil {
		return nil, fmt.Errorf("task %s has no accepted applicant: %w", task.ID, models.ErrConflict)
	}
	a, err := c.store.GetApplicant(ctx, *task.AcceptedApplicantID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("applicant %s: %w", *task.AcceptedApplicantID, models.ErrNotFound)
	}
	return a, nil
}

// hoursLate is how many whole-or-partial hours the task is past its
// completion deadline, zero if not funded or not late.
func (c *Controller) hoursLate(task *models.Task, now time.Time) int {
	deadline := task.CompletionDeadline()
	if deadline.IsZero() || !now.After(deadline) {
		return 0
	}
	return int(math.Ceil(now.Sub(deadline).Hours()))
}

func finalStage(task *models.Task) int {
	if len(task.Stages) == 0 {
		return 0
	}
	return task.Stages[len(task.Stages)-1].StageNum
}

func anyStageDelivered(schedule []*models.Stage) bool {
	for _, s := range schedule {
		if s.Delivered {
			return true
		}
	}
	return false
}
