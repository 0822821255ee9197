// Package escrow owns every movement of money: escrow holds, stage payouts,
// penalty charges and refunds. Its contract is idempotency. An intent row is
// always committed before the gateway is asked to act on it, every gateway
// reference is unique per attempt, and callbacks converge by final-state
// checks rather than by remembering which callback was seen.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amanlux/taskifii-core/internal/gateway"
	"github.com/amanlux/taskifii-core/internal/stages"
	"github.com/amanlux/taskifii-core/pkg/models"
)

// Store defines the intent storage operations the manager drives. *db.DB
// implements it.
type Store interface {
	CreateIntent(ctx context.Context, in *models.PaymentIntent, events ...*models.Event) error
	GetIntent(ctx context.Context, id string) (*models.PaymentIntent, error)
	GetIntentByReference(ctx context.Context, reference string) (*models.PaymentIntent, error)
	GetLiveEscrowIntent(ctx context.Context, taskID string) (*models.PaymentIntent, error)
	ListIntentsByTask(ctx context.Context, taskID string) ([]*models.PaymentIntent, error)
	SetIntentCheckout(ctx context.Context, id string, checkoutURL, gatewayChargeID *string) error
	MarkIntentPaid(ctx context.Context, reference string, gatewayChargeID *string, paidAt time.Time, events ...*models.Event) (*models.PaymentIntent, bool, error)
	MarkIntentFailed(ctx context.Context, reference string, events ...*models.Event) (*models.PaymentIntent, bool, error)
	VoidIntent(ctx context.Context, id string, events ...*models.Event) error
	UpdateRefundStatus(ctx context.Context, id string, from, to models.RefundStatus, refundedAt *time.Time, events ...*models.Event) error
}

// Gateway is the slice of the payment gateway the manager needs.
// gateway.Client implements it; tests substitute a fake.
type Gateway interface {
	CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error)
	CreatePayout(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error)
	Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error)
}

// Manager coordinates intent rows and gateway calls.
type Manager struct {
	store    Store
	gateway  Gateway
	capRatio decimal.Decimal
}

// NewManager creates a Manager. penaltyCapRatio bounds a late penalty as a
// fraction of the task fee; zero or negative falls back to 0.20.
func NewManager(store Store, gw Gateway, penaltyCapRatio decimal.Decimal) *Manager {
	if !penaltyCapRatio.IsPositive() {
		penaltyCapRatio = decimal.RequireFromString("0.20")
	}
	return &Manager{store: store, gateway: gw, capRatio: penaltyCapRatio}
}

// OpenEscrow ensures the task has a live escrow intent sized to the full fee
// and a checkout handle the creator can pay against. Calling it again is
// safe: a pending intent is returned as-is (or resumed, if the process died
// before the gateway call), and a paid one returns ErrAlreadyPaid. Only when
// the previous attempt failed or was voided does a fresh intent with a fresh
// reference get created.
func (m *Manager) OpenEscrow(ctx context.Context, task *models.Task) (*models.PaymentIntent, error) {
	live, err := m.store.GetLiveEscrowIntent(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	if live != nil {
		if live.Status == models.IntentStatusPaid {
			return live, fmt.Errorf("task %s: %w", task.ID, models.ErrAlreadyPaid)
		}
		if live.CheckoutURL != nil {
			return live, nil
		}
		// Pending intent without a checkout handle: the process died between
		// recording the intent and calling the gateway. The reference is
		// unchanged, so the gateway deduplicates the charge.
		return m.checkout(ctx, live)
	}

	ref, err := m.nextReference(ctx, task.ID, models.IntentKindEscrow)
	if err != nil {
		return nil, err
	}
	in := &models.PaymentIntent{
		UserID:    task.CreatorID,
		Kind:      models.IntentKindEscrow,
		TaskID:    &task.ID,
		Amount:    task.Fee,
		Currency:  task.Currency,
		Reference: ref,
	}
	// The intent row is committed before the gateway hears about it, so a
	// crash can never leave an untracked charge.
	if err := m.store.CreateIntent(ctx, in); err != nil {
		return nil, err
	}
	return m.checkout(ctx, in)
}

// ChargePenalty opens a penalty intent against the doer for a late,
// undelivered task. The amount is latePenaltyRate x hoursLate, capped at
// capRatio x fee. The charge settles through the same callback path as
// escrow.
func (m *Manager) ChargePenalty(ctx context.Context, task *models.Task, payerUserID string, hoursLate int) (*models.PaymentIntent, error) {
	if hoursLate < 1 {
		return nil, fmt.Errorf("%w: penalty requires at least one late hour, got %d", models.ErrValidation, hoursLate)
	}
	amount := PenaltyAmount(task.Fee, task.LatePenaltyRate, hoursLate, m.capRatio)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: task %s has no penalty rate", models.ErrValidation, task.ID)
	}

	ref, err := m.nextReference(ctx, task.ID, models.IntentKindPenalty)
	if err != nil {
		return nil, err
	}
	in := &models.PaymentIntent{
		UserID:    payerUserID,
		Kind:      models.IntentKindPenalty,
		TaskID:    &task.ID,
		Amount:    amount,
		Currency:  task.Currency,
		Reference: ref,
	}
	if err := m.store.CreateIntent(ctx, in); err != nil {
		return nil, err
	}
	return m.checkout(ctx, in)
}

// checkout asks the gateway to create the charge for a pending intent and
// stores the returned handle. Transient failures leave the intent pending so
// the same reference can be retried; permanent declines fail it.
func (m *Manager) checkout(ctx context.Context, in *models.PaymentIntent) (*models.PaymentIntent, error) {
	res, err := m.gateway.CreateCharge(ctx, gateway.ChargeRequest{
		Reference: in.Reference,
		UserID:    in.UserID,
		Amount:    in.Amount,
		Currency:  in.Currency,
		Kind:      string(in.Kind),
	})
	if err != nil {
		if models.IsTransientGateway(err) {
			return in, fmt.Errorf("charge %s not confirmed: %w", in.Reference, err)
		}
		failed, _, ferr := m.store.MarkIntentFailed(ctx, in.Reference, failureEvent(in))
		if ferr != nil {
			return in, ferr
		}
		if in.Kind == models.IntentKindEscrow {
			return failed, fmt.Errorf("%w: %v", models.ErrEscrowFailed, err)
		}
		return failed, fmt.Errorf("charge %s declined: %w", in.Reference, err)
	}

	url, chargeID := strPtr(res.CheckoutURL), strPtr(res.ChargeID)
	err = m.store.SetIntentCheckout(ctx, in.ID, url, chargeID)
	if errors.Is(err, models.ErrConflict) {
		// A callback resolved the intent before the handle was stored.
		return m.store.GetIntent(ctx, in.ID)
	}
	if err != nil {
		return in, err
	}
	in.CheckoutURL = url
	in.GatewayChargeID = chargeID
	return in, nil
}

// HandleGatewayCallback applies one gateway fact to the referenced intent.
// The bool result reports whether this callback was the first to resolve the
// intent; replays and late contradictory callbacks return the settled state
// with false. Penalty settlement emits its event here; a funded escrow emits
// nothing because the funding event travels with the task transition.
func (m *Manager) HandleGatewayCallback(ctx context.Context, reference string, succeeded bool, gatewayChargeID string) (*models.PaymentIntent, bool, error) {
	in, err := m.store.GetIntentByReference(ctx, reference)
	if err != nil {
		return nil, false, err
	}
	if in == nil {
		return nil, false, fmt.Errorf("callback for unknown reference %s: %w", reference, models.ErrNotFound)
	}

	if !succeeded {
		return m.store.MarkIntentFailed(ctx, reference, failureEvent(in))
	}
	return m.store.MarkIntentPaid(ctx, reference, strPtr(gatewayChargeID), time.Now().UTC(), paidEvent(in))
}

// ReleaseStage pays one delivered stage out to the doer. The payout
// reference is deterministic per task and stage, so re-running after a crash
// or a lost response cannot pay the same stage twice. The caller records
// stage.paid after this returns.
func (m *Manager) ReleaseStage(ctx context.Context, task *models.Task, stageNum int, payeeUserID string) error {
	if !stages.CanMarkPaid(task.Stages, stageNum) {
		return fmt.Errorf("stage %d of task %s is not releasable: %w", stageNum, task.ID, models.ErrStageOrder)
	}
	amount := stages.StageAmount(task.Fee, task.Stages, stageNum)
	_, err := m.gateway.CreatePayout(ctx, gateway.PayoutRequest{
		Reference: fmt.Sprintf("payout-%s-%d", task.ID, stageNum),
		UserID:    payeeUserID,
		Amount:    amount,
		Currency:  task.Currency,
	})
	if err != nil {
		return fmt.Errorf("payout for stage %d of task %s: %w", stageNum, task.ID, err)
	}
	return nil
}

// Refund returns a paid intent's money to the payer. Legal only once the
// owning task is canceled or expired. A failed refund is recorded and
// surfaced for manual escalation, never retried automatically; calling
// Refund again after a failure re-requests it.
func (m *Manager) Refund(ctx context.Context, task *models.Task, intentID, reason string) error {
	in, err := m.store.GetIntent(ctx, intentID)
	if err != nil {
		return err
	}
	if in == nil {
		return fmt.Errorf("intent %s: %w", intentID, models.ErrNotFound)
	}
	if in.TaskID == nil || *in.TaskID != task.ID {
		return fmt.Errorf("%w: intent %s does not belong to task %s", models.ErrValidation, intentID, task.ID)
	}
	if task.Status != models.TaskStatusCanceled && task.Status != models.TaskStatusExpired {
		return fmt.Errorf("task %s is %s, refunds require a canceled or expired task: %w",
			task.ID, task.Status, models.ErrConflict)
	}
	if in.Status != models.IntentStatusPaid {
		return fmt.Errorf("intent %s is %s, only paid intents refund: %w", intentID, in.Status, models.ErrConflict)
	}

	switch in.RefundStatus {
	case models.RefundStatusSucceeded:
		return nil
	case models.RefundStatusRequested:
		// In flight or crashed mid-refund. The gateway call below reuses the
		// same reference, so a duplicate request cannot double-refund.
	default:
		if err := m.store.UpdateRefundStatus(ctx, in.ID, in.RefundStatus, models.RefundStatusRequested, nil); err != nil {
			return err
		}
	}

	chargeID := ""
	if in.GatewayChargeID != nil {
		chargeID = *in.GatewayChargeID
	}
	_, gerr := m.gateway.Refund(ctx, gateway.RefundRequest{
		Reference: "refund-" + in.Reference,
		ChargeID:  chargeID,
		Amount:    in.Amount,
		Currency:  in.Currency,
	})
	if gerr != nil {
		ev := models.NewEvent(task.ID, models.EventRefundFailed, refundPayload(in, reason))
		if uerr := m.store.UpdateRefundStatus(ctx, in.ID, models.RefundStatusRequested, models.RefundStatusFailed, nil, ev); uerr != nil {
			return uerr
		}
		return fmt.Errorf("refund of intent %s: %w", intentID, gerr)
	}

	now := time.Now().UTC()
	ev := models.NewEvent(task.ID, models.EventRefundIssued, refundPayload(in, reason))
	return m.store.UpdateRefundStatus(ctx, in.ID, models.RefundStatusRequested, models.RefundStatusSucceeded, &now, ev)
}

// VoidPending cancels a pending intent so a late gateway callback for it can
// never move money.
func (m *Manager) VoidPending(ctx context.Context, intentID string) error {
	return m.store.VoidIntent(ctx, intentID)
}

// PenaltyAmount is the late fee for hoursLate hours: ratePerHour x hoursLate,
// capped at capRatio x fee, rounded to cents.
func PenaltyAmount(fee, ratePerHour decimal.Decimal, hoursLate int, capRatio decimal.Decimal) decimal.Decimal {
	if hoursLate <= 0 {
		return decimal.Zero
	}
	penalty := ratePerHour.Mul(decimal.NewFromInt(int64(hoursLate))).Round(2)
	ceiling := fee.Mul(capRatio).Round(2)
	if penalty.GreaterThan(ceiling) {
		return ceiling
	}
	return penalty
}

// nextReference numbers attempts per task and kind: escrow-<task>-1,
// escrow-<task>-2 after a failure, and so on. Failed and voided intents keep
// their reference forever, so a retry can never collide with them.
func (m *Manager) nextReference(ctx context.Context, taskID string, kind models.IntentKind) (string, error) {
	intents, err := m.store.ListIntentsByTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	n := 1
	for _, in := range intents {
		if in.Kind == kind {
			n++
		}
	}
	return fmt.Sprintf("%s-%s-%d", kind, taskID, n), nil
}

func paidEvent(in *models.PaymentIntent) *models.Event {
	if in.Kind != models.IntentKindPenalty || in.TaskID == nil {
		return nil
	}
	return models.NewEvent(*in.TaskID, models.EventPenaltyCharged, map[string]any{
		"intent_id": in.ID,
		"user_id":   in.UserID,
		"amount":    in.Amount,
		"currency":  in.Currency,
	})
}

func failureEvent(in *models.PaymentIntent) *models.Event {
	if in.Kind != models.IntentKindEscrow || in.TaskID == nil {
		return nil
	}
	return models.NewEvent(*in.TaskID, models.EventEscrowFailed, map[string]any{
		"intent_id": in.ID,
		"reference": in.Reference,
	})
}

func refundPayload(in *models.PaymentIntent, reason string) map[string]any {
	if reason == "" {
		reason = "unspecified"
	}
	return map[string]any{
		"intent_id": in.ID,
		"amount":    in.Amount,
		"currency":  in.Currency,
		"reason":    reason,
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
