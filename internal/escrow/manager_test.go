package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amanlux/taskifii-core/internal/db"
	"github.com/amanlux/taskifii-core/internal/gateway"
	"github.com/amanlux/taskifii-core/pkg/models"
)

// fakeGateway records requests and fails on demand.
type fakeGateway struct {
	charges []gateway.ChargeRequest
	payouts []gateway.PayoutRequest
	refunds []gateway.RefundRequest

	chargeErr error
	payoutErr error
	refundErr error
}

func (g *fakeGateway) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	g.charges = append(g.charges, req)
	if g.chargeErr != nil {
		return nil, g.chargeErr
	}
	return &gateway.ChargeResult{
		ChargeID:    "ch-" + req.Reference,
		CheckoutURL: "https://pay.example/" + req.Reference,
		Status:      "pending",
	}, nil
}

func (g *fakeGateway) CreatePayout(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
	g.payouts = append(g.payouts, req)
	if g.payoutErr != nil {
		return nil, g.payoutErr
	}
	return &gateway.PayoutResult{PayoutID: "po-" + req.Reference, Status: "paid"}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	g.refunds = append(g.refunds, req)
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &gateway.RefundResult{RefundID: "rf-" + req.Reference, Status: "refunded"}, nil
}

func transientErr(op string) error {
	return &models.GatewayError{Op: op, Transient: true, Err: errors.New("connect timeout")}
}

func permanentErr(op string) error {
	return &models.GatewayError{Op: op, Transient: false, Err: errors.New("card declined")}
}

func newTestStore(t *testing.T) *db.DB {
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Failed to init database: %v", err)
	}
	return store
}

func seedTask(t *testing.T, store *db.DB, status models.TaskStatus) *models.Task {
	task := &models.Task{
		CreatorID:             "creator-1",
		Description:           "Translate a product brochure",
		Fee:                   decimal.RequireFromString("300"),
		Currency:              "ETB",
		CompletionWindowHours: 48,
		RevisionWindowHours:   12,
		LatePenaltyRate:       decimal.RequireFromString("2.5"),
		Strategy:              models.StrategyThreeWay,
		OfferExpiry:           time.Now().Add(24 * time.Hour),
		Status:                status,
		Stages: []*models.Stage{
			{StageNum: 1, Percent: 30},
			{StageNum: 2, Percent: 40},
			{StageNum: 3, Percent: 30},
		},
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}
	return task
}

func TestOpenEscrowIdempotent(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{}
	m := NewManager(store, gw, decimal.Decimal{})
	ctx := context.Background()
	task := seedTask(t, store, models.TaskStatusOpen)

	// 1. First open records the intent, then asks the gateway for a checkout
	in, err := m.OpenEscrow(ctx, task)
	if err != nil {
		t.Fatalf("Failed to open escrow: %v", err)
	}
	wantRef := fmt.Sprintf("escrow-%s-1", task.ID)
	if in.Reference != wantRef {
		t.Errorf("Expected reference %s, got %s", wantRef, in.Reference)
	}
	if in.Status != models.IntentStatusPending {
		t.Errorf("Expected status pending, got %s", in.Status)
	}
	if in.CheckoutURL == nil {
		t.Fatalf("Expected checkout URL to be set")
	}
	if len(gw.charges) != 1 {
		t.Fatalf("Expected 1 charge request, got %d", len(gw.charges))
	}
	if !gw.charges[0].Amount.Equal(task.Fee) {
		t.Errorf("Expected charge of %s, got %s", task.Fee, gw.charges[0].Amount)
	}
	if gw.charges[0].UserID != "creator-1" {
		t.Errorf("Expected charge against creator-1, got %s", gw.charges[0].UserID)
	}

	// 2. A second open returns the same pending intent without a new charge
	again, err := m.OpenEscrow(ctx, task)
	if err != nil {
		t.Fatalf("Failed to reopen escrow: %v", err)
	}
	if again.ID != in.ID {
		t.Errorf("Expected the same intent, got %s and %s", in.ID, again.ID)
	}
	if len(gw.charges) != 1 {
		t.Errorf("Expected no new charge request, got %d total", len(gw.charges))
	}

	// 3. The success callback settles it
	paid, first, err := m.HandleGatewayCallback(ctx, in.Reference, true, "ch-final")
	if err != nil {
		t.Fatalf("Failed to handle callback: %v", err)
	}
	if !first {
		t.Errorf("Expected the first callback to win")
	}
	if paid.Status != models.IntentStatusPaid {
		t.Errorf("Expected status paid, got %s", paid.Status)
	}

	// 4. Opening escrow on a funded task reports AlreadyPaid
	_, err = m.OpenEscrow(ctx, task)
	if !errors.Is(err, models.ErrAlreadyPaid) {
		t.Errorf("Expected ErrAlreadyPaid, got %v", err)
	}
}

func TestOpenEscrowResumesAfterCrash(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{}
	m := NewManager(store, gw, decimal.Decimal{})
	ctx := context.Background()
	task := seedTask(t, store, models.TaskStatusOpen)

	// A pending intent with no checkout handle is what a crash between the
	// insert and the gateway call leaves behind.
	orphan := &models.PaymentIntent{
		UserID:    task.CreatorID,
		Kind:      models.IntentKindEscrow,
		TaskID:    &task.ID,
		Amount:    task.Fee,
		Currency:  task.Currency,
		Reference: fmt.Sprintf("escrow-%s-1", task.ID),
	}
	if err := store.CreateIntent(ctx, orphan); err != nil {
		t.Fatalf("Failed to create intent: %v", err)
	}

	in, err := m.OpenEscrow(ctx, task)
	if err != nil {
		t.Fatalf("Failed to resume escrow: %v", err)
	}
	if in.ID != orphan.ID {
		t.Errorf("Expected the orphaned intent to be resumed, got %s", in.ID)
	}
	if len(gw.charges) != 1 || gw.charges[0].Reference != orphan.Reference {
		t.Errorf("Expected one charge with reference %s, got %+v", orphan.Reference, gw.charges)
	}
	if in.CheckoutURL == nil {
		t.Errorf("Expected checkout URL after resume")
	}
}

func TestOpenEscrowTransientFailure(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{chargeErr: transientErr("create_charge")}
	m := NewManager(store, gw, decimal.Decimal{})
	ctx := context.Background()
	task := seedTask(t, store, models.TaskStatusOpen)

	// 1. The gateway times out; the recorded intent stays pending
	in, err := m.OpenEscrow(ctx, task)
	if err == nil {
		t.Fatalf("Expected an error from a timed-out charge")
	}
	if !models.IsTransientGateway(err) {
		t.Errorf("Expected a transient gateway error, got %v", err)
	}
	if in.Status != models.IntentStatusPending {
		t.Errorf("Expected status pending, got %s", in.Status)
	}
	if in.CheckoutURL != nil {
		t.Errorf("Expected no checkout URL, got %s", *in.CheckoutURL)
	}

	// 2. The retry reuses the same reference so the gateway can deduplicate
	gw.chargeErr = nil
	retried, err := m.OpenEscrow(ctx, task)
	if err != nil {
		t.Fatalf("Failed to retry escrow: %v", err)
	}
	if retried.ID != in.ID || retried.Reference != in.Reference {
		t.Errorf("Expected the same intent on retry, got %s", retried.Reference)
	}
	if len(gw.charges) != 2 {
		t.Errorf("Expected 2 charge requests, got %d", len(gw.charges))
	}
	if gw.charges[1].Reference != in.Reference {
		t.Errorf("Expected retry with reference %s, got %s", in.Reference, gw.charges[1].Reference)
	}
	if retried.CheckoutURL == nil {
		t.Errorf("Expected checkout URL after retry")
	}
}

func TestOpenEscrowPermanentDecline(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{chargeErr: permanentErr("create_charge")}
	m := NewManager(store, gw, decimal.Decimal{})
	ctx := context.Background()
	task := seedTask(t, store, models.TaskStatusOpen)

	// 1. A decline fails the intent and surfaces EscrowFailed
	in, err := m.OpenEscrow(ctx, task)
	if !errors.Is(err, models.ErrEscrowFailed) {
		t.Fatalf("Expected ErrEscrowFailed, got %v", err)
	}
	if in.Status != models.IntentStatusFailed {
		t.Errorf("Expected status failed, got %s", in.Status)
	}

	events, err := store.ListEventsAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	var sawFailure bool
	for _, e := range events {
		if e.Kind == models.EventEscrowFailed {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Errorf("Expected an escrow_failed event")
	}

	// 2. A fresh attempt gets a fresh reference; the failed one is dead
	gw.chargeErr = nil
	second, err := m.OpenEscrow(ctx, task)
	if err != nil {
		t.Fatalf("Failed to open escrow after decline: %v", err)
	}
	wantRef := fmt.Sprintf("escrow-%s-2", task.ID)
	if second.Reference != wantRef {
		t.Errorf("Expected reference %s, got %s", wantRef, second.Reference)
	}
	if second.Status != models.IntentStatusPending {
		t.Errorf("Expected status pending, got %s", second.Status)
	}
}

func TestVoidPendingBlocksLateCallback(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{}
	m := NewManager(store, gw, decimal.Decimal{})
	ctx := context.Background()
	task := seedTask(t, store, models.TaskStatusOpen)

	in, err := m.OpenEscrow(ctx, task)
	if err != nil {
		t.Fatalf("Failed to open escrow: %v", err)
	}
	if err := m.VoidPending(ctx, in.ID); err != nil {
		t.Fatalf("Failed to void intent: %v", err)
	}

	// A success callback arriving after the void must not move money.
	settled, first, err := m.HandleGatewayCallback(ctx, in.Reference, true, "ch-late")
	if err != nil {
		t.Fatalf("Failed to handle late callback: %v", err)
	}
	if first {
		t.Errorf("Expected the late callback to be a no-op")
	}
	if settled.Status != models.IntentStatusVoided {
		t.Errorf("Expected status voided, got %s", settled.Status)
	}
}

func TestPenaltyAmountCap(t *testing.T) {
	fee := decimal.RequireFromString("300")
	rate := decimal.RequireFromString("2.5")
	ratio := decimal.RequireFromString("0.20")

	tests := []struct {
		hours int
		want  string
	}{
		{0, "0"},
		{4, "10"},   // 2.5 x 4
		{24, "60"},  // exactly at the cap
		{100, "60"}, // capped at 20% of 300
	}
	for _, tt := range tests {
		got := PenaltyAmount(fee, rate, tt.hours, ratio)
		if !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("PenaltyAmount(%d hours) = %s, want %s", tt.hours, got, tt.want)
		}
	}
}

func TestChargePenaltySettlement(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{}
	m := NewManager(store, gw, decimal.RequireFromString("0.20"))
	ctx := context.Background()
	task := seedTask(t, store, models.TaskStatusOpen)

	// 1. Hours below one are rejected outright
	if _, err := m.ChargePenalty(ctx, task, "doer-1", 0); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected ErrValidation for zero hours, got %v", err)
	}

	// 2. The charge is capped and debits the doer
	in, err := m.ChargePenalty(ctx, task, "doer-1", 30)
	if err != nil {
		t.Fatalf("Failed to charge penalty: %v", err)
	}
	if !in.Amount.Equal(decimal.RequireFromString("60")) {
		t.Errorf("Expected capped penalty 60, got %s", in.Amount)
	}
	if in.Kind != models.IntentKindPenalty {
		t.Errorf("Expected kind penalty, got %s", in.Kind)
	}
	wantRef := fmt.Sprintf("penalty-%s-1", task.ID)
	if in.Reference != wantRef {
		t.Errorf("Expected reference %s, got %s", wantRef, in.Reference)
	}
	if gw.charges[0].UserID != "doer-1" {
		t.Errorf("Expected charge against doer-1, got %s", gw.charges[0].UserID)
	}

	// 3. Settlement through the callback emits the penalty event
	_, first, err := m.HandleGatewayCallback(ctx, in.Reference, true, "ch-pen")
	if err != nil {
		t.Fatalf("Failed to handle callback: %v", err)
	}
	if !first {
		t.Errorf("Expected the first callback to win")
	}
	events, err := store.ListEventsAfter(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	var sawPenalty bool
	for _, e := range events {
		if e.Kind == models.EventPenaltyCharged {
			sawPenalty = true
		}
	}
	if !sawPenalty {
		t.Errorf("Expected a penalty_charged event")
	}
}

func TestReleaseStage(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{}
	m := NewManager(store, gw, decimal.Decimal{})
	ctx := context.Background()
	task := seedTask(t, store, models.TaskStatusOpen)

	// 1. An undelivered stage cannot be released
	err := m.ReleaseStage(ctx, task, 1, "doer-1")
	if !errors.Is(err, models.ErrStageOrder) {
		t.Errorf("Expected ErrStageOrder, got %v", err)
	}
	if len(gw.payouts) != 0 {
		t.Fatalf("Expected no payout for an undelivered stage")
	}

	// 2. A delivered stage pays out its share of the fee
	now := time.Now().UTC()
	task.Stages[0].Delivered = true
	task.Stages[0].DeliveredAt = &now
	if err := store.TransitionTask(ctx, task); err != nil {
		t.Fatalf("Failed to record delivery: %v", err)
	}
	if err := m.ReleaseStage(ctx, task, 1, "doer-1"); err != nil {
		t.Fatalf("Failed to release stage: %v", err)
	}
	if len(gw.payouts) != 1 {
		t.Fatalf("Expected 1 payout, got %d", len(gw.payouts))
	}
	if !gw.payouts[0].Amount.Equal(decimal.RequireFromString("90")) {
		t.Errorf("Expected payout of 90, got %s", gw.payouts[0].Amount)
	}
	wantRef := fmt.Sprintf("payout-%s-1", task.ID)
	if gw.payouts[0].Reference != wantRef {
		t.Errorf("Expected reference %s, got %s", wantRef, gw.payouts[0].Reference)
	}
	if gw.payouts[0].UserID != "doer-1" {
		t.Errorf("Expected payout to doer-1, got %s", gw.payouts[0].UserID)
	}

	// 3. Gateway failure surfaces to the caller before paid is recorded
	gw.payoutErr = transientErr("create_payout")
	if err := m.ReleaseStage(ctx, task, 1, "doer-1"); err == nil {
		t.Errorf("Expected an error from a failed payout")
	}
}

func TestRefundLifecycle(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{}
	m := NewManager(store, gw, decimal.Decimal{})
	ctx := context.Background()
	task := seedTask(t, store, models.TaskStatusCanceled)

	in, err := m.OpenEscrow(ctx, task)
	if err != nil {
		t.Fatalf("Failed to open escrow: %v", err)
	}
	if _, _, err := m.HandleGatewayCallback(ctx, in.Reference, true, "ch-1"); err != nil {
		t.Fatalf("Failed to settle intent: %v", err)
	}

	// 1. Refund requests the gateway and records success
	if err := m.Refund(ctx, task, in.ID, "creator_cancel"); err != nil {
		t.Fatalf("Failed to refund: %v", err)
	}
	if len(gw.refunds) != 1 {
		t.Fatalf("Expected 1 refund request, got %d", len(gw.refunds))
	}
	if gw.refunds[0].Reference != "refund-"+in.Reference {
		t.Errorf("Expected reference refund-%s, got %s", in.Reference, gw.refunds[0].Reference)
	}
	if !gw.refunds[0].Amount.Equal(task.Fee) {
		t.Errorf("Expected full-fee refund, got %s", gw.refunds[0].Amount)
	}

	refunded, err := store.GetIntent(ctx, in.ID)
	if err != nil {
		t.Fatalf("Failed to get intent: %v", err)
	}
	if refunded.RefundStatus != models.RefundStatusSucceeded {
		t.Errorf("Expected refund status succeeded, got %s", refunded.RefundStatus)
	}
	if refunded.RefundedAt == nil {
		t.Errorf("Expected RefundedAt to be set")
	}

	// 2. Refunding again is a no-op
	if err := m.Refund(ctx, task, in.ID, "creator_cancel"); err != nil {
		t.Fatalf("Expected repeated refund to be a no-op, got %v", err)
	}
	if len(gw.refunds) != 1 {
		t.Errorf("Expected no second refund request, got %d", len(gw.refunds))
	}

	events, err := store.ListEventsAfter(ctx, 0, 20)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	var issued int
	for _, e := range events {
		if e.Kind == models.EventRefundIssued {
			issued++
		}
	}
	if issued != 1 {
		t.Errorf("Expected exactly 1 refund_issued event, got %d", issued)
	}
}

func TestRefundFailureEscalates(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{}
	m := NewManager(store, gw, decimal.Decimal{})
	ctx := context.Background()
	task := seedTask(t, store, models.TaskStatusCanceled)

	in, err := m.OpenEscrow(ctx, task)
	if err != nil {
		t.Fatalf("Failed to open escrow: %v", err)
	}
	if _, _, err := m.HandleGatewayCallback(ctx, in.Reference, true, "ch-1"); err != nil {
		t.Fatalf("Failed to settle intent: %v", err)
	}

	// 1. A failed refund is recorded and escalated, not retried
	gw.refundErr = permanentErr("refund")
	if err := m.Refund(ctx, task, in.ID, "creator_cancel"); err == nil {
		t.Fatalf("Expected an error from a failed refund")
	}
	failed, err := store.GetIntent(ctx, in.ID)
	if err != nil {
		t.Fatalf("Failed to get intent: %v", err)
	}
	if failed.RefundStatus != models.RefundStatusFailed {
		t.Errorf("Expected refund status failed, got %s", failed.RefundStatus)
	}
	events, err := store.ListEventsAfter(ctx, 0, 20)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	var sawFailure bool
	for _, e := range events {
		if e.Kind == models.EventRefundFailed {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Errorf("Expected a refund_failed event")
	}
	if len(gw.refunds) != 1 {
		t.Errorf("Expected exactly 1 refund attempt, got %d", len(gw.refunds))
	}

	// 2. A manual re-request goes back through requested to succeeded
	gw.refundErr = nil
	if err := m.Refund(ctx, task, in.ID, "manual_retry"); err != nil {
		t.Fatalf("Failed to re-request refund: %v", err)
	}
	retried, err := store.GetIntent(ctx, in.ID)
	if err != nil {
		t.Fatalf("Failed to get intent: %v", err)
	}
	if retried.RefundStatus != models.RefundStatusSucceeded {
		t.Errorf("Expected refund status succeeded, got %s", retried.RefundStatus)
	}
}

func TestRefundGuards(t *testing.T) {
	store := newTestStore(t)
	gw := &fakeGateway{}
	m := NewManager(store, gw, decimal.Decimal{})
	ctx := context.Background()

	// 1. A paid intent on a live task cannot be refunded
	open := seedTask(t, store, models.TaskStatusOpen)
	in, err := m.OpenEscrow(ctx, open)
	if err != nil {
		t.Fatalf("Failed to open escrow: %v", err)
	}
	if _, _, err := m.HandleGatewayCallback(ctx, in.Reference, true, "ch-1"); err != nil {
		t.Fatalf("Failed to settle intent: %v", err)
	}
	if err := m.Refund(ctx, open, in.ID, "test"); !errors.Is(err, models.ErrConflict) {
		t.Errorf("Expected ErrConflict for a live task, got %v", err)
	}

	// 2. A pending intent on a canceled task cannot be refunded
	canceled := seedTask(t, store, models.TaskStatusCanceled)
	pending, err := m.OpenEscrow(ctx, canceled)
	if err != nil {
		t.Fatalf("Failed to open escrow: %v", err)
	}
	if err := m.Refund(ctx, canceled, pending.ID, "test"); !errors.Is(err, models.ErrConflict) {
		t.Errorf("Expected ErrConflict for a pending intent, got %v", err)
	}

	// 3. Unknown intents and foreign intents are rejected
	if err := m.Refund(ctx, canceled, "no-such-intent", "test"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := m.Refund(ctx, canceled, in.ID, "test"); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected ErrValidation for a foreign intent, got %v", err)
	}
	if len(gw.refunds) != 0 {
		t.Errorf("Expected no refund requests, got %d", len(gw.refunds))
	}
}
