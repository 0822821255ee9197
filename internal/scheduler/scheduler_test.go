package scheduler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amanlux/taskifii-core/internal/applicants"
	"github.com/amanlux/taskifii-core/internal/config"
	"github.com/amanlux/taskifii-core/internal/db"
	"github.com/amanlux/taskifii-core/internal/escrow"
	"github.com/amanlux/taskifii-core/internal/gateway"
	"github.com/amanlux/taskifii-core/internal/lifecycle"
	"github.com/amanlux/taskifii-core/pkg/models"
)

type fakeGateway struct {
	charges int
	payouts []gateway.PayoutRequest
	refunds int
}

func (g *fakeGateway) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	g.charges++
	return &gateway.ChargeResult{
		ChargeID:    "ch-" + req.Reference,
		CheckoutURL: "https://pay.example/" + req.Reference,
		Status:      "pending",
	}, nil
}

func (g *fakeGateway) CreatePayout(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
	g.payouts = append(g.payouts, req)
	return &gateway.PayoutResult{PayoutID: "po-" + req.Reference, Status: "paid"}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	g.refunds++
	return &gateway.RefundResult{RefundID: "rf-" + req.Reference, Status: "refunded"}, nil
}

type env struct {
	store *db.DB
	gw    *fakeGateway
	apps  *applicants.Manager
	ctrl  *lifecycle.Controller
	cfg   *config.Config
	sched *Scheduler
}

func newEnv(t *testing.T) *env {
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Failed to init database: %v", err)
	}

	cfg := &config.Config{
		Currency:         "ETB",
		MinFee:           decimal.RequireFromString("50"),
		MaxOfferHours:    336,
		ConfirmWindow:    6 * time.Hour,
		PenaltyCapRatio:  decimal.RequireFromString("0.20"),
		ReminderCooldown: time.Hour,
		SweepInterval:    time.Minute,
		WebhookSecret:    "hook-secret",
	}
	gw := &fakeGateway{}
	esc := escrow.NewManager(store, gw, cfg.PenaltyCapRatio)
	apps := applicants.NewManager(store, cfg.ConfirmWindow)
	ctrl := lifecycle.NewController(store, esc, apps, cfg)
	return &env{
		store: store,
		gw:    gw,
		apps:  apps,
		ctrl:  ctrl,
		cfg:   cfg,
		sched: New(store, ctrl, cfg),
	}
}

func postTask(t *testing.T, e *env, expiryHours int) *models.Task {
	task, err := e.ctrl.PostTask(context.Background(), lifecycle.Draft{
		CreatorID:             "creator-1",
		Description:           "Translate a product brochure",
		Fee:                   decimal.RequireFromString("300"),
		Currency:              "ETB",
		CompletionWindowHours: 48,
		RevisionWindowHours:   12,
		LatePenaltyRate:       decimal.RequireFromString("2.5"),
		Strategy:              models.StrategyThreeWay,
		ExpiryHours:           expiryHours,
	})
	if err != nil {
		t.Fatalf("Failed to post task: %v", err)
	}
	return task
}

func acceptedApplicant(t *testing.T, e *env, taskID string) *models.Applicant {
	ctx := context.Background()
	a, err := e.apps.Apply(ctx, taskID, "doer-1", "pick me")
	if err != nil {
		t.Fatalf("Failed to apply: %v", err)
	}
	accepted, _, err := e.apps.Accept(ctx, taskID, a.ID)
	if err != nil {
		t.Fatalf("Failed to accept: %v", err)
	}
	return accepted
}

func fundedTask(t *testing.T, e *env) *models.Task {
	ctx := context.Background()
	task := postTask(t, e, 72)
	a := acceptedApplicant(t, e, task.ID)
	_, in, err := e.ctrl.ConfirmApplicant(ctx, task.ID, a.ID)
	if err != nil {
		t.Fatalf("Failed to confirm applicant: %v", err)
	}
	if _, err := e.ctrl.HandleGatewayCallback(ctx, in.Reference, true, "ch-1"); err != nil {
		t.Fatalf("Failed to fund escrow: %v", err)
	}
	fresh, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	return fresh
}

// The sweep acts on stored deadlines, so tests simulate elapsed time by
// rewinding those instead of faking clocks across components.

func lapseConfirmWindow(t *testing.T, e *env, applicantID string) {
	past := time.Now().Add(-time.Hour).UTC()
	if _, err := e.store.ExecContext(context.Background(),
		`UPDATE applicants SET confirm_deadline = ? WHERE id = ?`, past, applicantID); err != nil {
		t.Fatalf("Failed to rewind confirm deadline: %v", err)
	}
}

func lapseOffer(t *testing.T, e *env, taskID string) {
	past := time.Now().Add(-time.Hour).UTC()
	if _, err := e.store.ExecContext(context.Background(),
		`UPDATE tasks SET offer_expiry = ? WHERE id = ?`, past, taskID); err != nil {
		t.Fatalf("Failed to rewind offer expiry: %v", err)
	}
}

func lapseReview(t *testing.T, e *env, taskID string, stageNum int) {
	past := time.Now().Add(-time.Hour).UTC()
	if _, err := e.store.ExecContext(context.Background(),
		`UPDATE stages SET review_deadline = ? WHERE task_id = ? AND stage_num = ?`,
		past, taskID, stageNum); err != nil {
		t.Fatalf("Failed to rewind review deadline: %v", err)
	}
}

func lapseCompletion(t *testing.T, e *env, taskID string) {
	past := time.Now().Add(-49 * time.Hour).UTC()
	if _, err := e.store.ExecContext(context.Background(),
		`UPDATE tasks SET funded_at = ? WHERE id = ?`, past, taskID); err != nil {
		t.Fatalf("Failed to rewind funding time: %v", err)
	}
}

func coolReminder(t *testing.T, e *env, applicantID string) {
	past := time.Now().Add(-2 * time.Hour).UTC()
	if _, err := e.store.ExecContext(context.Background(),
		`UPDATE applicants SET last_reminder_at = ? WHERE id = ?`, past, applicantID); err != nil {
		t.Fatalf("Failed to rewind reminder time: %v", err)
	}
}

func countEvents(t *testing.T, store *db.DB, kind models.EventKind) int {
	events, err := store.ListEventsAfter(context.Background(), 0, 200)
	if err != nil {
		t.Fatalf("Failed to list events: %v", err)
	}
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestSweepTimeoutThenExpire(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	task := postTask(t, e, 1)
	a := acceptedApplicant(t, e, task.ID)

	// 1. Inside both windows the sweep changes nothing
	e.sched.Sweep(ctx)
	got, err := e.store.GetApplicant(ctx, a.ID)
	if err != nil {
		t.Fatalf("Failed to get applicant: %v", err)
	}
	if got.Status != models.ApplicantStatusAccepted {
		t.Errorf("Expected status accepted, got %s", got.Status)
	}

	// 2. With the confirm window and the offer window both lapsed, one pass
	// declines the applicant and then expires the freed task
	lapseConfirmWindow(t, e, a.ID)
	lapseOffer(t, e, task.ID)
	e.sched.Sweep(ctx)

	got, err = e.store.GetApplicant(ctx, a.ID)
	if err != nil {
		t.Fatalf("Failed to get applicant: %v", err)
	}
	if got.Status != models.ApplicantStatusDeclined {
		t.Errorf("Expected status declined, got %s", got.Status)
	}
	fresh, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if fresh.Status != models.TaskStatusExpired {
		t.Errorf("Expected status expired, got %s", fresh.Status)
	}

	// 3. A revisit emits nothing new
	e.sched.Sweep(ctx)
	if n := countEvents(t, e.store, models.EventTaskExpired); n != 1 {
		t.Errorf("Expected 1 task_expired event, got %d", n)
	}
	if n := countEvents(t, e.store, models.EventApplicantDeclined); n != 1 {
		t.Errorf("Expected 1 applicant_declined event, got %d", n)
	}
}

func TestSweepExpireSparesLiveOffers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	stale := postTask(t, e, 1)
	lapseOffer(t, e, stale.ID)
	live := postTask(t, e, 72)

	// An accepted applicant defers expiry even past the offer window
	deferred := postTask(t, e, 1)
	acceptedApplicant(t, e, deferred.ID)
	lapseOffer(t, e, deferred.ID)

	e.sched.Sweep(ctx)

	for _, tc := range []struct {
		name string
		id   string
		want models.TaskStatus
	}{
		{"stale", stale.ID, models.TaskStatusExpired},
		{"live", live.ID, models.TaskStatusOpen},
		{"deferred", deferred.ID, models.TaskStatusOpen},
	} {
		task, err := e.store.GetTask(ctx, tc.id)
		if err != nil {
			t.Fatalf("Failed to get task: %v", err)
		}
		if task.Status != tc.want {
			t.Errorf("%s task: expected status %s, got %s", tc.name, tc.want, task.Status)
		}
	}
}

func TestSweepAutoConfirmsDueStages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := fundedTask(t, e)

	if _, err := e.ctrl.MarkStageDelivered(ctx, task.ID, 1); err != nil {
		t.Fatalf("Failed to deliver stage 1: %v", err)
	}

	// 1. Inside the review window nothing is released
	e.sched.Sweep(ctx)
	if len(e.gw.payouts) != 0 {
		t.Fatalf("Expected no payouts inside the review window, got %d", len(e.gw.payouts))
	}

	// 2. Past the window the sweep releases the stage
	lapseReview(t, e, task.ID, 1)
	e.sched.Sweep(ctx)
	if len(e.gw.payouts) != 1 {
		t.Fatalf("Expected 1 payout, got %d", len(e.gw.payouts))
	}
	if !e.gw.payouts[0].Amount.Equal(decimal.RequireFromString("90")) {
		t.Errorf("Expected payout 90, got %s", e.gw.payouts[0].Amount)
	}
	fresh, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if !fresh.Stage(1).Paid {
		t.Errorf("Expected stage 1 to be paid")
	}

	// 3. A revisit must not pay the stage twice
	e.sched.Sweep(ctx)
	if len(e.gw.payouts) != 1 {
		t.Errorf("Expected still 1 payout, got %d", len(e.gw.payouts))
	}
}

func TestSweepAutoConfirmCompletesFinalStage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := fundedTask(t, e)

	for _, num := range []int{1, 2} {
		if _, err := e.ctrl.MarkStageDelivered(ctx, task.ID, num); err != nil {
			t.Fatalf("Failed to deliver stage %d: %v", num, err)
		}
		if _, err := e.ctrl.ConfirmStage(ctx, task.ID, num); err != nil {
			t.Fatalf("Failed to confirm stage %d: %v", num, err)
		}
	}
	if _, err := e.ctrl.MarkStageDelivered(ctx, task.ID, 3); err != nil {
		t.Fatalf("Failed to deliver stage 3: %v", err)
	}

	// The creator never reviews the final delivery; the sweep completes the
	// task for them.
	lapseReview(t, e, task.ID, 3)
	e.sched.Sweep(ctx)

	fresh, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if fresh.Status != models.TaskStatusCompleted {
		t.Errorf("Expected status completed, got %s", fresh.Status)
	}
	if len(e.gw.payouts) != 3 {
		t.Errorf("Expected 3 payouts, got %d", len(e.gw.payouts))
	}
	doer, err := e.store.GetUserStats(ctx, "doer-1")
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if doer.TasksCompleted != 1 {
		t.Errorf("Expected 1 completed task, got %d", doer.TasksCompleted)
	}
}

func TestSweepReconcilesFundedTask(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	task := postTask(t, e, 72)
	a := acceptedApplicant(t, e, task.ID)
	_, in, err := e.ctrl.ConfirmApplicant(ctx, task.ID, a.ID)
	if err != nil {
		t.Fatalf("Failed to confirm applicant: %v", err)
	}

	// Mark the intent paid directly, simulating a crash after the payment
	// record landed but before the task transition.
	if _, _, err := e.store.MarkIntentPaid(ctx, in.Reference, nil, time.Now().UTC()); err != nil {
		t.Fatalf("Failed to mark intent paid: %v", err)
	}
	stuck, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if stuck.Status != models.TaskStatusTaken {
		t.Fatalf("Expected status taken, got %s", stuck.Status)
	}

	e.sched.Sweep(ctx)

	fresh, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if fresh.Status != models.TaskStatusInProgress {
		t.Errorf("Expected status in_progress, got %s", fresh.Status)
	}
	if fresh.FundedAt == nil {
		t.Errorf("Expected FundedAt to be set")
	}
}

func TestSweepConfirmationReminders(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	task := postTask(t, e, 72)
	a := acceptedApplicant(t, e, task.ID)

	// 1. First sweep reminds
	e.sched.Sweep(ctx)
	if n := countEvents(t, e.store, models.EventConfirmReminder); n != 1 {
		t.Fatalf("Expected 1 confirm_reminder event, got %d", n)
	}
	got, err := e.store.GetApplicant(ctx, a.ID)
	if err != nil {
		t.Fatalf("Failed to get applicant: %v", err)
	}
	if got.LastReminderAt == nil {
		t.Fatalf("Expected LastReminderAt to be set")
	}

	// 2. Inside the cooldown the sweep stays quiet
	e.sched.Sweep(ctx)
	if n := countEvents(t, e.store, models.EventConfirmReminder); n != 1 {
		t.Errorf("Expected still 1 confirm_reminder event, got %d", n)
	}

	// 3. Past the cooldown but inside the confirm window it reminds again
	coolReminder(t, e, a.ID)
	e.sched.Sweep(ctx)
	if n := countEvents(t, e.store, models.EventConfirmReminder); n != 2 {
		t.Errorf("Expected 2 confirm_reminder events, got %d", n)
	}

	// 4. A confirmed applicant is never reminded
	if _, _, err := e.ctrl.ConfirmApplicant(ctx, task.ID, a.ID); err != nil {
		t.Fatalf("Failed to confirm applicant: %v", err)
	}
	coolReminder(t, e, a.ID)
	e.sched.Sweep(ctx)
	if n := countEvents(t, e.store, models.EventConfirmReminder); n != 2 {
		t.Errorf("Expected still 2 confirm_reminder events, got %d", n)
	}
}

func TestSweepOverdueNoticeIsOneShot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	task := fundedTask(t, e)

	// 1. Before the completion deadline there is nothing to say
	e.sched.Sweep(ctx)
	if n := countEvents(t, e.store, models.EventTaskOverdue); n != 0 {
		t.Fatalf("Expected no task_overdue events, got %d", n)
	}

	// 2. Past the deadline exactly one notice goes out
	lapseCompletion(t, e, task.ID)
	e.sched.Sweep(ctx)
	if n := countEvents(t, e.store, models.EventTaskOverdue); n != 1 {
		t.Fatalf("Expected 1 task_overdue event, got %d", n)
	}
	fresh, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("Failed to get task: %v", err)
	}
	if fresh.OverdueRemindedAt == nil {
		t.Errorf("Expected OverdueRemindedAt to be set")
	}

	// 3. Later sweeps stay quiet
	e.sched.Sweep(ctx)
	if n := countEvents(t, e.store, models.EventTaskOverdue); n != 1 {
		t.Errorf("Expected still 1 task_overdue event, got %d", n)
	}
}

func TestSweepDispatchesOutbox(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var mu sync.Mutex
	var bodies [][]byte
	var signatures []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		signatures = append(signatures, r.Header.Get(SignatureHeader))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	e.cfg.BotCallbackURL = srv.URL

	postTask(t, e, 72)

	// 1. The sweep drains the outbox
	e.sched.Sweep(ctx)
	pending, err := e.store.ListUndispatched(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to list undispatched: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected an empty outbox, got %d events", len(pending))
	}
	mu.Lock()
	if len(bodies) != 1 {
		t.Fatalf("Expected 1 delivery, got %d", len(bodies))
	}
	if !gateway.VerifySignature(e.cfg.WebhookSecret, bodies[0], signatures[0]) {
		t.Errorf("Expected a valid delivery signature")
	}
	mu.Unlock()

	// 2. Nothing is delivered twice
	e.sched.Sweep(ctx)
	mu.Lock()
	if len(bodies) != 1 {
		t.Errorf("Expected still 1 delivery, got %d", len(bodies))
	}
	mu.Unlock()
}

func TestSweepDispatchStopsAtFirstFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var mu sync.Mutex
	hits := 0
	failing := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		fail := failing
		mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	e.cfg.BotCallbackURL = srv.URL

	// Two tasks means at least two pending events
	postTask(t, e, 72)
	postTask(t, e, 72)

	// 1. The first failure stops the batch so order is preserved
	e.sched.Sweep(ctx)
	mu.Lock()
	if hits != 1 {
		t.Errorf("Expected 1 attempt before stopping, got %d", hits)
	}
	mu.Unlock()
	pending, err := e.store.ListUndispatched(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to list undispatched: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("Expected 2 pending events, got %d", len(pending))
	}

	// 2. Once the receiver recovers the backlog drains in order
	mu.Lock()
	failing = false
	mu.Unlock()
	e.sched.Sweep(ctx)
	pending, err = e.store.ListUndispatched(ctx, 10)
	if err != nil {
		t.Fatalf("Failed to list undispatched: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected an empty outbox, got %d events", len(pending))
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := e.sched.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
