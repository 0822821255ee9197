// Package api exposes the settlement core over HTTP for the conversational
// layer: command routes guarded by a shared service token, the gateway
// webhook guarded by an HMAC signature, and a polling feed over the event
// outbox.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"github.com/amanlux/taskifii-core/internal/applicants"
	"github.com/amanlux/taskifii-core/internal/config"
	"github.com/amanlux/taskifii-core/internal/db"
	"github.com/amanlux/taskifii-core/internal/gateway"
	"github.com/amanlux/taskifii-core/internal/lifecycle"
	"github.com/amanlux/taskifii-core/pkg/models"
)

// gatewaySignatureHeader carries the payment provider's HMAC over the
// webhook body.
const gatewaySignatureHeader = "X-Gateway-Signature"

type Server struct {
	store  *db.DB
	ctrl   *lifecycle.Controller
	apps   *applicants.Manager
	cfg    *config.Config
	server *http.Server
}

func NewServer(store *db.DB, ctrl *lifecycle.Controller, apps *applicants.Manager, cfg *config.Config) *Server {
	return &Server{store: store, ctrl: ctrl, apps: apps, cfg: cfg}
}

// Handler builds the full route table. Split from Start so tests can drive
// it without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhooks/gateway", s.handleGatewayWebhook)

	mux.HandleFunc("POST /tasks", s.requireAuth(s.handleCreateTask))
	mux.HandleFunc("GET /tasks", s.requireAuth(s.handleListTasks))
	mux.HandleFunc("GET /tasks/{id}", s.requireAuth(s.handleGetTask))
	mux.HandleFunc("POST /tasks/{id}/applicants", s.requireAuth(s.handleApply))
	mux.HandleFunc("GET /tasks/{id}/applicants", s.requireAuth(s.handleListApplicants))
	mux.HandleFunc("POST /tasks/{id}/applicants/{applicantID}/accept", s.requireAuth(s.handleAccept))
	mux.HandleFunc("POST /tasks/{id}/applicants/{applicantID}/decline", s.requireAuth(s.handleDecline))
	mux.HandleFunc("POST /tasks/{id}/applicants/{applicantID}/confirm", s.requireAuth(s.handleConfirm))
	mux.HandleFunc("POST /tasks/{id}/applicants/{applicantID}/withdraw", s.requireAuth(s.handleWithdraw))
	mux.HandleFunc("POST /tasks/{id}/stages/{num}/deliver", s.requireAuth(s.handleDeliverStage))
	mux.HandleFunc("POST /tasks/{id}/stages/{num}/confirm", s.requireAuth(s.handleConfirmStage))
	mux.HandleFunc("POST /tasks/{id}/cancel", s.requireAuth(s.handleCancel))
	mux.HandleFunc("POST /tasks/{id}/escrow/retry", s.requireAuth(s.handleRetryEscrow))
	mux.HandleFunc("POST /tasks/{id}/refunds/{intentID}/retry", s.requireAuth(s.handleRetryRefund))
	mux.HandleFunc("GET /tasks/{id}/intents", s.requireAuth(s.handleListIntents))
	mux.HandleFunc("GET /users/{id}/stats", s.requireAuth(s.handleUserStats))
	mux.HandleFunc("GET /events", s.requireAuth(s.handleEvents))

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(mux)
}

func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

type taskRequest struct {
	CreatorID             string                  `json:"creator_id"`
	Description           string                  `json:"description"`
	Fee                   decimal.Decimal         `json:"fee"`
	Currency              string                  `json:"currency"`
	CompletionWindowHours int                     `json:"completion_window_hours"`
	RevisionWindowHours   int                     `json:"revision_window_hours"`
	LatePenaltyRate       decimal.Decimal         `json:"late_penalty_rate"`
	Strategy              models.ExchangeStrategy `json:"strategy"`
	ExpiryHours           int                     `json:"expiry_hours"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body taskRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	task, err := s.ctrl.PostTask(r.Context(), lifecycle.Draft{
		CreatorID:             body.CreatorID,
		Description:           body.Description,
		Fee:                   body.Fee,
		Currency:              body.Currency,
		CompletionWindowHours: body.CompletionWindowHours,
		RevisionWindowHours:   body.RevisionWindowHours,
		LatePenaltyRate:       body.LatePenaltyRate,
		Strategy:              body.Strategy,
		ExpiryHours:           body.ExpiryHours,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.respond(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var status *models.TaskStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.TaskStatus(v)
		status = &st
	}
	var creator *string
	if v := r.URL.Query().Get("creator"); v != "" {
		creator = &v
	}
	tasks, err := s.store.ListTasks(r.Context(), status, creator)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if task == nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	s.respond(w, http.StatusOK, task)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID    string `json:"user_id"`
		CoverText string `json:"cover_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	a, err := s.apps.Apply(r.Context(), r.PathValue("id"), body.UserID, body.CoverText)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.respond(w, http.StatusCreated, a)
}

func (s *Server) handleListApplicants(w http.ResponseWriter, r *http.Request) {
	var status *models.ApplicantStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := models.ApplicantStatus(v)
		status = &st
	}
	list, err := s.store.ListApplicants(r.Context(), r.PathValue("id"), status)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, list)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	accepted, _, err := s.apps.Accept(r.Context(), r.PathValue("id"), r.PathValue("applicantID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, accepted)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	if err := s.apps.Decline(r.Context(), r.PathValue("id"), r.PathValue("applicantID")); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// confirmResponse pairs the transitioned task with the escrow intent so the
// caller can forward the checkout link in one hop.
type confirmResponse struct {
	Task   *models.Task          `json:"task"`
	Intent *models.PaymentIntent `json:"intent"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	task, in, err := s.ctrl.ConfirmApplicant(r.Context(), r.PathValue("id"), r.PathValue("applicantID"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, confirmResponse{Task: task, Intent: in})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if err := s.apps.Withdraw(r.Context(), r.PathValue("id"), r.PathValue("applicantID")); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeliverStage(w http.ResponseWriter, r *http.Request) {
	num, err := strconv.Atoi(r.PathValue("num"))
	if err != nil {
		http.Error(w, "invalid stage number", http.StatusBadRequest)
		return
	}
	task, err := s.ctrl.MarkStageDelivered(r.Context(), r.PathValue("id"), num)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, task)
}

func (s *Server) handleConfirmStage(w http.ResponseWriter, r *http.Request) {
	num, err := strconv.Atoi(r.PathValue("num"))
	if err != nil {
		http.Error(w, "invalid stage number", http.StatusBadRequest)
		return
	}
	task, err := s.ctrl.ConfirmStage(r.Context(), r.PathValue("id"), num)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Initiator string `json:"initiator"`
		Reason    string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	task, err := s.ctrl.Cancel(r.Context(), r.PathValue("id"), body.Initiator, body.Reason)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, task)
}

func (s *Server) handleRetryEscrow(w http.ResponseWriter, r *http.Request) {
	task, in, err := s.ctrl.RetryEscrow(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, confirmResponse{Task: task, Intent: in})
}

func (s *Server) handleRetryRefund(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.RetryRefund(r.Context(), r.PathValue("id"), r.PathValue("intentID")); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	intents, err := s.store.ListIntentsByTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, intents)
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetUserStats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, stats)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid after cursor", http.StatusBadRequest)
			return
		}
		after = n
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		if n > 200 {
			n = 200
		}
		limit = n
	}
	events, err := s.store.ListEventsAfter(r.Context(), after, limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, events)
}

// webhookRequest is the payment provider's callback body. Status is the
// provider's final word on the charge; anything but paid or failed is
// rejected so a garbled callback cannot settle an intent.
type webhookRequest struct {
	Reference       string `json:"reference"`
	Status          string `json:"status"`
	GatewayChargeID string `json:"gateway_charge_id"`
}

func (s *Server) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if !gateway.VerifySignature(s.cfg.WebhookSecret, body, r.Header.Get(gatewaySignatureHeader)) {
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	var succeeded bool
	switch req.Status {
	case "paid":
		succeeded = true
	case "failed":
		succeeded = false
	default:
		http.Error(w, fmt.Sprintf("unknown status %q", req.Status), http.StatusBadRequest)
		return
	}

	in, err := s.ctrl.HandleGatewayCallback(r.Context(), req.Reference, succeeded, req.GatewayChargeID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.respond(w, http.StatusOK, in)
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusFor(err))
}

// statusFor maps the domain failure taxonomy onto HTTP. Conflict-family
// errors share 409 because the caller's remedy is the same: reload and
// re-decide. Money-movement declines map to 402 and retryable gateway
// trouble to 502 so the conversational layer can word them differently.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrExpired):
		return http.StatusGone
	case errors.Is(err, models.ErrDuplicateApplication),
		errors.Is(err, models.ErrTaskNotOpen),
		errors.Is(err, models.ErrAlreadyPaid),
		errors.Is(err, models.ErrStageOrder),
		errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case models.IsTransientGateway(err):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrEscrowFailed):
		return http.StatusPaymentRequired
	}
	var ge *models.GatewayError
	if errors.As(err, &ge) {
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}
