/**
 * @description
 * HTTP handlers for the escrow service. Handlers decode the request, check that the
 * authenticated actor may act on the target order or account, then call into the app
 * services. Lifecycle validation itself lives in the services.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/domain"
)

// OrderService is the order lifecycle surface the handlers use.
type OrderService interface {
	CreateOrder(ctx context.Context, actor domain.Actor, req domain.CreateOrderRequest) (*domain.Order, error)
	Get(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	Transitions(ctx context.Context, orderID uuid.UUID) ([]domain.OrderTransition, error)
	AuditTrail(ctx context.Context, orderID uuid.UUID) ([]domain.AuditEntry, error)
	Grab(ctx context.Context, actor domain.Actor, orderID uuid.UUID) (*domain.Order, error)
	Complete(ctx context.Context, actor domain.Actor, orderID uuid.UUID, note string) (*domain.Order, error)
	FileException(ctx context.Context, actor domain.Actor, orderID uuid.UUID, req domain.FileExceptionRequest) (*domain.Order, error)
	ConfirmException(ctx context.Context, actor domain.Actor, orderID uuid.UUID, note string) (*domain.Order, error)
	Appeal(ctx context.Context, actor domain.Actor, orderID uuid.UUID, req domain.AppealRequest) (*domain.Order, error)
	Rule(ctx context.Context, actor domain.Actor, orderID uuid.UUID, req domain.RulingRequest) (*domain.Order, error)
	Settle(ctx context.Context, actor domain.Actor, orderID uuid.UUID) (*domain.Order, error)
	ForceCancel(ctx context.Context, actor domain.Actor, orderID uuid.UUID, note string) (*domain.Order, error)
	SettleDue(ctx context.Context, olderThan time.Duration, limit int) (app.SettlementRun, error)
}

// LedgerService is the account surface the handlers use.
type LedgerService interface {
	OpenAccount(ctx context.Context, actor domain.Actor, req domain.OpenAccountRequest) (*domain.Account, error)
	TopUp(ctx context.Context, actor domain.Actor, accountID string, req domain.TopUpRequest) (*domain.Account, error)
	RequestWithdrawal(ctx context.Context, actor domain.Actor, accountID string, req domain.WithdrawalRequest) (*domain.Withdrawal, error)
	CompleteWithdrawal(ctx context.Context, actor domain.Actor, withdrawalID uuid.UUID) (*domain.Withdrawal, error)
	RejectWithdrawal(ctx context.Context, actor domain.Actor, withdrawalID uuid.UUID) (*domain.Withdrawal, error)
	Balance(ctx context.Context, accountID string) (*domain.Account, error)
	Flows(ctx context.Context, accountID string) ([]domain.FlowRecord, error)
	Reconcile(ctx context.Context, accountID string) (*domain.ReconciliationReport, error)
	ReconcileAll(ctx context.Context) ([]domain.ReconciliationReport, error)
}

// SettlementPolicy controls manually triggered settlement runs.
type SettlementPolicy struct {
	AutoSettleAfter time.Duration
	BatchSize       int
}

// Handler holds the application services that handlers will interact with.
type Handler struct {
	orders     OrderService
	ledger     LedgerService
	settlement SettlementPolicy
	logger     *slog.Logger
}

// NewHandler creates a new Handler with the given services.
func NewHandler(orders OrderService, ledger LedgerService, settlement SettlementPolicy, logger *slog.Logger) *Handler {
	return &Handler{orders: orders, ledger: ledger, settlement: settlement, logger: logger}
}

// internalActor is recorded for calls made with the internal API key.
var internalActor = domain.Actor{ID: "internal", Role: domain.RoleSystem}

type noteRequest struct {
	Note string `json:"note"`
}

func isStaff(actor domain.Actor) bool {
	return actor.Role == domain.RoleAdmin || actor.Role == domain.RoleArbiter
}

// loadOrderFor resolves the {id} order and checks that allowed accepts the actor.
// It writes the error response itself and returns ok=false when the handler must stop.
func (h *Handler) loadOrderFor(w http.ResponseWriter, r *http.Request, allowed func(domain.Actor, *domain.Order) bool) (domain.Actor, *domain.Order, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return actor, nil, false
	}
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid order ID", http.StatusBadRequest)
		return actor, nil, false
	}
	order, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		h.respondWithServiceError(w, err, "load order")
		return actor, nil, false
	}
	if allowed != nil && !allowed(actor, order) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return actor, nil, false
	}
	return actor, order, true
}

func asGrabber(actor domain.Actor, order *domain.Order) bool {
	return actor.Role == domain.RoleGrabber && order.Grabber() == actor.ID
}

func asPublisher(actor domain.Actor, order *domain.Order) bool {
	return actor.Role == domain.RolePublisher && order.PublisherID == actor.ID
}

// asPublisherOrArbiter lets an arbiter accept a dispute in the publisher's place.
func asPublisherOrArbiter(actor domain.Actor, order *domain.Order) bool {
	return asPublisher(actor, order) || actor.Role == domain.RoleArbiter
}

func asParticipantOrStaff(actor domain.Actor, order *domain.Order) bool {
	if isStaff(actor) || order.PublisherID == actor.ID || order.Grabber() == actor.ID {
		return true
	}
	// Open orders are visible to every grabber browsing the market.
	return order.Status == domain.OrderStatusPublished && actor.Role == domain.RoleGrabber
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())

	var req domain.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	order, err := h.orders.CreateOrder(r.Context(), actor, req)
	if err != nil {
		h.respondWithServiceError(w, err, "create order")
		return
	}
	respondWithJSON(w, http.StatusCreated, order)
}

func (h *Handler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query()
	filter := domain.OrderFilter{
		Status:      domain.OrderStatus(strings.ToUpper(strings.TrimSpace(query.Get("status")))),
		PublisherID: strings.TrimSpace(query.Get("publisher_id")),
		GrabberID:   strings.TrimSpace(query.Get("grabber_id")),
		Limit:       parseIntParam(query.Get("limit"), 50),
		Offset:      parseIntParam(query.Get("offset"), 0),
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}

	switch {
	case isStaff(actor):
	case actor.Role == domain.RoleGrabber && filter.Status == domain.OrderStatusPublished:
	case actor.Role == domain.RoleGrabber:
		filter.GrabberID = actor.ID
	default:
		filter.PublisherID = actor.ID
	}

	orders, err := h.orders.List(r.Context(), filter)
	if err != nil {
		h.respondWithServiceError(w, err, "list orders")
		return
	}
	respondWithJSON(w, http.StatusOK, orders)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	_, order, ok := h.loadOrderFor(w, r, asParticipantOrStaff)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	_, order, ok := h.loadOrderFor(w, r, asParticipantOrStaff)
	if !ok {
		return
	}
	transitions, err := h.orders.Transitions(r.Context(), order.ID)
	if err != nil {
		h.respondWithServiceError(w, err, "list transitions")
		return
	}
	respondWithJSON(w, http.StatusOK, transitions)
}

func (h *Handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	_, order, ok := h.loadOrderFor(w, r, nil)
	if !ok {
		return
	}
	entries, err := h.orders.AuditTrail(r.Context(), order.ID)
	if err != nil {
		h.respondWithServiceError(w, err, "list audit trail")
		return
	}
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleGrab(w http.ResponseWriter, r *http.Request) {
	actor, _ := ActorFromContext(r.Context())
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid order ID", http.StatusBadRequest)
		return
	}

	order, err := h.orders.Grab(r.Context(), actor, orderID)
	if err != nil {
		h.respondWithServiceError(w, err, "grab order")
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	actor, order, ok := h.loadOrderFor(w, r, asGrabber)
	if !ok {
		return
	}
	var req noteRequest
	_ = decodeOptionalBody(r, &req)

	updated, err := h.orders.Complete(r.Context(), actor, order.ID, req.Note)
	if err != nil {
		h.respondWithServiceError(w, err, "complete order")
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleFileException(w http.ResponseWriter, r *http.Request) {
	actor, order, ok := h.loadOrderFor(w, r, asGrabber)
	if !ok {
		return
	}
	var req domain.FileExceptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.orders.FileException(r.Context(), actor, order.ID, req)
	if err != nil {
		h.respondWithServiceError(w, err, "file exception")
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleConfirmException(w http.ResponseWriter, r *http.Request) {
	actor, order, ok := h.loadOrderFor(w, r, asPublisherOrArbiter)
	if !ok {
		return
	}
	var req noteRequest
	_ = decodeOptionalBody(r, &req)

	updated, err := h.orders.ConfirmException(r.Context(), actor, order.ID, req.Note)
	if err != nil {
		h.respondWithServiceError(w, err, "confirm exception")
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleAppeal(w http.ResponseWriter, r *http.Request) {
	actor, order, ok := h.loadOrderFor(w, r, asPublisher)
	if !ok {
		return
	}
	var req domain.AppealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	updated, err := h.orders.Appeal(r.Context(), actor, order.ID, req)
	if err != nil {
		h.respondWithServiceError(w, err, "appeal exception")
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	actor, order, ok := h.loadOrderFor(w, r, func(actor domain.Actor, order *domain.Order) bool {
		return asPublisher(actor, order) || actor.Role == domain.RoleAdmin
	})
	if !ok {
		return
	}

	updated, err := h.orders.Settle(r.Context(), actor, order.ID)
	if err != nil {
		h.respondWithServiceError(w, err, "settle order")
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleRule(w http.ResponseWriter, r *http.Request) {
	actor, order, ok := h.loadOrderFor(w, r, nil)
	if !ok {
		return
	}
	var req domain.RulingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Ruling = domain.Ruling(strings.ToUpper(strings.TrimSpace(string(req.Ruling))))

	updated, err := h.orders.Rule(r.Context(), actor, order.ID, req)
	if err != nil {
		h.respondWithServiceError(w, err, "rule on dispute")
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleForceCancel(w http.ResponseWriter, r *http.Request) {
	actor, order, ok := h.loadOrderFor(w, r, nil)
	if !ok {
		return
	}
	var req noteRequest
	_ = decodeOptionalBody(r, &req)

	updated, err := h.orders.ForceCancel(r.Context(), actor, order.ID, req.Note)
	if err != nil {
		h.respondWithServiceError(w, err, "force cancel order")
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleForceComplete(w http.ResponseWriter, r *http.Request) {
	actor, order, ok := h.loadOrderFor(w, r, nil)
	if !ok {
		return
	}
	var req noteRequest
	_ = decodeOptionalBody(r, &req)

	updated, err := h.orders.Complete(r.Context(), actor, order.ID, req.Note)
	if err != nil {
		h.respondWithServiceError(w, err, "force complete order")
		return
	}
	respondWithJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleRunSettlements(w http.ResponseWriter, r *http.Request) {
	run, err := h.orders.SettleDue(r.Context(), h.settlement.AutoSettleAfter, h.settlement.BatchSize)
	if err != nil {
		h.respondWithServiceError(w, err, "run settlements")
		return
	}
	respondWithJSON(w, http.StatusOK, run)
}

func (h *Handler) handleReconcileAll(w http.ResponseWriter, r *http.Request) {
	reports, err := h.ledger.ReconcileAll(r.Context())
	if err != nil {
		h.respondWithServiceError(w, err, "reconcile ledger")
		return
	}
	respondWithJSON(w, http.StatusOK, reports)
}

func (h *Handler) handleReconcileAccount(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Reconcile(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		h.respondWithServiceError(w, err, "reconcile account")
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

// accountFor resolves {id} and checks the actor owns the account or is an admin.
func accountFor(w http.ResponseWriter, r *http.Request) (domain.Actor, string, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return actor, "", false
	}
	accountID := strings.TrimSpace(chi.URLParam(r, "id"))
	if accountID == "" {
		http.Error(w, "Account ID is required", http.StatusBadRequest)
		return actor, "", false
	}
	if accountID != actor.ID && actor.Role != domain.RoleAdmin {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return actor, "", false
	}
	return actor, accountID, true
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	_, accountID, ok := accountFor(w, r)
	if !ok {
		return
	}
	account, err := h.ledger.Balance(r.Context(), accountID)
	if err != nil {
		h.respondWithServiceError(w, err, "get account")
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

func (h *Handler) handleListFlows(w http.ResponseWriter, r *http.Request) {
	_, accountID, ok := accountFor(w, r)
	if !ok {
		return
	}
	flows, err := h.ledger.Flows(r.Context(), accountID)
	if err != nil {
		h.respondWithServiceError(w, err, "list flows")
		return
	}
	respondWithJSON(w, http.StatusOK, flows)
}

func (h *Handler) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	actor, accountID, ok := accountFor(w, r)
	if !ok {
		return
	}
	var req domain.WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	withdrawal, err := h.ledger.RequestWithdrawal(r.Context(), actor, accountID, req)
	if err != nil {
		h.respondWithServiceError(w, err, "request withdrawal")
		return
	}
	respondWithJSON(w, http.StatusCreated, withdrawal)
}

func (h *Handler) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	account, err := h.ledger.OpenAccount(r.Context(), internalActor, req)
	if err != nil {
		h.respondWithServiceError(w, err, "open account")
		return
	}
	respondWithJSON(w, http.StatusCreated, account)
}

func (h *Handler) handleTopUp(w http.ResponseWriter, r *http.Request) {
	accountID := strings.TrimSpace(chi.URLParam(r, "id"))
	var req domain.TopUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	account, err := h.ledger.TopUp(r.Context(), internalActor, accountID, req)
	if err != nil {
		h.respondWithServiceError(w, err, "top up account")
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

func (h *Handler) handleCompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.resolveWithdrawal(w, r, h.ledger.CompleteWithdrawal)
}

func (h *Handler) handleRejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.resolveWithdrawal(w, r, h.ledger.RejectWithdrawal)
}

func (h *Handler) resolveWithdrawal(w http.ResponseWriter, r *http.Request, resolve func(context.Context, domain.Actor, uuid.UUID) (*domain.Withdrawal, error)) {
	withdrawalID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid withdrawal ID", http.StatusBadRequest)
		return
	}
	withdrawal, err := resolve(r.Context(), internalActor, withdrawalID)
	if err != nil {
		h.respondWithServiceError(w, err, "resolve withdrawal")
		return
	}
	respondWithJSON(w, http.StatusOK, withdrawal)
}

// respondWithServiceError maps service errors onto HTTP statuses.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, err error, op string) {
	var limited *domain.RateLimitError
	switch {
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrMissingDisputeEvidence),
		errors.Is(err, domain.ErrEmptyAppealReason),
		errors.Is(err, domain.ErrSelfGrab):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrInsufficientFunds):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrOrderNotClaimable),
		errors.Is(err, domain.ErrAccountExists),
		errors.Is(err, domain.ErrDuplicateTopUp),
		errors.Is(err, domain.ErrNotPending):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrBusy):
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, domain.ErrAccountHalted):
		http.Error(w, err.Error(), http.StatusLocked)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		http.Error(w, "Request timed out", http.StatusGatewayTimeout)
	default:
		h.logger.Error("request failed", "op", op, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func decodeOptionalBody(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(dst)
}

func parseIntParam(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
