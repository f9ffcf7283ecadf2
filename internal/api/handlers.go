package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"flash-reservation/internal/database"
	"flash-reservation/internal/models"
	"flash-reservation/internal/reserve"

	"github.com/google/uuid"
)

// pollBudget is the hard wall-clock cap on a synchronous wait. The attempt
// ladder alone could run much longer; the request context cuts it off here
// and the caller gets 504 while the reservation continues in the background.
const pollBudget = 1 * time.Second

// ---------------------------------------------------------------------------
// Dependency interfaces
//
// Each interface captures exactly the methods this package needs.
// Callers (main, tests) inject the real implementations or fakes.
// ---------------------------------------------------------------------------

// AvailabilityCache is the stock read/back-fill contract.
type AvailabilityCache interface {
	GetStock(ctx context.Context, skuID string) (int, error)
	SetStock(ctx context.Context, skuID string, available int) error
}

// CommandQueue publishes confirm/cancel commands onto the sku-keyed log.
type CommandQueue interface {
	PublishCommand(ctx context.Context, msg *models.Message) error
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

// Handler holds every dependency the HTTP layer needs. Submitter and Poller
// stay concrete — they are the engine's own surface; Cache and Queue are
// interfaces so tests can inject fakes.
type Handler struct {
	DB        *database.DB
	Submitter *reserve.Submitter
	Poller    *reserve.Poller
	Cache     AvailabilityCache
	Queue     CommandQueue
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOutcomeError(w http.ResponseWriter, out models.Outcome) {
	status := http.StatusBadRequest
	switch out.Code {
	case models.CodeTimeout:
		status = http.StatusGatewayTimeout
	case models.CodeProcessingError:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, out)
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

// CreateReservation — POST /reservations
//
// The synchronous surface over the asynchronous core:
//  1. Validate the product exists and is on sale (404 otherwise).
//  2. Submit: prechecks + enqueue on the sku's partition.
//  3. Poll the outcome cache until the single writer decides, up to ~1s.
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		SkuID    string `json:"sku_id"`
		Quantity int    `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}

	product, err := h.DB.GetProduct(r.Context(), req.SkuID)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "product not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("product lookup failed", "component", "api", "sku_id", req.SkuID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if !product.IsActive {
		http.Error(w, "product not found", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), pollBudget)
	defer cancel()

	out := h.Submitter.SubmitAndWait(ctx, h.Poller, req.UserID, req.SkuID, req.Quantity)
	if !out.OK() {
		writeOutcomeError(w, out)
		return
	}

	slog.Info("reservation placed",
		"component", "api",
		"reservation_id", out.ReservationID,
		"sku_id", req.SkuID,
	)
	writeJSON(w, http.StatusCreated, out)
}

// GetReservation — GET /reservations/{id}
//
// Lets a caller that hit the poll timeout re-query the hold by id; the
// durable store is authoritative here, no cache involved.
func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	res, err := h.DB.GetReservation(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "reservation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("reservation lookup failed", "component", "api", "reservation_id", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// CancelReservation — DELETE /reservations/{id}
//
// Routes the cancellation through the sku's single writer and waits for the
// result. Cancelling an already-cancelled hold succeeds idempotently.
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	res, err := h.DB.GetReservation(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "reservation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("reservation lookup failed", "component", "api", "reservation_id", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	msg := &models.Message{
		Type:          models.TypeCancel,
		RequestID:     uuid.New().String(),
		SkuID:         res.SkuID,
		ReservationID: id,
		SubmittedAt:   time.Now().UTC(),
	}
	if err := h.Queue.PublishCommand(r.Context(), msg); err != nil {
		slog.Error("cancel enqueue failed", "component", "api", "reservation_id", id, "error", err)
		writeOutcomeError(w, models.Outcome{Code: models.CodeProcessingError, Message: "could not enqueue cancellation"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), pollBudget)
	defer cancel()

	out := h.Poller.WaitForResult(ctx, id)
	if !out.OK() {
		writeOutcomeError(w, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ---------------------------------------------------------------------------
// Checkout
// ---------------------------------------------------------------------------

// Checkout — POST /orders/checkout
//
// Called after the external payment collaborator settles the transaction.
// The CONFIRM command travels through the same partition as the original
// RESERVE, so it cannot race the expiry sweeper: whichever lands first wins.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReservationID   string `json:"reservation_id"`
		PaymentTxnID    string `json:"payment_transaction_id"`
		PaymentMethod   string `json:"payment_method"`
		ShippingAddress string `json:"shipping_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if req.ReservationID == "" || req.PaymentTxnID == "" {
		http.Error(w, "reservation_id and payment_transaction_id are required", http.StatusBadRequest)
		return
	}

	res, err := h.DB.GetReservation(r.Context(), req.ReservationID)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "reservation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("reservation lookup failed",
			"component", "api", "reservation_id", req.ReservationID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	msg := &models.Message{
		Type:          models.TypeConfirm,
		RequestID:     uuid.New().String(),
		SkuID:         res.SkuID,
		ReservationID: req.ReservationID,
		PaymentTxnID:  req.PaymentTxnID,
		ShippingAddr:  req.ShippingAddress,
		SubmittedAt:   time.Now().UTC(),
	}
	if err := h.Queue.PublishCommand(r.Context(), msg); err != nil {
		slog.Error("confirm enqueue failed",
			"component", "api", "reservation_id", req.ReservationID, "error", err)
		writeOutcomeError(w, models.Outcome{Code: models.CodeProcessingError, Message: "could not enqueue confirmation"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), pollBudget)
	defer cancel()

	out := h.Poller.WaitForResult(ctx, req.ReservationID)
	if !out.OK() {
		writeOutcomeError(w, out)
		return
	}

	slog.Info("checkout confirmed",
		"component", "api",
		"reservation_id", req.ReservationID,
		"order_id", out.OrderID,
	)
	writeJSON(w, http.StatusOK, out)
}

// ---------------------------------------------------------------------------
// Availability
// ---------------------------------------------------------------------------

// GetAvailability — GET /products/{sku}/availability
//
// Read path:
//   - Redis HIT  → return instantly            (X-Cache: HIT)
//   - Redis MISS → inventory lookup → back-fill (X-Cache: MISS)
//
// The count is eventually consistent by design; the short TTL keeps it within
// seconds of the writer's view.
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	skuID := r.PathValue("sku")

	if available, err := h.Cache.GetStock(r.Context(), skuID); err == nil {
		w.Header().Set("X-Cache", "HIT")
		writeJSON(w, http.StatusOK, map[string]any{"sku_id": skuID, "available": available})
		return
	}

	inv, err := h.DB.GetInventory(r.Context(), skuID)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "product not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("inventory read failed", "component", "api", "sku_id", skuID, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	_ = h.Cache.SetStock(r.Context(), skuID, inv.Available) // back-fill; failure is non-fatal

	w.Header().Set("X-Cache", "MISS")
	writeJSON(w, http.StatusOK, map[string]any{"sku_id": skuID, "available": inv.Available})
}
