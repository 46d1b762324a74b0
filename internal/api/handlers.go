/**
 * @description
 * This file contains the HTTP handler functions for the charge-service.
 * Handlers parse incoming requests, call the business logic in the service
 * layer, and map typed errors to HTTP statuses.
 */
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/moneta-app/charge-service/internal/app"
	"github.com/moneta-app/charge-service/internal/domain"
	"github.com/moneta-app/charge-service/internal/store"
)

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service      *app.Service
	limiter      *app.RedisPaymentRateLimiter
	payRateLimit int
}

// NewHandler creates a new Handler with the given service and optional
// payment rate limiter.
func NewHandler(service *app.Service, limiter *app.RedisPaymentRateLimiter, payRateLimit int) *Handler {
	return &Handler{service: service, limiter: limiter, payRateLimit: payRateLimit}
}

type createChargeRequest struct {
	Name                  string  `json:"name"`
	Amount                int64   `json:"amount"`
	DueDate               string  `json:"due_date"`
	Category              string  `json:"category"`
	IsRecurring           bool    `json:"is_recurring"`
	Recurrence            string  `json:"recurrence"`
	AccountID             *string `json:"account_id"`
	AutoDeduct            bool    `json:"auto_deduct"`
	StartPaymentNextMonth bool    `json:"start_payment_next_month"`
	ReminderDays          int     `json:"reminder_days"`
	PaymentMethod         *string `json:"payment_method"`
}

// handleCreateCharge handles the request to register a new charge.
func (h *Handler) handleCreateCharge(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req createChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	dueDate, err := parseDate(req.DueDate)
	if err != nil {
		http.Error(w, "Invalid due_date, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	charge := domain.Charge{
		UserID:                userID,
		Name:                  req.Name,
		Amount:                req.Amount,
		DueDate:               dueDate,
		Category:              req.Category,
		IsRecurring:           req.IsRecurring,
		Recurrence:            domain.Recurrence(req.Recurrence),
		AutoDeduct:            req.AutoDeduct,
		StartPaymentNextMonth: req.StartPaymentNextMonth,
		ReminderDays:          req.ReminderDays,
		PaymentMethod:         req.PaymentMethod,
	}
	if req.AccountID != nil {
		accountID, err := uuid.Parse(*req.AccountID)
		if err != nil {
			http.Error(w, "Invalid account_id", http.StatusBadRequest)
			return
		}
		charge.AccountID = &accountID
	}

	created, err := h.service.CreateCharge(r.Context(), charge)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, created)
}

// handleListCharges handles the request to list a user's charges, with
// optional is_paid / is_recurring / is_active filters.
func (h *Handler) handleListCharges(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	filter := domain.ChargeFilter{}
	if v, err := boolQueryParam(r, "is_paid"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	} else {
		filter.IsPaid = v
	}
	if v, err := boolQueryParam(r, "is_recurring"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	} else {
		filter.IsRecurring = v
	}
	if v, err := boolQueryParam(r, "is_active"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	} else {
		filter.IsActive = v
	}

	charges, err := h.service.ListCharges(r.Context(), userID, filter)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if charges == nil {
		charges = []domain.Charge{}
	}
	respondWithJSON(w, http.StatusOK, charges)
}

// handleUpcomingCharges lists unpaid charges whose reminder window has opened.
func (h *Handler) handleUpcomingCharges(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	charges, err := h.service.ListUpcomingCharges(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	if charges == nil {
		charges = []domain.Charge{}
	}
	respondWithJSON(w, http.StatusOK, charges)
}

// handleGetCharge handles the request to fetch one charge.
func (h *Handler) handleGetCharge(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	chargeID, err := uuid.Parse(chi.URLParam(r, "chargeID"))
	if err != nil {
		http.Error(w, "Invalid charge id", http.StatusBadRequest)
		return
	}

	charge, err := h.service.GetCharge(r.Context(), chargeID, userID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, charge)
}

// handleDeleteCharge handles the explicit destructive removal of a charge.
func (h *Handler) handleDeleteCharge(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	chargeID, err := uuid.Parse(chi.URLParam(r, "chargeID"))
	if err != nil {
		http.Error(w, "Invalid charge id", http.StatusBadRequest)
		return
	}

	if err := h.service.DeleteCharge(r.Context(), chargeID, userID); err != nil {
		respondWithServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type payChargeRequest struct {
	AccountID *string `json:"account_id"`
}

// handlePayCharge executes a manual payment for one charge.
func (h *Handler) handlePayCharge(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	chargeID, err := uuid.Parse(chi.URLParam(r, "chargeID"))
	if err != nil {
		http.Error(w, "Invalid charge id", http.StatusBadRequest)
		return
	}

	if h.limiter != nil && h.payRateLimit > 0 {
		count, retryAfter, err := h.limiter.ConsumeRateLimit(r.Context(), "pay_charge", userID.String(), h.payRateLimit, time.Minute)
		if err == nil && count > h.payRateLimit {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, "Too many payment attempts, slow down", http.StatusTooManyRequests)
			return
		}
	}

	var req payChargeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	var accountOverride *uuid.UUID
	if req.AccountID != nil {
		accountID, err := uuid.Parse(*req.AccountID)
		if err != nil {
			http.Error(w, "Invalid account_id", http.StatusBadRequest)
			return
		}
		accountOverride = &accountID
	}

	charge, err := h.service.PayCharge(r.Context(), chargeID, accountOverride, userID, false)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, charge)
}

// handleCanPayCharge is the read-only payment pre-check.
func (h *Handler) handleCanPayCharge(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	chargeID, err := uuid.Parse(chi.URLParam(r, "chargeID"))
	if err != nil {
		http.Error(w, "Invalid charge id", http.StatusBadRequest)
		return
	}

	respondWithJSON(w, http.StatusOK, h.service.CanPayCharge(r.Context(), chargeID, userID))
}

// handleProcessRecurring triggers occurrence generation for the caller's paid
// recurring charges.
func (h *Handler) handleProcessRecurring(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	result, err := h.service.ProcessRecurringCharges(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// handleRunAutoDeduct triggers the auto-deduct sweep for the caller.
func (h *Handler) handleRunAutoDeduct(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	result, err := h.service.RunAutoDeduct(r.Context(), userID)
	if err != nil {
		respondWithServiceError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// respondWithServiceError maps typed service errors to HTTP statuses.
func respondWithServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrChargeNotFound), errors.Is(err, store.ErrAccountNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrChargeAlreadyPaid):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrInsufficientFunds):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, domain.ErrNonPositiveAmount),
		errors.Is(err, domain.ErrMissingRecurrence),
		errors.Is(err, domain.ErrMissingName),
		errors.Is(err, domain.ErrNoAccountLinked):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func parseDate(value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

func boolQueryParam(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s, expected true or false", name)
	}
	return &value, nil
}

// respondWithJSON is a helper function to write JSON responses.
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
