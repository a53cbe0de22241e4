package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/zeitgeist/backend/internal/middleware"
	"github.com/zeitgeist/backend/internal/services"
	"github.com/zeitgeist/backend/internal/store"
)

// PurchaseHandler serves settlement, reconciliation and checkout endpoints.
type PurchaseHandler struct {
	settlement     *services.SettlementService
	reconciliation *services.ReconciliationService
	checkout       *services.CheckoutService
	validator      *ValidationHelper
}

func NewPurchaseHandler(settlement *services.SettlementService, reconciliation *services.ReconciliationService, checkout *services.CheckoutService) *PurchaseHandler {
	return &PurchaseHandler{
		settlement:     settlement,
		reconciliation: reconciliation,
		checkout:       checkout,
		validator:      NewValidationHelper(),
	}
}

type settleRequest struct {
	UserID          string `json:"userId"`
	Email           string `json:"email"`
	SessionID       string `json:"sessionId" validate:"required"`
	PlanType        string `json:"planType" validate:"required"`
	CreditsAdded    int64  `json:"creditsAdded" validate:"required,gt=0"`
	AmountPaidCents int64  `json:"amountPaidCents" validate:"required,gt=0"`
}

type settleResponse struct {
	Success    bool   `json:"success"`
	Credits    int64  `json:"credits"`
	PurchaseID string `json:"purchaseId"`
}

// SettlePurchase records a purchase and credits the account exactly once
// @Summary Settle a purchase
// @Description Idempotently record an external purchase for its checkout session and credit the account
// @Tags purchases
// @Accept json
// @Produce json
// @Param purchase body settleRequest true "Purchase data"
// @Success 200 {object} settleResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /purchases [post]
func (h *PurchaseHandler) SettlePurchase(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Missing required fields: sessionId, planType, creditsAdded, amountPaidCents", http.StatusBadRequest, err)
		return
	}
	if req.UserID == "" && req.Email == "" {
		SendErrorResponse(w, "Either userId or email is required", http.StatusBadRequest, nil)
		return
	}

	result, err := h.settlement.Settle(r.Context(), req.UserID, req.Email, req.SessionID, req.PlanType, req.CreditsAdded, req.AmountPaidCents)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
		case errors.Is(err, store.ErrInvalidInput):
			SendErrorResponse(w, "Invalid purchase data", http.StatusBadRequest, nil)
		default:
			SendErrorResponse(w, "Failed to record purchase", StatusForError(err), nil)
		}
		return
	}

	SendJSON(w, http.StatusOK, settleResponse{
		Success:    true,
		Credits:    result.NewBalance,
		PurchaseID: strconv.FormatInt(result.PurchaseID, 10),
	})
}

type reconcileRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
	PlanType  string `json:"plan" validate:"required"`
	EmailHint string `json:"prefilledEmail"`
}

// Reconcile settles a payment redirect observation
// @Summary Reconcile a payment redirect
// @Description Map a checkout redirect onto a settlement; falls back to a session-only grant when no identity can be resolved
// @Tags purchases
// @Accept json
// @Produce json
// @Param redirect body reconcileRequest true "Redirect data"
// @Success 200 {object} services.ReconcileResult
// @Failure 400 {object} ErrorResponse
// @Router /purchases/reconcile [post]
func (h *PurchaseHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.reconciliation.Reconcile(r.Context(), services.ReconcileRequest{
		SessionID:    req.SessionID,
		PlanType:     req.PlanType,
		EmailHint:    req.EmailHint,
		AuthPublicID: middleware.UserID(r.Context()),
		AuthEmail:    middleware.Email(r.Context()),
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidInput) {
			SendErrorResponse(w, "Unknown plan or missing session", http.StatusBadRequest, nil)
		} else {
			SendErrorResponse(w, "Failed to process purchase", StatusForError(err), nil)
		}
		return
	}

	SendJSON(w, http.StatusOK, result)
}

// CheckoutQR renders the plan's checkout link as a QR code
// @Summary Checkout link QR code
// @Tags purchases
// @Produce png
// @Param plan query string true "Plan type"
// @Param size query int false "Image size in pixels (default 256)"
// @Success 200 {file} binary
// @Failure 400 {object} ErrorResponse
// @Router /purchases/checkout-qr [get]
func (h *PurchaseHandler) CheckoutQR(w http.ResponseWriter, r *http.Request) {
	plan := r.URL.Query().Get("plan")

	size := 256
	if sizeStr := r.URL.Query().Get("size"); sizeStr != "" {
		if parsed, err := strconv.Atoi(sizeStr); err == nil && parsed > 0 && parsed <= 1024 {
			size = parsed
		}
	}

	png, err := h.checkout.CheckoutQR(plan, size)
	if err != nil {
		SendErrorResponse(w, "Unknown plan", http.StatusBadRequest, nil)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}
