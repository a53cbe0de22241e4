package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/zeitgeist/backend/internal/middleware"
	"github.com/zeitgeist/backend/internal/services"
	"github.com/zeitgeist/backend/internal/store"
)

const maxBodyBytes = 1_048_576 // 1 MB

// AccountHandler serves the account-facing credit ledger endpoints.
type AccountHandler struct {
	identity  *services.IdentityService
	deduction *services.DeductionService
	store     *store.LedgerStore
	validator *ValidationHelper
}

func NewAccountHandler(identity *services.IdentityService, deduction *services.DeductionService, ledgerStore *store.LedgerStore) *AccountHandler {
	return &AccountHandler{
		identity:  identity,
		deduction: deduction,
		store:     ledgerStore,
		validator: NewValidationHelper(),
	}
}

type loginRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type accountResponse struct {
	Email   string `json:"email"`
	UserID  string `json:"userId"`
	Credits int64  `json:"credits"`
	Token   string `json:"token,omitempty"`
}

// Login gets or creates the account bound to an email
// @Summary Login or create an account
// @Description Resolve an email to an account, creating it with the starting credit grant on first sight
// @Tags accounts
// @Accept json
// @Produce json
// @Param login body loginRequest true "Login data"
// @Success 200 {object} accountResponse
// @Failure 400 {object} ErrorResponse
// @Router /accounts/login [post]
func (h *AccountHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	account, err := h.identity.Resolve(r.Context(), req.Email)
	if err != nil {
		SendErrorResponse(w, "Failed to authenticate user", StatusForError(err), nil)
		return
	}

	token, err := middleware.IssueToken(account.PublicID, account.Email)
	if err != nil {
		log.Printf("[ACCOUNT] Failed to issue token for %s: %v", account.PublicID, err)
		token = ""
	}

	SendJSON(w, http.StatusOK, accountResponse{
		Email:   account.Email,
		UserID:  account.PublicID,
		Credits: account.Balance,
		Token:   token,
	})
}

// GetAccount looks up an account by email
// @Summary Get account by email
// @Tags accounts
// @Produce json
// @Param email path string true "Account email"
// @Success 200 {object} accountResponse
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{email} [get]
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")

	account, err := h.identity.Lookup(r.Context(), email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch user", StatusForError(err), nil)
		}
		return
	}

	SendJSON(w, http.StatusOK, accountResponse{
		Email:   account.Email,
		UserID:  account.PublicID,
		Credits: account.Balance,
	})
}

type deductRequest struct {
	Amount      int64   `json:"amount" validate:"omitempty,gt=0"`
	Kind        string  `json:"kind" validate:"omitempty,oneof=spend"`
	ReferenceID *string `json:"referenceId"`
}

// DeductCredits spends credits from an account
// @Summary Deduct credits
// @Description Atomically spend credits; the configured per-analysis cost applies when amount is omitted. Declined when the balance would go negative
// @Tags accounts
// @Accept json
// @Produce json
// @Param userId path string true "Account public id"
// @Param deduction body deductRequest true "Deduction data"
// @Success 200 {object} map[string]int64
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{userId}/credits [patch]
func (h *AccountHandler) DeductCredits(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	var req deductRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	balance, err := h.deduction.Spend(r.Context(), userID, req.Amount, req.Kind, req.ReferenceID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientFunds):
			SendErrorResponse(w, "Insufficient credits", http.StatusPaymentRequired, nil)
		case errors.Is(err, store.ErrNotFound):
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
		default:
			SendErrorResponse(w, "Failed to update credits", StatusForError(err), nil)
		}
		return
	}

	SendJSON(w, http.StatusOK, map[string]int64{"credits": balance})
}

// GetPurchases lists an account's purchases, most recent first
// @Summary Get purchase history
// @Tags accounts
// @Produce json
// @Param userId path string true "Account public id"
// @Success 200 {array} models.Purchase
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{userId}/purchases [get]
func (h *AccountHandler) GetPurchases(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")

	account, err := h.store.GetAccountByPublicID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			SendErrorResponse(w, "User not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch user", StatusForError(err), nil)
		}
		return
	}

	purchases, err := h.store.ListPurchases(r.Context(), account.ID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch purchases", StatusForError(err), nil)
		return
	}

	SendJSON(w, http.StatusOK, purchases)
}

// decodeBody decodes a single JSON object request body, rejecting unknown
// fields and trailing data. Writes the error response itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	return true
}
