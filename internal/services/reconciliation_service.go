package services

import (
	"context"
	"fmt"
	"log"

	"github.com/go-redis/redis/v8"
	"github.com/zeitgeist/backend/internal/config"
	"github.com/zeitgeist/backend/internal/models"
	"github.com/zeitgeist/backend/internal/store"
)

// ReconciliationService maps a payment redirect back onto a settlement.
// The redirect carries no cryptographic proof of payment; the collaborator
// that issued it is trusted to have verified the session.
type ReconciliationService struct {
	settlement *SettlementService
	redis      *redis.Client
	cfg        *config.CreditsConfig
}

// ReconcileRequest is one observed payment redirect. AuthPublicID and
// AuthEmail come from the caller's bearer token when present; EmailHint is
// the prefilled email the provider echoed back on the redirect URL.
type ReconcileRequest struct {
	SessionID    string
	PlanType     string
	EmailHint    string
	AuthPublicID string
	AuthEmail    string
}

type ReconcileResult struct {
	Credits         int64  `json:"credits"`
	PurchaseID      int64  `json:"purchaseId,omitempty"`
	UserID          string `json:"userId,omitempty"`
	LinkedToAccount bool   `json:"linkedToAccount"`
}

func NewReconciliationService(settlement *SettlementService, redisClient *redis.Client, cfg *config.CreditsConfig) *ReconciliationService {
	return &ReconciliationService{settlement: settlement, redis: redisClient, cfg: cfg}
}

// Reconcile settles one redirect observation. Identity precedence: the
// authenticated account when it is a real (non-guest) one, then the email
// hint from the redirect, then a session-only grant with no durable
// identity. SettlementService's idempotency on the session id makes
// duplicate observations harmless.
func (s *ReconciliationService) Reconcile(ctx context.Context, req ReconcileRequest) (*ReconcileResult, error) {
	if req.SessionID == "" {
		return nil, store.ErrInvalidInput
	}
	plan, ok := s.cfg.Plans[req.PlanType]
	if !ok {
		return nil, store.ErrInvalidInput
	}

	publicID := ""
	if req.AuthPublicID != "" && !models.GuestPublicID(req.AuthPublicID) {
		publicID = req.AuthPublicID
	}

	email := ""
	if publicID == "" {
		email = req.EmailHint
		if email == "" {
			email = req.AuthEmail
		}
	}

	if publicID == "" && email == "" {
		return s.grantToSession(ctx, req.SessionID, plan.Credits)
	}

	result, err := s.settlement.Settle(ctx, publicID, email, req.SessionID, req.PlanType, plan.Credits, plan.AmountCents)
	if err != nil {
		return nil, err
	}

	s.clearSessionGrant(ctx, req.SessionID)

	return &ReconcileResult{
		Credits:         result.NewBalance,
		PurchaseID:      result.PurchaseID,
		UserID:          result.Account.PublicID,
		LinkedToAccount: true,
	}, nil
}

// grantToSession is the degraded fallback: credits held against the
// checkout session alone, claimable by reconciling the same session after
// login and expired by TTL otherwise.
func (s *ReconciliationService) grantToSession(ctx context.Context, sessionID string, credits int64) (*ReconcileResult, error) {
	if s.redis == nil {
		log.Printf("[RECONCILE] No session store available, session %s credits are ephemeral", sessionID)
		return &ReconcileResult{Credits: credits, LinkedToAccount: false}, nil
	}

	key := guestGrantKey(sessionID)
	set, err := s.redis.SetNX(ctx, key, credits, s.cfg.GuestGrantTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: session grant: %v", store.ErrStorageUnavailable, err)
	}
	if !set {
		// the same redirect was already observed; the grant stands as-is
		existing, err := s.redis.Get(ctx, key).Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: session grant: %v", store.ErrStorageUnavailable, err)
		}
		return &ReconcileResult{Credits: existing, LinkedToAccount: false}, nil
	}

	log.Printf("[RECONCILE] Granted %d credits to session %s without a durable identity", credits, sessionID)
	return &ReconcileResult{Credits: credits, LinkedToAccount: false}, nil
}

func (s *ReconciliationService) clearSessionGrant(ctx context.Context, sessionID string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, guestGrantKey(sessionID)).Err(); err != nil {
		log.Printf("[RECONCILE] Failed to clear session grant for %s: %v", sessionID, err)
	}
}

func guestGrantKey(sessionID string) string {
	return "guest:credits:" + sessionID
}
