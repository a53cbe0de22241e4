package services

import (
	qrcode "github.com/skip2/go-qrcode"
	"github.com/zeitgeist/backend/internal/config"
	"github.com/zeitgeist/backend/internal/store"
)

// CheckoutService exposes the per-plan hosted checkout links and renders
// them as scannable QR codes.
type CheckoutService struct {
	cfg *config.CreditsConfig
}

func NewCheckoutService(cfg *config.CreditsConfig) *CheckoutService {
	return &CheckoutService{cfg: cfg}
}

// CheckoutLink returns the hosted checkout URL for a plan.
func (s *CheckoutService) CheckoutLink(planType string) (string, error) {
	plan, ok := s.cfg.Plans[planType]
	if !ok || plan.CheckoutURL == "" {
		return "", store.ErrInvalidInput
	}
	return plan.CheckoutURL, nil
}

// CheckoutQR renders the plan's checkout link as a PNG QR code.
func (s *CheckoutService) CheckoutQR(planType string, size int) ([]byte, error) {
	link, err := s.CheckoutLink(planType)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(link, qrcode.Medium, size)
}
