package config

import (
	"os"
	"strconv"
	"time"
)

// Plan is one purchasable credit pack. CheckoutURL points at the payment
// provider's hosted checkout page for the plan.
type Plan struct {
	Credits     int64
	AmountCents int64
	CheckoutURL string
}

type CreditsConfig struct {
	StartingBalance  int64
	SpendCost        int64
	Currency         string
	MaxApplyAttempts int
	GuestGrantTTL    time.Duration
	Plans            map[string]Plan
}

func LoadCreditsConfig() *CreditsConfig {
	return &CreditsConfig{
		StartingBalance:  getEnvAsInt64("CREDITS_STARTING_BALANCE", 25),
		SpendCost:        getEnvAsInt64("CREDITS_ANALYSIS_COST", 2),
		Currency:         getEnv("CREDITS_CURRENCY", "usd"),
		MaxApplyAttempts: getEnvAsInt("CREDITS_MAX_APPLY_ATTEMPTS", 3),
		GuestGrantTTL:    getEnvAsDuration("CREDITS_GUEST_GRANT_TTL", 30*24*time.Hour),
		Plans: map[string]Plan{
			"starter": {
				Credits:     getEnvAsInt64("PLAN_STARTER_CREDITS", 100),
				AmountCents: getEnvAsInt64("PLAN_STARTER_AMOUNT_CENTS", 1900),
				CheckoutURL: getEnv("PLAN_STARTER_CHECKOUT_URL", "https://buy.stripe.com/cNi6oI05abPU4rU4oKefC00"),
			},
			"pro": {
				Credits:     getEnvAsInt64("PLAN_PRO_CREDITS", 500),
				AmountCents: getEnvAsInt64("PLAN_PRO_AMOUNT_CENTS", 4900),
				CheckoutURL: getEnv("PLAN_PRO_CHECKOUT_URL", "https://buy.stripe.com/14A14obNSbPU9MeaN8efC02"),
			},
		},
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
