package config

import (
	"fmt"
	"strings"

	"bazaar/core/types"
	"bazaar/storage"
)

// MinJWTSecretLength is the shortest HS256 secret accepted.
const MinJWTSecretLength = 32

// Validate ensures the configuration is internally consistent.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen address required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data dir required")
	}
	switch c.StateEngine {
	case storage.EngineLevelDB, storage.EngineBolt:
	default:
		return fmt.Errorf("state engine %q must be %s or %s", c.StateEngine, storage.EngineLevelDB, storage.EngineBolt)
	}
	if _, err := types.ValidateCurrency(c.Market.Currency); err != nil {
		return fmt.Errorf("market: %w", err)
	}
	if strings.TrimSpace(c.Market.Creator) == "" {
		return fmt.Errorf("market: creator address required")
	}
	if _, err := types.ParseAddress(c.Market.Creator); err != nil {
		return fmt.Errorf("market: creator: %w", err)
	}
	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth: jwt secret must be at least %d bytes", MinJWTSecretLength)
	}
	if c.RateLimit.PerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must be non-negative")
	}
	if c.Events.FeedCapacity <= 0 {
		return fmt.Errorf("events: feed capacity must be positive")
	}
	return nil
}
