package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	envListen            = "MARKETD_LISTEN"
	envDataDir           = "MARKETD_DATA_DIR"
	envStateEngine       = "MARKETD_STATE_ENGINE"
	envEnvironment       = "MARKETD_ENV"
	envCurrency          = "MARKETD_CURRENCY"
	envCreator           = "MARKETD_CREATOR"
	envAllowSelfPurchase = "MARKETD_ALLOW_SELF_PURCHASE"
	envJWTSecret         = "MARKETD_JWT_SECRET"
	envRatePerMin        = "MARKETD_RATE_PER_MIN"
	envLogLevel          = "MARKETD_LOG_LEVEL"
	envLogFile           = "MARKETD_LOG_FILE"
	envOTLPEndpoint      = "MARKETD_OTEL_ENDPOINT"
	envOTLPHeaders       = "MARKETD_OTEL_HEADERS"
)

// ApplyEnv overrides cfg with any MARKETD_* variables that are set.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil config")
	}
	setString(&cfg.Listen, envListen)
	setString(&cfg.DataDir, envDataDir)
	setString(&cfg.StateEngine, envStateEngine)
	setString(&cfg.Environment, envEnvironment)
	setString(&cfg.Market.Currency, envCurrency)
	setString(&cfg.Market.Creator, envCreator)
	setString(&cfg.Auth.JWTSecret, envJWTSecret)
	setString(&cfg.Logging.Level, envLogLevel)
	setString(&cfg.Logging.File, envLogFile)
	setString(&cfg.Telemetry.Endpoint, envOTLPEndpoint)
	setString(&cfg.Telemetry.Headers, envOTLPHeaders)
	if raw, ok := lookup(envAllowSelfPurchase); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", envAllowSelfPurchase, err)
		}
		cfg.Market.AllowSelfPurchase = v
	}
	if raw, ok := lookup(envRatePerMin); ok {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", envRatePerMin, err)
		}
		cfg.RateLimit.PerMinute = v
	}
	return nil
}

func lookup(key string) (string, bool) {
	trimmed := strings.TrimSpace(os.Getenv(key))
	return trimmed, trimmed != ""
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}
