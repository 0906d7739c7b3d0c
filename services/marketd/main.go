package marketd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bazaar/config"
	marketerrors "bazaar/core/errors"
	"bazaar/core/market"
	"bazaar/core/state"
	"bazaar/core/types"
	"bazaar/gateway/middleware"
	"bazaar/observability/logging"
	telemetry "bazaar/observability/otel"
	"bazaar/storage"
)

const shutdownTimeout = 10 * time.Second

// Main loads configuration, opens (or creates) the configured marketplace and
// serves it until SIGINT or SIGTERM.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "marketd.toml", "path to marketd configuration (TOML or YAML)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.Setup("marketd", cfg.Environment,
		logging.WithLevel(logging.ParseLevel(cfg.Logging.Level)),
		logging.WithFile(logging.FileSink{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   true,
		}),
	)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "marketd",
		Environment: cfg.Environment,
		Instance:    cfg.Market.Currency,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	db, err := storage.Open(cfg.StateEngine, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()
	if err := state.EnsureSchemaVersion(state.NewManager(db)); err != nil {
		return err
	}

	eventLog, err := OpenEventLog(cfg.Events.LogPath)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer eventLog.Close()
	last, err := eventLog.Latest(context.Background())
	if err != nil {
		return fmt.Errorf("read event log: %w", err)
	}
	feed := NewFeed(cfg.Events.FeedCapacity, last)

	host := market.NewHost[Asset](db, market.Options{
		Policy:  market.Policy{AllowSelfPurchase: cfg.Market.AllowSelfPurchase},
		Emitter: NewSink(eventLog, feed, logger),
		Logger:  logger,
	})
	inst, err := openInstance(host, cfg, logger)
	if err != nil {
		return err
	}

	server, err := NewServer(ServerConfig{
		Instance: inst,
		Events:   eventLog,
		Feed:     feed,
		Auth: middleware.NewAuthenticator(middleware.AuthConfig{
			HMACSecret: cfg.Auth.JWTSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
		}, logger),
		RateLimit: middleware.RateLimit{
			RequestsPerMinute: float64(cfg.RateLimit.PerMinute),
			Burst:             cfg.RateLimit.Burst,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("marketd listening",
			"listen", cfg.Listen,
			"instance", inst.ID().String(),
			"currency", inst.Currency())
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down marketd")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// openInstance reopens the instance serving the configured currency, creating
// it on first boot. Creation hands out the capabilities exactly once, so they
// are written to the capability file before anything else can fail.
func openInstance(host *market.Host[Asset], cfg *config.Config, logger *slog.Logger) (*market.Instance[Asset], error) {
	inst, err := host.Lookup(cfg.Market.Currency)
	if err == nil {
		logger.Info("marketplace reopened", "instance", inst.ID().String(), "currency", inst.Currency())
		return inst, nil
	}
	if !errors.Is(err, marketerrors.ErrNotFound) {
		return nil, fmt.Errorf("lookup marketplace: %w", err)
	}
	creator, err := types.ParseAddress(cfg.Market.Creator)
	if err != nil {
		return nil, fmt.Errorf("market creator: %w", err)
	}
	inst, withdrawCap, adminCap, err := host.Create(creator, cfg.Market.Currency)
	if err != nil {
		return nil, fmt.Errorf("create marketplace: %w", err)
	}
	if err := writeCapabilities(cfg.CapabilityFile, inst.Currency(), withdrawCap, adminCap, time.Now()); err != nil {
		return nil, fmt.Errorf("persist capabilities: %w", err)
	}
	withdrawToken, _ := withdrawCap.MarshalText()
	adminToken, _ := adminCap.MarshalText()
	logger.Info("marketplace created",
		"instance", inst.ID().String(),
		"currency", inst.Currency(),
		"capability_file", cfg.CapabilityFile,
		logging.MaskField("withdraw_capability", string(withdrawToken)),
		logging.MaskField("admin_capability", string(adminToken)))
	return inst, nil
}
