package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flowgrid/flowgrid/internal/engine"
	"github.com/flowgrid/flowgrid/internal/expressions"
	"github.com/flowgrid/flowgrid/internal/logging"
	"github.com/flowgrid/flowgrid/internal/providers"
	"github.com/flowgrid/flowgrid/internal/secrets"
	"github.com/flowgrid/flowgrid/internal/store"
	"github.com/flowgrid/flowgrid/internal/trigger"
	"github.com/flowgrid/flowgrid/internal/validation"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("flowgrid exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("store ready", slog.String("db_path", cfg.DBPath))

	if cfg.VaultPassphrase == "" || cfg.VaultSalt == "" {
		return errors.New("vault passphrase and salt are required (FLOWGRID_VAULT_PASSPHRASE, FLOWGRID_VAULT_SALT)")
	}
	vault, err := secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: cfg.VaultPassphrase,
		Salt:       []byte(cfg.VaultSalt),
	})
	if err != nil {
		return err
	}

	registry := providers.NewRegistry(logger)
	if err := providers.RegisterBuiltins(registry, httpConfig(cfg)); err != nil {
		return err
	}
	logger.Info("providers registered", slog.Int("count", registry.Count()))

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return err
	}

	eng := engine.New(st, registry, vault, cel, logger)
	validator := validation.NewValidator(registry)
	auditPlans(ctx, st, validator, logger)

	sched := trigger.NewScheduler(st, eng, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Error("missed-schedule recovery failed", slog.String("error", err.Error()))
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	logger.Info("flowgrid started")
	<-ctx.Done()
	logger.Info("shutting down")
	return sched.Stop()
}

// auditPlans re-validates every enabled plan at boot. Plans that became
// invalid (a provider removed, a schema tightened) surface in the log
// rather than failing silently at trigger time.
func auditPlans(ctx context.Context, st store.Store, validator *validation.Validator, logger *slog.Logger) {
	enabled := true
	plans, err := st.ListPlans(ctx, store.PlanFilter{Enabled: &enabled})
	if err != nil {
		logger.Error("plan audit failed", slog.String("error", err.Error()))
		return
	}
	for _, plan := range plans {
		result := validator.ValidatePlan(plan.Definition())
		for _, issue := range result.Errors {
			logger.Error("plan failed validation",
				slog.String("plan_id", plan.ID),
				slog.String("path", issue.Path),
				slog.String("message", issue.Message))
		}
		for _, issue := range result.Warnings {
			logger.Warn("plan validation warning",
				slog.String("plan_id", plan.ID),
				slog.String("path", issue.Path),
				slog.String("message", issue.Message))
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(logging.NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}

func httpConfig(cfg Config) providers.HTTPConfig {
	hc := providers.HTTPConfig{MaxResponseBody: cfg.MaxResponseBody}
	if cfg.HTTPTimeout != "" {
		if d, err := time.ParseDuration(cfg.HTTPTimeout); err == nil {
			hc.DefaultTimeout = d
		}
	}
	return hc
}
