/**
 * @description
 * Entry point for the scheduler. A non-HTTP, long-running process that
 * triggers the reminder sweep on billing-api every minute in the business
 * timezone.
 */
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/revendapro/billing-engine/internal/app"
	"github.com/revendapro/billing-engine/internal/config"
	"github.com/revendapro/billing-engine/pkg/billingclient"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found; using process environment")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Require("BILLING_API_URL", "INTERNAL_API_KEY"); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	clock := app.NewClock(cfg.BusinessTimezone, logger)
	jobs := app.NewJobs(billingclient.NewClient(cfg.BillingAPIURL, cfg.InternalAPIKey), logger)
	scheduler := app.NewScheduler(jobs, logger, cfg.ReminderJobSchedule, clock.Location())

	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	logger.Info("scheduler started", "timezone", clock.Location().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	stopCtx := scheduler.Stop()
	<-stopCtx.Done()
	logger.Info("scheduler stopped gracefully")
}
