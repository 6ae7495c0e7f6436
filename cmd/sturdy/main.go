// cmd/sturdy/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sturdy-parent/config"
	"sturdy-parent/internal/auth"
	"sturdy-parent/internal/bot"
	"sturdy-parent/internal/db"
	"sturdy-parent/internal/entitlement"
	"sturdy-parent/internal/gpt"
	"sturdy-parent/internal/journal"
	"sturdy-parent/internal/models"
	"sturdy-parent/internal/payment"
	"sturdy-parent/internal/ratelimit"
	"sturdy-parent/internal/script"
	"sturdy-parent/internal/server"
	"sturdy-parent/pkg/logger"
)

func main() {
	l := logger.FromEnv()
	defer l.Sync()
	l.Info("Starting Sturdy Parent...")

	cfg, err := config.Load()
	if err != nil {
		l.Fatalw("Failed to load config", "error", err)
	}

	if cfg.OpenAI.APIKey == "" {
		l.Warn("OPENAI_API_KEY is not set, generation will fail")
	}

	// Database is optional; without it every caller is unmetered.
	var entitlements *entitlement.Service
	if dsn := cfg.DSN(); dsn != "" {
		var database *db.PostgresDB
		maxRetries := 5
		for i := 0; i < maxRetries; i++ {
			database, err = db.NewPostgresDB(db.PoolConfig{
				DSN:          dsn,
				MaxOpenConns: cfg.DB.MaxOpenConns,
				MaxIdleConns: cfg.DB.MaxIdleConns,
				ConnLifetime: cfg.DB.ConnLifetime,
			})
			if err == nil {
				break
			}
			l.Errorw("Failed to connect to database, retrying...", "error", err, "attempt", i+1)
			time.Sleep(time.Duration(i+1) * time.Second)
		}
		if database == nil {
			l.Fatalw("Failed to connect to database after multiple attempts", "error", err)
		}
		defer database.Close()
		entitlements = entitlement.NewService(database)
	} else {
		l.Warn("No database configured, entitlements are disabled")
	}

	limitOpts := ratelimit.Options{Window: cfg.RateLimit.Window, Max: cfg.RateLimit.Max}
	var limiter ratelimit.Limiter = ratelimit.NewMemory(limitOpts)
	if cfg.RateLimit.RedisURL != "" {
		redisLimiter, client, err := ratelimit.NewRedisFromURL(cfg.RateLimit.RedisURL, cfg.RateLimit.Prefix, limitOpts)
		if err != nil {
			l.Errorw("Invalid Redis URL, falling back to in-memory rate limiting", "error", err)
		} else {
			defer client.Close()
			limiter = redisLimiter
			l.Info("Using Redis rate limiter")
		}
	}

	gptClient := gpt.NewClientWithBaseURL(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL).
		WithModel(cfg.OpenAI.Model).
		WithMaxTokens(cfg.OpenAI.MaxTokens).
		WithTemperature(cfg.OpenAI.Temperature)

	stripeClient := payment.NewStripeClient(payment.Config{
		SecretKey:        cfg.Stripe.SecretKey,
		WebhookSecret:    cfg.Stripe.WebhookSecret,
		WebhookTolerance: cfg.Stripe.WebhookTolerance,
		PaymentLinks: map[models.PlanID]string{
			models.PlanWeekly:   cfg.Stripe.WeeklyPaymentLinkID,
			models.PlanMonthly:  cfg.Stripe.MonthlyPaymentLinkID,
			models.PlanLifetime: cfg.Stripe.LifetimePaymentLinkID,
		},
		Prices: map[models.PlanID]string{
			models.PlanWeekly:   cfg.Stripe.WeeklyPriceID,
			models.PlanMonthly:  cfg.Stripe.MonthlyPriceID,
			models.PlanLifetime: cfg.Stripe.LifetimePriceID,
		},
		SuccessURL: cfg.Stripe.SuccessURL,
		CancelURL:  cfg.Stripe.CancelURL,
	})

	deps := server.Deps{
		Logger:       l,
		Limiter:      limiter,
		LLM:          gptClient,
		Auth:         auth.NewVerifier(cfg.Supabase.JWTSecret),
		Entitlements: entitlements,
		Payments:     stripeClient,
		Limits: script.Limits{
			MaxMessageChars: cfg.Generation.MaxMessageChars,
			MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		},
		TrustProxy: cfg.Server.TrustProxy,
	}

	httpServer := server.NewServer(cfg.Server.Port, deps, server.Timeouts{
		Read:  cfg.Server.ReadTimeout,
		Write: cfg.Server.WriteTimeout,
	})
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatalw("Failed to start HTTP server", "error", err)
		}
	}()

	ctx, stopBot := context.WithCancel(context.Background())
	defer stopBot()

	var telegramBot *bot.TelegramBot
	if cfg.Telegram.Token != "" {
		telegramBot, err = bot.NewTelegramBot(cfg.Telegram.Token, gptClient, bot.Options{
			Limiter: limiter,
			Journal: journal.NewStore(journal.DefaultCapacity),
			PaymentLinks: map[models.PlanID]string{
				models.PlanWeekly:   cfg.Stripe.WeeklyLink,
				models.PlanMonthly:  cfg.Stripe.MonthlyLink,
				models.PlanLifetime: cfg.Stripe.LifetimeLink,
			},
			FreeLimit:       cfg.Generation.FreeLimit,
			MaxMessageChars: cfg.Generation.MaxMessageChars,
		}, l.With("component", "telegram"))
		if err != nil {
			l.Fatalw("Failed to create Telegram bot", "error", err)
		}
		if err := telegramBot.Start(ctx); err != nil {
			l.Fatalw("Failed to start Telegram bot", "error", err)
		}
		l.Info("Telegram bot started successfully")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		l.Errorw("Error during HTTP server shutdown", "error", err)
	}

	if telegramBot != nil {
		stopBot()
		if err := telegramBot.Stop(shutdownCtx); err != nil {
			l.Errorw("Error during bot shutdown", "error", err)
		}
	}

	l.Info("Stopped")
}
