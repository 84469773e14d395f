// Package main provides the homeledger execution API server.
package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/homeledger/pkg/persistence"
	"github.com/dukex/homeledger/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readinessTimeout = 2 * time.Second

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	engine      web.Engine
	deadLetters web.DeadLetters
	gatherer    prometheus.Gatherer
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	engine web.Engine,
	deadLetters web.DeadLetters,
	gatherer prometheus.Gatherer,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		engine:      engine,
		deadLetters: deadLetters,
		gatherer:    gatherer,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.engine, a.deadLetters, a.validate, a.logger)

	app := fiber.New()
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: a.ready,
	}))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("homeledger API")
	})

	handlers.Register(app)

	return app
}

func (a *API) ready(c fiber.Ctx) bool {
	ctx, cancel := context.WithTimeout(c.Context(), readinessTimeout)
	defer cancel()

	if err := a.persistence.HealthCheck(ctx); err != nil {
		a.logger.WarnContext(ctx, "Readiness probe failed", "error", err)

		return false
	}

	return true
}
