// Package main provides the Orcha API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/orcha-dev/orcha/pkg/audit"
	"github.com/orcha-dev/orcha/pkg/breaker"
	"github.com/orcha-dev/orcha/pkg/compensation"
	"github.com/orcha-dev/orcha/pkg/dispatch"
	"github.com/orcha-dev/orcha/pkg/engine"
	"github.com/orcha-dev/orcha/pkg/eventbus"
	"github.com/orcha-dev/orcha/pkg/persistence"
	"github.com/orcha-dev/orcha/pkg/registry"
	"github.com/orcha-dev/orcha/pkg/router"
	"github.com/orcha-dev/orcha/pkg/services"
	"github.com/orcha-dev/orcha/pkg/web"
)

type API struct {
	logger       *slog.Logger
	persistence  persistence.Persistence
	registry     *registry.Registry
	eventBus     eventbus.EventBus
	breakerStore breaker.Store
	validate     *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry,
	eventBus eventbus.EventBus,
	breakerStore breaker.Store,
) *API {
	return &API{
		logger:       logger,
		persistence:  persistence,
		registry:     registry,
		eventBus:     eventBus,
		breakerStore: breakerStore,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	circuitBreaker := breaker.New(a.breakerStore, breaker.DefaultConfig(), a.logger)
	capabilityRouter := router.New(a.registry, circuitBreaker, a.logger)
	compensator := compensation.NewManager(a.persistence, capabilityRouter, a.logger)
	dispatcher := dispatch.New(a.eventBus, a.persistence, capabilityRouter, a.logger)
	eng := engine.New(a.persistence, a.eventBus, dispatcher, compensator, engine.DefaultConfig(), a.logger)

	definitionService := services.NewDefinition(a.persistence)
	executionService := services.NewExecution(a.persistence, eng, a.eventBus, audit.NewFeed(a.persistence))

	handlers := web.NewAPIHandlers(definitionService, executionService, a.validate, a.registry)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Orcha API")
	})

	d := app.Group("/definitions")
	d.Post("/", handlers.RegisterDefinition)
	d.Get("/:name", handlers.GetDefinition)

	e := app.Group("/executions")
	e.Post("/", handlers.StartExecution)
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/cancel", handlers.CancelExecution)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
