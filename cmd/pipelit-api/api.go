// Package main provides the Pipelit API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/pipelit/pkg/engine"
	"github.com/dukex/pipelit/pkg/eventbus"
	"github.com/dukex/pipelit/pkg/persistence"
	"github.com/dukex/pipelit/pkg/queue"
	"github.com/dukex/pipelit/pkg/registry"
	"github.com/dukex/pipelit/pkg/scheduler"
	"github.com/dukex/pipelit/pkg/services"
	"github.com/dukex/pipelit/pkg/statestore"
	"github.com/dukex/pipelit/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger      *slog.Logger
	config      engine.Config
	persistence persistence.Persistence
	store       statestore.Store
	queue       queue.Queue
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	config engine.Config,
	persistence persistence.Persistence,
	store statestore.Store,
	queue queue.Queue,
	registry *registry.Registry,
	eventBus eventbus.EventBus,
) *API {
	return &API{
		logger:      logger,
		config:      config,
		persistence: persistence,
		store:       store,
		queue:       queue,
		registry:    registry,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	eng := engine.New(a.config, engine.Dependencies{
		Persistence: a.persistence,
		Store:       a.store,
		Queue:       a.queue,
		Publisher:   a.eventBus,
		Registry:    a.registry,
		Logger:      a.logger,
	})

	executionService := services.NewExecution(eng, a.persistence, a.validate)
	schedulerService := scheduler.New(a.persistence, a.queue, eng, a.eventBus, a.logger)

	handlers := web.NewAPIHandlers(executionService, schedulerService, a.validate, a.registry)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Pipelit API")
	})

	handlers.Register(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
