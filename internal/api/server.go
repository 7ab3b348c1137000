// Package api mounts the record-API HTTP surface on Fiber and maps the
// engine's typed errors to status codes.
package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog/log"

	"github.com/recbase-io/recbase/internal/auth"
	"github.com/recbase-io/recbase/internal/config"
	"github.com/recbase-io/recbase/internal/observability"
	"github.com/recbase-io/recbase/internal/records"
)

// Server is the HTTP front of the record engine.
type Server struct {
	app      *fiber.App
	config   *config.Config
	engine   *records.Engine
	subs     *records.SubscriptionManager
	verifier *auth.Verifier
}

// NewServer wires the Fiber app, middleware and record routes.
func NewServer(cfg *config.Config, engine *records.Engine, subs *records.SubscriptionManager) *Server {
	app := fiber.New(fiber.Config{
		ServerHeader:          "Recbase",
		AppName:               "Recbase",
		DisableStartupMessage: !cfg.Debug,
		ErrorHandler:          errorHandler,
	})

	s := &Server{
		app:      app,
		config:   cfg,
		engine:   engine,
		subs:     subs,
		verifier: auth.NewVerifier(cfg.Auth.JWTSecret),
	}

	app.Use(requestid.New())
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(compress.New(compress.Config{
		// SSE responses must not buffer through the compressor.
		Next: func(c *fiber.Ctx) bool {
			return strings.Contains(c.Path(), "/subscribe/")
		},
	}))
	app.Use(s.verifier.Middleware())

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	group := s.app.Group("/api/records/v1")

	group.Get("/:api", s.handleList)
	group.Post("/:api", s.handleCreate)
	group.Get("/:api/schema", s.handleSchema)
	group.Get("/:api/subscribe/:id", s.handleSubscribe)
	group.Get("/:api/:id", s.handleRead)
	group.Patch("/:api/:id", s.handleUpdate)
	group.Delete("/:api/:id", s.handleDelete)
	group.Get("/:api/:id/file/:column", s.handleReadFile)
	group.Get("/:api/:id/files/:column/:filename", s.handleReadFileFromList)

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if s.config.Metrics.Enabled {
		s.app.Get("/metrics", observability.Handler())
	}
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	log.Info().Str("addr", addr).Msg("Starting HTTP server")
	return s.app.Listen(addr)
}

// Shutdown drains connections and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
