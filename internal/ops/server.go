// Package ops exposes the engine's read-only operational surface: health
// probes, Prometheus metrics, open alerts, and the remediation task log.
package ops

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/pipeline-sentinel/internal/health"
	"github.com/p-blackswan/pipeline-sentinel/internal/metrics"
	"github.com/p-blackswan/pipeline-sentinel/internal/model"
)

// EngineView is the subset of engine state the ops API renders.
type EngineView interface {
	OpenAlerts() map[string]time.Time
	Resolve(key string)
}

// TaskLog exposes the append-only remediation record.
type TaskLog interface {
	Tasks() []model.RemediationTask
}

// ItemLister exposes tracked work items.
type ItemLister interface {
	List() []model.WorkItem
}

// Server is the ops Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	addr   string
}

// NewServer builds the ops server.
func NewServer(addr string, engine EngineView, tasks TaskLog, items ItemLister, checker *health.Checker, m *metrics.Metrics, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	app.Use(recover.New())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/readyz", func(c *fiber.Ctx) error {
		checks := checker.RunAll(c.Context())
		status := "ready"
		code := fiber.StatusOK
		for _, s := range checks {
			if s == health.StatusDown {
				status = "not_ready"
				code = fiber.StatusServiceUnavailable
				break
			}
		}
		return c.Status(code).JSON(fiber.Map{"status": status, "checks": checks})
	})

	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	app.Get("/alerts", func(c *fiber.Ctx) error {
		open := engine.OpenAlerts()
		out := make([]fiber.Map, 0, len(open))
		for key, since := range open {
			out = append(out, fiber.Map{"dedupe_key": key, "open_since": since})
		}
		return c.JSON(out)
	})

	app.Post("/alerts/:key/resolve", func(c *fiber.Ctx) error {
		engine.Resolve(c.Params("key"))
		return c.JSON(fiber.Map{"resolved": c.Params("key")})
	})

	app.Get("/remediations", func(c *fiber.Ctx) error {
		return c.JSON(tasks.Tasks())
	})

	app.Get("/items", func(c *fiber.Ctx) error {
		return c.JSON(items.List())
	})

	return &Server{
		app:    app,
		logger: logger.With().Str("component", "ops").Logger(),
		addr:   addr,
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("ops server listening")
	return s.app.Listen(s.addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (for testing).
func (s *Server) App() *fiber.App {
	return s.app
}
