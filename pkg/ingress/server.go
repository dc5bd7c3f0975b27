package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/queximet/armature/pkg/log"
)

const shutdownTimeout = 5 * time.Second

// Server hosts the dispatcher HTTP API.
type Server struct {
	app    *fiber.App
	port   int
	logger *slog.Logger
}

func NewServer(port int, handlers *Handlers) *Server {
	app := fiber.New(fiber.Config{
		AppName: "armature-dispatcher",
	})

	app.Get("/health", handlers.Health)

	app.Post("/sources/:sourceID", handlers.FireSource)

	queues := app.Group("/queues")
	queues.Get("/", handlers.GetQueues)
	queues.Post("/", handlers.CreateQueue)
	queues.Get("/:id", handlers.GetQueue)
	queues.Delete("/:id", handlers.DeleteQueue)
	queues.Post("/:id/pause", handlers.PauseQueue)
	queues.Post("/:id/resume", handlers.ResumeQueue)
	queues.Get("/:id/items", handlers.GetQueueItems)
	queues.Post("/:id/items", handlers.EnqueueItem)

	items := app.Group("/items")
	items.Get("/:id", handlers.GetItem)
	items.Post("/:id/cancel", handlers.CancelItem)

	workers := app.Group("/workers")
	workers.Get("/", handlers.GetWorkers)
	workers.Post("/", handlers.InstallWorker)
	workers.Delete("/:key", handlers.UninstallWorker)

	triggers := app.Group("/triggers")
	triggers.Get("/", handlers.GetTriggers)
	triggers.Post("/", handlers.CreateTrigger)
	triggers.Delete("/:id", handlers.DeleteTrigger)

	webhooks := app.Group("/webhooks")
	webhooks.Get("/", handlers.GetWebhooks)
	webhooks.Post("/", handlers.CreateWebhook)
	webhooks.Get("/:id/deliveries", handlers.GetWebhookDeliveries)

	return &Server{
		app:    app,
		port:   port,
		logger: log.WithModule("ingress").With("port", port),
	}
}

// App exposes the fiber application for in-process testing.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		errCh <- s.app.Listen(fmt.Sprintf(":%d", s.port), fiber.ListenConfig{
			DisableStartupMessage: true,
		})
	}()

	s.logger.Info("Ingress server started")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ingress server failed: %w", err)
		}

		return nil
	case <-ctx.Done():
		s.logger.Info("Ingress server stopping")

		if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			return fmt.Errorf("ingress shutdown failed: %w", err)
		}

		return nil
	}
}
