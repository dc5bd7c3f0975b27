package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/queximet/armature/pkg/cmd"
	"github.com/queximet/armature/pkg/dispatch"
	"github.com/queximet/armature/pkg/ingress"
	"github.com/queximet/armature/pkg/log"
	"github.com/queximet/armature/pkg/otelhelper"
	"github.com/queximet/armature/pkg/protocol"
	"github.com/queximet/armature/pkg/retry"
	"github.com/queximet/armature/pkg/triggers"
	"github.com/queximet/armature/pkg/webhooks"
	"github.com/queximet/armature/pkg/workers"
)

func main() {
	command := &cli.Command{
		Name:                  "armature-dispatcher",
		Usage:                 "Start the Armature dispatch service",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dispatcher-id",
				Aliases: []string{"id"},
				Usage:   "Custom dispatcher ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("DISPATCHER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:     "worker-endpoint",
				Usage:    "HTTP endpoint of the worker service that executes jobs",
				Required: true,
				Sources:  cli.EnvVars("WORKER_ENDPOINT"),
			},
			&cli.IntFlag{
				Name:    "ingress-port",
				Usage:   "Port for the HTTP API and trigger ingress",
				Value:   8090,
				Sources: cli.EnvVars("INGRESS_PORT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := otelhelper.InitTracer(ctx, "armature-dispatcher")
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			slog.Error("Failed to shutdown tracer provider", "error", err)
		}
	}()

	dispatcherID := command.String("dispatcher-id")
	if dispatcherID == "" {
		dispatcherID = fmt.Sprintf("dispatcher-%s", uuid.New().String()[:8])
	}

	logger := log.WithModule("armature-dispatcher").With("dispatcher_id", dispatcherID)

	logger.Info("Initializing Armature Dispatcher")

	eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.Error("Failed to close event bus", "error", err)
		}
	}()

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(context.Background()); err != nil {
			logger.Error("Failed to close persistence", "error", err)
		}
	}()

	registry := workers.NewRegistry(persistence)
	if err := registry.Load(ctx); err != nil {
		return err
	}

	engine := dispatch.NewEngine(
		dispatcherID,
		persistence,
		eventBus,
		registry,
		retry.NewCoordinator(),
		protocol.NewHTTPRunner(command.String("worker-endpoint")),
	)

	evaluator := triggers.NewEvaluator(dispatcherID, persistence, eventBus, engine)

	notifier := webhooks.NewNotifier(dispatcherID, persistence, eventBus)
	if err := notifier.Register(eventBus); err != nil {
		return err
	}

	if err := eventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	server := ingress.NewServer(command.Int("ingress-port"), ingress.NewHandlers(engine, evaluator, registry, persistence))

	errCh := make(chan error, 3)

	go func() { errCh <- engine.Start(ctx) }()
	go func() { errCh <- evaluator.Start(ctx) }()
	go func() { errCh <- server.Start(ctx) }()

	for range 3 {
		if err := <-errCh; err != nil {
			stop()

			return err
		}
	}

	notifier.Wait()
	logger.Info("Armature Dispatcher stopped")

	return nil
}
