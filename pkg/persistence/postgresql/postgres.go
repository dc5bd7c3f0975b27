// Package postgresql provides PostgreSQL persistence for the dispatch engine.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // database/sql driver
	"github.com/queximet/armature/pkg/models"
	"github.com/queximet/armature/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db          *sql.DB
	logger      *slog.Logger
	queueRepo   *QueueRepository
	itemRepo    *QueueItemRepository
	workerRepo  *WorkerRepository
	triggerRepo *TriggerRepository
	webhookRepo *WebhookRepository
}

// NewPersistence opens a connection, runs migrations and returns the layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:          database,
		logger:      logger,
		queueRepo:   &QueueRepository{db: database, logger: logger},
		itemRepo:    &QueueItemRepository{db: database, logger: logger},
		workerRepo:  &WorkerRepository{db: database, logger: logger},
		triggerRepo: &TriggerRepository{db: database, logger: logger},
		webhookRepo: &WebhookRepository{db: database, logger: logger},
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) Queues(ctx context.Context) ([]*models.Queue, error) {
	return p.queueRepo.GetAll(ctx)
}

func (p *Persistence) QueueByID(ctx context.Context, id string) (*models.Queue, error) {
	return p.queueRepo.GetByID(ctx, id)
}

func (p *Persistence) SaveQueue(ctx context.Context, queue *models.Queue) error {
	return p.queueRepo.Save(ctx, queue)
}

func (p *Persistence) DeleteQueue(ctx context.Context, id string) error {
	return p.queueRepo.Delete(ctx, id)
}

func (p *Persistence) QueueItems(ctx context.Context, queueID string) ([]*models.QueueItem, error) {
	return p.itemRepo.GetByQueue(ctx, queueID)
}

func (p *Persistence) QueueItemByID(ctx context.Context, id string) (*models.QueueItem, error) {
	return p.itemRepo.GetByID(ctx, id)
}

func (p *Persistence) SaveQueueItem(ctx context.Context, item *models.QueueItem) error {
	return p.itemRepo.Save(ctx, item)
}

func (p *Persistence) WorkerInstallations(ctx context.Context) ([]*models.WorkerInstallation, error) {
	return p.workerRepo.GetAll(ctx)
}

func (p *Persistence) WorkerInstallationByKey(ctx context.Context, key string) (*models.WorkerInstallation, error) {
	return p.workerRepo.GetByKey(ctx, key)
}

func (p *Persistence) SaveWorkerInstallation(ctx context.Context, installation *models.WorkerInstallation) error {
	return p.workerRepo.Save(ctx, installation)
}

func (p *Persistence) DeleteWorkerInstallation(ctx context.Context, key string) error {
	return p.workerRepo.Delete(ctx, key)
}

func (p *Persistence) Triggers(ctx context.Context) ([]*models.Trigger, error) {
	return p.triggerRepo.GetAll(ctx)
}

func (p *Persistence) TriggerByID(ctx context.Context, id string) (*models.Trigger, error) {
	return p.triggerRepo.GetByID(ctx, id)
}

func (p *Persistence) SaveTrigger(ctx context.Context, trigger *models.Trigger) error {
	return p.triggerRepo.Save(ctx, trigger)
}

func (p *Persistence) DeleteTrigger(ctx context.Context, id string) error {
	return p.triggerRepo.Delete(ctx, id)
}

func (p *Persistence) Webhooks(ctx context.Context) ([]*models.Webhook, error) {
	return p.webhookRepo.GetAll(ctx)
}

func (p *Persistence) WebhookByID(ctx context.Context, id string) (*models.Webhook, error) {
	return p.webhookRepo.GetByID(ctx, id)
}

func (p *Persistence) SaveWebhook(ctx context.Context, webhook *models.Webhook) error {
	return p.webhookRepo.Save(ctx, webhook)
}

func (p *Persistence) AppendDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	return p.webhookRepo.AppendDelivery(ctx, delivery)
}

func (p *Persistence) Deliveries(ctx context.Context, webhookID string) ([]*models.WebhookDelivery, error) {
	return p.webhookRepo.Deliveries(ctx, webhookID)
}
