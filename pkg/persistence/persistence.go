// Package persistence provides the data storage abstraction consumed by the
// dispatch engine, trigger evaluator and webhook notifier.
package persistence

import (
	"context"

	"github.com/queximet/armature/pkg/models"
)

// Persistence is the narrow collaborator interface the core depends on. All
// writes are idempotent, keyed by entity id, so callers may retry them.
type Persistence interface {
	Queues(ctx context.Context) ([]*models.Queue, error)
	QueueByID(ctx context.Context, id string) (*models.Queue, error)
	SaveQueue(ctx context.Context, queue *models.Queue) error

	// DeleteQueue removes the queue and every item it owns.
	DeleteQueue(ctx context.Context, id string) error

	QueueItems(ctx context.Context, queueID string) ([]*models.QueueItem, error)
	QueueItemByID(ctx context.Context, id string) (*models.QueueItem, error)
	SaveQueueItem(ctx context.Context, item *models.QueueItem) error

	WorkerInstallations(ctx context.Context) ([]*models.WorkerInstallation, error)
	WorkerInstallationByKey(ctx context.Context, key string) (*models.WorkerInstallation, error)
	SaveWorkerInstallation(ctx context.Context, installation *models.WorkerInstallation) error
	DeleteWorkerInstallation(ctx context.Context, key string) error

	Triggers(ctx context.Context) ([]*models.Trigger, error)
	TriggerByID(ctx context.Context, id string) (*models.Trigger, error)
	SaveTrigger(ctx context.Context, trigger *models.Trigger) error
	DeleteTrigger(ctx context.Context, id string) error

	Webhooks(ctx context.Context) ([]*models.Webhook, error)
	WebhookByID(ctx context.Context, id string) (*models.Webhook, error)
	SaveWebhook(ctx context.Context, webhook *models.Webhook) error

	// AppendDelivery adds one record to the append-only delivery log.
	// Existing records are never rewritten.
	AppendDelivery(ctx context.Context, delivery *models.WebhookDelivery) error
	Deliveries(ctx context.Context, webhookID string) ([]*models.WebhookDelivery, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
