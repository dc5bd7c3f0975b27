// Package file provides file-based persistence for the dispatch engine. Each
// entity is stored as one JSON document; the layout is convenient for local
// development and for tests.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/queximet/armature/pkg/models"
	"github.com/queximet/armature/pkg/persistence"
)

const (
	queuesDir     = "queues"
	itemsDir      = "queue_items"
	workersDir    = "workers"
	triggersDir   = "triggers"
	webhooksDir   = "webhooks"
	deliveriesDir = "deliveries"

	dirPerm  = 0o755
	filePerm = 0o644
)

// Persistence implements the persistence.Persistence interface on the file
// system. A single mutex serializes writes; reads share it.
type Persistence struct {
	root string
	mu   sync.RWMutex
}

// NewPersistence creates a file persistence layer rooted at the given path.
// A "file://" prefix is stripped so database-URL style configuration works.
func NewPersistence(root string) (*Persistence, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	for _, dir := range []string{queuesDir, itemsDir, workersDir, triggersDir, webhooksDir, deliveriesDir} {
		if err := os.MkdirAll(filepath.Join(cleanRoot, dir), dirPerm); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	return &Persistence{root: cleanRoot}, nil
}

// Close performs any necessary cleanup. For file persistence there is none.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory still exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (p *Persistence) write(dir, id string, entity any) error {
	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", dir, id, err)
	}

	path := filepath.Join(p.root, dir, id+".json")

	if err := os.WriteFile(path, data, filePerm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

func (p *Persistence) read(dir, id string, entity any, notFound error) error {
	path := filepath.Join(p.root, dir, id+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound
		}

		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := json.Unmarshal(data, entity); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}

	return nil
}

func (p *Persistence) ids(dir string) ([]string, error) {
	root := os.DirFS(filepath.Join(p.root, dir))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s files: %w", dir, err)
	}

	ids := make([]string, 0, len(jsonFiles))
	for _, file := range jsonFiles {
		ids = append(ids, strings.TrimSuffix(file, ".json"))
	}

	return ids, nil
}

func (p *Persistence) remove(dir, id string) error {
	path := filepath.Join(p.root, dir, id+".json")

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

// Queues returns every stored queue.
func (p *Persistence) Queues(ctx context.Context) ([]*models.Queue, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids, err := p.ids(queuesDir)
	if err != nil {
		return nil, err
	}

	queues := make([]*models.Queue, 0, len(ids))

	for _, id := range ids {
		queue := &models.Queue{}
		if err := p.read(queuesDir, id, queue, persistence.ErrQueueNotFound); err != nil {
			return nil, err
		}

		queues = append(queues, queue)
	}

	return queues, nil
}

func (p *Persistence) QueueByID(_ context.Context, id string) (*models.Queue, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	queue := &models.Queue{}
	if err := p.read(queuesDir, id, queue, persistence.ErrQueueNotFound); err != nil {
		return nil, err
	}

	return queue, nil
}

func (p *Persistence) SaveQueue(_ context.Context, queue *models.Queue) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.write(queuesDir, queue.ID, queue)
}

// DeleteQueue removes the queue and cascades to every item it owns.
func (p *Persistence) DeleteQueue(ctx context.Context, id string) error {
	items, err := p.QueueItems(ctx, id)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, item := range items {
		if err := p.remove(itemsDir, item.ID); err != nil {
			return err
		}
	}

	return p.remove(queuesDir, id)
}

// QueueItems returns every item belonging to the given queue.
func (p *Persistence) QueueItems(_ context.Context, queueID string) ([]*models.QueueItem, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids, err := p.ids(itemsDir)
	if err != nil {
		return nil, err
	}

	items := make([]*models.QueueItem, 0, len(ids))

	for _, id := range ids {
		item := &models.QueueItem{}
		if err := p.read(itemsDir, id, item, persistence.ErrQueueItemNotFound); err != nil {
			return nil, err
		}

		if item.QueueID == queueID {
			items = append(items, item)
		}
	}

	return items, nil
}

func (p *Persistence) QueueItemByID(_ context.Context, id string) (*models.QueueItem, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	item := &models.QueueItem{}
	if err := p.read(itemsDir, id, item, persistence.ErrQueueItemNotFound); err != nil {
		return nil, err
	}

	return item, nil
}

func (p *Persistence) SaveQueueItem(_ context.Context, item *models.QueueItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.write(itemsDir, item.ID, item)
}

// WorkerInstallations returns every stored installation.
func (p *Persistence) WorkerInstallations(_ context.Context) ([]*models.WorkerInstallation, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys, err := p.ids(workersDir)
	if err != nil {
		return nil, err
	}

	installations := make([]*models.WorkerInstallation, 0, len(keys))

	for _, key := range keys {
		installation := &models.WorkerInstallation{}
		if err := p.read(workersDir, key, installation, persistence.ErrWorkerInstallationNotFound); err != nil {
			return nil, err
		}

		installations = append(installations, installation)
	}

	return installations, nil
}

func (p *Persistence) WorkerInstallationByKey(_ context.Context, key string) (*models.WorkerInstallation, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	installation := &models.WorkerInstallation{}
	if err := p.read(workersDir, key, installation, persistence.ErrWorkerInstallationNotFound); err != nil {
		return nil, err
	}

	return installation, nil
}

func (p *Persistence) SaveWorkerInstallation(_ context.Context, installation *models.WorkerInstallation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.write(workersDir, installation.WorkerKey, installation)
}

func (p *Persistence) DeleteWorkerInstallation(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.remove(workersDir, key)
}

// Triggers returns every stored trigger.
func (p *Persistence) Triggers(_ context.Context) ([]*models.Trigger, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids, err := p.ids(triggersDir)
	if err != nil {
		return nil, err
	}

	triggers := make([]*models.Trigger, 0, len(ids))

	for _, id := range ids {
		trigger := &models.Trigger{}
		if err := p.read(triggersDir, id, trigger, persistence.ErrTriggerNotFound); err != nil {
			return nil, err
		}

		triggers = append(triggers, trigger)
	}

	return triggers, nil
}

func (p *Persistence) TriggerByID(_ context.Context, id string) (*models.Trigger, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	trigger := &models.Trigger{}
	if err := p.read(triggersDir, id, trigger, persistence.ErrTriggerNotFound); err != nil {
		return nil, err
	}

	return trigger, nil
}

func (p *Persistence) SaveTrigger(_ context.Context, trigger *models.Trigger) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.write(triggersDir, trigger.ID, trigger)
}

func (p *Persistence) DeleteTrigger(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.remove(triggersDir, id)
}

// Webhooks returns every stored webhook.
func (p *Persistence) Webhooks(_ context.Context) ([]*models.Webhook, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids, err := p.ids(webhooksDir)
	if err != nil {
		return nil, err
	}

	webhooks := make([]*models.Webhook, 0, len(ids))

	for _, id := range ids {
		webhook := &models.Webhook{}
		if err := p.read(webhooksDir, id, webhook, persistence.ErrWebhookNotFound); err != nil {
			return nil, err
		}

		webhooks = append(webhooks, webhook)
	}

	return webhooks, nil
}

func (p *Persistence) WebhookByID(_ context.Context, id string) (*models.Webhook, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	webhook := &models.Webhook{}
	if err := p.read(webhooksDir, id, webhook, persistence.ErrWebhookNotFound); err != nil {
		return nil, err
	}

	return webhook, nil
}

func (p *Persistence) SaveWebhook(_ context.Context, webhook *models.Webhook) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.write(webhooksDir, webhook.ID, webhook)
}

// AppendDelivery writes one record to the per-webhook delivery log. Records
// are keyed by delivery id and never rewritten.
func (p *Persistence) AppendDelivery(_ context.Context, delivery *models.WebhookDelivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	dir := filepath.Join(deliveriesDir, delivery.WebhookID)
	if err := os.MkdirAll(filepath.Join(p.root, dir), dirPerm); err != nil {
		return fmt.Errorf("failed to create delivery log directory: %w", err)
	}

	path := filepath.Join(p.root, dir, delivery.ID+".json")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("delivery record %s already exists", delivery.ID)
	}

	return p.write(dir, delivery.ID, delivery)
}

// Deliveries returns the delivery log for a webhook, oldest first.
func (p *Persistence) Deliveries(_ context.Context, webhookID string) ([]*models.WebhookDelivery, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	dir := filepath.Join(deliveriesDir, webhookID)
	if _, err := os.Stat(filepath.Join(p.root, dir)); errors.Is(err, fs.ErrNotExist) {
		return []*models.WebhookDelivery{}, nil
	}

	ids, err := p.ids(dir)
	if err != nil {
		return nil, err
	}

	deliveries := make([]*models.WebhookDelivery, 0, len(ids))

	for _, id := range ids {
		delivery := &models.WebhookDelivery{}
		if err := p.read(dir, id, delivery, persistence.ErrWebhookNotFound); err != nil {
			return nil, err
		}

		deliveries = append(deliveries, delivery)
	}

	sort.SliceStable(deliveries, func(a, b int) bool {
		if deliveries[a].DeliveredAt.Equal(deliveries[b].DeliveredAt) {
			return deliveries[a].Attempt < deliveries[b].Attempt
		}

		return deliveries[a].DeliveredAt.Before(deliveries[b].DeliveredAt)
	})

	return deliveries, nil
}
