package file

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queximet/armature/pkg/models"
	"github.com/queximet/armature/pkg/persistence"
)

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()

	store, err := NewPersistence(t.TempDir())
	require.NoError(t, err)

	return store
}

func TestQueueRoundtrip(t *testing.T) {
	t.Parallel()

	store := newTestPersistence(t)
	ctx := t.Context()

	queue := models.NewQueue("queue-1", "invoices", "Invoice processing", 2, 3, 10*time.Second)
	queue.Tags = []string{"finance"}
	queue.Metadata = map[string]any{"tenant": "acme"}

	require.NoError(t, store.SaveQueue(ctx, queue))

	got, err := store.QueueByID(ctx, "queue-1")
	require.NoError(t, err)
	assert.Equal(t, queue.Key, got.Key)
	assert.Equal(t, queue.Concurrency, got.Concurrency)
	assert.Equal(t, queue.Tags, got.Tags)
	assert.Equal(t, "acme", got.Metadata["tenant"])

	queues, err := store.Queues(ctx)
	require.NoError(t, err)
	assert.Len(t, queues, 1)

	_, err = store.QueueByID(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrQueueNotFound)
	assert.True(t, persistence.IsNotFound(err))
}

func TestDeleteQueueCascadesToItems(t *testing.T) {
	t.Parallel()

	store := newTestPersistence(t)
	ctx := t.Context()

	queue := models.NewQueue("queue-1", "invoices", "Invoice processing", 2, 3, 0)
	require.NoError(t, store.SaveQueue(ctx, queue))

	other := models.NewQueue("queue-2", "reports", "Report building", 1, 0, 0)
	require.NoError(t, store.SaveQueue(ctx, other))

	installation := models.NewWorkerInstallation("pdf-extractor", "1.0.0", 1, time.Minute)

	mine := models.NewQueueItem("item-1", queue, installation, "extract", nil)
	require.NoError(t, store.SaveQueueItem(ctx, mine))

	theirs := models.NewQueueItem("item-2", other, installation, "build", nil)
	require.NoError(t, store.SaveQueueItem(ctx, theirs))

	require.NoError(t, store.DeleteQueue(ctx, "queue-1"))

	_, err := store.QueueByID(ctx, "queue-1")
	assert.ErrorIs(t, err, persistence.ErrQueueNotFound)

	_, err = store.QueueItemByID(ctx, "item-1")
	assert.ErrorIs(t, err, persistence.ErrQueueItemNotFound)

	kept, err := store.QueueItemByID(ctx, "item-2")
	require.NoError(t, err)
	assert.Equal(t, "queue-2", kept.QueueID)
}

func TestQueueItemsFiltersByQueue(t *testing.T) {
	t.Parallel()

	store := newTestPersistence(t)
	ctx := t.Context()

	queue := models.NewQueue("queue-1", "invoices", "Invoice processing", 2, 3, 0)
	other := models.NewQueue("queue-2", "reports", "Report building", 1, 0, 0)
	installation := models.NewWorkerInstallation("pdf-extractor", "1.0.0", 1, time.Minute)

	require.NoError(t, store.SaveQueueItem(ctx, models.NewQueueItem("item-1", queue, installation, "extract", nil)))
	require.NoError(t, store.SaveQueueItem(ctx, models.NewQueueItem("item-2", queue, installation, "extract", nil)))
	require.NoError(t, store.SaveQueueItem(ctx, models.NewQueueItem("item-3", other, installation, "build", nil)))

	items, err := store.QueueItems(ctx, "queue-1")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestTriggerRoundtripPreservesConfiguration(t *testing.T) {
	t.Parallel()

	store := newTestPersistence(t)
	ctx := t.Context()

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	trigger := &models.Trigger{
		ID:   "trigger-1",
		Name: "nightly report",
		Type: models.TriggerTypeSchedule,
		Target: models.TriggerTarget{
			Kind:      models.TargetKindWorker,
			QueueID:   "queue-1",
			WorkerKey: "report-builder",
		},
		Schedule:  &models.ScheduleConfig{CronExpression: "0 2 * * *"},
		IsActive:  true,
		NextRunAt: &next,
	}

	require.NoError(t, store.SaveTrigger(ctx, trigger))

	got, err := store.TriggerByID(ctx, "trigger-1")
	require.NoError(t, err)
	require.NotNil(t, got.Schedule)
	assert.Equal(t, "0 2 * * *", got.Schedule.CronExpression)
	assert.Nil(t, got.Webhook)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, next.Equal(*got.NextRunAt))

	require.NoError(t, store.DeleteTrigger(ctx, "trigger-1"))

	_, err = store.TriggerByID(ctx, "trigger-1")
	assert.ErrorIs(t, err, persistence.ErrTriggerNotFound)
}

func TestAppendDeliveryIsAppendOnly(t *testing.T) {
	t.Parallel()

	store := newTestPersistence(t)
	ctx := t.Context()

	base := time.Now().UTC().Truncate(time.Second)

	for attempt := 1; attempt <= 3; attempt++ {
		delivery := &models.WebhookDelivery{
			ID:          string(rune('a' + attempt)),
			WebhookID:   "webhook-1",
			Event:       "job.completed",
			Status:      models.DeliveryStatusFailed,
			Attempt:     attempt,
			MaxAttempts: 3,
			DeliveredAt: base.Add(time.Duration(attempt) * time.Second),
		}
		require.NoError(t, store.AppendDelivery(ctx, delivery))
	}

	// Rewriting an existing record is refused.
	err := store.AppendDelivery(ctx, &models.WebhookDelivery{
		ID:        "b",
		WebhookID: "webhook-1",
	})
	require.Error(t, err)

	deliveries, err := store.Deliveries(ctx, "webhook-1")
	require.NoError(t, err)
	require.Len(t, deliveries, 3)

	for i, delivery := range deliveries {
		assert.Equal(t, i+1, delivery.Attempt, "deliveries come back oldest first")
	}

	empty, err := store.Deliveries(ctx, "webhook-unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	store := newTestPersistence(t)
	require.NoError(t, store.HealthCheck(t.Context()))
}
