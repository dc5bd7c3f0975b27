package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queximet/armature/pkg/models"
)

func failedItem(t *testing.T, queue *models.Queue, installation *models.WorkerInstallation, now time.Time) *models.QueueItem {
	t.Helper()

	item := models.NewQueueItem("item-1", queue, installation, "extract", nil)
	require.NoError(t, item.Start(now))
	require.NoError(t, item.Fail("connection refused"))

	return item
}

func TestOnFailureRequeuesWithQueueDelay(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	queue := models.NewQueue("queue-1", "invoices", "Invoice processing", 2, 3, 10*time.Second)
	installation := models.NewWorkerInstallation("pdf-extractor", "1.0.0", 2, time.Minute)

	item := failedItem(t, queue, installation, now)

	outcome, err := NewCoordinator().OnFailure(item, queue, installation, now)
	require.NoError(t, err)

	assert.Equal(t, OutcomeRequeued, outcome)
	assert.Equal(t, models.ItemStatusWaiting, item.Status)
	assert.Equal(t, now.Add(10*time.Second), item.AvailableAt, "first retry uses the base delay with linear growth")
}

func TestOnFailurePolicyOverridesQueue(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	queue := models.NewQueue("queue-1", "invoices", "Invoice processing", 2, 5, time.Minute)
	installation := models.NewWorkerInstallation("pdf-extractor", "1.0.0", 2, time.Minute)
	installation.Options.RetryPolicy = &models.RetryPolicy{
		MaxRetries: 5,
		RetryDelay: 10 * time.Second,
		Strategy:   models.RetryStrategyExponential,
	}

	coordinator := NewCoordinator()

	item := failedItem(t, queue, installation, now)
	outcome, err := coordinator.OnFailure(item, queue, installation, now)
	require.NoError(t, err)
	require.Equal(t, OutcomeRequeued, outcome)
	assert.Equal(t, now.Add(10*time.Second), item.AvailableAt)

	// Second failure doubles the exponential delay.
	require.NoError(t, item.Start(item.AvailableAt))
	require.NoError(t, item.Fail("still refused"))

	outcome, err = coordinator.OnFailure(item, queue, installation, now)
	require.NoError(t, err)
	require.Equal(t, OutcomeRequeued, outcome)
	assert.Equal(t, now.Add(20*time.Second), item.AvailableAt)
}

func TestOnFailureExhaustsBudget(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	queue := models.NewQueue("queue-1", "invoices", "Invoice processing", 2, 0, 10*time.Second)
	installation := models.NewWorkerInstallation("pdf-extractor", "1.0.0", 2, time.Minute)

	item := failedItem(t, queue, installation, now)
	require.Equal(t, 1, item.MaxAttempts)

	outcome, err := NewCoordinator().OnFailure(item, queue, installation, now)
	require.NoError(t, err)

	assert.Equal(t, OutcomeExhausted, outcome)
	assert.Equal(t, models.ItemStatusError, item.Status)
	assert.True(t, item.IsTerminal())
	require.NotNil(t, item.FinishedAt)
}

func TestOnFailureWithoutInstallation(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	queue := models.NewQueue("queue-1", "invoices", "Invoice processing", 2, 3, 15*time.Second)
	installation := models.NewWorkerInstallation("pdf-extractor", "1.0.0", 2, time.Minute)

	item := failedItem(t, queue, installation, now)

	// The installation may be gone by the time the failure settles.
	outcome, err := NewCoordinator().OnFailure(item, queue, nil, now)
	require.NoError(t, err)

	assert.Equal(t, OutcomeRequeued, outcome)
	assert.Equal(t, now.Add(15*time.Second), item.AvailableAt)
}
