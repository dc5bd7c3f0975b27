package triggers

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queximet/armature/pkg/eventbus"
	"github.com/queximet/armature/pkg/events"
	"github.com/queximet/armature/pkg/models"
	"github.com/queximet/armature/pkg/persistence/file"
)

type enqueueCall struct {
	queueID   string
	workerKey string
	jobName   string
	payload   map[string]any
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueueCall
	err   error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, queueID, workerKey, jobName string, payload map[string]any) (*models.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	f.calls = append(f.calls, enqueueCall{queueID: queueID, workerKey: workerKey, jobName: jobName, payload: payload})

	return &models.QueueItem{
		ID:      fmt.Sprintf("item-%d", len(f.calls)),
		QueueID: queueID,
		Status:  models.ItemStatusWaiting,
	}, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *capturePublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func newTestEvaluator(t *testing.T) (*Evaluator, *fakeEnqueuer, *capturePublisher) {
	t.Helper()

	store, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	enqueuer := &fakeEnqueuer{}
	publisher := &capturePublisher{}

	return NewEvaluator("dispatcher-test", store, publisher, enqueuer), enqueuer, publisher
}

func workerTarget() models.TriggerTarget {
	return models.TriggerTarget{
		Kind:      models.TargetKindWorker,
		QueueID:   "queue-1",
		WorkerKey: "report-builder",
		JobName:   "build-report",
	}
}

func TestEvaluateFiresDueScheduleTrigger(t *testing.T) {
	t.Parallel()

	evaluator, enqueuer, publisher := newTestEvaluator(t)
	ctx := t.Context()

	trigger := &models.Trigger{
		ID:       "trigger-1",
		Name:     "hourly report",
		Type:     models.TriggerTypeSchedule,
		Target:   workerTarget(),
		Schedule: &models.ScheduleConfig{Frequency: time.Hour},
		IsActive: true,
	}

	require.NoError(t, evaluator.Register(ctx, trigger))
	require.NotNil(t, trigger.NextRunAt, "registration computes the first run")

	// Not yet due.
	evaluator.evaluate(ctx, time.Now().UTC())
	assert.Empty(t, enqueuer.calls)

	// Force it due and evaluate twice; it must fire exactly once.
	due := time.Now().UTC().Add(-time.Second)
	evaluator.mu.Lock()
	evaluator.triggers["trigger-1"].NextRunAt = &due
	evaluator.mu.Unlock()

	now := time.Now().UTC()
	evaluator.evaluate(ctx, now)
	evaluator.evaluate(ctx, now)

	require.Len(t, enqueuer.calls, 1)
	assert.Equal(t, "queue-1", enqueuer.calls[0].queueID)
	assert.Equal(t, "report-builder", enqueuer.calls[0].workerKey)
	assert.Equal(t, "build-report", enqueuer.calls[0].jobName)

	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	require.Len(t, publisher.events, 1)
	fired := publisher.events[0].(events.TriggerFired)
	assert.Equal(t, "trigger-1", fired.TriggerID)
	assert.Equal(t, "item-1", fired.ItemID)
}

func TestEvaluateSkipsFailedFire(t *testing.T) {
	t.Parallel()

	evaluator, enqueuer, _ := newTestEvaluator(t)
	ctx := t.Context()

	trigger := &models.Trigger{
		ID:       "trigger-1",
		Name:     "hourly report",
		Type:     models.TriggerTypeSchedule,
		Target:   workerTarget(),
		Schedule: &models.ScheduleConfig{Frequency: time.Hour},
		IsActive: true,
	}
	require.NoError(t, evaluator.Register(ctx, trigger))

	due := time.Now().UTC().Add(-time.Second)
	evaluator.mu.Lock()
	evaluator.triggers["trigger-1"].NextRunAt = &due
	evaluator.mu.Unlock()

	enqueuer.err = fmt.Errorf("queue is paused")

	evaluator.evaluate(ctx, time.Now().UTC())

	// The failed fire keeps the trigger due so it is retried next tick.
	evaluator.mu.Lock()
	stillDue := evaluator.triggers["trigger-1"].IsDue(time.Now().UTC())
	evaluator.mu.Unlock()

	assert.True(t, stillDue)
}

func TestFireExternal(t *testing.T) {
	t.Parallel()

	evaluator, enqueuer, _ := newTestEvaluator(t)
	ctx := t.Context()

	trigger := &models.Trigger{
		ID:     "trigger-1",
		Name:   "order intake",
		Type:   models.TriggerTypeWebhook,
		Target: workerTarget(),
		Webhook: &models.WebhookConfig{
			Endpoint: "orders-inbound",
			PayloadSchema: map[string]any{
				"type":     "object",
				"required": []any{"order_id"},
			},
		},
		IsActive: true,
	}
	require.NoError(t, evaluator.Register(ctx, trigger))

	t.Run("unknown source", func(t *testing.T) {
		_, err := evaluator.FireExternal(ctx, "nope", nil)
		assert.ErrorIs(t, err, ErrUnknownSource)
	})

	t.Run("payload rejected by schema", func(t *testing.T) {
		_, err := evaluator.FireExternal(ctx, "orders-inbound", map[string]any{"customer": "acme"})
		assert.ErrorIs(t, err, ErrPayloadRejected)
		assert.Empty(t, enqueuer.calls, "rejected payloads enqueue nothing")
	})

	t.Run("valid payload enqueues", func(t *testing.T) {
		payload := map[string]any{"order_id": "o-42"}

		item, err := evaluator.FireExternal(ctx, "orders-inbound", payload)
		require.NoError(t, err)
		assert.Equal(t, "queue-1", item.QueueID)

		require.Len(t, enqueuer.calls, 1)
		assert.Equal(t, payload, enqueuer.calls[0].payload)
	})
}

func TestFireEvent(t *testing.T) {
	t.Parallel()

	evaluator, enqueuer, _ := newTestEvaluator(t)
	ctx := t.Context()

	trigger := &models.Trigger{
		ID:       "trigger-1",
		Name:     "billing sync",
		Type:     models.TriggerTypeEvent,
		Target:   workerTarget(),
		Event:    &models.EventConfig{Source: "billing", Name: "invoice.created"},
		IsActive: true,
	}
	require.NoError(t, evaluator.Register(ctx, trigger))

	require.NoError(t, evaluator.FireEvent(ctx, "billing", "invoice.created", map[string]any{"invoice": "i-1"}))
	require.Len(t, enqueuer.calls, 1)

	err := evaluator.FireEvent(ctx, "billing", "invoice.deleted", nil)
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestRegisterRejectsInvalidTrigger(t *testing.T) {
	t.Parallel()

	evaluator, _, _ := newTestEvaluator(t)

	trigger := &models.Trigger{
		ID:       "trigger-1",
		Name:     "broken",
		Type:     models.TriggerTypeSchedule,
		Target:   workerTarget(),
		Schedule: &models.ScheduleConfig{CronExpression: "not a cron"},
		IsActive: true,
	}

	err := evaluator.Register(t.Context(), trigger)
	assert.ErrorIs(t, err, models.ErrInvalidTrigger)
}
