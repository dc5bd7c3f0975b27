// Package triggers evaluates trigger rules and turns fires into queue items.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/queximet/armature/pkg/eventbus"
	"github.com/queximet/armature/pkg/events"
	"github.com/queximet/armature/pkg/log"
	"github.com/queximet/armature/pkg/models"
	"github.com/queximet/armature/pkg/persistence"
)

const defaultPollInterval = 1 * time.Second

var (
	// ErrUnknownSource is returned when no webhook trigger matches the
	// requested endpoint.
	ErrUnknownSource = errors.New("no trigger registered for source")
	// ErrPayloadRejected is returned when an inbound payload fails the
	// trigger's JSON schema.
	ErrPayloadRejected = errors.New("payload rejected by trigger schema")
)

// Enqueuer is the slice of the dispatch engine the evaluator needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueID, workerKey, jobName string, payload map[string]any) (*models.QueueItem, error)
}

// Evaluator polls schedule triggers and accepts external fires from the
// ingress. Trigger bookkeeping and enqueueing happen under one mutex so a due
// trigger cannot fire twice for the same tick.
type Evaluator struct {
	dispatcherID string
	persistence  persistence.Persistence
	publisher    eventbus.EventPublisher
	enqueuer     Enqueuer
	logger       *slog.Logger

	pollInterval time.Duration

	mu       sync.Mutex
	triggers map[string]*models.Trigger
}

func NewEvaluator(dispatcherID string, persistence persistence.Persistence, publisher eventbus.EventPublisher, enqueuer Enqueuer) *Evaluator {
	return &Evaluator{
		dispatcherID: dispatcherID,
		persistence:  persistence,
		publisher:    publisher,
		enqueuer:     enqueuer,
		logger:       log.WithModule("triggers").With("dispatcher_id", dispatcherID),
		pollInterval: defaultPollInterval,
		triggers:     make(map[string]*models.Trigger),
	}
}

// Load refreshes the trigger set from persistence. Schedule triggers without
// a next run get one computed so they become eligible.
func (e *Evaluator) Load(ctx context.Context) error {
	triggers, err := e.persistence.Triggers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load triggers: %w", err)
	}

	now := time.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.triggers = make(map[string]*models.Trigger, len(triggers))

	for _, trigger := range triggers {
		if trigger.Type == models.TriggerTypeSchedule && trigger.IsActive && trigger.NextRunAt == nil {
			next, err := trigger.ComputeNextRun(now)
			if err != nil {
				e.logger.Error("Skipping trigger with broken schedule", "trigger_id", trigger.ID, "error", err)

				continue
			}

			trigger.NextRunAt = &next

			if err := e.persistence.SaveTrigger(ctx, trigger); err != nil {
				return fmt.Errorf("failed to persist trigger %s: %w", trigger.ID, err)
			}
		}

		e.triggers[trigger.ID] = trigger
	}

	e.logger.Info("Triggers loaded", "count", len(e.triggers))

	return nil
}

// Register validates, persists and activates a trigger.
func (e *Evaluator) Register(ctx context.Context, trigger *models.Trigger) error {
	if err := trigger.Validate(); err != nil {
		return err
	}

	if trigger.Type == models.TriggerTypeSchedule && trigger.IsActive && trigger.NextRunAt == nil {
		next, err := trigger.ComputeNextRun(time.Now().UTC())
		if err != nil {
			return err
		}

		trigger.NextRunAt = &next
	}

	if err := e.persistence.SaveTrigger(ctx, trigger); err != nil {
		return fmt.Errorf("failed to persist trigger: %w", err)
	}

	e.mu.Lock()
	e.triggers[trigger.ID] = trigger
	e.mu.Unlock()

	e.logger.Info("Trigger registered", "trigger_id", trigger.ID, "type", trigger.Type)

	return nil
}

// Unregister removes a trigger.
func (e *Evaluator) Unregister(ctx context.Context, triggerID string) error {
	e.mu.Lock()
	delete(e.triggers, triggerID)
	e.mu.Unlock()

	if err := e.persistence.DeleteTrigger(ctx, triggerID); err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}

	e.logger.Info("Trigger unregistered", "trigger_id", triggerID)

	return nil
}

// Start polls schedule triggers until ctx is cancelled.
func (e *Evaluator) Start(ctx context.Context) error {
	if err := e.Load(ctx); err != nil {
		return err
	}

	e.logger.Info("Trigger evaluator started")

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Trigger evaluator stopping")

			return nil
		case <-ticker.C:
			e.evaluate(ctx, time.Now().UTC())
		}
	}
}

// evaluate fires every due schedule trigger. A failed fire is logged and
// skipped; the trigger keeps its next run so it fires again on schedule.
func (e *Evaluator) evaluate(ctx context.Context, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, trigger := range e.triggers {
		if !trigger.IsDue(now) {
			continue
		}

		if err := e.fireLocked(ctx, trigger, nil, now); err != nil {
			e.logger.Error("Trigger fire failed", "trigger_id", trigger.ID, "error", err)
		}
	}
}

// FireExternal handles an inbound call for a webhook trigger endpoint. The
// payload is validated against the trigger's JSON schema before anything is
// enqueued.
func (e *Evaluator) FireExternal(ctx context.Context, sourceID string, payload map[string]any) (*models.QueueItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var trigger *models.Trigger

	for _, candidate := range e.triggers {
		if candidate.Type == models.TriggerTypeWebhook &&
			candidate.IsActive &&
			candidate.Webhook != nil &&
			candidate.Webhook.Endpoint == sourceID {
			trigger = candidate

			break
		}
	}

	if trigger == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}

	if schema := trigger.Webhook.PayloadSchema; len(schema) > 0 {
		result, err := gojsonschema.Validate(
			gojsonschema.NewGoLoader(schema),
			gojsonschema.NewGoLoader(payload),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to validate payload: %w", err)
		}

		if !result.Valid() {
			e.logger.Warn("Payload rejected by schema",
				"trigger_id", trigger.ID,
				"source_id", sourceID,
				"errors", result.Errors())

			return nil, fmt.Errorf("%w: %s", ErrPayloadRejected, sourceID)
		}
	}

	now := time.Now().UTC()

	item, err := e.enqueueLocked(ctx, trigger, payload)
	if err != nil {
		return nil, err
	}

	return item, e.markFiredLocked(ctx, trigger, payload, item, now)
}

// FireEvent handles an event-source notification and fires every matching
// event trigger.
func (e *Evaluator) FireEvent(ctx context.Context, source, name string, payload map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	matched := false

	for _, trigger := range e.triggers {
		if trigger.Type != models.TriggerTypeEvent ||
			!trigger.IsActive ||
			trigger.Event == nil ||
			trigger.Event.Source != source ||
			trigger.Event.Name != name {
			continue
		}

		matched = true

		if err := e.fireLocked(ctx, trigger, payload, time.Now().UTC()); err != nil {
			e.logger.Error("Event trigger fire failed", "trigger_id", trigger.ID, "error", err)
		}
	}

	if !matched {
		return fmt.Errorf("%w: %s/%s", ErrUnknownSource, source, name)
	}

	return nil
}

// FireData handles a condition-checker notification and fires every data
// trigger watching that condition.
func (e *Evaluator) FireData(ctx context.Context, condition string, payload map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	matched := false

	for _, trigger := range e.triggers {
		if trigger.Type != models.TriggerTypeData ||
			!trigger.IsActive ||
			trigger.Data == nil ||
			trigger.Data.Condition != condition {
			continue
		}

		matched = true

		if err := e.fireLocked(ctx, trigger, payload, time.Now().UTC()); err != nil {
			e.logger.Error("Data trigger fire failed", "trigger_id", trigger.ID, "error", err)
		}
	}

	if !matched {
		return fmt.Errorf("%w: %s", ErrUnknownSource, condition)
	}

	return nil
}

// fireLocked enqueues the target item and records the fire atomically with
// respect to other trigger operations. Callers hold mu.
func (e *Evaluator) fireLocked(ctx context.Context, trigger *models.Trigger, payload map[string]any, now time.Time) error {
	item, err := e.enqueueLocked(ctx, trigger, payload)
	if err != nil {
		return err
	}

	return e.markFiredLocked(ctx, trigger, payload, item, now)
}

func (e *Evaluator) enqueueLocked(ctx context.Context, trigger *models.Trigger, payload map[string]any) (*models.QueueItem, error) {
	target := trigger.Target
	if target.Kind != models.TargetKindWorker {
		return nil, fmt.Errorf("%w: trigger %s targets an unsupported kind %s", models.ErrInvalidTrigger, trigger.ID, target.Kind)
	}

	jobName := target.JobName
	if jobName == "" {
		jobName = trigger.Name
	}

	item, err := e.enqueuer.Enqueue(ctx, target.QueueID, target.WorkerKey, jobName, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue for trigger %s: %w", trigger.ID, err)
	}

	return item, nil
}

func (e *Evaluator) markFiredLocked(ctx context.Context, trigger *models.Trigger, payload map[string]any, item *models.QueueItem, now time.Time) error {
	if err := trigger.MarkFired(now); err != nil {
		return err
	}

	if err := e.persistence.SaveTrigger(ctx, trigger); err != nil {
		return fmt.Errorf("failed to persist trigger %s: %w", trigger.ID, err)
	}

	base := events.NewBaseEvent(events.TriggerFiredEvent, item.QueueID)
	base.DispatcherID = e.dispatcherID

	event := events.TriggerFired{
		BaseEvent:   base,
		TriggerID:   trigger.ID,
		TriggerType: string(trigger.Type),
		ItemID:      item.ID,
		TriggerData: payload,
	}

	if err := e.publisher.Publish(ctx, item.QueueID, event); err != nil {
		e.logger.Error("Failed to publish trigger event", "trigger_id", trigger.ID, "error", err)
	}

	e.logger.Info("Trigger fired",
		"trigger_id", trigger.ID,
		"type", trigger.Type,
		"item_id", item.ID)

	return nil
}
