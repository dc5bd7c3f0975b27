// Package dispatch contains the engine that assigns queue items to worker
// slots and drives them through their lifecycle.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/queximet/armature/pkg/eventbus"
	"github.com/queximet/armature/pkg/events"
	"github.com/queximet/armature/pkg/log"
	"github.com/queximet/armature/pkg/models"
	"github.com/queximet/armature/pkg/persistence"
	"github.com/queximet/armature/pkg/protocol"
	"github.com/queximet/armature/pkg/retry"
	"github.com/queximet/armature/pkg/workers"
)

const defaultTickInterval = 1 * time.Second

// ErrQueuePaused is returned when an operation requires an active queue.
var ErrQueuePaused = errors.New("queue is paused")

// runningJob tracks one in-flight execution so it can be cancelled.
type runningJob struct {
	cancel    context.CancelFunc
	cancelled bool
	reason    string
}

// Engine owns the dispatch cycle. It caches queues and their items in memory,
// persists every transition and emits lifecycle events on the bus. All cache
// mutation happens under mu; worker execution runs in per-item goroutines.
type Engine struct {
	dispatcherID string
	persistence  persistence.Persistence
	publisher    eventbus.EventPublisher
	registry     *workers.Registry
	coordinator  *retry.Coordinator
	runner       protocol.Runner
	logger       *slog.Logger

	tickInterval time.Duration

	mu       sync.Mutex
	queues   map[string]*models.Queue
	items    map[string]*models.QueueItem
	running  map[string]*runningJob
	inFlight map[string]int

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func NewEngine(
	dispatcherID string,
	persistence persistence.Persistence,
	publisher eventbus.EventPublisher,
	registry *workers.Registry,
	coordinator *retry.Coordinator,
	runner protocol.Runner,
) *Engine {
	return &Engine{
		dispatcherID: dispatcherID,
		persistence:  persistence,
		publisher:    publisher,
		registry:     registry,
		coordinator:  coordinator,
		runner:       runner,
		logger:       log.WithModule("dispatch").With("dispatcher_id", dispatcherID),
		tickInterval: defaultTickInterval,
		queues:       make(map[string]*models.Queue),
		items:        make(map[string]*models.QueueItem),
		running:      make(map[string]*runningJob),
		inFlight:     make(map[string]int),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start loads state from persistence, recovers interrupted items and runs the
// dispatch loop until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.load(ctx); err != nil {
		return err
	}

	e.logger.Info("Dispatch engine started", "queues", len(e.queues), "items", len(e.items))

	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	e.dispatchCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Dispatch engine stopping")
			e.wg.Wait()
			close(e.done)

			return nil
		case <-ticker.C:
			e.dispatchCycle(ctx)
		case <-e.wake:
			e.dispatchCycle(ctx)
		}
	}
}

// Done is closed once the engine loop and all execution goroutines finished.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// load fills the in-memory cache. Items found processing belonged to a
// previous run; they go back to waiting so they are dispatched again, which
// gives at-least-once execution across restarts.
func (e *Engine) load(ctx context.Context) error {
	queues, err := e.persistence.Queues(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queues: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, queue := range queues {
		e.queues[queue.ID] = queue

		items, err := e.persistence.QueueItems(ctx, queue.ID)
		if err != nil {
			return fmt.Errorf("failed to load items of queue %s: %w", queue.ID, err)
		}

		for _, item := range items {
			if item.Status == models.ItemStatusProcessing {
				e.logger.Warn("Recovering interrupted item", "item_id", item.ID, "queue_id", queue.ID)

				item.Status = models.ItemStatusWaiting
				item.StartedAt = nil

				if err := e.persistence.SaveQueueItem(ctx, item); err != nil {
					return fmt.Errorf("failed to recover item %s: %w", item.ID, err)
				}
			}

			if !item.IsTerminal() {
				e.items[item.ID] = item
			}
		}
	}

	return nil
}

// CreateQueue validates, persists and registers a queue.
func (e *Engine) CreateQueue(ctx context.Context, queue *models.Queue) error {
	if err := queue.Validate(); err != nil {
		return fmt.Errorf("invalid queue: %w", err)
	}

	if err := e.persistence.SaveQueue(ctx, queue); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}

	e.mu.Lock()
	e.queues[queue.ID] = queue
	e.mu.Unlock()

	e.logger.Info("Queue created", "queue_id", queue.ID, "key", queue.Key)
	e.signal()

	return nil
}

// SetQueueActive pauses or resumes a queue. Pausing stops new dispatches but
// never interrupts items already processing.
func (e *Engine) SetQueueActive(ctx context.Context, queueID string, active bool) error {
	e.mu.Lock()
	queue, ok := e.queues[queueID]

	if ok {
		queue.IsActive = active
		queue.UpdatedAt = time.Now().UTC()
	}
	e.mu.Unlock()

	if !ok {
		return persistence.ErrQueueNotFound
	}

	if err := e.persistence.SaveQueue(ctx, queue); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}

	e.logger.Info("Queue active state changed", "queue_id", queueID, "active", active)

	if active {
		e.signal()
	}

	return nil
}

// DeleteQueue removes a queue and cascades to its items. Queues with items
// still processing cannot be deleted.
func (e *Engine) DeleteQueue(ctx context.Context, queueID string) error {
	e.mu.Lock()

	if _, ok := e.queues[queueID]; !ok {
		e.mu.Unlock()

		return persistence.ErrQueueNotFound
	}

	if e.inFlight[queueID] > 0 {
		e.mu.Unlock()

		return fmt.Errorf("queue %s has items processing", queueID)
	}

	delete(e.queues, queueID)
	delete(e.inFlight, queueID)

	for id, item := range e.items {
		if item.QueueID == queueID {
			delete(e.items, id)
		}
	}
	e.mu.Unlock()

	if err := e.persistence.DeleteQueue(ctx, queueID); err != nil {
		return fmt.Errorf("failed to delete queue: %w", err)
	}

	e.logger.Info("Queue deleted", "queue_id", queueID)

	return nil
}

// Enqueue creates a waiting item on a queue for the given worker and wakes the
// dispatch loop. The worker must be installed so the retry budget can be
// derived up front.
func (e *Engine) Enqueue(ctx context.Context, queueID, workerKey, jobName string, payload map[string]any) (*models.QueueItem, error) {
	e.mu.Lock()
	queue, ok := e.queues[queueID]
	e.mu.Unlock()

	if !ok {
		return nil, persistence.ErrQueueNotFound
	}

	if !queue.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrQueuePaused, queueID)
	}

	installation, err := e.registry.Get(workerKey)
	if err != nil {
		return nil, err
	}

	item := models.NewQueueItem(uuid.New().String(), queue, installation, jobName, payload)
	if err := item.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue item: %w", err)
	}

	if err := e.persistence.SaveQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to persist queue item: %w", err)
	}

	e.mu.Lock()
	e.items[item.ID] = item
	e.mu.Unlock()

	e.logger.Info("Item enqueued",
		"item_id", item.ID,
		"queue_id", queueID,
		"worker_key", workerKey,
		"job_name", jobName)
	e.signal()

	return item, nil
}

// Cancel terminates an item. Waiting items settle immediately; processing
// items get their execution context cancelled and settle when the worker
// returns. Cancellation always wins over a pending retry.
func (e *Engine) Cancel(ctx context.Context, itemID, reason string) error {
	e.mu.Lock()

	item, ok := e.items[itemID]
	if !ok {
		e.mu.Unlock()

		// Settled items leave the cache; report why they cannot be
		// cancelled instead of pretending they do not exist.
		settled, err := e.persistence.QueueItemByID(ctx, itemID)
		if err != nil {
			return err
		}

		return fmt.Errorf("%w: item %s is already %s", models.ErrInvalidTransition, settled.ID, settled.Status)
	}

	if job, running := e.running[itemID]; running {
		job.cancelled = true
		job.reason = reason
		job.cancel()
		e.mu.Unlock()

		e.logger.Info("Cancellation requested for running item", "item_id", itemID)

		return nil
	}

	now := time.Now().UTC()
	if err := item.Cancel(now); err != nil {
		e.mu.Unlock()

		return err
	}

	delete(e.items, itemID)
	e.mu.Unlock()

	if err := e.persistence.SaveQueueItem(ctx, item); err != nil {
		return fmt.Errorf("failed to persist cancelled item: %w", err)
	}

	e.publishCancelled(ctx, item, reason)
	e.logger.Info("Item cancelled", "item_id", itemID, "queue_id", item.QueueID)

	return nil
}

// Item returns a cached item, falling back to persistence for settled ones.
func (e *Engine) Item(ctx context.Context, itemID string) (*models.QueueItem, error) {
	e.mu.Lock()
	item, ok := e.items[itemID]
	e.mu.Unlock()

	if ok {
		return item, nil
	}

	return e.persistence.QueueItemByID(ctx, itemID)
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// dispatchCycle runs one pass over every active queue, starting as many
// dispatchable items as the queue and worker budgets allow.
func (e *Engine) dispatchCycle(ctx context.Context) {
	now := time.Now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, queue := range e.queues {
		if !queue.IsActive {
			continue
		}

		budget := queue.Concurrency - e.inFlight[queue.ID]
		if budget <= 0 {
			continue
		}

		for _, item := range e.selectLocked(queue.ID, now) {
			if budget <= 0 {
				break
			}

			if err := e.registry.Acquire(item.WorkerKey); err != nil {
				// No free slot or worker gone; the item stays waiting.
				continue
			}

			if err := e.startLocked(ctx, item, now); err != nil {
				e.registry.Release(item.WorkerKey)
				e.logger.Error("Failed to start item", "item_id", item.ID, "error", err)

				continue
			}

			budget--
		}
	}
}

// selectLocked returns the dispatchable items of a queue ordered by priority
// descending, then creation time ascending. Callers hold mu.
func (e *Engine) selectLocked(queueID string, now time.Time) []*models.QueueItem {
	candidates := make([]*models.QueueItem, 0)

	for _, item := range e.items {
		if item.QueueID == queueID && item.Dispatchable(now) {
			candidates = append(candidates, item)
		}
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].Priority != candidates[b].Priority {
			return candidates[a].Priority > candidates[b].Priority
		}

		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})

	return candidates
}

// startLocked transitions an item to processing and launches its execution
// goroutine. Callers hold mu and have already acquired the worker slot.
func (e *Engine) startLocked(ctx context.Context, item *models.QueueItem, now time.Time) error {
	installation, err := e.registry.Get(item.WorkerKey)
	if err != nil {
		return err
	}

	if err := item.Start(now); err != nil {
		return err
	}

	if err := e.persistence.SaveQueueItem(ctx, item); err != nil {
		return fmt.Errorf("failed to persist started item: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if timeout := installation.Options.Timeout; timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), timeout)
	}

	e.running[item.ID] = &runningJob{cancel: cancel}
	e.inFlight[item.QueueID]++

	e.publishStarted(ctx, item)
	e.logger.Info("Item dispatched",
		"item_id", item.ID,
		"queue_id", item.QueueID,
		"worker_key", item.WorkerKey,
		"attempt", item.Attempts)

	e.wg.Add(1)

	go e.execute(runCtx, cancel, item, installation)

	return nil
}

// execute runs the worker and settles the item when it returns.
func (e *Engine) execute(ctx context.Context, cancel context.CancelFunc, item *models.QueueItem, installation *models.WorkerInstallation) {
	defer e.wg.Done()
	defer cancel()

	result, runErr := e.runner.Run(ctx, item.WorkerKey, item.WorkerVersion, item.Payload)

	// Settlement persists outside the execution deadline.
	settleCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()

	e.mu.Lock()
	job := e.running[item.ID]
	delete(e.running, item.ID)
	e.inFlight[item.QueueID]--
	queue := e.queues[item.QueueID]
	e.mu.Unlock()

	e.registry.Release(item.WorkerKey)

	switch {
	case job != nil && job.cancelled:
		e.settleCancelled(settleCtx, item, job.reason, now)
	case runErr != nil:
		e.settleFailed(settleCtx, item, queue, installation, runErr, now)
	default:
		e.settleCompleted(settleCtx, item, result, now)
	}

	e.signal()
}

func (e *Engine) settleCompleted(ctx context.Context, item *models.QueueItem, result map[string]any, now time.Time) {
	e.mu.Lock()

	if err := item.Complete(result, now); err != nil {
		e.mu.Unlock()
		e.logger.Error("Failed to complete item", "item_id", item.ID, "error", err)

		return
	}

	delete(e.items, item.ID)
	e.mu.Unlock()

	if err := e.persistence.SaveQueueItem(ctx, item); err != nil {
		e.logger.Error("Failed to persist completed item", "item_id", item.ID, "error", err)
	}

	e.publishCompleted(ctx, item)
	e.logger.Info("Item completed",
		"item_id", item.ID,
		"queue_id", item.QueueID,
		"processing_time", item.ProcessingTime)
}

func (e *Engine) settleFailed(ctx context.Context, item *models.QueueItem, queue *models.Queue, installation *models.WorkerInstallation, runErr error, now time.Time) {
	message := runErr.Error()
	if errors.Is(runErr, context.DeadlineExceeded) {
		message = fmt.Sprintf("worker timed out after %s", installation.Options.Timeout)
	}

	e.mu.Lock()

	if err := item.Fail(message); err != nil {
		e.mu.Unlock()
		e.logger.Error("Failed to mark item as failed", "item_id", item.ID, "error", err)

		return
	}

	outcome, err := e.coordinator.OnFailure(item, queue, installation, now)
	if err != nil {
		e.mu.Unlock()
		e.logger.Error("Retry coordination failed", "item_id", item.ID, "error", err)

		return
	}

	if outcome == retry.OutcomeExhausted {
		delete(e.items, item.ID)
	}
	e.mu.Unlock()

	if err := e.persistence.SaveQueueItem(ctx, item); err != nil {
		e.logger.Error("Failed to persist failed item", "item_id", item.ID, "error", err)
	}

	if outcome == retry.OutcomeExhausted {
		e.publishFailed(ctx, item)
	}
}

func (e *Engine) settleCancelled(ctx context.Context, item *models.QueueItem, reason string, now time.Time) {
	e.mu.Lock()

	// The item is still processing at this point; Fail first would consume
	// the error path, so cancel directly.
	if err := item.Cancel(now); err != nil {
		e.mu.Unlock()
		e.logger.Error("Failed to cancel item", "item_id", item.ID, "error", err)

		return
	}

	delete(e.items, item.ID)
	e.mu.Unlock()

	if err := e.persistence.SaveQueueItem(ctx, item); err != nil {
		e.logger.Error("Failed to persist cancelled item", "item_id", item.ID, "error", err)
	}

	e.publishCancelled(ctx, item, reason)
	e.logger.Info("Running item cancelled", "item_id", item.ID, "queue_id", item.QueueID)
}

func (e *Engine) publishStarted(ctx context.Context, item *models.QueueItem) {
	event := events.JobStarted{
		BaseEvent: e.baseEvent(events.JobStartedEvent, item.QueueID),
		ItemID:    item.ID,
		JobName:   item.JobName,
		WorkerKey: item.WorkerKey,
		Attempt:   item.Attempts,
	}

	e.publish(ctx, item.QueueID, event)
}

func (e *Engine) publishCompleted(ctx context.Context, item *models.QueueItem) {
	event := events.JobCompleted{
		BaseEvent:  e.baseEvent(events.JobCompletedEvent, item.QueueID),
		ItemID:     item.ID,
		JobName:    item.JobName,
		WorkerKey:  item.WorkerKey,
		Result:     item.Result,
		DurationMs: item.ProcessingTime.Milliseconds(),
	}

	e.publish(ctx, item.QueueID, event)
}

func (e *Engine) publishFailed(ctx context.Context, item *models.QueueItem) {
	event := events.JobFailed{
		BaseEvent:   e.baseEvent(events.JobFailedEvent, item.QueueID),
		ItemID:      item.ID,
		JobName:     item.JobName,
		WorkerKey:   item.WorkerKey,
		Error:       item.ErrorMessage,
		Attempts:    item.Attempts,
		MaxAttempts: item.MaxAttempts,
	}

	e.publish(ctx, item.QueueID, event)
}

func (e *Engine) publishCancelled(ctx context.Context, item *models.QueueItem, reason string) {
	event := events.JobCancelled{
		BaseEvent: e.baseEvent(events.JobCancelledEvent, item.QueueID),
		ItemID:    item.ID,
		JobName:   item.JobName,
		WorkerKey: item.WorkerKey,
		Reason:    reason,
	}

	e.publish(ctx, item.QueueID, event)
}

func (e *Engine) baseEvent(eventType events.EventType, queueID string) events.BaseEvent {
	base := events.NewBaseEvent(eventType, queueID)
	base.DispatcherID = e.dispatcherID

	return base
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if err := e.publisher.Publish(ctx, key, event); err != nil {
		e.logger.Error("Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
