package models

import (
	"errors"
	"fmt"
	"time"
)

// ItemStatus represents the lifecycle state of a queue item.
type ItemStatus string

const (
	ItemStatusWaiting    ItemStatus = "waiting"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusError      ItemStatus = "error"
	ItemStatusCancelled  ItemStatus = "cancelled"
)

// ErrInvalidTransition is returned when a state machine method is called on an
// item whose current status does not permit the transition.
var ErrInvalidTransition = errors.New("invalid queue item transition")

// QueueItem is one unit of work submitted for a specific worker. The item owns
// its own retry and status lifecycle; all transitions go through the methods
// below so the timestamp invariants hold everywhere.
type QueueItem struct {
	ID      string `json:"id"       validate:"required"`
	QueueID string `json:"queue_id" validate:"required"`

	JobID   string `json:"job_id,omitempty"`
	JobName string `json:"job_name" validate:"required"`

	WorkerKey     string `json:"worker_key" validate:"required"`
	WorkerName    string `json:"worker_name,omitempty"`
	WorkerVersion string `json:"worker_version,omitempty"`

	Status       ItemStatus     `json:"status"`
	Payload      map[string]any `json:"payload,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`
	Priority    int `json:"priority"`

	// AvailableAt delays re-dispatch after a scheduled retry. The dispatcher
	// never selects an item whose AvailableAt is in the future.
	AvailableAt time.Time `json:"available_at"`

	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	ProcessingTime time.Duration `json:"processing_time,omitempty"`
}

// NewQueueItem creates a waiting item bound to the given queue and worker
// installation. MaxAttempts is derived at creation time from the stricter of
// the queue retry limit and the worker retry policy.
func NewQueueItem(id string, queue *Queue, installation *WorkerInstallation, jobName string, payload map[string]any) *QueueItem {
	now := time.Now().UTC()

	maxAttempts := queue.RetryLimit + 1
	if policy := installation.Options.RetryPolicy; policy != nil && policy.MaxRetries < queue.RetryLimit {
		maxAttempts = policy.MaxRetries + 1
	}

	return &QueueItem{
		ID:            id,
		QueueID:       queue.ID,
		JobName:       jobName,
		WorkerKey:     installation.WorkerKey,
		WorkerVersion: installation.DefaultVersion,
		Status:        ItemStatusWaiting,
		Payload:       payload,
		MaxAttempts:   maxAttempts,
		Priority:      queue.Priority,
		AvailableAt:   now,
		CreatedAt:     now,
	}
}

// Validate performs structural validation on the item.
func (i *QueueItem) Validate() error {
	if err := validate.Struct(i); err != nil {
		return err
	}

	if i.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidTransition)
	}

	return nil
}

// IsTerminal reports whether the item can make no further transitions.
// Completed and cancelled items are always terminal; an error item is terminal
// once its finished timestamp is set, meaning retries were exhausted.
func (i *QueueItem) IsTerminal() bool {
	switch i.Status {
	case ItemStatusCompleted, ItemStatusCancelled:
		return true
	case ItemStatusError:
		return i.FinishedAt != nil
	default:
		return false
	}
}

// Dispatchable reports whether the dispatcher may select this item now.
func (i *QueueItem) Dispatchable(now time.Time) bool {
	return i.Status == ItemStatusWaiting && !i.AvailableAt.After(now)
}

// Start transitions the item from waiting to processing, records the start
// timestamp and consumes one attempt.
func (i *QueueItem) Start(now time.Time) error {
	if i.Status != ItemStatusWaiting {
		return i.transitionError(ItemStatusProcessing)
	}

	i.Status = ItemStatusProcessing
	i.StartedAt = &now
	i.Attempts++

	return nil
}

// Complete transitions the item from processing to its terminal completed
// state and records the result and processing time.
func (i *QueueItem) Complete(result map[string]any, now time.Time) error {
	if i.Status != ItemStatusProcessing {
		return i.transitionError(ItemStatusCompleted)
	}

	i.Status = ItemStatusCompleted
	i.Result = result
	i.finish(now)

	return nil
}

// Fail transitions the item from processing to error and records the message.
// The error state is not yet terminal: the retry coordinator decides whether
// the item is requeued or exhausted.
func (i *QueueItem) Fail(errorMessage string) error {
	if i.Status != ItemStatusProcessing {
		return i.transitionError(ItemStatusError)
	}

	i.Status = ItemStatusError
	i.ErrorMessage = errorMessage

	return nil
}

// Requeue returns a failed item to waiting with a scheduled availability time.
func (i *QueueItem) Requeue(availableAt time.Time) error {
	if i.Status != ItemStatusError || i.FinishedAt != nil {
		return i.transitionError(ItemStatusWaiting)
	}

	i.Status = ItemStatusWaiting
	i.AvailableAt = availableAt

	return nil
}

// Exhaust settles a failed item as terminal once its retry budget is spent.
func (i *QueueItem) Exhaust(now time.Time) error {
	if i.Status != ItemStatusError || i.FinishedAt != nil {
		return i.transitionError(ItemStatusError)
	}

	i.finish(now)

	return nil
}

// Cancel terminates the item from any non-terminal state. Processing time is
// only recorded when the item had actually entered processing.
func (i *QueueItem) Cancel(now time.Time) error {
	if i.IsTerminal() {
		return i.transitionError(ItemStatusCancelled)
	}

	i.Status = ItemStatusCancelled
	i.finish(now)

	return nil
}

func (i *QueueItem) finish(now time.Time) {
	i.FinishedAt = &now

	if i.StartedAt != nil && now.After(*i.StartedAt) {
		i.ProcessingTime = now.Sub(*i.StartedAt)
	}
}

func (i *QueueItem) transitionError(to ItemStatus) error {
	return fmt.Errorf("%w: item %s cannot move from %s to %s", ErrInvalidTransition, i.ID, i.Status, to)
}
