// Package events defines event types and structures for job lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every job lifecycle event.
const Topic = "armature.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	JobStartedEvent   EventType = "job.started"
	JobCompletedEvent EventType = "job.completed"
	JobFailedEvent    EventType = "job.failed"
	JobCancelledEvent EventType = "job.cancelled"

	TriggerFiredEvent EventType = "trigger.fired"

	WebhookDeliveryFailedEvent EventType = "webhook.delivery.failed"
)

type BaseEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	QueueID      string         `json:"queue_id,omitempty"`
	DispatcherID string         `json:"dispatcher_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// JobStarted is emitted when a waiting item is assigned to a worker slot.
type JobStarted struct {
	BaseEvent

	ItemID    string `json:"item_id"`
	JobName   string `json:"job_name"`
	WorkerKey string `json:"worker_key"`
	Attempt   int    `json:"attempt"`
}

func (j JobStarted) GetType() EventType {
	return JobStartedEvent
}

// JobCompleted is emitted when an item reaches its terminal completed state.
type JobCompleted struct {
	BaseEvent

	ItemID     string         `json:"item_id"`
	JobName    string         `json:"job_name"`
	WorkerKey  string         `json:"worker_key"`
	Result     map[string]any `json:"result,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

func (j JobCompleted) GetType() EventType {
	return JobCompletedEvent
}

// JobFailed is emitted when an item settles as terminal error after its retry
// budget is exhausted.
type JobFailed struct {
	BaseEvent

	ItemID      string `json:"item_id"`
	JobName     string `json:"job_name"`
	WorkerKey   string `json:"worker_key"`
	Error       string `json:"error"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
}

func (j JobFailed) GetType() EventType {
	return JobFailedEvent
}

// JobCancelled is emitted when an item is cancelled from waiting or processing.
type JobCancelled struct {
	BaseEvent

	ItemID    string `json:"item_id"`
	JobName   string `json:"job_name"`
	WorkerKey string `json:"worker_key,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (j JobCancelled) GetType() EventType {
	return JobCancelledEvent
}

// TriggerFired is emitted when a trigger fire enqueues a new item.
type TriggerFired struct {
	BaseEvent

	TriggerID   string         `json:"trigger_id"`
	TriggerType string         `json:"trigger_type"`
	ItemID      string         `json:"item_id"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

func (t TriggerFired) GetType() EventType {
	return TriggerFiredEvent
}

// WebhookDeliveryFailed is emitted when an outbound webhook exhausts its
// delivery attempts and is marked failed.
type WebhookDeliveryFailed struct {
	BaseEvent

	WebhookID string `json:"webhook_id"`
	Event     string `json:"event"`
	Attempts  int    `json:"attempts"`
}

func (w WebhookDeliveryFailed) GetType() EventType {
	return WebhookDeliveryFailedEvent
}

func NewBaseEvent(eventType EventType, queueID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		QueueID:   queueID,
		Metadata:  make(map[string]any),
	}
}
