package persistence

import (
	"errors"
)

// Standard persistence error types that all implementations use.
var (
	// ErrQueueNotFound indicates a queue was not found by the given identifier.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrQueueItemNotFound indicates a queue item was not found by the given identifier.
	ErrQueueItemNotFound = errors.New("queue item not found")

	// ErrWorkerInstallationNotFound indicates no installation exists for the given worker key.
	ErrWorkerInstallationNotFound = errors.New("worker installation not found")

	// ErrTriggerNotFound indicates a trigger was not found by the given identifier.
	ErrTriggerNotFound = errors.New("trigger not found")

	// ErrWebhookNotFound indicates a webhook was not found by the given identifier.
	ErrWebhookNotFound = errors.New("webhook not found")
)

// IsNotFound checks if an error indicates any entity lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrQueueNotFound) ||
		errors.Is(err, ErrQueueItemNotFound) ||
		errors.Is(err, ErrWorkerInstallationNotFound) ||
		errors.Is(err, ErrTriggerNotFound) ||
		errors.Is(err, ErrWebhookNotFound)
}
