// Package models defines the core domain models for the job dispatch and queueing engine.
package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Queue is a named, tenant-scoped container of job executions. It carries the
// capacity, retry and priority configuration the dispatcher enforces for every
// item it owns.
type Queue struct {
	ID       string `json:"id"       validate:"required"`
	Key      string `json:"key"      validate:"required"`
	Name     string `json:"name"     validate:"required,min=3"`
	FolderID string `json:"folder_id,omitempty"`

	// Concurrency is the maximum number of items of this queue that may be
	// processing at the same time.
	Concurrency int `json:"concurrency" validate:"min=1"`

	// RetryLimit caps the attempts of every item created in this queue.
	RetryLimit int `json:"retry_limit" validate:"min=0"`

	// RetryDelay is the base backoff delay used when the target worker
	// installation carries no retry policy of its own.
	RetryDelay time.Duration `json:"retry_delay"`

	Priority int `json:"priority" validate:"min=1,max=10"`

	// IsActive pauses dispatch when false. Paused queues admit no new
	// assignments but retain their queued items.
	IsActive bool `json:"is_active"`

	Tags     []string       `json:"tags,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewQueue creates an active queue with the given capacity configuration.
func NewQueue(id, key, name string, concurrency, retryLimit int, retryDelay time.Duration) *Queue {
	now := time.Now().UTC()

	return &Queue{
		ID:          id,
		Key:         key,
		Name:        name,
		Concurrency: concurrency,
		RetryLimit:  retryLimit,
		RetryDelay:  retryDelay,
		Priority:    5,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate performs structural validation on the queue configuration.
// Invalid queues are rejected before they reach the dispatcher.
func (q *Queue) Validate() error {
	return validate.Struct(q)
}
