package models

import (
	"time"
)

// RetryStrategy selects the backoff growth applied between retry attempts.
type RetryStrategy string

const (
	RetryStrategyLinear      RetryStrategy = "linear"
	RetryStrategyExponential RetryStrategy = "exponential"
)

// ProcessingMode selects how a worker consumes assigned items.
type ProcessingMode string

const (
	ProcessingModeSingle ProcessingMode = "single"
	ProcessingModeBatch  ProcessingMode = "batch"
)

// RetryPolicy overrides the queue-level retry configuration for a worker
// installation.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries" validate:"min=0"`
	RetryDelay time.Duration `json:"retry_delay"`
	Strategy   RetryStrategy `json:"strategy"    validate:"oneof=linear exponential"`
}

// WorkerOptions carries the execution limits of an installation.
type WorkerOptions struct {
	MaxConcurrent  int            `json:"max_concurrent"  validate:"min=1"`
	Timeout        time.Duration  `json:"timeout"`
	ProcessingMode ProcessingMode `json:"processing_mode" validate:"oneof=single batch"`
	RetryPolicy    *RetryPolicy   `json:"retry_policy,omitempty"`
}

// WorkerInstallation binds a worker definition to an execution environment.
// The concurrency slots derived from MaxConcurrent are owned exclusively by
// the installation; the slot registry enforces that ownership.
type WorkerInstallation struct {
	WorkerKey      string        `json:"worker_key"      validate:"required"`
	Priority       int           `json:"priority"        validate:"min=0,max=10"`
	DefaultVersion string        `json:"default_version" validate:"required"`
	Options        WorkerOptions `json:"options"`

	InstalledAt time.Time `json:"installed_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewWorkerInstallation creates an installation with single processing mode.
func NewWorkerInstallation(workerKey, defaultVersion string, maxConcurrent int, timeout time.Duration) *WorkerInstallation {
	now := time.Now().UTC()

	return &WorkerInstallation{
		WorkerKey:      workerKey,
		Priority:       5,
		DefaultVersion: defaultVersion,
		Options: WorkerOptions{
			MaxConcurrent:  maxConcurrent,
			Timeout:        timeout,
			ProcessingMode: ProcessingModeSingle,
		},
		InstalledAt: now,
		UpdatedAt:   now,
	}
}

// Validate performs structural validation on the installation.
func (w *WorkerInstallation) Validate() error {
	if err := validate.Struct(w); err != nil {
		return err
	}

	if w.Options.RetryPolicy != nil {
		return validate.Struct(w.Options.RetryPolicy)
	}

	return nil
}

// PriorityLabel maps the 0-10 priority scale to its operator-facing label.
func (w *WorkerInstallation) PriorityLabel() string {
	switch {
	case w.Priority <= 1:
		return "Trivial"
	case w.Priority <= 3:
		return "Minor"
	case w.Priority <= 6:
		return "Normal"
	case w.Priority <= 8:
		return "Major"
	default:
		return "Critical"
	}
}
