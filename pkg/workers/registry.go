// Package workers manages worker installations and their concurrency slots.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/queximet/armature/pkg/log"
	"github.com/queximet/armature/pkg/models"
	"github.com/queximet/armature/pkg/persistence"
)

var (
	// ErrNotInstalled is returned when a worker key has no installation.
	ErrNotInstalled = errors.New("worker is not installed")
	// ErrNoFreeSlot is returned when every concurrency slot of an
	// installation is occupied.
	ErrNoFreeSlot = errors.New("no free worker slot")
)

// Registry tracks worker installations and accounts their in-flight slot
// usage. Slot state lives in memory only; a restart starts with every slot
// free, which matches the dispatcher resetting interrupted items to waiting.
type Registry struct {
	persistence persistence.Persistence
	logger      *slog.Logger

	mu            sync.Mutex
	installations map[string]*models.WorkerInstallation
	inFlight      map[string]int
}

func NewRegistry(persistence persistence.Persistence) *Registry {
	return &Registry{
		persistence:   persistence,
		logger:        log.WithModule("workers"),
		installations: make(map[string]*models.WorkerInstallation),
		inFlight:      make(map[string]int),
	}
}

// Load populates the registry from persistence. Existing slot accounting is
// preserved so Load can refresh installations on a running dispatcher.
func (r *Registry) Load(ctx context.Context) error {
	installations, err := r.persistence.WorkerInstallations(ctx)
	if err != nil {
		return fmt.Errorf("failed to load worker installations: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.installations = make(map[string]*models.WorkerInstallation, len(installations))
	for _, installation := range installations {
		r.installations[installation.WorkerKey] = installation
	}

	r.logger.Info("Worker installations loaded", "count", len(installations))

	return nil
}

// Install validates and registers an installation, persisting it.
func (r *Registry) Install(ctx context.Context, installation *models.WorkerInstallation) error {
	if err := installation.Validate(); err != nil {
		return fmt.Errorf("invalid worker installation: %w", err)
	}

	if err := r.persistence.SaveWorkerInstallation(ctx, installation); err != nil {
		return fmt.Errorf("failed to persist worker installation: %w", err)
	}

	r.mu.Lock()
	r.installations[installation.WorkerKey] = installation
	r.mu.Unlock()

	r.logger.Info("Worker installed",
		"worker_key", installation.WorkerKey,
		"version", installation.DefaultVersion,
		"max_concurrent", installation.Options.MaxConcurrent)

	return nil
}

// Update replaces the options of an existing installation. A lowered
// MaxConcurrent never interrupts running items; the budget shrinks as they
// finish and release their slots.
func (r *Registry) Update(ctx context.Context, workerKey string, options models.WorkerOptions, priority int, defaultVersion string) (*models.WorkerInstallation, error) {
	r.mu.Lock()
	installation, ok := r.installations[workerKey]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, workerKey)
	}

	updated := *installation
	updated.Options = options
	updated.Priority = priority
	updated.DefaultVersion = defaultVersion
	updated.UpdatedAt = time.Now().UTC()

	if err := updated.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker installation: %w", err)
	}

	if err := r.persistence.SaveWorkerInstallation(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to persist worker installation: %w", err)
	}

	r.mu.Lock()
	r.installations[workerKey] = &updated
	r.mu.Unlock()

	r.logger.Info("Worker installation updated", "worker_key", workerKey)

	return &updated, nil
}

// Uninstall removes an installation. Items already processing keep their
// slots until they finish; new acquisitions fail immediately.
func (r *Registry) Uninstall(ctx context.Context, workerKey string) error {
	r.mu.Lock()
	_, ok := r.installations[workerKey]
	delete(r.installations, workerKey)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInstalled, workerKey)
	}

	if err := r.persistence.DeleteWorkerInstallation(ctx, workerKey); err != nil {
		return fmt.Errorf("failed to delete worker installation: %w", err)
	}

	r.logger.Info("Worker uninstalled", "worker_key", workerKey)

	return nil
}

// Get returns the installation for a worker key.
func (r *Registry) Get(workerKey string) (*models.WorkerInstallation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	installation, ok := r.installations[workerKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, workerKey)
	}

	return installation, nil
}

// List returns every registered installation.
func (r *Registry) List() []*models.WorkerInstallation {
	r.mu.Lock()
	defer r.mu.Unlock()

	installations := make([]*models.WorkerInstallation, 0, len(r.installations))
	for _, installation := range r.installations {
		installations = append(installations, installation)
	}

	return installations
}

// Acquire claims one concurrency slot for the worker. Callers must pair every
// successful Acquire with a Release.
func (r *Registry) Acquire(workerKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	installation, ok := r.installations[workerKey]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInstalled, workerKey)
	}

	if r.inFlight[workerKey] >= installation.Options.MaxConcurrent {
		return fmt.Errorf("%w: %s", ErrNoFreeSlot, workerKey)
	}

	r.inFlight[workerKey]++

	return nil
}

// Release returns a slot. Releasing below zero indicates a pairing bug and is
// clamped with a warning rather than corrupting the count.
func (r *Registry) Release(workerKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight[workerKey] <= 0 {
		r.logger.Warn("Slot released without a matching acquire", "worker_key", workerKey)
		r.inFlight[workerKey] = 0

		return
	}

	r.inFlight[workerKey]--
}

// InFlight returns the number of occupied slots for a worker.
func (r *Registry) InFlight(workerKey string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.inFlight[workerKey]
}
