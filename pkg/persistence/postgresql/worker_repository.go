package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/queximet/armature/pkg/models"
	"github.com/queximet/armature/pkg/persistence"
)

// WorkerRepository handles worker installation database operations.
type WorkerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const workerColumns = `
	worker_key
  , priority
  , default_version
  , options
  , installed_at
  , updated_at
`

// GetAll returns every installation ordered by key.
func (r *WorkerRepository) GetAll(ctx context.Context) ([]*models.WorkerInstallation, error) {
	query := `SELECT ` + workerColumns + ` FROM worker_installations ORDER BY worker_key ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query worker installations: %w", err)
	}

	defer closeRows(ctx, rows, r.logger)

	installations := make([]*models.WorkerInstallation, 0)

	for rows.Next() {
		installation, err := scanWorkerInstallation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker installation: %w", err)
		}

		installations = append(installations, installation)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating worker installations: %w", err)
	}

	return installations, nil
}

// GetByKey returns an installation by its worker key.
func (r *WorkerRepository) GetByKey(ctx context.Context, key string) (*models.WorkerInstallation, error) {
	query := `SELECT ` + workerColumns + ` FROM worker_installations WHERE worker_key = $1`

	installation, err := scanWorkerInstallation(r.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrWorkerInstallationNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan worker installation %s: %w", key, err)
	}

	return installation, nil
}

// Save upserts an installation keyed by worker key.
func (r *WorkerRepository) Save(ctx context.Context, installation *models.WorkerInstallation) error {
	options, err := json.Marshal(installation.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal worker options: %w", err)
	}

	query := `
		INSERT INTO worker_installations (` + workerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (worker_key) DO UPDATE SET
			priority = EXCLUDED.priority
		  , default_version = EXCLUDED.default_version
		  , options = EXCLUDED.options
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		installation.WorkerKey,
		installation.Priority,
		installation.DefaultVersion,
		options,
		installation.InstalledAt,
		installation.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save worker installation %s: %w", installation.WorkerKey, err)
	}

	return nil
}

// Delete removes an installation.
func (r *WorkerRepository) Delete(ctx context.Context, key string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM worker_installations WHERE worker_key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete worker installation %s: %w", key, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result for worker installation %s: %w", key, err)
	}

	if affected == 0 {
		return persistence.ErrWorkerInstallationNotFound
	}

	return nil
}

func scanWorkerInstallation(row rowScanner) (*models.WorkerInstallation, error) {
	var (
		installation models.WorkerInstallation
		options      []byte
	)

	err := row.Scan(
		&installation.WorkerKey,
		&installation.Priority,
		&installation.DefaultVersion,
		&options,
		&installation.InstalledAt,
		&installation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(options, &installation.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal worker options: %w", err)
	}

	return &installation, nil
}
