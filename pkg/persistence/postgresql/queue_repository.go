package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/queximet/armature/pkg/models"
	"github.com/queximet/armature/pkg/persistence"
)

// QueueRepository handles queue-related database operations.
type QueueRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const queueColumns = `
	id
  , key
  , name
  , folder_id
  , concurrency
  , retry_limit
  , retry_delay_ms
  , priority
  , is_active
  , tags
  , metadata
  , created_at
  , updated_at
`

// GetAll returns all queues ordered by creation time.
func (r *QueueRepository) GetAll(ctx context.Context) ([]*models.Queue, error) {
	query := `SELECT ` + queueColumns + ` FROM queues ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query queues: %w", err)
	}

	defer closeRows(ctx, rows, r.logger)

	queues := make([]*models.Queue, 0)

	for rows.Next() {
		queue, err := scanQueue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}

		queues = append(queues, queue)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating queues: %w", err)
	}

	return queues, nil
}

// GetByID returns a queue by its ID.
func (r *QueueRepository) GetByID(ctx context.Context, id string) (*models.Queue, error) {
	query := `SELECT ` + queueColumns + ` FROM queues WHERE id = $1`

	queue, err := scanQueue(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrQueueNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan queue %s: %w", id, err)
	}

	return queue, nil
}

// Save upserts a queue keyed by its ID.
func (r *QueueRepository) Save(ctx context.Context, queue *models.Queue) error {
	tags, err := json.Marshal(queue.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal queue tags: %w", err)
	}

	metadata, err := json.Marshal(queue.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal queue metadata: %w", err)
	}

	query := `
		INSERT INTO queues (` + queueColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			key = EXCLUDED.key
		  , name = EXCLUDED.name
		  , folder_id = EXCLUDED.folder_id
		  , concurrency = EXCLUDED.concurrency
		  , retry_limit = EXCLUDED.retry_limit
		  , retry_delay_ms = EXCLUDED.retry_delay_ms
		  , priority = EXCLUDED.priority
		  , is_active = EXCLUDED.is_active
		  , tags = EXCLUDED.tags
		  , metadata = EXCLUDED.metadata
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		queue.ID,
		queue.Key,
		queue.Name,
		nullString(queue.FolderID),
		queue.Concurrency,
		queue.RetryLimit,
		queue.RetryDelay.Milliseconds(),
		queue.Priority,
		queue.IsActive,
		tags,
		metadata,
		queue.CreatedAt,
		queue.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save queue %s: %w", queue.ID, err)
	}

	return nil
}

// Delete removes a queue; owned items cascade at the schema level.
func (r *QueueRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM queues WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete queue %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result for queue %s: %w", id, err)
	}

	if affected == 0 {
		return persistence.ErrQueueNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueue(row rowScanner) (*models.Queue, error) {
	var (
		queue        models.Queue
		folderID     sql.NullString
		retryDelayMS int64
		tags         []byte
		metadata     []byte
	)

	err := row.Scan(
		&queue.ID,
		&queue.Key,
		&queue.Name,
		&folderID,
		&queue.Concurrency,
		&queue.RetryLimit,
		&retryDelayMS,
		&queue.Priority,
		&queue.IsActive,
		&tags,
		&metadata,
		&queue.CreatedAt,
		&queue.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	queue.FolderID = folderID.String
	queue.RetryDelay = time.Duration(retryDelayMS) * time.Millisecond

	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &queue.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queue tags: %w", err)
		}
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &queue.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queue metadata: %w", err)
		}
	}

	return &queue, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func closeRows(ctx context.Context, rows *sql.Rows, logger *slog.Logger) {
	err := rows.Close()
	if err != nil {
		logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}
