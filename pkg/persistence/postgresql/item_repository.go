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

// QueueItemRepository handles queue item database operations.
type QueueItemRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const itemColumns = `
	id
  , queue_id
  , job_id
  , job_name
  , worker_key
  , worker_name
  , worker_version
  , status
  , payload
  , result
  , error_message
  , attempts
  , max_attempts
  , priority
  , available_at
  , created_at
  , started_at
  , finished_at
  , processing_time_ms
`

// GetByQueue returns every item of a queue, oldest first.
func (r *QueueItemRepository) GetByQueue(ctx context.Context, queueID string) ([]*models.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE queue_id = $1 ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, queueID)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue items: %w", err)
	}

	defer closeRows(ctx, rows, r.logger)

	items := make([]*models.QueueItem, 0)

	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}

		items = append(items, item)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}

	return items, nil
}

// GetByID returns an item by its ID.
func (r *QueueItemRepository) GetByID(ctx context.Context, id string) (*models.QueueItem, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE id = $1`

	item, err := scanQueueItem(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrQueueItemNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan queue item %s: %w", id, err)
	}

	return item, nil
}

// Save upserts an item keyed by its ID, making write retries idempotent.
func (r *QueueItemRepository) Save(ctx context.Context, item *models.QueueItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal item payload: %w", err)
	}

	result, err := json.Marshal(item.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal item result: %w", err)
	}

	query := `
		INSERT INTO queue_items (` + itemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status
		  , payload = EXCLUDED.payload
		  , result = EXCLUDED.result
		  , error_message = EXCLUDED.error_message
		  , attempts = EXCLUDED.attempts
		  , available_at = EXCLUDED.available_at
		  , started_at = EXCLUDED.started_at
		  , finished_at = EXCLUDED.finished_at
		  , processing_time_ms = EXCLUDED.processing_time_ms
	`

	_, err = r.db.ExecContext(ctx, query,
		item.ID,
		item.QueueID,
		nullString(item.JobID),
		item.JobName,
		item.WorkerKey,
		nullString(item.WorkerName),
		nullString(item.WorkerVersion),
		string(item.Status),
		payload,
		result,
		nullString(item.ErrorMessage),
		item.Attempts,
		item.MaxAttempts,
		item.Priority,
		item.AvailableAt,
		item.CreatedAt,
		nullTime(item.StartedAt),
		nullTime(item.FinishedAt),
		item.ProcessingTime.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to save queue item %s: %w", item.ID, err)
	}

	return nil
}

func scanQueueItem(row rowScanner) (*models.QueueItem, error) {
	var (
		item             models.QueueItem
		jobID            sql.NullString
		workerName       sql.NullString
		workerVersion    sql.NullString
		status           string
		payload          []byte
		result           []byte
		errorMessage     sql.NullString
		startedAt        sql.NullTime
		finishedAt       sql.NullTime
		processingTimeMS int64
	)

	err := row.Scan(
		&item.ID,
		&item.QueueID,
		&jobID,
		&item.JobName,
		&item.WorkerKey,
		&workerName,
		&workerVersion,
		&status,
		&payload,
		&result,
		&errorMessage,
		&item.Attempts,
		&item.MaxAttempts,
		&item.Priority,
		&item.AvailableAt,
		&item.CreatedAt,
		&startedAt,
		&finishedAt,
		&processingTimeMS,
	)
	if err != nil {
		return nil, err
	}

	item.JobID = jobID.String
	item.WorkerName = workerName.String
	item.WorkerVersion = workerVersion.String
	item.Status = models.ItemStatus(status)
	item.ErrorMessage = errorMessage.String
	item.ProcessingTime = time.Duration(processingTimeMS) * time.Millisecond

	if startedAt.Valid {
		item.StartedAt = &startedAt.Time
	}

	if finishedAt.Valid {
		item.FinishedAt = &finishedAt.Time
	}

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &item.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item payload: %w", err)
		}
	}

	if len(result) > 0 {
		if err := json.Unmarshal(result, &item.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item result: %w", err)
		}
	}

	return &item, nil
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *value, Valid: true}
}
