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

// WebhookRepository handles webhook and delivery log database operations.
type WebhookRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const webhookColumns = `
	id
  , name
  , url
  , events
  , headers
  , status
  , retry_count
  , retry_interval_ms
  , secret
  , created_at
  , updated_at
`

const deliveryColumns = `
	id
  , webhook_id
  , event
  , status
  , response_code
  , attempt
  , max_attempts
  , error
  , delivered_at
`

// GetAll returns every webhook ordered by creation time.
func (r *WebhookRepository) GetAll(ctx context.Context) ([]*models.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhooks: %w", err)
	}

	defer closeRows(ctx, rows, r.logger)

	webhooks := make([]*models.Webhook, 0)

	for rows.Next() {
		webhook, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}

		webhooks = append(webhooks, webhook)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating webhooks: %w", err)
	}

	return webhooks, nil
}

// GetByID returns a webhook by its ID.
func (r *WebhookRepository) GetByID(ctx context.Context, id string) (*models.Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1`

	webhook, err := scanWebhook(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrWebhookNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan webhook %s: %w", id, err)
	}

	return webhook, nil
}

// Save upserts a webhook keyed by its ID.
func (r *WebhookRepository) Save(ctx context.Context, webhook *models.Webhook) error {
	eventTypes, err := json.Marshal(webhook.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook events: %w", err)
	}

	headers, err := json.Marshal(webhook.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook headers: %w", err)
	}

	query := `
		INSERT INTO webhooks (` + webhookColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , url = EXCLUDED.url
		  , events = EXCLUDED.events
		  , headers = EXCLUDED.headers
		  , status = EXCLUDED.status
		  , retry_count = EXCLUDED.retry_count
		  , retry_interval_ms = EXCLUDED.retry_interval_ms
		  , secret = EXCLUDED.secret
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		webhook.ID,
		webhook.Name,
		webhook.URL,
		eventTypes,
		headers,
		string(webhook.Status),
		webhook.RetryCount,
		webhook.RetryInterval.Milliseconds(),
		nullString(webhook.Secret),
		webhook.CreatedAt,
		webhook.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save webhook %s: %w", webhook.ID, err)
	}

	return nil
}

// AppendDelivery inserts one record into the append-only delivery log. The
// insert fails rather than rewrite an existing record.
func (r *WebhookRepository) AppendDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	query := `
		INSERT INTO webhook_deliveries (` + deliveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		delivery.ID,
		delivery.WebhookID,
		delivery.Event,
		string(delivery.Status),
		delivery.ResponseCode,
		delivery.Attempt,
		delivery.MaxAttempts,
		nullString(delivery.Error),
		delivery.DeliveredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append delivery %s: %w", delivery.ID, err)
	}

	return nil
}

// Deliveries returns the delivery log for a webhook, oldest first.
func (r *WebhookRepository) Deliveries(ctx context.Context, webhookID string) ([]*models.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE webhook_id = $1 ORDER BY delivered_at ASC, attempt ASC`

	rows, err := r.db.QueryContext(ctx, query, webhookID)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}

	defer closeRows(ctx, rows, r.logger)

	deliveries := make([]*models.WebhookDelivery, 0)

	for rows.Next() {
		var (
			delivery      models.WebhookDelivery
			status        string
			deliveryError sql.NullString
		)

		err := rows.Scan(
			&delivery.ID,
			&delivery.WebhookID,
			&delivery.Event,
			&status,
			&delivery.ResponseCode,
			&delivery.Attempt,
			&delivery.MaxAttempts,
			&deliveryError,
			&delivery.DeliveredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}

		delivery.Status = models.DeliveryStatus(status)
		delivery.Error = deliveryError.String

		deliveries = append(deliveries, &delivery)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating deliveries: %w", err)
	}

	return deliveries, nil
}

func scanWebhook(row rowScanner) (*models.Webhook, error) {
	var (
		webhook         models.Webhook
		eventTypes      []byte
		headers         []byte
		status          string
		retryIntervalMS int64
		secret          sql.NullString
	)

	err := row.Scan(
		&webhook.ID,
		&webhook.Name,
		&webhook.URL,
		&eventTypes,
		&headers,
		&status,
		&webhook.RetryCount,
		&retryIntervalMS,
		&secret,
		&webhook.CreatedAt,
		&webhook.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	webhook.Status = models.WebhookStatus(status)
	webhook.RetryInterval = time.Duration(retryIntervalMS) * time.Millisecond
	webhook.Secret = secret.String

	if err := json.Unmarshal(eventTypes, &webhook.Events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal webhook events: %w", err)
	}

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &webhook.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal webhook headers: %w", err)
		}
	}

	return &webhook, nil
}
