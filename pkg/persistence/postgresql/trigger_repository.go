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

// TriggerRepository handles trigger database operations.
type TriggerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

const triggerColumns = `
	id
  , name
  , type
  , target
  , configuration
  , is_active
  , last_run_at
  , next_run_at
  , created_at
  , updated_at
`

// triggerConfiguration is the stored form of the per-type configuration
// union. Exactly one member is non-nil, matching the trigger type.
type triggerConfiguration struct {
	Schedule *models.ScheduleConfig `json:"schedule,omitempty"`
	Webhook  *models.WebhookConfig  `json:"webhook,omitempty"`
	Event    *models.EventConfig    `json:"event,omitempty"`
	Data     *models.DataConfig     `json:"data,omitempty"`
}

// GetAll returns every trigger ordered by creation time.
func (r *TriggerRepository) GetAll(ctx context.Context) ([]*models.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}

	defer closeRows(ctx, rows, r.logger)

	triggers := make([]*models.Trigger, 0)

	for rows.Next() {
		trigger, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}

		triggers = append(triggers, trigger)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating triggers: %w", err)
	}

	return triggers, nil
}

// GetByID returns a trigger by its ID.
func (r *TriggerRepository) GetByID(ctx context.Context, id string) (*models.Trigger, error) {
	query := `SELECT ` + triggerColumns + ` FROM triggers WHERE id = $1`

	trigger, err := scanTrigger(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrTriggerNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to scan trigger %s: %w", id, err)
	}

	return trigger, nil
}

// Save upserts a trigger keyed by its ID.
func (r *TriggerRepository) Save(ctx context.Context, trigger *models.Trigger) error {
	target, err := json.Marshal(trigger.Target)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger target: %w", err)
	}

	configuration, err := json.Marshal(triggerConfiguration{
		Schedule: trigger.Schedule,
		Webhook:  trigger.Webhook,
		Event:    trigger.Event,
		Data:     trigger.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal trigger configuration: %w", err)
	}

	query := `
		INSERT INTO triggers (` + triggerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name
		  , type = EXCLUDED.type
		  , target = EXCLUDED.target
		  , configuration = EXCLUDED.configuration
		  , is_active = EXCLUDED.is_active
		  , last_run_at = EXCLUDED.last_run_at
		  , next_run_at = EXCLUDED.next_run_at
		  , updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		trigger.ID,
		trigger.Name,
		string(trigger.Type),
		target,
		configuration,
		trigger.IsActive,
		nullTime(trigger.LastRunAt),
		nullTime(trigger.NextRunAt),
		trigger.CreatedAt,
		trigger.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save trigger %s: %w", trigger.ID, err)
	}

	return nil
}

// Delete removes a trigger.
func (r *TriggerRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete trigger %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result for trigger %s: %w", id, err)
	}

	if affected == 0 {
		return persistence.ErrTriggerNotFound
	}

	return nil
}

func scanTrigger(row rowScanner) (*models.Trigger, error) {
	var (
		trigger       models.Trigger
		triggerType   string
		target        []byte
		configuration []byte
		lastRunAt     sql.NullTime
		nextRunAt     sql.NullTime
	)

	err := row.Scan(
		&trigger.ID,
		&trigger.Name,
		&triggerType,
		&target,
		&configuration,
		&trigger.IsActive,
		&lastRunAt,
		&nextRunAt,
		&trigger.CreatedAt,
		&trigger.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	trigger.Type = models.TriggerType(triggerType)

	if err := json.Unmarshal(target, &trigger.Target); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger target: %w", err)
	}

	var config triggerConfiguration
	if err := json.Unmarshal(configuration, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger configuration: %w", err)
	}

	trigger.Schedule = config.Schedule
	trigger.Webhook = config.Webhook
	trigger.Event = config.Event
	trigger.Data = config.Data

	if lastRunAt.Valid {
		trigger.LastRunAt = &lastRunAt.Time
	}

	if nextRunAt.Valid {
		trigger.NextRunAt = &nextRunAt.Time
	}

	return &trigger, nil
}
