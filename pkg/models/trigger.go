package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// TriggerType discriminates the four mutually exclusive trigger shapes.
type TriggerType string

const (
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypeWebhook  TriggerType = "webhook"
	TriggerTypeEvent    TriggerType = "event"
	TriggerTypeData     TriggerType = "data"
)

// ErrInvalidTrigger is returned when trigger validation fails.
var ErrInvalidTrigger = errors.New("invalid trigger configuration")

// TargetKind selects what a trigger fire produces.
type TargetKind string

const (
	TargetKindWorker   TargetKind = "worker"
	TargetKindWorkflow TargetKind = "workflow"
)

// TriggerTarget names the queue and worker (or workflow) that receives the
// work created by a fire.
type TriggerTarget struct {
	Kind       TargetKind `json:"kind"     validate:"oneof=worker workflow"`
	QueueID    string     `json:"queue_id,omitempty"`
	WorkerKey  string     `json:"worker_key,omitempty"`
	JobName    string     `json:"job_name,omitempty"`
	WorkflowID string     `json:"workflow_id,omitempty"`
}

// ScheduleConfig fires on a cron expression or, when none is set, at a fixed
// frequency. The cron expression always takes precedence.
type ScheduleConfig struct {
	CronExpression string        `json:"cron_expression,omitempty"`
	Frequency      time.Duration `json:"frequency,omitempty"`
}

// WebhookConfig fires when the ingress receives a request for the endpoint.
// PayloadSchema, when present, is a JSON schema inbound payloads must satisfy.
type WebhookConfig struct {
	Endpoint      string         `json:"endpoint" validate:"required"`
	PayloadSchema map[string]any `json:"payload_schema,omitempty"`
}

// EventConfig fires when the named event arrives from the given source.
type EventConfig struct {
	Source string `json:"source" validate:"required"`
	Name   string `json:"name"   validate:"required"`
}

// DataConfig fires when an external condition checker reports the condition
// became true.
type DataConfig struct {
	Condition string `json:"condition" validate:"required"`
}

// Trigger is a rule that creates new queue items on a schedule, webhook call,
// event or data condition. Exactly one configuration block is set, matching
// the trigger type.
type Trigger struct {
	ID     string        `json:"id"   validate:"required"`
	Name   string        `json:"name" validate:"required,min=3"`
	Type   TriggerType   `json:"type" validate:"oneof=schedule webhook event data"`
	Target TriggerTarget `json:"target"`

	Schedule *ScheduleConfig `json:"schedule,omitempty"`
	Webhook  *WebhookConfig  `json:"webhook,omitempty"`
	Event    *EventConfig    `json:"event,omitempty"`
	Data     *DataConfig     `json:"data,omitempty"`

	IsActive  bool       `json:"is_active"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks that exactly the configuration block matching the trigger
// type is present and structurally valid.
func (t *Trigger) Validate() error {
	if err := validate.Struct(t); err != nil {
		return err
	}

	configured := 0

	for _, set := range []bool{t.Schedule != nil, t.Webhook != nil, t.Event != nil, t.Data != nil} {
		if set {
			configured++
		}
	}

	if configured != 1 {
		return fmt.Errorf("%w: exactly one configuration block must be set, found %d", ErrInvalidTrigger, configured)
	}

	switch t.Type {
	case TriggerTypeSchedule:
		if t.Schedule == nil {
			return fmt.Errorf("%w: schedule trigger requires a schedule block", ErrInvalidTrigger)
		}

		if t.Schedule.CronExpression == "" && t.Schedule.Frequency <= 0 {
			return fmt.Errorf("%w: schedule trigger requires a cron expression or frequency", ErrInvalidTrigger)
		}

		if t.Schedule.CronExpression != "" {
			if _, err := cronParser.Parse(t.Schedule.CronExpression); err != nil {
				return fmt.Errorf("%w: %s", ErrInvalidTrigger, err.Error())
			}
		}
	case TriggerTypeWebhook:
		if t.Webhook == nil {
			return fmt.Errorf("%w: webhook trigger requires a webhook block", ErrInvalidTrigger)
		}
	case TriggerTypeEvent:
		if t.Event == nil {
			return fmt.Errorf("%w: event trigger requires an event block", ErrInvalidTrigger)
		}
	case TriggerTypeData:
		if t.Data == nil {
			return fmt.Errorf("%w: data trigger requires a data block", ErrInvalidTrigger)
		}
	}

	return nil
}

// ComputeNextRun calculates the next fire time from the reference time. The
// cron expression takes precedence over the plain frequency.
func (t *Trigger) ComputeNextRun(from time.Time) (time.Time, error) {
	if t.Schedule == nil {
		return time.Time{}, fmt.Errorf("%w: trigger %s has no schedule", ErrInvalidTrigger, t.ID)
	}

	if t.Schedule.CronExpression != "" {
		schedule, err := cronParser.Parse(t.Schedule.CronExpression)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidTrigger, err.Error())
		}

		return schedule.Next(from), nil
	}

	if t.Schedule.Frequency <= 0 {
		return time.Time{}, fmt.Errorf("%w: trigger %s has no cron expression or frequency", ErrInvalidTrigger, t.ID)
	}

	return from.Add(t.Schedule.Frequency), nil
}

// IsDue reports whether a schedule trigger should fire at the given time.
func (t *Trigger) IsDue(now time.Time) bool {
	return t.IsActive &&
		t.Type == TriggerTypeSchedule &&
		t.NextRunAt != nil &&
		!t.NextRunAt.After(now)
}

// MarkFired records a fire and recomputes the next run for schedule triggers.
func (t *Trigger) MarkFired(now time.Time) error {
	t.LastRunAt = &now
	t.UpdatedAt = now

	if t.Type != TriggerTypeSchedule {
		t.NextRunAt = nil

		return nil
	}

	next, err := t.ComputeNextRun(now)
	if err != nil {
		return err
	}

	t.NextRunAt = &next

	return nil
}
