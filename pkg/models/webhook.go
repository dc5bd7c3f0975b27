package models

import (
	"time"
)

// WebhookStatus represents the operational state of an outbound webhook.
type WebhookStatus string

const (
	WebhookStatusActive   WebhookStatus = "active"
	WebhookStatusInactive WebhookStatus = "inactive"

	// WebhookStatusFailed marks a webhook that exhausted every delivery
	// attempt for a consecutive run. Operators reactivate it explicitly.
	WebhookStatusFailed WebhookStatus = "failed"
)

// HeaderPair is one custom header applied to deliveries. Order is preserved.
type HeaderPair struct {
	Name  string `json:"name"  validate:"required"`
	Value string `json:"value"`
}

// Webhook is an outbound notification target with its own delivery retry
// budget, independent of any job retry budget.
type Webhook struct {
	ID     string        `json:"id"     validate:"required"`
	Name   string        `json:"name"   validate:"required,min=3"`
	URL    string        `json:"url"    validate:"required,url"`
	Events []string      `json:"events" validate:"min=1"`
	Status WebhookStatus `json:"status" validate:"oneof=active inactive failed"`

	Headers []HeaderPair `json:"headers,omitempty"`

	// RetryCount is the total number of delivery attempts per event.
	RetryCount    int           `json:"retry_count"    validate:"min=1"`
	RetryInterval time.Duration `json:"retry_interval"`

	// Secret, when set, enables HMAC-SHA256 signing of delivery bodies.
	Secret string `json:"secret,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate performs structural validation on the webhook configuration.
func (w *Webhook) Validate() error {
	return validate.Struct(w)
}

// Subscribed reports whether the webhook wants the given event type.
func (w *Webhook) Subscribed(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}

	return false
}

// DeliveryStatus is the outcome of a single delivery attempt.
type DeliveryStatus string

const (
	DeliveryStatusSucceeded DeliveryStatus = "succeeded"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// WebhookDelivery is one attempt in the append-only delivery log. Records are
// immutable once written.
type WebhookDelivery struct {
	ID        string         `json:"id"`
	WebhookID string         `json:"webhook_id"`
	Event     string         `json:"event"`
	Status    DeliveryStatus `json:"status"`

	// ResponseCode is zero when the endpoint was unreachable.
	ResponseCode int    `json:"response_code"`
	Attempt      int    `json:"attempt"`
	MaxAttempts  int    `json:"max_attempts"`
	Error        string `json:"error,omitempty"`

	DeliveredAt time.Time `json:"delivered_at"`
}
