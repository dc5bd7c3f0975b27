// Package webhooks delivers job lifecycle events to external HTTP endpoints.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/queximet/armature/pkg/eventbus"
	"github.com/queximet/armature/pkg/events"
	"github.com/queximet/armature/pkg/log"
	"github.com/queximet/armature/pkg/models"
	"github.com/queximet/armature/pkg/persistence"
)

const defaultRequestTimeout = 10 * time.Second

// notifiedEvents are the event types fanned out to webhooks.
var notifiedEvents = []events.EventType{
	events.JobStartedEvent,
	events.JobCompletedEvent,
	events.JobFailedEvent,
	events.JobCancelledEvent,
	events.TriggerFiredEvent,
}

// deliveryBody is the JSON envelope posted to webhook endpoints.
type deliveryBody struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Notifier fans job lifecycle events out to subscribed webhooks. Every
// delivery runs in its own goroutine so a slow endpoint never blocks the
// dispatch cycle, and every attempt lands in the append-only delivery log.
type Notifier struct {
	dispatcherID string
	persistence  persistence.Persistence
	publisher    eventbus.EventPublisher
	client       *http.Client
	logger       *slog.Logger

	wg sync.WaitGroup
}

func NewNotifier(dispatcherID string, persistence persistence.Persistence, publisher eventbus.EventPublisher) *Notifier {
	return &Notifier{
		dispatcherID: dispatcherID,
		persistence:  persistence,
		publisher:    publisher,
		client:       &http.Client{Timeout: defaultRequestTimeout},
		logger:       log.WithModule("webhooks").With("dispatcher_id", dispatcherID),
	}
}

// Register wires the notifier into the event bus.
func (n *Notifier) Register(subscriber eventbus.EventSubscriber) error {
	for _, eventType := range notifiedEvents {
		err := subscriber.Handle(eventType, func(ctx context.Context, event any) error {
			n.Notify(ctx, string(eventType), event)

			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to register webhook handler for %s: %w", eventType, err)
		}
	}

	return nil
}

// Notify starts one delivery goroutine per subscribed active webhook.
func (n *Notifier) Notify(ctx context.Context, eventType string, data any) {
	webhooks, err := n.persistence.Webhooks(ctx)
	if err != nil {
		n.logger.Error("Failed to load webhooks", "error", err)

		return
	}

	body, err := json.Marshal(deliveryBody{Event: eventType, Data: data})
	if err != nil {
		n.logger.Error("Failed to marshal delivery body", "event_type", eventType, "error", err)

		return
	}

	for _, webhook := range webhooks {
		if webhook.Status != models.WebhookStatusActive || !webhook.Subscribed(eventType) {
			continue
		}

		n.wg.Add(1)

		go func(webhook *models.Webhook) {
			defer n.wg.Done()
			n.deliver(context.WithoutCancel(ctx), webhook, eventType, body)
		}(webhook)
	}
}

// Wait blocks until every in-flight delivery finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// deliver attempts the delivery up to the webhook's retry budget with a fixed
// interval between attempts. Exhausting the budget marks the webhook failed.
func (n *Notifier) deliver(ctx context.Context, webhook *models.Webhook, eventType string, body []byte) {
	for attempt := 1; attempt <= webhook.RetryCount; attempt++ {
		code, attemptErr := n.post(ctx, webhook, body)

		record := &models.WebhookDelivery{
			ID:           uuid.New().String(),
			WebhookID:    webhook.ID,
			Event:        eventType,
			Status:       models.DeliveryStatusSucceeded,
			ResponseCode: code,
			Attempt:      attempt,
			MaxAttempts:  webhook.RetryCount,
			DeliveredAt:  time.Now().UTC(),
		}

		if attemptErr != nil {
			record.Status = models.DeliveryStatusFailed
			record.Error = attemptErr.Error()
		}

		if err := n.persistence.AppendDelivery(ctx, record); err != nil {
			n.logger.Error("Failed to append delivery record", "webhook_id", webhook.ID, "error", err)
		}

		if attemptErr == nil {
			n.logger.Info("Webhook delivered",
				"webhook_id", webhook.ID,
				"event_type", eventType,
				"attempt", attempt,
				"response_code", code)

			return
		}

		n.logger.Warn("Webhook delivery attempt failed",
			"webhook_id", webhook.ID,
			"event_type", eventType,
			"attempt", attempt,
			"max_attempts", webhook.RetryCount,
			"error", attemptErr)

		if attempt < webhook.RetryCount {
			select {
			case <-ctx.Done():
				return
			case <-time.After(webhook.RetryInterval):
			}
		}
	}

	n.markFailed(ctx, webhook, eventType)
}

func (n *Notifier) post(ctx context.Context, webhook *models.Webhook, body []byte) (int, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}

	request.Header.Set("Content-Type", "application/json")

	for _, header := range webhook.Headers {
		request.Header.Set(header.Name, header.Value)
	}

	if webhook.Secret != "" {
		request.Header.Set(SignatureHeader, Sign(webhook.Secret, body))
	}

	response, err := n.client.Do(request)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
	}()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return response.StatusCode, fmt.Errorf("endpoint returned status %d", response.StatusCode)
	}

	return response.StatusCode, nil
}

// markFailed deactivates a webhook after an exhausted delivery and announces
// it on the bus.
func (n *Notifier) markFailed(ctx context.Context, webhook *models.Webhook, eventType string) {
	webhook.Status = models.WebhookStatusFailed
	webhook.UpdatedAt = time.Now().UTC()

	if err := n.persistence.SaveWebhook(ctx, webhook); err != nil {
		n.logger.Error("Failed to persist failed webhook", "webhook_id", webhook.ID, "error", err)
	}

	base := events.NewBaseEvent(events.WebhookDeliveryFailedEvent, "")
	base.DispatcherID = n.dispatcherID

	event := events.WebhookDeliveryFailed{
		BaseEvent: base,
		WebhookID: webhook.ID,
		Event:     eventType,
		Attempts:  webhook.RetryCount,
	}

	if err := n.publisher.Publish(ctx, webhook.ID, event); err != nil {
		n.logger.Error("Failed to publish delivery failure", "webhook_id", webhook.ID, "error", err)
	}

	n.logger.Error("Webhook marked as failed",
		"webhook_id", webhook.ID,
		"event_type", eventType,
		"attempts", webhook.RetryCount)
}
