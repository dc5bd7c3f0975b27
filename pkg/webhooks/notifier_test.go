package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queximet/armature/pkg/eventbus"
	"github.com/queximet/armature/pkg/events"
	"github.com/queximet/armature/pkg/models"
	"github.com/queximet/armature/pkg/persistence/file"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *capturePublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func newTestNotifier(t *testing.T) (*Notifier, *file.Persistence, *capturePublisher) {
	t.Helper()

	store, err := file.NewPersistence(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close(context.Background())
	})

	publisher := &capturePublisher{}

	return NewNotifier("dispatcher-test", store, publisher), store, publisher
}

func saveWebhook(t *testing.T, store *file.Persistence, url, secret string, retryCount int) *models.Webhook {
	t.Helper()

	now := time.Now().UTC()
	webhook := &models.Webhook{
		ID:         "webhook-1",
		Name:       "ops notifications",
		URL:        url,
		Events:     []string{"job.completed", "job.failed"},
		Status:     models.WebhookStatusActive,
		Headers:    []models.HeaderPair{{Name: "X-Tenant", Value: "acme"}},
		RetryCount: retryCount,
		Secret:     secret,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	require.NoError(t, store.SaveWebhook(t.Context(), webhook))

	return webhook
}

func TestNotifyDeliversSubscribedEvent(t *testing.T) {
	t.Parallel()

	var (
		gotBody      []byte
		gotSignature string
		gotHeader    string
	)

	received := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSignature = r.Header.Get(SignatureHeader)
		gotHeader = r.Header.Get("X-Tenant")
		close(received)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	notifier, store, _ := newTestNotifier(t)
	saveWebhook(t, store, server.URL, "s3cret", 3)

	notifier.Notify(t.Context(), "job.completed", map[string]any{"item_id": "item-1"})
	notifier.Wait()

	<-received

	var body deliveryBody

	require.NoError(t, json.Unmarshal(gotBody, &body))
	assert.Equal(t, "job.completed", body.Event)
	assert.Equal(t, Sign("s3cret", gotBody), gotSignature, "body is signed with the webhook secret")
	assert.Equal(t, "acme", gotHeader, "custom headers are applied")

	deliveries, err := store.Deliveries(t.Context(), "webhook-1")
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.DeliveryStatusSucceeded, deliveries[0].Status)
	assert.Equal(t, http.StatusNoContent, deliveries[0].ResponseCode)
	assert.Equal(t, 1, deliveries[0].Attempt)
}

func TestNotifySkipsUnsubscribedAndInactive(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	notifier, store, _ := newTestNotifier(t)
	webhook := saveWebhook(t, store, server.URL, "", 3)

	notifier.Notify(t.Context(), "job.started", nil)
	notifier.Wait()
	assert.Zero(t, calls.Load(), "unsubscribed events are not delivered")

	webhook.Status = models.WebhookStatusInactive
	require.NoError(t, store.SaveWebhook(t.Context(), webhook))

	notifier.Notify(t.Context(), "job.completed", nil)
	notifier.Wait()
	assert.Zero(t, calls.Load(), "inactive webhooks receive nothing")
}

func TestNotifyExhaustsRetriesAndMarksFailed(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	notifier, store, publisher := newTestNotifier(t)
	saveWebhook(t, store, server.URL, "", 3)

	notifier.Notify(t.Context(), "job.failed", map[string]any{"item_id": "item-1"})
	notifier.Wait()

	assert.Equal(t, int32(3), calls.Load(), "every attempt of the budget is used")

	deliveries, err := store.Deliveries(t.Context(), "webhook-1")
	require.NoError(t, err)
	require.Len(t, deliveries, 3, "every attempt lands in the append-only log")

	for i, delivery := range deliveries {
		assert.Equal(t, models.DeliveryStatusFailed, delivery.Status)
		assert.Equal(t, http.StatusInternalServerError, delivery.ResponseCode)
		assert.Equal(t, i+1, delivery.Attempt)
		assert.Equal(t, 3, delivery.MaxAttempts)
	}

	updated, err := store.WebhookByID(t.Context(), "webhook-1")
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatusFailed, updated.Status)

	publisher.mu.Lock()
	defer publisher.mu.Unlock()

	require.Len(t, publisher.events, 1)
	failure := publisher.events[0].(events.WebhookDeliveryFailed)
	assert.Equal(t, "webhook-1", failure.WebhookID)
	assert.Equal(t, 3, failure.Attempts)
}

func TestNotifyRecordsUnreachableEndpoint(t *testing.T) {
	t.Parallel()

	notifier, store, _ := newTestNotifier(t)
	saveWebhook(t, store, "http://127.0.0.1:1/unreachable", "", 1)

	notifier.Notify(t.Context(), "job.completed", nil)
	notifier.Wait()

	deliveries, err := store.Deliveries(t.Context(), "webhook-1")
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, models.DeliveryStatusFailed, deliveries[0].Status)
	assert.Zero(t, deliveries[0].ResponseCode)
	assert.NotEmpty(t, deliveries[0].Error)
}

func TestSignature(t *testing.T) {
	t.Parallel()

	body := []byte(`{"event":"job.completed"}`)
	signature := Sign("s3cret", body)

	assert.True(t, VerifySignature("s3cret", body, signature))
	assert.False(t, VerifySignature("other", body, signature))
	assert.False(t, VerifySignature("s3cret", []byte("tampered"), signature))
	assert.Contains(t, signature, "sha256=")
}
