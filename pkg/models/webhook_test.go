package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWebhook() *Webhook {
	now := time.Now().UTC()

	return &Webhook{
		ID:            "webhook-1",
		Name:          "ops notifications",
		URL:           "https://hooks.example.com/armature",
		Events:        []string{"job.completed", "job.failed"},
		Status:        WebhookStatusActive,
		RetryCount:    3,
		RetryInterval: 5 * time.Second,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestWebhookValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, testWebhook().Validate())

	tests := []struct {
		name   string
		mutate func(*Webhook)
	}{
		{"missing url", func(w *Webhook) { w.URL = "" }},
		{"invalid url", func(w *Webhook) { w.URL = "not-a-url" }},
		{"no events", func(w *Webhook) { w.Events = nil }},
		{"zero retry count", func(w *Webhook) { w.RetryCount = 0 }},
		{"unknown status", func(w *Webhook) { w.Status = "sleeping" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			webhook := testWebhook()
			tt.mutate(webhook)

			require.Error(t, webhook.Validate())
		})
	}
}

func TestWebhookSubscribed(t *testing.T) {
	t.Parallel()

	webhook := testWebhook()

	assert.True(t, webhook.Subscribed("job.completed"))
	assert.True(t, webhook.Subscribed("job.failed"))
	assert.False(t, webhook.Subscribed("job.started"))
}

func TestWorkerInstallationPriorityLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		priority int
		label    string
	}{
		{0, "Trivial"},
		{1, "Trivial"},
		{2, "Minor"},
		{3, "Minor"},
		{4, "Normal"},
		{6, "Normal"},
		{7, "Major"},
		{8, "Major"},
		{9, "Critical"},
		{10, "Critical"},
	}

	for _, tt := range tests {
		installation := NewWorkerInstallation("pdf-extractor", "1.0.0", 1, time.Minute)
		installation.Priority = tt.priority

		assert.Equal(t, tt.label, installation.PriorityLabel(), "priority %d", tt.priority)
	}
}
