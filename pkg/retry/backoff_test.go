package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/queximet/armature/pkg/models"
)

func TestDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		strategy models.RetryStrategy
		base     time.Duration
		attempt  int
		want     time.Duration
	}{
		{"linear first attempt", models.RetryStrategyLinear, 10 * time.Second, 1, 10 * time.Second},
		{"linear second attempt", models.RetryStrategyLinear, 10 * time.Second, 2, 20 * time.Second},
		{"linear third attempt", models.RetryStrategyLinear, 10 * time.Second, 3, 30 * time.Second},
		{"exponential first attempt", models.RetryStrategyExponential, 10 * time.Second, 1, 10 * time.Second},
		{"exponential second attempt", models.RetryStrategyExponential, 10 * time.Second, 2, 20 * time.Second},
		{"exponential third attempt", models.RetryStrategyExponential, 10 * time.Second, 3, 40 * time.Second},
		{"exponential fourth attempt", models.RetryStrategyExponential, 10 * time.Second, 4, 80 * time.Second},
		{"attempt below one clamps", models.RetryStrategyLinear, 10 * time.Second, 0, 10 * time.Second},
		{"zero base", models.RetryStrategyExponential, 0, 3, 0},
		{"unknown strategy behaves linear", models.RetryStrategy("jitter"), 10 * time.Second, 2, 20 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, Delay(tt.strategy, tt.base, tt.attempt))
		})
	}
}
