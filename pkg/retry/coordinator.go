package retry

import (
	"log/slog"
	"time"

	"github.com/queximet/armature/pkg/log"
	"github.com/queximet/armature/pkg/models"
)

// Outcome is the coordinator's verdict on a failed item.
type Outcome string

const (
	// OutcomeRequeued means the item was returned to waiting with a backoff.
	OutcomeRequeued Outcome = "requeued"
	// OutcomeExhausted means the retry budget is spent and the item is terminal.
	OutcomeExhausted Outcome = "exhausted"
)

// Coordinator applies retry policy to failed queue items. The item must
// already be in error state when handed over; the coordinator mutates it to
// either waiting (with a future availability) or terminal error.
type Coordinator struct {
	logger *slog.Logger
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		logger: log.WithModule("retry"),
	}
}

// OnFailure decides the fate of a failed item. The worker retry policy, when
// present, overrides the queue delay and strategy; without a policy the queue
// delay applies with linear growth.
func (c *Coordinator) OnFailure(item *models.QueueItem, queue *models.Queue, installation *models.WorkerInstallation, now time.Time) (Outcome, error) {
	if item.Attempts >= item.MaxAttempts {
		if err := item.Exhaust(now); err != nil {
			return "", err
		}

		c.logger.Warn("Item exhausted its retry budget",
			"item_id", item.ID,
			"queue_id", item.QueueID,
			"attempts", item.Attempts,
			"max_attempts", item.MaxAttempts)

		return OutcomeExhausted, nil
	}

	base := queue.RetryDelay
	strategy := models.RetryStrategyLinear

	if installation != nil {
		if policy := installation.Options.RetryPolicy; policy != nil {
			strategy = policy.Strategy

			if policy.RetryDelay > 0 {
				base = policy.RetryDelay
			}
		}
	}

	delay := Delay(strategy, base, item.Attempts)

	if err := item.Requeue(now.Add(delay)); err != nil {
		return "", err
	}

	c.logger.Info("Item scheduled for retry",
		"item_id", item.ID,
		"queue_id", item.QueueID,
		"attempt", item.Attempts,
		"max_attempts", item.MaxAttempts,
		"delay", delay)

	return OutcomeRequeued, nil
}
