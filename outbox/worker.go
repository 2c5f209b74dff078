package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// WorkerConfig tunes the relay loop. Zero values take the defaults.
type WorkerConfig struct {
	Interval    time.Duration
	BatchSize   int
	ClaimTTL    time.Duration
	MaxAttempts int
	// RetryBase is the delay after the first failed publish; it doubles per
	// attempt up to RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 5 * time.Minute
	}
	return c
}

// Worker relays committed outbox rows to a Publisher.
type Worker struct {
	logger    *slog.Logger
	store     Store
	publisher Publisher
	cfg       WorkerConfig
	nowFn     func() time.Time
	newToken  func() string
}

func NewWorker(logger *slog.Logger, store Store, publisher Publisher, cfg WorkerConfig) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		logger:    logger,
		store:     store,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		nowFn:     func() time.Time { return time.Now().UTC() },
		newToken:  uuid.NewString,
	}
}

// Run executes the periodic relay loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessOnce(ctx); err != nil {
			w.logger.ErrorContext(ctx, "outbox iteration failed",
				"module", "outbox.worker",
				"operation", "process_once",
				"outcome", "failure",
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// BatchResult counts what one pass did.
type BatchResult struct {
	Claimed      int
	Published    int
	Failed       int
	DeadLettered int
}

// ProcessOnce claims and relays one batch.
func (w *Worker) ProcessOnce(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	token := w.newToken()
	records, err := w.store.Claim(ctx, w.cfg.BatchSize, token, w.nowFn().Add(w.cfg.ClaimTTL))
	if err != nil {
		return res, err
	}
	res.Claimed = len(records)

	for _, rec := range records {
		now := w.nowFn()
		if rec.Attempts >= w.cfg.MaxAttempts {
			res.DeadLettered++
			w.mark(ctx, rec, w.store.MarkDeadLettered(ctx, rec.ID, token, "attempt limit reached before publish", now))
			continue
		}

		err := w.publisher.Publish(ctx, rec.Topic, rec.PartitionKey, rec.Payload)
		if err == nil {
			res.Published++
			w.mark(ctx, rec, w.store.MarkPublished(ctx, rec.ID, token, now))
			continue
		}

		res.Failed++
		attempts := rec.Attempts + 1
		if attempts >= w.cfg.MaxAttempts {
			res.DeadLettered++
			w.logger.ErrorContext(ctx, "outbox message dead lettered",
				"module", "outbox.worker",
				"operation", "publish_event",
				"outcome", "failure",
				"outbox_id", rec.ID,
				"topic", rec.Topic,
				"attempts", attempts,
				"error", err,
			)
			w.mark(ctx, rec, w.store.MarkDeadLettered(ctx, rec.ID, token, err.Error(), now))
			continue
		}

		retryAt := now.Add(w.retryDelay(attempts))
		w.logger.WarnContext(ctx, "outbox publish failed; retry scheduled",
			"module", "outbox.worker",
			"operation", "publish_event",
			"outcome", "failure",
			"outbox_id", rec.ID,
			"topic", rec.Topic,
			"attempts", attempts,
			"retry_at", retryAt,
			"error", err,
		)
		w.mark(ctx, rec, w.store.MarkFailed(ctx, rec.ID, token, err.Error(), retryAt))
	}

	if res.Claimed > 0 {
		w.logger.InfoContext(ctx, "outbox batch processed",
			"module", "outbox.worker",
			"operation", "process_once",
			"outcome", "success",
			"batch_size", res.Claimed,
			"published_count", res.Published,
			"failed_count", res.Failed,
			"dead_lettered_count", res.DeadLettered,
		)
	}
	return res, nil
}

func (w *Worker) retryDelay(attempts int) time.Duration {
	d := w.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.cfg.RetryMax {
			return w.cfg.RetryMax
		}
	}
	return d
}

// mark logs a failed acknowledgement. The lease expires on its own, so the
// record is simply claimed again later.
func (w *Worker) mark(ctx context.Context, rec Record, err error) {
	if err == nil {
		return
	}
	w.logger.WarnContext(ctx, "outbox acknowledgement failed",
		"module", "outbox.worker",
		"operation", "mark_record",
		"outcome", "failure",
		"outbox_id", rec.ID,
		"error", err,
	)
}
