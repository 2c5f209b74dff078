package outbox

import (
	"context"
	"time"
)

// Record is a claimed outbox row awaiting delivery.
type Record struct {
	ID           string
	Topic        string
	PartitionKey string
	Payload      []byte
	Attempts     int
	CreatedAt    time.Time
}

// Store is the persistence the worker needs. Every mutation is guarded by the
// claim token so a record reclaimed after its lease expired is not
// double-acknowledged.
type Store interface {
	Claim(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]Record, error)
	MarkPublished(ctx context.Context, id, claimToken string, at time.Time) error
	MarkFailed(ctx context.Context, id, claimToken, errMsg string, retryAt time.Time) error
	MarkDeadLettered(ctx context.Context, id, claimToken, errMsg string, at time.Time) error
}

// Publisher delivers one message to the event bus.
type Publisher interface {
	Publish(ctx context.Context, topic, partitionKey string, payload []byte) error
}
