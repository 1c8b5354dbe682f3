package notify

import (
	"context"

	"github.com/google/uuid"
)

// AttemptRepo persists delivery attempts. Implementations must make Create
// and Update visible to subsequent reads in the same goroutine; the tracker
// provides all cross-goroutine ordering.
type AttemptRepo interface {
	Create(ctx context.Context, attempt *DeliveryAttempt) error
	Update(ctx context.Context, attempt *DeliveryAttempt) error
	Get(ctx context.Context, id uuid.UUID) (*DeliveryAttempt, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*DeliveryAttempt, error)

	// ListByDedupKey returns every attempt for one domain event, all channels.
	ListByDedupKey(ctx context.Context, dedupKey string) ([]*DeliveryAttempt, error)

	// ListByThread returns attempts for events raised by one thread, newest
	// first. Backs the delivery-history endpoint.
	ListByThread(ctx context.Context, threadID uuid.UUID, limit int) ([]*DeliveryAttempt, error)

	// ListQueued returns non-terminal attempts in queued state, used to
	// rebuild the retry schedule after a restart.
	ListQueued(ctx context.Context) ([]*DeliveryAttempt, error)

	// Stats counts attempts by state.
	Stats(ctx context.Context) (map[AttemptState]int, error)
}
