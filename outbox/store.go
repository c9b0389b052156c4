package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle shared with the surrounding persistence
// layer. It aliases *sql.Tx so entry inserts run inside the caller's own
// business transaction with no adapter layer in the write path.
type Tx = *sql.Tx

// Store defines persistence operations for outbox entries.
//
// Add and AddWithTx are append-only: no upsert semantics. GetPending
// claims the returned rows for the calling transaction scope (SKIP
// LOCKED), so two concurrent relays never select the same entry; a crash
// between a broker publish and MarkPublished can still replay an entry,
// which is why consumers must stay idempotent on event id.
type Store interface {
	Add(ctx context.Context, entry *Entry) (*Entry, error)
	AddWithTx(ctx context.Context, tx Tx, entry *Entry) (*Entry, error)
	GetPending(ctx context.Context, batchSize, maxRetries int) ([]*Entry, error)
	GetByEventID(ctx context.Context, eventID uuid.UUID) (*Entry, error)
	MarkPublished(ctx context.Context, id int64, publishedAt time.Time) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	CountExhausted(ctx context.Context, maxRetries int) (int64, error)
	ResetForRetry(ctx context.Context, eventID uuid.UUID) error
}
