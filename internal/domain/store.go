package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderLedger is the durable source of truth for order state. Every record is
// individually retrievable and updatable; ListNonTerminal is the recovery-time
// scan. Insert must enforce intent-tag uniqueness across active (non-rejected)
// records and return ErrAlreadyExists on conflict.
type OrderLedger interface {
	Insert(ctx context.Context, rec OrderRecord) error
	Update(ctx context.Context, rec OrderRecord) error
	Get(ctx context.Context, orderID string) (OrderRecord, error)
	// GetByTag returns the active record for an intent tag, skipping
	// rejected records that were superseded during recovery.
	GetByTag(ctx context.Context, tag string) (OrderRecord, error)
	ListNonTerminal(ctx context.Context) ([]OrderRecord, error)
	ListUpdatedSince(ctx context.Context, since time.Time) ([]OrderRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of state transitions and
// reconciliation decisions.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// LockManager provides exclusive locks shared across process instances, used
// to guarantee a single live trader per account.
type LockManager interface {
	// Acquire returns an unlock function on success or ErrLockHeld when the
	// lock belongs to another holder.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter throttles outbound broker calls.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// BlobWriter stores archive objects (end-of-day ledger exports).
type BlobWriter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}
