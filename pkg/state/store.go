// Package state persists resolver output: trust results with their
// per-credential rows, the reattempt queue, and the processing cursor.
// One SQL implementation serves both Postgres and SQLite; leader election
// is Postgres-only and degrades to a static grant in lite mode.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/verana-labs/trust-resolver/pkg/trust"
)

// ErrNoResult is returned when a DID has no persisted trust result.
var ErrNoResult = errors.New("state: no trust result")

// ResourceType tags what a reattempt row points at.
type ResourceType string

const (
	ResourceDid       ResourceType = "DID"
	ResourceVPURL     ResourceType = "VP_URL"
	ResourceTrustEval ResourceType = "TRUST_EVAL"
)

// ErrorType classifies why the resource needs reattempting.
type ErrorType string

const (
	ErrorTransient ErrorType = "TRANSIENT"
	ErrorPermanent ErrorType = "PERMANENT"
)

// Reattempt is one row of the retry queue. OwnerDid names the DID whose
// evaluation the resource belongs to, so a VP URL retry knows which DID
// to re-run.
type Reattempt struct {
	ResourceID   string
	Type         ResourceType
	OwnerDid     string
	FirstFailure time.Time
	LastRetry    time.Time
	ErrorType    ErrorType
	RetryCount   int
}

// Store is the durable contract the processing pipeline writes through.
// Writes happen only on the leader; reads are open to every instance.
type Store interface {
	// Init creates the schema. Safe to call repeatedly.
	Init(ctx context.Context) error
	Close() error

	// UpsertResults writes each trust result and its credential rows in
	// one transaction per batch.
	UpsertResults(ctx context.Context, results []*trust.Result) error

	// TrustResult loads the full result for a DID, or ErrNoResult.
	TrustResult(ctx context.Context, did string) (*trust.Result, error)

	// ListExpiring returns up to limit DIDs whose results expire at or
	// before cutoff, soonest first.
	ListExpiring(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// AddReattemptable upserts a retry row: first insert starts at
	// retryCount 0, every conflict bumps the count and the retry stamp.
	AddReattemptable(ctx context.Context, id, ownerDid string, typ ResourceType, errType ErrorType) error

	// RetryEligible returns rows last tried over a day ago and younger
	// than maxAge, oldest retry first, capped at 100.
	RetryEligible(ctx context.Context, maxAge time.Duration) ([]Reattempt, error)

	RemoveReattemptable(ctx context.Context, id string) error

	// CleanupExpiredRetries deletes rows whose first failure is older
	// than maxAge and returns them so callers can escalate.
	CleanupExpiredRetries(ctx context.Context, maxAge time.Duration) ([]Reattempt, error)

	// LastProcessedBlock returns the processing cursor, 0 when unset.
	LastProcessedBlock(ctx context.Context) (int64, error)

	// SetLastProcessedBlock advances the cursor. Moving it backwards is
	// refused with an error.
	SetLastProcessedBlock(ctx context.Context, height int64) error
}

// LeaderLock gates writer responsibilities to one instance.
type LeaderLock interface {
	// TryAcquire attempts the lock without blocking and reports whether
	// this instance now holds it. Holding it already is a success.
	TryAcquire(ctx context.Context) (bool, error)

	// Release lets the lock go. Releasing an unheld lock is a no-op.
	Release(ctx context.Context) error
}
