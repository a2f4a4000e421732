package store

import (
	"context"
	"errors"
	"time"

	"hangouts-relay/internal/model"
)

// ErrStorageUnavailable wraps any backend failure, including timeouts. Callers
// treat it as retryable; no partial hangout write is considered committed.
var ErrStorageUnavailable = errors.New("storage unavailable")

// DefaultDeviceTTL is how long a device record survives without a connect
// before it is pruned along with its queues.
const DefaultDeviceTTL = 90 * 24 * time.Hour

// HangoutStore is the persistence boundary of the relay. All operations are
// scoped by username; an empty browserID addresses the account-level
// undelivered queue used before a user has ever connected a device.
//
// Drains are snapshot-exact: they read the queue, return its hangouts in
// enqueue order, and delete only the entries they read. Entries enqueued
// concurrently with a drain survive to the next drain.
type HangoutStore interface {
	// EnsureUser idempotently creates the user document if absent.
	EnsureUser(ctx context.Context, username, email string) error
	// FindUser returns a copy of the user document, ok=false if absent.
	FindUser(ctx context.Context, username string) (model.User, bool, error)
	// RecordDevice upserts the device record, refreshes its lastSeenAt, and
	// prunes devices idle beyond the store's TTL.
	RecordDevice(ctx context.Context, username, browserID string, nowMillis int64) error
	// AppendHangout sets the user's hangout toward h.Username, replacing any
	// existing record for that counterpart.
	AppendHangout(ctx context.Context, username string, h model.Hangout) error

	EnqueueUndelivered(ctx context.Context, username, browserID string, h model.Hangout) error
	EnqueueDelayed(ctx context.Context, username, browserID string, h model.Hangout) error
	// DrainUndelivered also drains the account-level queue, so the first
	// device a user ever connects picks up events sent before then.
	DrainUndelivered(ctx context.Context, username, browserID string) ([]model.Hangout, error)
	DrainDelayed(ctx context.Context, username, browserID string) ([]model.Hangout, error)
}
