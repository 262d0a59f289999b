/*
ledger.go - Append-only point ledger with idempotency guard

PURPOSE:
  The Ledger is the source of truth for every point movement. Earned
  points, redemptions, adjustments, and reversals are all entries here.
  The balance cache is a projection of posted entries and is always
  recomputable from this log.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never edited or deleted
  2. IDEMPOTENT: one idempotency key = at most one entry
  3. AUDITABLE: every balance change traces back to an entry with reason
     and metadata
  4. HELD ENTRIES: referral bonuses enter held and settle exactly once

CORRECTIONS:
  Mistakes are corrected with REVERSAL entries carrying the original
  entry id in metadata. Both the original and the reversal stay in the
  log; the net effect is the correction.

IDEMPOTENCY REPLAY:
  A retried operation whose key is already recorded is not an error.
  Engines call Replay() to fetch the original entry and hand the caller
  the result that was computed the first time.

SEE ALSO:
  - store.go: persistence interfaces
  - earning.go, redemption.go: the engines posting through this ledger
*/
package loyalty

import (
	"context"
	"sync"
)

// =============================================================================
// LEDGER
// =============================================================================

// Ledger wraps a Store with the idempotency guard. All posting goes
// through here so the duplicate-key check cannot be skipped.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Append adds an entry. Fails with ErrDuplicateIdempotencyKey if the
// key is already reserved. The store enforces the same invariant with a
// unique constraint, so two concurrent retries cannot both land.
func (l *Ledger) Append(ctx context.Context, e LedgerEntry) error {
	if e.IdempotencyKey != "" {
		existing, err := l.store.FindByIdempotencyKey(ctx, e.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.store.AppendEntry(ctx, e)
}

// Replay returns the entry previously recorded under the key, or nil
// if the key is unseen.
func (l *Ledger) Replay(ctx context.Context, key string) (*LedgerEntry, error) {
	if key == "" {
		return nil, nil
	}
	return l.store.FindByIdempotencyKey(ctx, key)
}

// Entries returns all entries for a user in append order. Read-only.
func (l *Ledger) Entries(ctx context.Context, userID UserID) ([]LedgerEntry, error) {
	return l.store.EntriesForUser(ctx, userID)
}

// =============================================================================
// USER LOCKS - Per-user write serialization
// =============================================================================

// UserLocks serializes balance-changing operations per user. Request
// handlers run concurrently across users; two operations on the same
// user must not validate against the same stale balance. Engines share
// one UserLocks instance per process.
type UserLocks struct {
	mu    sync.Mutex
	locks map[UserID]*sync.Mutex
}

func NewUserLocks() *UserLocks {
	return &UserLocks{locks: make(map[UserID]*sync.Mutex)}
}

// Acquire locks the user's mutex and returns the release func.
//
//	defer locks.Acquire(userID)()
func (ul *UserLocks) Acquire(userID UserID) func() {
	ul.mu.Lock()
	m, ok := ul.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		ul.locks[userID] = m
	}
	ul.mu.Unlock()

	m.Lock()
	return m.Unlock
}
