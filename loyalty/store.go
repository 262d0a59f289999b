/*
store.go - Persistence interfaces for the loyalty engine

PURPOSE:
  Defines the interface between the engines and the database. The
  LedgerStore keeps append-only semantics; the BalanceStore is the
  cached projection updated in the same transaction as the append.

KEY INTERFACES:
  LedgerStore:  Append-only ledger persistence
  BalanceStore: Cached balance with atomic non-negative delta
  Store:        LedgerStore + BalanceStore (the transactional unit)
  TxStore:      Store with WithTx for atomic append+credit/debit
  AccountStore: Account lookups (verification flag, fingerprints)
  BookingStore: Booking lookups for earn/confirmation decisions
  AuditLog:     Append-only who-did-what trail (fraud rejections included)

APPEND-ONLY CONTRACT:
  The ledger has no Update or Delete. The single exception is
  SettleEntry, which moves a held referral bonus to posted or void
  exactly once. Corrections are made via REVERSAL entries.

IDEMPOTENCY:
  AppendEntry rejects a duplicate idempotency key with
  ErrDuplicateIdempotencyKey (unique-constraint-backed in SQL stores).
  Engines then look up the original entry and return its result.

IMPLEMENTATIONS:
  - store/sqlite: production store (SQLite, WAL, unique indexes)
  - store/memory: in-memory store for tests and dev

SEE ALSO:
  - ledger.go: Ledger wrapper using these interfaces
  - store/sqlite/sqlite.go, store/memory/memory.go
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE - Append-only entry persistence
// =============================================================================

// LedgerStore persists ledger entries.
// IMPORTANT: append-only. No Update, no Delete - SettleEntry excepted.
type LedgerStore interface {
	// AppendEntry persists an entry. Fails with ErrDuplicateIdempotencyKey
	// if the entry's idempotency key already exists.
	AppendEntry(ctx context.Context, e LedgerEntry) error

	// GetEntry returns an entry by id, or ErrEntryNotFound.
	GetEntry(ctx context.Context, id EntryID) (*LedgerEntry, error)

	// EntriesForUser returns all entries for a user in append order.
	EntriesForUser(ctx context.Context, userID UserID) ([]LedgerEntry, error)

	// EntriesSince returns a user's entries created at or after the cutoff,
	// in append order. Used for the rolling redemption cap.
	EntriesSince(ctx context.Context, userID UserID, cutoff time.Time) ([]LedgerEntry, error)

	// FindByIdempotencyKey returns the entry recorded under the key,
	// or nil if the key is unseen.
	FindByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error)

	// FindByMetadata returns all entries carrying the metadata pair,
	// across users. Used for once-per-review and first-booking checks.
	FindByMetadata(ctx context.Context, key, value string) ([]LedgerEntry, error)

	// SettleEntry transitions a held entry to posted or void. The only
	// permitted mutation; fails with ErrEntryNotSettleable unless the
	// entry is currently held.
	SettleEntry(ctx context.Context, id EntryID, to EntryStatus) error
}

// =============================================================================
// BALANCE STORE - Cached projection
// =============================================================================

// BalanceStore maintains the per-user balance cache.
type BalanceStore interface {
	// Balance returns the current cached balance (0 for unknown users).
	Balance(ctx context.Context, userID UserID) (Points, error)

	// ApplyDelta atomically adjusts the balance and returns the new value.
	// Fails with ErrInsufficientBalance if the result would be negative,
	// leaving the balance unchanged.
	ApplyDelta(ctx context.Context, userID UserID, delta Points) (Points, error)
}

// Store is the transactional unit: ledger append and balance update
// happen against the same Store inside WithTx.
type Store interface {
	LedgerStore
	BalanceStore
}

// TxStore wraps Store with transaction support. If fn returns an error
// the transaction rolls back and neither the append nor the balance
// change is visible.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// PLATFORM STORES - Collaborator data
// =============================================================================

// AccountStore provides the account lookups the engines need.
type AccountStore interface {
	SaveAccount(ctx context.Context, a Account) error

	// GetAccount returns the account or ErrAccountNotFound.
	GetAccount(ctx context.Context, id UserID) (*Account, error)

	// SetPhoneVerified flips the verification flag.
	SetPhoneVerified(ctx context.Context, id UserID, verified bool) error

	// FindAccountByPhoneHash returns the account registered with the
	// phone hash, or nil.
	FindAccountByPhoneHash(ctx context.Context, hash string) (*Account, error)

	// FindAccountByPaymentHash returns the account registered with the
	// payment-card hash, or nil.
	FindAccountByPaymentHash(ctx context.Context, hash string) (*Account, error)

	// DeviceSeen reports whether the device fingerprint is already
	// associated with a prior signup.
	DeviceSeen(ctx context.Context, fingerprint string) (bool, error)
}

// BookingStore provides booking lookups.
type BookingStore interface {
	SaveBooking(ctx context.Context, b Booking) error

	// GetBooking returns the booking or ErrBookingNotFound.
	GetBooking(ctx context.Context, id string) (*Booking, error)

	// SetBookingStatus records a status reported by the booking subsystem.
	SetBookingStatus(ctx context.Context, id string, status BookingStatus) error
}

// =============================================================================
// AUDIT LOG - Separate append-only trail
// =============================================================================

// AuditEntry records who did what when. Fraud rejections land here and
// nowhere user-visible.
type AuditEntry struct {
	ID      string
	At      time.Time
	ActorID string
	Action  AuditAction
	UserID  UserID
	Payload map[string]any
}

type AuditAction string

const (
	AuditFraudRejected     AuditAction = "fraud_rejected"
	AuditRedemption        AuditAction = "redemption"
	AuditAdjustment        AuditAction = "manual_adjustment"
	AuditReversal          AuditAction = "reversal"
	AuditReferralConfirmed AuditAction = "referral_confirmed"
	AuditReferralCancelled AuditAction = "referral_cancelled"
)

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

type AuditFilter struct {
	UserID  *UserID
	ActorID *string
	Actions []AuditAction
	From    *time.Time
	To      *time.Time
}
