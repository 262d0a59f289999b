/*
Package memory provides an in-memory implementation of every storage
interface, for tests and local development.

Transactions are simulated with a snapshot taken before the callback
and restored if it fails, mirroring the rollback semantics of the SQL
store. A single RWMutex serializes writes; reads copy out so callers
never see internal slices.
*/
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/blkpages/loyalty-engine/loyalty"
	"github.com/blkpages/loyalty-engine/referral"
)

// Store is the in-memory backend. Implements loyalty.TxStore,
// loyalty.AccountStore, loyalty.BookingStore, loyalty.AuditLog, and
// referral.Store.
type Store struct {
	mu sync.RWMutex

	entries     []loyalty.LedgerEntry
	entryIndex  map[loyalty.EntryID]int
	idempotency map[string]loyalty.EntryID

	balances map[loyalty.UserID]loyalty.Points

	accounts  map[loyalty.UserID]loyalty.Account
	bookings  map[string]loyalty.Booking
	referrals map[string]referral.Record
	audits    []loyalty.AuditEntry
}

func New() *Store {
	return &Store{
		entryIndex:  make(map[loyalty.EntryID]int),
		idempotency: make(map[string]loyalty.EntryID),
		balances:    make(map[loyalty.UserID]loyalty.Points),
		accounts:    make(map[loyalty.UserID]loyalty.Account),
		bookings:    make(map[string]loyalty.Booking),
		referrals:   make(map[string]referral.Record),
	}
}

// Compile-time interface checks.
var (
	_ loyalty.TxStore      = (*Store)(nil)
	_ loyalty.AccountStore = (*Store)(nil)
	_ loyalty.BookingStore = (*Store)(nil)
	_ loyalty.AuditLog     = (*Store)(nil)
	_ referral.Store       = (*Store)(nil)
)

// =============================================================================
// LEDGER STORE
// =============================================================================

func (s *Store) AppendEntry(_ context.Context, e loyalty.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(e)
}

func (s *Store) appendLocked(e loyalty.LedgerEntry) error {
	if e.IdempotencyKey != "" {
		if _, exists := s.idempotency[e.IdempotencyKey]; exists {
			return loyalty.ErrDuplicateIdempotencyKey
		}
	}
	// At most one live referral bonus per referee, matching the partial
	// unique index the SQL store enforces.
	if e.Reason == loyalty.ReasonReferralCompleted {
		if referee := e.Metadata[loyalty.MetaRefereeID]; referee != "" {
			for _, prior := range s.entries {
				if prior.Reason == loyalty.ReasonReferralCompleted &&
					prior.Status != loyalty.EntryVoid &&
					prior.Metadata[loyalty.MetaRefereeID] == referee {
					return loyalty.ErrNotFirstBooking
				}
			}
		}
	}
	s.entryIndex[e.ID] = len(s.entries)
	s.entries = append(s.entries, e)
	if e.IdempotencyKey != "" {
		s.idempotency[e.IdempotencyKey] = e.ID
	}
	return nil
}

func (s *Store) GetEntry(_ context.Context, id loyalty.EntryID) (*loyalty.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEntryLocked(id)
}

func (s *Store) getEntryLocked(id loyalty.EntryID) (*loyalty.LedgerEntry, error) {
	i, ok := s.entryIndex[id]
	if !ok {
		return nil, loyalty.ErrEntryNotFound
	}
	e := s.entries[i]
	return &e, nil
}

func (s *Store) EntriesForUser(_ context.Context, userID loyalty.UserID) ([]loyalty.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entriesForUserLocked(userID), nil
}

func (s *Store) entriesForUserLocked(userID loyalty.UserID) []loyalty.LedgerEntry {
	var out []loyalty.LedgerEntry
	for _, e := range s.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) EntriesSince(_ context.Context, userID loyalty.UserID, cutoff time.Time) ([]loyalty.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entriesSinceLocked(userID, cutoff), nil
}

func (s *Store) entriesSinceLocked(userID loyalty.UserID, cutoff time.Time) []loyalty.LedgerEntry {
	var out []loyalty.LedgerEntry
	for _, e := range s.entries {
		if e.UserID == userID && !e.CreatedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) FindByIdempotencyKey(_ context.Context, key string) (*loyalty.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findByIdempotencyKeyLocked(key)
}

func (s *Store) findByIdempotencyKeyLocked(key string) (*loyalty.LedgerEntry, error) {
	id, ok := s.idempotency[key]
	if !ok {
		return nil, nil
	}
	e := s.entries[s.entryIndex[id]]
	return &e, nil
}

func (s *Store) FindByMetadata(_ context.Context, key, value string) ([]loyalty.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findByMetadataLocked(key, value), nil
}

func (s *Store) findByMetadataLocked(key, value string) []loyalty.LedgerEntry {
	var out []loyalty.LedgerEntry
	for _, e := range s.entries {
		if e.Metadata[key] == value {
			out = append(out, e)
		}
	}
	return out
}

func (s *Store) SettleEntry(_ context.Context, id loyalty.EntryID, to loyalty.EntryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settleEntryLocked(id, to)
}

func (s *Store) settleEntryLocked(id loyalty.EntryID, to loyalty.EntryStatus) error {
	i, ok := s.entryIndex[id]
	if !ok {
		return loyalty.ErrEntryNotFound
	}
	if s.entries[i].Status != loyalty.EntryHeld {
		return loyalty.ErrEntryNotSettleable
	}
	if to != loyalty.EntryPosted && to != loyalty.EntryVoid {
		return loyalty.ErrEntryNotSettleable
	}
	s.entries[i].Status = to
	return nil
}

// =============================================================================
// BALANCE STORE
// =============================================================================

func (s *Store) Balance(_ context.Context, userID loyalty.UserID) (loyalty.Points, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[userID], nil
}

func (s *Store) ApplyDelta(_ context.Context, userID loyalty.UserID, delta loyalty.Points) (loyalty.Points, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyDeltaLocked(userID, delta)
}

func (s *Store) applyDeltaLocked(userID loyalty.UserID, delta loyalty.Points) (loyalty.Points, error) {
	next := s.balances[userID] + delta
	if next < 0 {
		return 0, loyalty.ErrInsufficientBalance
	}
	s.balances[userID] = next
	return next, nil
}

// =============================================================================
// TRANSACTIONS - snapshot + rollback
// =============================================================================

// WithTx executes fn against a view of the store; on error the
// pre-transaction state is restored.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(&txView{parent: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type snapshotState struct {
	entries     []loyalty.LedgerEntry
	entryIndex  map[loyalty.EntryID]int
	idempotency map[string]loyalty.EntryID
	balances    map[loyalty.UserID]loyalty.Points
}

func (s *Store) snapshot() snapshotState {
	snap := snapshotState{
		entries:     append([]loyalty.LedgerEntry(nil), s.entries...),
		entryIndex:  make(map[loyalty.EntryID]int, len(s.entryIndex)),
		idempotency: make(map[string]loyalty.EntryID, len(s.idempotency)),
		balances:    make(map[loyalty.UserID]loyalty.Points, len(s.balances)),
	}
	for k, v := range s.entryIndex {
		snap.entryIndex[k] = v
	}
	for k, v := range s.idempotency {
		snap.idempotency[k] = v
	}
	for k, v := range s.balances {
		snap.balances[k] = v
	}
	return snap
}

func (s *Store) restore(snap snapshotState) {
	s.entries = snap.entries
	s.entryIndex = snap.entryIndex
	s.idempotency = snap.idempotency
	s.balances = snap.balances
}

// txView routes Store calls to the already-locked parent.
type txView struct {
	parent *Store
}

func (v *txView) AppendEntry(_ context.Context, e loyalty.LedgerEntry) error {
	return v.parent.appendLocked(e)
}

func (v *txView) GetEntry(_ context.Context, id loyalty.EntryID) (*loyalty.LedgerEntry, error) {
	return v.parent.getEntryLocked(id)
}

func (v *txView) EntriesForUser(_ context.Context, userID loyalty.UserID) ([]loyalty.LedgerEntry, error) {
	return v.parent.entriesForUserLocked(userID), nil
}

func (v *txView) EntriesSince(_ context.Context, userID loyalty.UserID, cutoff time.Time) ([]loyalty.LedgerEntry, error) {
	return v.parent.entriesSinceLocked(userID, cutoff), nil
}

func (v *txView) FindByIdempotencyKey(_ context.Context, key string) (*loyalty.LedgerEntry, error) {
	return v.parent.findByIdempotencyKeyLocked(key)
}

func (v *txView) FindByMetadata(_ context.Context, key, value string) ([]loyalty.LedgerEntry, error) {
	return v.parent.findByMetadataLocked(key, value), nil
}

func (v *txView) SettleEntry(_ context.Context, id loyalty.EntryID, to loyalty.EntryStatus) error {
	return v.parent.settleEntryLocked(id, to)
}

func (v *txView) Balance(_ context.Context, userID loyalty.UserID) (loyalty.Points, error) {
	return v.parent.balances[userID], nil
}

func (v *txView) ApplyDelta(_ context.Context, userID loyalty.UserID, delta loyalty.Points) (loyalty.Points, error) {
	return v.parent.applyDeltaLocked(userID, delta)
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

func (s *Store) SaveAccount(_ context.Context, a loyalty.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	s.accounts[a.ID] = a
	return nil
}

func (s *Store) GetAccount(_ context.Context, id loyalty.UserID) (*loyalty.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, loyalty.ErrAccountNotFound
	}
	return &a, nil
}

func (s *Store) SetPhoneVerified(_ context.Context, id loyalty.UserID, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return loyalty.ErrAccountNotFound
	}
	a.PhoneVerified = verified
	s.accounts[id] = a
	return nil
}

func (s *Store) FindAccountByPhoneHash(_ context.Context, hash string) (*loyalty.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.PhoneHash == hash {
			a := a
			return &a, nil
		}
	}
	return nil, nil
}

func (s *Store) FindAccountByPaymentHash(_ context.Context, hash string) (*loyalty.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.PaymentHash == hash {
			a := a
			return &a, nil
		}
	}
	return nil, nil
}

func (s *Store) DeviceSeen(_ context.Context, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.DeviceFingerprint == fingerprint {
			return true, nil
		}
	}
	for _, r := range s.referrals {
		if r.DeviceFingerprint == fingerprint {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// BOOKING STORE
// =============================================================================

func (s *Store) SaveBooking(_ context.Context, b loyalty.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings[b.ID] = b
	return nil
}

func (s *Store) GetBooking(_ context.Context, id string) (*loyalty.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, loyalty.ErrBookingNotFound
	}
	return &b, nil
}

func (s *Store) SetBookingStatus(_ context.Context, id string, status loyalty.BookingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return loyalty.ErrBookingNotFound
	}
	b.Status = status
	s.bookings[id] = b
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(_ context.Context, entry loyalty.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

func (s *Store) QueryAudit(_ context.Context, filter loyalty.AuditFilter) ([]loyalty.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []loyalty.AuditEntry
	for _, a := range s.audits {
		if filter.UserID != nil && a.UserID != *filter.UserID {
			continue
		}
		if filter.ActorID != nil && a.ActorID != *filter.ActorID {
			continue
		}
		if len(filter.Actions) > 0 && !containsAction(filter.Actions, a.Action) {
			continue
		}
		if filter.From != nil && a.At.Before(*filter.From) {
			continue
		}
		if filter.To != nil && a.At.After(*filter.To) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func containsAction(actions []loyalty.AuditAction, a loyalty.AuditAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// =============================================================================
// REFERRAL STORE
// =============================================================================

func (s *Store) SaveReferral(_ context.Context, r referral.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.referrals[r.ID] = r
	return nil
}

func (s *Store) GetReferral(_ context.Context, id string) (*referral.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.referrals[id]
	if !ok {
		return nil, referral.ErrReferralNotFound
	}
	return &r, nil
}

func (s *Store) UpdateReferral(_ context.Context, r referral.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.referrals[r.ID]
	if !ok {
		return referral.ErrReferralNotFound
	}
	// Status moves only through TransitionStatus.
	r.Status = existing.Status
	s.referrals[r.ID] = r
	return nil
}

func (s *Store) TransitionStatus(_ context.Context, id string, from, to referral.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.referrals[id]
	if !ok {
		return false, referral.ErrReferralNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	s.referrals[id] = r
	return true, nil
}

func (s *Store) FindActiveByReferee(_ context.Context, refereeID loyalty.UserID) (*referral.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.referrals {
		if r.RefereeID != refereeID {
			continue
		}
		switch r.Status {
		case referral.StatusSignedUp, referral.StatusCompleted, referral.StatusPendingConfirmation:
			r := r
			return &r, nil
		}
	}
	return nil, nil
}

func (s *Store) ListByReferrer(_ context.Context, referrerID loyalty.UserID) ([]referral.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []referral.Record
	for _, r := range s.referrals {
		if r.ReferrerID == referrerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListReferrers(_ context.Context, min int) ([]loyalty.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[loyalty.UserID]int)
	for _, r := range s.referrals {
		counts[r.ReferrerID]++
	}

	var out []loyalty.UserID
	for id, n := range counts {
		if n >= min {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) ListDueForConfirmation(_ context.Context, cutoff time.Time) ([]referral.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []referral.Record
	for _, r := range s.referrals {
		if r.Status == referral.StatusPendingConfirmation && !r.ConfirmAt.After(cutoff) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfirmAt.Before(out[j].ConfirmAt) })
	return out, nil
}
