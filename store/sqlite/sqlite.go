/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements loyalty.TxStore, loyalty.AccountStore, loyalty.BookingStore,
  loyalty.AuditLog, and referral.Store using SQLite. In production the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  The ledger_entries table is never UPDATEd or DELETEd, with one
  carve-out: settle_entry moves a held referral bonus to posted/void
  exactly once (guarded by `AND status = 'held'`). Corrections are
  reversal entries.

KEY TABLES:
  ledger_entries: immutable point movements, unique idempotency_key
  balances:       cached projection, CHECK(points >= 0)
  accounts:       platform accounts (verification flag, fingerprints)
  bookings:       booking status mirror
  referrals:      referral lifecycle records (status moved via CAS)
  audit_log:      append-only who-did-what trail

CONCURRENCY:
  WAL mode plus a process-level mutex for writes. The referral status
  CAS is a conditional UPDATE (`WHERE status = ?`), so multiple sweep
  instances sharing one database never double-settle.

METADATA QUERIES:
  Entry metadata is stored as JSON and queried with json_extract
  (SQLite JSON1), which backs the once-per-review and first-booking
  checks.

SEE ALSO:
  - loyalty/store.go, referral/types.go: interface definitions
  - store/memory: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/blkpages/loyalty-engine/loyalty"
	"github.com/blkpages/loyalty-engine/referral"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Compile-time interface checks.
var (
	_ loyalty.TxStore      = (*Store)(nil)
	_ loyalty.AccountStore = (*Store)(nil)
	_ loyalty.BookingStore = (*Store)(nil)
	_ loyalty.AuditLog     = (*Store)(nil)
	_ referral.Store       = (*Store)(nil)
)

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and a :memory:
	// database exists per connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		delta_points INTEGER NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'posted',
		metadata_json TEXT,
		idempotency_key TEXT UNIQUE,
		created_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_user
		ON ledger_entries(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_entries_idempotency
		ON ledger_entries(idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_reason
		ON ledger_entries(reason);

	-- At most one live referral bonus per referee. Voided bonuses leave
	-- the index, so a referee whose bonus was voided can earn one again.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_referee_bonus
		ON ledger_entries(json_extract(metadata_json, '$.refereeId'))
		WHERE reason = 'REFERRAL_COMPLETED' AND status != 'void';

	-- Balance cache (projection of posted entries)
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		updated_at TEXT NOT NULL
	);

	-- Platform accounts
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		email TEXT,
		phone_hash TEXT,
		phone_verified INTEGER NOT NULL DEFAULT 0,
		device_fingerprint TEXT,
		payment_hash TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_phone
		ON accounts(phone_hash) WHERE phone_hash != '';
	CREATE INDEX IF NOT EXISTS idx_accounts_device
		ON accounts(device_fingerprint) WHERE device_fingerprint != '';
	CREATE INDEX IF NOT EXISTS idx_accounts_payment
		ON accounts(payment_hash) WHERE payment_hash != '';

	-- Bookings (status mirror from the booking subsystem)
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		amount_pence INTEGER NOT NULL,
		status TEXT NOT NULL,
		completed_at TEXT
	);

	-- Referrals
	CREATE TABLE IF NOT EXISTS referrals (
		id TEXT PRIMARY KEY,
		referrer_id TEXT NOT NULL,
		referee_id TEXT,
		status TEXT NOT NULL,
		device_fingerprint TEXT,
		phone_hash TEXT,
		payment_hash TEXT,
		ip_address TEXT,
		first_booking_id TEXT,
		booking_completed_at TEXT,
		confirm_at TEXT,
		bonus_entry_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_referrals_referrer
		ON referrals(referrer_id);
	CREATE INDEX IF NOT EXISTS idx_referrals_referee
		ON referrals(referee_id) WHERE referee_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_referrals_due
		ON referrals(status, confirm_at);

	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		user_id TEXT,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_user
		ON audit_log(user_id, at);
	CREATE INDEX IF NOT EXISTS idx_audit_action
		ON audit_log(action);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// LEDGER STORE (loyalty.LedgerStore interface)
// =============================================================================

func (s *Store) AppendEntry(ctx context.Context, e loyalty.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, e)
}

func appendEntry(ctx context.Context, db dbtx, e loyalty.LedgerEntry) error {
	metadataJSON, _ := json.Marshal(e.Metadata)

	query := `
		INSERT INTO ledger_entries
		(id, user_id, delta_points, reason, status, metadata_json, idempotency_key, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		e.ID,
		e.UserID,
		e.DeltaPoints,
		e.Reason,
		e.Status,
		string(metadataJSON),
		nullString(e.IdempotencyKey),
		e.CreatedBy,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "idx_entries_referee_bonus") {
				return loyalty.ErrNotFirstBooking
			}
			return loyalty.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id loyalty.EntryID) (*loyalty.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEntry(ctx, s.db, id)
}

func getEntry(ctx context.Context, db dbtx, id loyalty.EntryID) (*loyalty.LedgerEntry, error) {
	entries, err := queryEntries(ctx, db, selectEntries+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, loyalty.ErrEntryNotFound
	}
	return &entries[0], nil
}

func (s *Store) EntriesForUser(ctx context.Context, userID loyalty.UserID) ([]loyalty.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntries(ctx, s.db,
		selectEntries+" WHERE user_id = ? ORDER BY created_at ASC, id ASC", userID)
}

func (s *Store) EntriesSince(ctx context.Context, userID loyalty.UserID, cutoff time.Time) ([]loyalty.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entriesSince(ctx, s.db, userID, cutoff)
}

func entriesSince(ctx context.Context, db dbtx, userID loyalty.UserID, cutoff time.Time) ([]loyalty.LedgerEntry, error) {
	return queryEntries(ctx, db,
		selectEntries+" WHERE user_id = ? AND created_at >= ? ORDER BY created_at ASC, id ASC",
		userID, cutoff.UTC().Format(time.RFC3339Nano))
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*loyalty.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findByIdempotencyKey(ctx, s.db, key)
}

func findByIdempotencyKey(ctx context.Context, db dbtx, key string) (*loyalty.LedgerEntry, error) {
	entries, err := queryEntries(ctx, db, selectEntries+" WHERE idempotency_key = ?", key)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *Store) FindByMetadata(ctx context.Context, key, value string) ([]loyalty.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findByMetadata(ctx, s.db, key, value)
}

func findByMetadata(ctx context.Context, db dbtx, key, value string) ([]loyalty.LedgerEntry, error) {
	return queryEntries(ctx, db,
		selectEntries+" WHERE json_extract(metadata_json, ?) = ? ORDER BY created_at ASC",
		"$."+key, value)
}

func (s *Store) SettleEntry(ctx context.Context, id loyalty.EntryID, to loyalty.EntryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return settleEntry(ctx, s.db, id, to)
}

func settleEntry(ctx context.Context, db dbtx, id loyalty.EntryID, to loyalty.EntryStatus) error {
	if to != loyalty.EntryPosted && to != loyalty.EntryVoid {
		return loyalty.ErrEntryNotSettleable
	}

	// The single permitted mutation on the ledger: held -> posted|void.
	res, err := db.ExecContext(ctx,
		"UPDATE ledger_entries SET status = ? WHERE id = ? AND status = 'held'",
		to, id)
	if err != nil {
		return fmt.Errorf("failed to settle entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := getEntry(ctx, db, id); err != nil {
			return err
		}
		return loyalty.ErrEntryNotSettleable
	}
	return nil
}

const selectEntries = `
	SELECT id, user_id, delta_points, reason, status, metadata_json, idempotency_key, created_by, created_at
	FROM ledger_entries`

func queryEntries(ctx context.Context, db dbtx, query string, args ...any) ([]loyalty.LedgerEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []loyalty.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (loyalty.LedgerEntry, error) {
	var (
		e              loyalty.LedgerEntry
		metadataJSON   sql.NullString
		idempotencyKey sql.NullString
		createdBy      sql.NullString
		createdAt      string
	)

	err := rows.Scan(&e.ID, &e.UserID, &e.DeltaPoints, &e.Reason, &e.Status,
		&metadataJSON, &idempotencyKey, &createdBy, &createdAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan ledger entry: %w", err)
	}

	e.IdempotencyKey = idempotencyKey.String
	e.CreatedBy = createdBy.String
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
	}
	return e, nil
}

// =============================================================================
// BALANCE STORE (loyalty.BalanceStore interface)
// =============================================================================

func (s *Store) Balance(ctx context.Context, userID loyalty.UserID) (loyalty.Points, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return balance(ctx, s.db, userID)
}

func balance(ctx context.Context, db dbtx, userID loyalty.UserID) (loyalty.Points, error) {
	var points loyalty.Points
	err := db.QueryRowContext(ctx,
		"SELECT points FROM balances WHERE user_id = ?", userID).Scan(&points)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return points, err
}

func (s *Store) ApplyDelta(ctx context.Context, userID loyalty.UserID, delta loyalty.Points) (loyalty.Points, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return applyDelta(ctx, s.db, userID, delta)
}

func applyDelta(ctx context.Context, db dbtx, userID loyalty.UserID, delta loyalty.Points) (loyalty.Points, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := db.ExecContext(ctx, `
		UPDATE balances SET points = points + ?, updated_at = ?
		WHERE user_id = ? AND points + ? >= 0`,
		delta, now, userID, delta)
	if err != nil {
		return 0, fmt.Errorf("failed to apply balance delta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if n == 0 {
		// Either no balance row yet, or the debit would go negative.
		var exists int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM balances WHERE user_id = ?", userID).Scan(&exists); err != nil {
			return 0, err
		}
		if exists > 0 || delta < 0 {
			return 0, loyalty.ErrInsufficientBalance
		}
		if _, err := db.ExecContext(ctx,
			"INSERT INTO balances (user_id, points, updated_at) VALUES (?, ?, ?)",
			userID, delta, now); err != nil {
			return 0, fmt.Errorf("failed to create balance: %w", err)
		}
	}

	return balance(ctx, db, userID)
}

// =============================================================================
// TRANSACTIONAL STORE (loyalty.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. The view passed to
// fn routes every Store call through the transaction, so a ledger
// append and its balance update commit or roll back together.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) AppendEntry(ctx context.Context, e loyalty.LedgerEntry) error {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) GetEntry(ctx context.Context, id loyalty.EntryID) (*loyalty.LedgerEntry, error) {
	return getEntry(ctx, ts.tx, id)
}

func (ts *txStore) EntriesForUser(ctx context.Context, userID loyalty.UserID) ([]loyalty.LedgerEntry, error) {
	return queryEntries(ctx, ts.tx,
		selectEntries+" WHERE user_id = ? ORDER BY created_at ASC, id ASC", userID)
}

func (ts *txStore) EntriesSince(ctx context.Context, userID loyalty.UserID, cutoff time.Time) ([]loyalty.LedgerEntry, error) {
	return entriesSince(ctx, ts.tx, userID, cutoff)
}

func (ts *txStore) FindByIdempotencyKey(ctx context.Context, key string) (*loyalty.LedgerEntry, error) {
	return findByIdempotencyKey(ctx, ts.tx, key)
}

func (ts *txStore) FindByMetadata(ctx context.Context, key, value string) ([]loyalty.LedgerEntry, error) {
	return findByMetadata(ctx, ts.tx, key, value)
}

func (ts *txStore) SettleEntry(ctx context.Context, id loyalty.EntryID, to loyalty.EntryStatus) error {
	return settleEntry(ctx, ts.tx, id, to)
}

func (ts *txStore) Balance(ctx context.Context, userID loyalty.UserID) (loyalty.Points, error) {
	return balance(ctx, ts.tx, userID)
}

func (ts *txStore) ApplyDelta(ctx context.Context, userID loyalty.UserID, delta loyalty.Points) (loyalty.Points, error) {
	return applyDelta(ctx, ts.tx, userID, delta)
}

// =============================================================================
// ACCOUNT STORE (loyalty.AccountStore interface)
// =============================================================================

func (s *Store) SaveAccount(ctx context.Context, a loyalty.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO accounts (id, email, phone_hash, phone_verified, device_fingerprint, payment_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			phone_hash = excluded.phone_hash,
			phone_verified = excluded.phone_verified,
			device_fingerprint = excluded.device_fingerprint,
			payment_hash = excluded.payment_hash
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Email, a.PhoneHash, boolToInt(a.PhoneVerified),
		a.DeviceFingerprint, a.PaymentHash, a.CreatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) GetAccount(ctx context.Context, id loyalty.UserID) (*loyalty.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts, err := s.queryAccounts(ctx, selectAccounts+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, loyalty.ErrAccountNotFound
	}
	return &accounts[0], nil
}

func (s *Store) SetPhoneVerified(ctx context.Context, id loyalty.UserID, verified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET phone_verified = ? WHERE id = ?", boolToInt(verified), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return loyalty.ErrAccountNotFound
	}
	return nil
}

func (s *Store) FindAccountByPhoneHash(ctx context.Context, hash string) (*loyalty.Account, error) {
	return s.findAccount(ctx, "phone_hash", hash)
}

func (s *Store) FindAccountByPaymentHash(ctx context.Context, hash string) (*loyalty.Account, error) {
	return s.findAccount(ctx, "payment_hash", hash)
}

func (s *Store) findAccount(ctx context.Context, column, value string) (*loyalty.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts, err := s.queryAccounts(ctx,
		selectAccounts+" WHERE "+column+" = ? AND "+column+" != '' LIMIT 1", value)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	return &accounts[0], nil
}

func (s *Store) DeviceSeen(ctx context.Context, fingerprint string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM accounts WHERE device_fingerprint = ? AND device_fingerprint != '') +
			(SELECT COUNT(*) FROM referrals WHERE device_fingerprint = ? AND device_fingerprint != '')`,
		fingerprint, fingerprint).Scan(&count)
	return count > 0, err
}

const selectAccounts = `
	SELECT id, email, phone_hash, phone_verified, device_fingerprint, payment_hash, created_at
	FROM accounts`

func (s *Store) queryAccounts(ctx context.Context, query string, args ...any) ([]loyalty.Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []loyalty.Account
	for rows.Next() {
		var (
			a         loyalty.Account
			email     sql.NullString
			phone     sql.NullString
			verified  int
			device    sql.NullString
			payment   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&a.ID, &email, &phone, &verified, &device, &payment, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		a.Email = email.String
		a.PhoneHash = phone.String
		a.PhoneVerified = verified != 0
		a.DeviceFingerprint = device.String
		a.PaymentHash = payment.String
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// =============================================================================
// BOOKING STORE (loyalty.BookingStore interface)
// =============================================================================

func (s *Store) SaveBooking(ctx context.Context, b loyalty.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO bookings (id, user_id, amount_pence, status, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			amount_pence = excluded.amount_pence,
			status = excluded.status,
			completed_at = excluded.completed_at
	`
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.UserID, b.AmountPence, b.Status, timeOrNull(b.CompletedAt))
	return err
}

func (s *Store) GetBooking(ctx context.Context, id string) (*loyalty.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		b           loyalty.Booking
		completedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, amount_pence, status, completed_at FROM bookings WHERE id = ?", id).
		Scan(&b.ID, &b.UserID, &b.AmountPence, &b.Status, &completedAt)
	if err == sql.ErrNoRows {
		return nil, loyalty.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	if completedAt.Valid {
		b.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt.String)
	}
	return &b, nil
}

func (s *Store) SetBookingStatus(ctx context.Context, id string, status loyalty.BookingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE bookings SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return loyalty.ErrBookingNotFound
	}
	return nil
}

// =============================================================================
// AUDIT LOG (loyalty.AuditLog interface)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, entry loyalty.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloadJSON, _ := json.Marshal(entry.Payload)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, at, actor_id, action, user_id, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.At.UTC().Format(time.RFC3339Nano),
		entry.ActorID, entry.Action, entry.UserID, string(payloadJSON))
	return err
}

func (s *Store) QueryAudit(ctx context.Context, filter loyalty.AuditFilter) ([]loyalty.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT id, at, actor_id, action, user_id, payload_json FROM audit_log WHERE 1=1"
	var args []any

	if filter.UserID != nil {
		query += " AND user_id = ?"
		args = append(args, *filter.UserID)
	}
	if filter.ActorID != nil {
		query += " AND actor_id = ?"
		args = append(args, *filter.ActorID)
	}
	if len(filter.Actions) > 0 {
		query += " AND action IN (?" + strings.Repeat(",?", len(filter.Actions)-1) + ")"
		for _, a := range filter.Actions {
			args = append(args, a)
		}
	}
	if filter.From != nil {
		query += " AND at >= ?"
		args = append(args, filter.From.UTC().Format(time.RFC3339Nano))
	}
	if filter.To != nil {
		query += " AND at <= ?"
		args = append(args, filter.To.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []loyalty.AuditEntry
	for rows.Next() {
		var (
			e           loyalty.AuditEntry
			at          string
			actorID     sql.NullString
			userID      sql.NullString
			payloadJSON sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &actorID, &e.Action, &userID, &payloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		e.ActorID = actorID.String
		e.UserID = loyalty.UserID(userID.String)
		if payloadJSON.Valid && payloadJSON.String != "" {
			json.Unmarshal([]byte(payloadJSON.String), &e.Payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// REFERRAL STORE (referral.Store interface)
// =============================================================================

func (s *Store) SaveReferral(ctx context.Context, r referral.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO referrals
		(id, referrer_id, referee_id, status, device_fingerprint, phone_hash, payment_hash,
		 ip_address, first_booking_id, booking_completed_at, confirm_at, bonus_entry_id,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.ReferrerID, r.RefereeID, r.Status,
		r.DeviceFingerprint, r.PhoneHash, r.PaymentHash, r.IPAddress,
		r.FirstBookingID, timeOrNull(r.BookingCompletedAt), timeOrNull(r.ConfirmAt),
		r.BonusEntryID,
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
		r.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) GetReferral(ctx context.Context, id string) (*referral.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.queryReferrals(ctx, selectReferrals+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, referral.ErrReferralNotFound
	}
	return &recs[0], nil
}

// UpdateReferral overwrites mutable fields; status is deliberately not
// among them (see TransitionStatus).
func (s *Store) UpdateReferral(ctx context.Context, r referral.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE referrals SET
			referee_id = ?, device_fingerprint = ?, phone_hash = ?, payment_hash = ?,
			ip_address = ?, first_booking_id = ?, booking_completed_at = ?, confirm_at = ?,
			bonus_entry_id = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		r.RefereeID, r.DeviceFingerprint, r.PhoneHash, r.PaymentHash,
		r.IPAddress, r.FirstBookingID, timeOrNull(r.BookingCompletedAt), timeOrNull(r.ConfirmAt),
		r.BonusEntryID, time.Now().UTC().Format(time.RFC3339Nano), r.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return referral.ErrReferralNotFound
	}
	return nil
}

// TransitionStatus is the CAS gate for lifecycle moves. The conditional
// UPDATE makes it safe across processes sharing the database.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to referral.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE referrals SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		to, time.Now().UTC().Format(time.RFC3339Nano), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) FindActiveByReferee(ctx context.Context, refereeID loyalty.UserID) (*referral.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs, err := s.queryReferrals(ctx,
		selectReferrals+" WHERE referee_id = ? AND status IN ('signed_up', 'completed', 'pending_confirmation') LIMIT 1",
		refereeID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

func (s *Store) ListByReferrer(ctx context.Context, referrerID loyalty.UserID) ([]referral.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryReferrals(ctx,
		selectReferrals+" WHERE referrer_id = ? ORDER BY created_at ASC", referrerID)
}

func (s *Store) ListReferrers(ctx context.Context, min int) ([]loyalty.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT referrer_id FROM referrals
		GROUP BY referrer_id HAVING COUNT(*) >= ?
		ORDER BY referrer_id ASC`, min)
	if err != nil {
		return nil, fmt.Errorf("failed to list referrers: %w", err)
	}
	defer rows.Close()

	var out []loyalty.UserID
	for rows.Next() {
		var id loyalty.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) ListDueForConfirmation(ctx context.Context, cutoff time.Time) ([]referral.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryReferrals(ctx,
		selectReferrals+" WHERE status = 'pending_confirmation' AND confirm_at <= ? ORDER BY confirm_at ASC",
		cutoff.UTC().Format(time.RFC3339Nano))
}

const selectReferrals = `
	SELECT id, referrer_id, referee_id, status, device_fingerprint, phone_hash, payment_hash,
	       ip_address, first_booking_id, booking_completed_at, confirm_at, bonus_entry_id,
	       created_at, updated_at
	FROM referrals`

func (s *Store) queryReferrals(ctx context.Context, query string, args ...any) ([]referral.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query referrals: %w", err)
	}
	defer rows.Close()

	var recs []referral.Record
	for rows.Next() {
		var (
			r                  referral.Record
			refereeID          sql.NullString
			device             sql.NullString
			phone              sql.NullString
			payment            sql.NullString
			ip                 sql.NullString
			firstBookingID     sql.NullString
			bookingCompletedAt sql.NullString
			confirmAt          sql.NullString
			bonusEntryID       sql.NullString
			createdAt          string
			updatedAt          string
		)
		err := rows.Scan(&r.ID, &r.ReferrerID, &refereeID, &r.Status,
			&device, &phone, &payment, &ip,
			&firstBookingID, &bookingCompletedAt, &confirmAt, &bonusEntryID,
			&createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan referral: %w", err)
		}

		r.RefereeID = loyalty.UserID(refereeID.String)
		r.DeviceFingerprint = device.String
		r.PhoneHash = phone.String
		r.PaymentHash = payment.String
		r.IPAddress = ip.String
		r.FirstBookingID = firstBookingID.String
		r.BonusEntryID = loyalty.EntryID(bonusEntryID.String)
		if bookingCompletedAt.Valid {
			r.BookingCompletedAt, _ = time.Parse(time.RFC3339Nano, bookingCompletedAt.String)
		}
		if confirmAt.Valid {
			r.ConfirmAt, _ = time.Parse(time.RFC3339Nano, confirmAt.String)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
