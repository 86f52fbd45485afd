// Package postgres implements the credential, MFA method and trusted-device
// stores on PostgreSQL through pgx.
//
// The schema is owned by the application's migrations. The store expects
// these tables:
//
//	principals(id, email, credential_hash, status, failed_attempts, locked_until, scopes)
//	mfa_methods(id, principal_id, kind, label, destination, secret, enabled,
//	            is_primary, last_counter, use_count, last_used_at, created_at, disabled_at)
//	mfa_backup_codes(method_id, code_hash)            primary key (method_id, code_hash)
//	mfa_attempts(id, principal_id, method_id, kind, code_hash, success, reason,
//	             ip, device_fingerprint, attempted_at)
//	trusted_devices(id, principal_id, fingerprint, name, trust_level, created_at,
//	                expires_at, last_used_at, use_count, revoked_at, revoked_reason)
//	                unique (principal_id, fingerprint)
//
// principals.email is matched with lower(); keep a unique index on
// lower(email).
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"go.uber.org/zap"

	"github.com/MrEthical07/sentinel"
	"github.com/MrEthical07/sentinel/device"
	"github.com/MrEthical07/sentinel/mfa"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is a PostgreSQL-backed credential store.
type Store struct {
	db     DB
	logger *zap.Logger
}

var (
	_ sentinel.CredentialStore   = (*Store)(nil)
	_ sentinel.CredentialUpdater = (*Store)(nil)
	_ mfa.MethodStore            = (*Store)(nil)
	_ device.Store               = (*Store)(nil)
)

// New returns a store over db. A nil logger discards output.
func New(db DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

func nullTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func timeOf(ts pgtype.Timestamptz) time.Time {
	if !ts.Valid {
		return time.Time{}
	}
	return ts.Time
}

/*
====================================
CREDENTIALS
====================================
*/

const principalColumns = `id, email, credential_hash, status, failed_attempts, locked_until, scopes`

func scanPrincipal(row pgx.Row) (sentinel.Principal, error) {
	var (
		p       sentinel.Principal
		status  int16
		lockedU pgtype.Timestamptz
	)
	err := row.Scan(&p.ID, &p.Email, &p.CredentialHash, &status, &p.FailedAttempts, &lockedU, &p.Scopes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sentinel.Principal{}, sentinel.ErrPrincipalNotFound
		}
		return sentinel.Principal{}, fmt.Errorf("scan principal: %w", err)
	}
	p.Status = sentinel.PrincipalStatus(status)
	p.LockedUntil = timeOf(lockedU)
	return p, nil
}

func (s *Store) FindPrincipalByEmail(ctx context.Context, email string) (sentinel.Principal, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE lower(email) = lower($1)`, email)
	return scanPrincipal(row)
}

func (s *Store) GetPrincipalByID(ctx context.Context, principalID string) (sentinel.Principal, error) {
	row := s.db.QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1`, principalID)
	return scanPrincipal(row)
}

// RecordFailedAttempt increments the counter and sets the lock in one
// statement so concurrent failures cannot skip the threshold.
func (s *Store) RecordFailedAttempt(ctx context.Context, principalID string, policy sentinel.LockoutPolicy, at time.Time) (sentinel.Principal, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE principals SET
			failed_attempts = failed_attempts + 1,
			locked_until = CASE
				WHEN $2 > 0 AND failed_attempts + 1 >= $2 THEN $3::timestamptz
				ELSE locked_until
			END
		WHERE id = $1
		RETURNING `+principalColumns,
		principalID, policy.Threshold, at.Add(policy.Duration))
	return scanPrincipal(row)
}

func (s *Store) RecordSuccessfulAttempt(ctx context.Context, principalID string, _ time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE principals SET failed_attempts = 0, locked_until = NULL WHERE id = $1`, principalID)
	if err != nil {
		return fmt.Errorf("reset failed attempts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrPrincipalNotFound
	}
	return nil
}

func (s *Store) IsLocked(ctx context.Context, principalID string, at time.Time) (time.Time, bool, error) {
	var until pgtype.Timestamptz
	err := s.db.QueryRow(ctx, `SELECT locked_until FROM principals WHERE id = $1`, principalID).Scan(&until)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, sentinel.ErrPrincipalNotFound
		}
		return time.Time{}, false, fmt.Errorf("read lockout: %w", err)
	}
	t := timeOf(until)
	return t, !t.IsZero() && at.Before(t), nil
}

func (s *Store) UpdateCredentialHash(ctx context.Context, principalID, hash string) error {
	tag, err := s.db.Exec(ctx, `UPDATE principals SET credential_hash = $2 WHERE id = $1`, principalID, hash)
	if err != nil {
		return fmt.Errorf("update credential hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return sentinel.ErrPrincipalNotFound
	}
	return nil
}

/*
====================================
MFA METHODS
====================================
*/

const methodColumns = `id, principal_id, kind, label, destination, secret, enabled, is_primary,
	last_counter, use_count, last_used_at, created_at, disabled_at`

func scanMethod(row pgx.Row) (mfa.Method, error) {
	var (
		m                  mfa.Method
		kind               string
		lastUsed, disabled pgtype.Timestamptz
	)
	err := row.Scan(&m.ID, &m.PrincipalID, &kind, &m.Label, &m.Destination, &m.Secret, &m.Enabled, &m.Primary,
		&m.LastCounter, &m.UseCount, &lastUsed, &m.CreatedAt, &disabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mfa.Method{}, mfa.ErrMethodNotFound
		}
		return mfa.Method{}, fmt.Errorf("scan mfa method: %w", err)
	}
	m.Kind = mfa.Kind(kind)
	m.LastUsedAt = timeOf(lastUsed)
	m.DisabledAt = timeOf(disabled)
	return m, nil
}

func (s *Store) ListMethods(ctx context.Context, principalID string) ([]mfa.Method, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+methodColumns+` FROM mfa_methods WHERE principal_id = $1 ORDER BY created_at, id`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list mfa methods: %w", err)
	}
	defer rows.Close()

	var out []mfa.Method
	for rows.Next() {
		m, err := scanMethod(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetMethod(ctx context.Context, principalID, methodID string) (mfa.Method, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+methodColumns+` FROM mfa_methods WHERE id = $1 AND principal_id = $2`, methodID, principalID)
	return scanMethod(row)
}

func (s *Store) CreateMethod(ctx context.Context, m mfa.Method) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mfa_methods (`+methodColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		m.ID, m.PrincipalID, string(m.Kind), m.Label, m.Destination, m.Secret, m.Enabled, m.Primary,
		m.LastCounter, m.UseCount, nullTime(m.LastUsedAt), m.CreatedAt, nullTime(m.DisabledAt),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("mfa method %s already exists: %w", m.ID, err)
		}
		return fmt.Errorf("create mfa method: %w", err)
	}
	return nil
}

func (s *Store) execMethod(ctx context.Context, op, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return mfa.ErrMethodNotFound
	}
	return nil
}

func (s *Store) EnableMethod(ctx context.Context, principalID, methodID string) error {
	return s.execMethod(ctx, "enable mfa method",
		`UPDATE mfa_methods SET enabled = TRUE, disabled_at = NULL WHERE id = $1 AND principal_id = $2`,
		methodID, principalID)
}

func (s *Store) DisableMethod(ctx context.Context, principalID, methodID string, at time.Time) error {
	return s.execMethod(ctx, "disable mfa method",
		`UPDATE mfa_methods SET enabled = FALSE, is_primary = FALSE, disabled_at = $3 WHERE id = $1 AND principal_id = $2`,
		methodID, principalID, at)
}

func (s *Store) SetPrimary(ctx context.Context, principalID, methodID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin set primary: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT TRUE FROM mfa_methods WHERE id = $1 AND principal_id = $2 FOR UPDATE`, methodID, principalID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mfa.ErrMethodNotFound
		}
		return fmt.Errorf("lock mfa method: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE mfa_methods SET is_primary = (id = $2) WHERE principal_id = $1`, principalID, methodID); err != nil {
		return fmt.Errorf("set primary: %w", err)
	}
	return tx.Commit(ctx)
}

// AdvanceTOTPCounter is a conditional update; two concurrent verifications
// of the same code see exactly one row affected between them.
func (s *Store) AdvanceTOTPCounter(ctx context.Context, methodID string, counter int64) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE mfa_methods SET last_counter = $2 WHERE id = $1 AND last_counter < $2`, methodID, counter)
	if err != nil {
		return false, fmt.Errorf("advance totp counter: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReplaceBackupCodes(ctx context.Context, methodID string, hashes [][32]byte) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace backup codes: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE method_id = $1`, methodID); err != nil {
		return fmt.Errorf("delete backup codes: %w", err)
	}
	rows := make([][]any, len(hashes))
	for i, h := range hashes {
		rows[i] = []any{methodID, h[:]}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"mfa_backup_codes"}, []string{"method_id", "code_hash"}, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy backup codes: %w", err)
	}
	return tx.Commit(ctx)
}

// ConsumeBackupCode deletes the row; the delete is the single-use guard.
func (s *Store) ConsumeBackupCode(ctx context.Context, methodID string, hash [32]byte) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM mfa_backup_codes WHERE method_id = $1 AND code_hash = $2`, methodID, hash[:])
	if err != nil {
		return false, fmt.Errorf("consume backup code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) RemainingBackupCodes(ctx context.Context, methodID string) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM mfa_backup_codes WHERE method_id = $1`, methodID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count backup codes: %w", err)
	}
	return n, nil
}

func (s *Store) RecordUsage(ctx context.Context, methodID string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE mfa_methods SET use_count = use_count + 1, last_used_at = $2 WHERE id = $1`, methodID, at)
	if err != nil {
		return fmt.Errorf("record mfa usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return mfa.ErrMethodNotFound
	}
	return nil
}

func (s *Store) AppendAttempt(ctx context.Context, a mfa.Attempt) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mfa_attempts (id, principal_id, method_id, kind, code_hash, success, reason, ip, device_fingerprint, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.PrincipalID, a.MethodID, string(a.Kind), a.Code, a.Success, string(a.Reason), a.IP, a.DeviceFingerprint, a.At,
	)
	if err != nil {
		return fmt.Errorf("append mfa attempt: %w", err)
	}
	return nil
}

/*
====================================
TRUSTED DEVICES
====================================
*/

const deviceColumns = `id, principal_id, fingerprint, name, trust_level, created_at, expires_at,
	last_used_at, use_count, revoked_at, revoked_reason`

func scanDevice(row pgx.Row) (device.Device, error) {
	var (
		d       device.Device
		level   int16
		revoked pgtype.Timestamptz
	)
	err := row.Scan(&d.ID, &d.PrincipalID, &d.Fingerprint, &d.Name, &level, &d.CreatedAt, &d.ExpiresAt,
		&d.LastUsedAt, &d.UseCount, &revoked, &d.RevokedReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return device.Device{}, device.ErrNotFound
		}
		return device.Device{}, fmt.Errorf("scan trusted device: %w", err)
	}
	d.TrustLevel = device.TrustLevel(level)
	d.RevokedAt = timeOf(revoked)
	return d, nil
}

func (s *Store) FindDevice(ctx context.Context, principalID, fingerprint string) (device.Device, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM trusted_devices WHERE principal_id = $1 AND fingerprint = $2`,
		principalID, fingerprint)
	return scanDevice(row)
}

// SaveDevice upserts on (principal_id, fingerprint); a re-registration
// replaces the revoked or expired record.
func (s *Store) SaveDevice(ctx context.Context, d device.Device) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO trusted_devices (`+deviceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (principal_id, fingerprint) DO UPDATE SET
			id = EXCLUDED.id,
			name = EXCLUDED.name,
			trust_level = EXCLUDED.trust_level,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			last_used_at = EXCLUDED.last_used_at,
			use_count = EXCLUDED.use_count,
			revoked_at = EXCLUDED.revoked_at,
			revoked_reason = EXCLUDED.revoked_reason`,
		d.ID, d.PrincipalID, d.Fingerprint, d.Name, int16(d.TrustLevel), d.CreatedAt, d.ExpiresAt,
		d.LastUsedAt, d.UseCount, nullTime(d.RevokedAt), d.RevokedReason,
	)
	if err != nil {
		return fmt.Errorf("save trusted device: %w", err)
	}
	s.logger.Debug("trusted device saved", zap.String("device_id", d.ID), zap.String("principal_id", d.PrincipalID))
	return nil
}

func (s *Store) RecordDeviceUse(ctx context.Context, deviceID string, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE trusted_devices SET use_count = use_count + 1, last_used_at = $2 WHERE id = $1`, deviceID, at)
	if err != nil {
		return fmt.Errorf("record device use: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return device.ErrNotFound
	}
	return nil
}

// RevokeDevice keeps the first revocation time and reason.
func (s *Store) RevokeDevice(ctx context.Context, principalID, deviceID, reason string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE trusted_devices SET
			revoked_at = COALESCE(revoked_at, $3),
			revoked_reason = CASE WHEN revoked_at IS NULL THEN $4 ELSE revoked_reason END
		WHERE id = $1 AND principal_id = $2`,
		deviceID, principalID, at, reason)
	if err != nil {
		return fmt.Errorf("revoke trusted device: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return device.ErrNotFound
	}
	return nil
}

func (s *Store) ListDevices(ctx context.Context, principalID string) ([]device.Device, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+deviceColumns+` FROM trusted_devices WHERE principal_id = $1 ORDER BY created_at DESC`, principalID)
	if err != nil {
		return nil, fmt.Errorf("list trusted devices: %w", err)
	}
	defer rows.Close()

	var out []device.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
