package postgres

import (
	"context"
	"crypto/sha256"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/MrEthical07/sentinel"
	"github.com/MrEthical07/sentinel/device"
	"github.com/MrEthical07/sentinel/mfa"
)

const testDSNEnv = "SENTINEL_TEST_POSTGRES_DSN"

const fixtureSchema = `
CREATE TABLE principals (
	id text PRIMARY KEY,
	email text NOT NULL,
	credential_hash text NOT NULL,
	status smallint NOT NULL,
	failed_attempts integer NOT NULL DEFAULT 0,
	locked_until timestamptz,
	scopes text[] NOT NULL DEFAULT '{}'
);
CREATE UNIQUE INDEX principals_email_idx ON principals (lower(email));
CREATE TABLE mfa_methods (
	id text PRIMARY KEY,
	principal_id text NOT NULL,
	kind text NOT NULL,
	label text NOT NULL,
	destination text NOT NULL,
	secret bytea,
	enabled boolean NOT NULL,
	is_primary boolean NOT NULL,
	last_counter bigint NOT NULL,
	use_count bigint NOT NULL,
	last_used_at timestamptz,
	created_at timestamptz NOT NULL,
	disabled_at timestamptz
);
CREATE TABLE mfa_backup_codes (
	method_id text NOT NULL,
	code_hash bytea NOT NULL,
	PRIMARY KEY (method_id, code_hash)
);
CREATE TABLE mfa_attempts (
	id text PRIMARY KEY,
	principal_id text NOT NULL,
	method_id text NOT NULL,
	kind text NOT NULL,
	code_hash text NOT NULL,
	success boolean NOT NULL,
	reason text NOT NULL,
	ip text NOT NULL,
	device_fingerprint text NOT NULL,
	attempted_at timestamptz NOT NULL
);
CREATE TABLE trusted_devices (
	id text PRIMARY KEY,
	principal_id text NOT NULL,
	fingerprint text NOT NULL,
	name text NOT NULL,
	trust_level smallint NOT NULL,
	created_at timestamptz NOT NULL,
	expires_at timestamptz NOT NULL,
	last_used_at timestamptz NOT NULL,
	use_count bigint NOT NULL,
	revoked_at timestamptz,
	revoked_reason text NOT NULL,
	UNIQUE (principal_id, fingerprint)
);`

// newTestStore connects to SENTINEL_TEST_POSTGRES_DSN and creates the
// fixture tables in a throwaway schema.
func newTestStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv(testDSNEnv)
	if dsn == "" {
		t.Skip(testDSNEnv + " not set")
	}
	ctx := context.Background()

	schema := "sentinel_test_" + uuid.NewString()[:8]
	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema

	admin, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, `CREATE SCHEMA `+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), `DROP SCHEMA `+schema+` CASCADE`)
		admin.Close()
	})

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	_, err = pool.Exec(ctx, fixtureSchema)
	require.NoError(t, err)

	return New(pool, zaptest.NewLogger(t)), pool
}

func insertPrincipal(t *testing.T, pool *pgxpool.Pool, id, email string) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO principals (id, email, credential_hash, status, scopes) VALUES ($1, $2, 'hash', $3, $4)`,
		id, email, int16(sentinel.PrincipalActive), []string{"accounts:read"})
	require.NoError(t, err)
}

func TestPrincipalLookupAndLockout(t *testing.T) {
	s, pool := newTestStore(t)
	ctx := context.Background()
	insertPrincipal(t, pool, "p-1", "Alice@Example.com")

	p, err := s.FindPrincipalByEmail(ctx, "alice@example.COM")
	require.NoError(t, err)
	require.Equal(t, "p-1", p.ID)
	require.Equal(t, []string{"accounts:read"}, p.Scopes)

	_, err = s.FindPrincipalByEmail(ctx, "nobody@example.com")
	require.ErrorIs(t, err, sentinel.ErrPrincipalNotFound)

	now := time.Now().UTC().Truncate(time.Microsecond)
	policy := sentinel.LockoutPolicy{Threshold: 3, Duration: time.Minute}
	for i := 0; i < 2; i++ {
		p, err = s.RecordFailedAttempt(ctx, "p-1", policy, now)
		require.NoError(t, err)
		require.True(t, p.LockedUntil.IsZero())
	}
	p, err = s.RecordFailedAttempt(ctx, "p-1", policy, now)
	require.NoError(t, err)
	require.True(t, p.LockedUntil.Equal(now.Add(time.Minute)))

	_, locked, err := s.IsLocked(ctx, "p-1", now.Add(30*time.Second))
	require.NoError(t, err)
	require.True(t, locked)

	require.NoError(t, s.RecordSuccessfulAttempt(ctx, "p-1", now))
	_, locked, err = s.IsLocked(ctx, "p-1", now)
	require.NoError(t, err)
	require.False(t, locked)
}

func TestBackupCodeConsumedOnceUnderConcurrency(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := mfa.Method{ID: uuid.NewString(), PrincipalID: "p-1", Kind: mfa.KindBackupCodes, Enabled: true, CreatedAt: time.Now()}
	require.NoError(t, s.CreateMethod(ctx, m))
	code := sha256.Sum256([]byte("p-1\x00ABCDEFGH"))
	other := sha256.Sum256([]byte("p-1\x00JKLMNPQR"))
	require.NoError(t, s.ReplaceBackupCodes(ctx, m.ID, [][32]byte{code, other}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ConsumeBackupCode(ctx, m.ID, code)
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, wins.Load())

	n, err := s.RemainingBackupCodes(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestTOTPCounterOnlyAdvances(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	m := mfa.Method{ID: uuid.NewString(), PrincipalID: "p-1", Kind: mfa.KindTOTP, Secret: []byte{1, 2, 3}, CreatedAt: time.Now()}
	require.NoError(t, s.CreateMethod(ctx, m))

	ok, err := s.AdvanceTOTPCounter(ctx, m.ID, 100)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.AdvanceTOTPCounter(ctx, m.ID, 100)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = s.AdvanceTOTPCounter(ctx, m.ID, 99)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMethodLifecycleAndPrimary(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a := mfa.Method{ID: "m-a", PrincipalID: "p-1", Kind: mfa.KindTOTP, CreatedAt: now}
	b := mfa.Method{ID: "m-b", PrincipalID: "p-1", Kind: mfa.KindEmail, Destination: "a@example.com", CreatedAt: now.Add(time.Second)}
	require.NoError(t, s.CreateMethod(ctx, a))
	require.NoError(t, s.CreateMethod(ctx, b))
	require.NoError(t, s.EnableMethod(ctx, "p-1", "m-a"))
	require.NoError(t, s.EnableMethod(ctx, "p-1", "m-b"))
	require.NoError(t, s.SetPrimary(ctx, "p-1", "m-b"))

	methods, err := s.ListMethods(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, methods, 2)
	require.False(t, methods[0].Primary)
	require.True(t, methods[1].Primary)

	require.ErrorIs(t, s.SetPrimary(ctx, "p-2", "m-a"), mfa.ErrMethodNotFound)
	_, err = s.GetMethod(ctx, "p-2", "m-a")
	require.ErrorIs(t, err, mfa.ErrMethodNotFound)

	require.NoError(t, s.DisableMethod(ctx, "p-1", "m-b", now))
	got, err := s.GetMethod(ctx, "p-1", "m-b")
	require.NoError(t, err)
	require.False(t, got.Enabled)
	require.False(t, got.Primary)
	require.False(t, got.DisabledAt.IsZero())
}

func TestDeviceUpsertAndRevoke(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	d := device.Device{
		ID: "d-1", PrincipalID: "p-1", Fingerprint: "fp", Name: "Firefox on Linux",
		TrustLevel: device.TrustStandard, CreatedAt: now, ExpiresAt: now.Add(time.Hour), LastUsedAt: now,
	}
	require.NoError(t, s.SaveDevice(ctx, d))
	require.NoError(t, s.RevokeDevice(ctx, "p-1", "d-1", "user_revoked", now))
	require.NoError(t, s.RevokeDevice(ctx, "p-1", "d-1", "again", now.Add(time.Minute)))

	got, err := s.FindDevice(ctx, "p-1", "fp")
	require.NoError(t, err)
	require.True(t, got.Revoked())
	require.Equal(t, "user_revoked", got.RevokedReason)

	d.ID = "d-2"
	require.NoError(t, s.SaveDevice(ctx, d))
	got, err = s.FindDevice(ctx, "p-1", "fp")
	require.NoError(t, err)
	require.Equal(t, "d-2", got.ID)
	require.False(t, got.Revoked())

	require.NoError(t, s.RecordDeviceUse(ctx, "d-2", now.Add(time.Minute)))
	list, err := s.ListDevices(ctx, "p-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.EqualValues(t, 1, list[0].UseCount)

	require.ErrorIs(t, s.RevokeDevice(ctx, "p-2", "d-2", "x", now), device.ErrNotFound)
}
