// Package postgres is a multiauth.CredentialStore over PostgreSQL using
// pgx. The schema ships as embedded migrations; see Migrate.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/multiauth"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// Store reads identities and mutates the few fields the engine owns.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects with dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const selectIdentity = `
SELECT i.id::text, i.email, i.password_hash, i.banned, i.ban_reason, i.deleted_at IS NOT NULL,
       i.email_verified, i.mfa_enabled, i.mfa_secret, i.email_otp_enabled,
       i.notification_otp_enabled, i.otp_reverification_disabled, i.super_secure,
       i.security_key_count, i.passkey_count,
       (SELECT count(*) FROM backup_codes b WHERE b.user_id = i.id AND b.used_at IS NULL)
FROM identities i`

func scanIdentity(row pgx.Row) (*multiauth.UserIdentity, error) {
	var u multiauth.UserIdentity
	var remaining int64
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Banned, &u.BanReason, &u.Deleted,
		&u.EmailVerified, &u.MFAEnabled, &u.MFASecret, &u.EmailOTPEnabled,
		&u.NotificationOTPEnabled, &u.OTPReverificationDisabled, &u.SuperSecure,
		&u.SecurityKeyCount, &u.PasskeyCount,
		&remaining,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, multiauth.ErrIdentityNotFound
		}
		return nil, err
	}
	u.BackupCodesRemaining = int(remaining)
	return &u, nil
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*multiauth.UserIdentity, error) {
	const q = selectIdentity + ` WHERE lower(i.email) = $1`
	return scanIdentity(s.pool.QueryRow(ctx, q, multiauth.NormalizeEmail(email)))
}

func (s *Store) GetByID(ctx context.Context, userID string) (*multiauth.UserIdentity, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return nil, multiauth.ErrIdentityNotFound
	}
	const q = selectIdentity + ` WHERE i.id = $1`
	return scanIdentity(s.pool.QueryRow(ctx, q, userID))
}

func (s *Store) Create(ctx context.Context, in multiauth.CreateIdentityInput) (*multiauth.UserIdentity, error) {
	const q = `
INSERT INTO identities (id, email, password_hash, email_verified)
VALUES ($1, $2, $3, $4)`
	id := uuid.NewString()
	email := multiauth.NormalizeEmail(in.Email)

	if _, err := s.pool.Exec(ctx, q, id, email, in.PasswordHash, in.EmailVerified); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, multiauth.ErrIdentityExists
		}
		return nil, err
	}
	return &multiauth.UserIdentity{
		ID:            id,
		Email:         email,
		PasswordHash:  in.PasswordHash,
		EmailVerified: in.EmailVerified,
	}, nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	const q = `UPDATE identities SET password_hash = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`
	return s.execOne(ctx, q, userID, passwordHash)
}

func (s *Store) SetSuperSecure(ctx context.Context, userID string, enabled bool) error {
	const q = `UPDATE identities SET super_secure = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`
	return s.execOne(ctx, q, userID, enabled)
}

func (s *Store) execOne(ctx context.Context, q string, args ...any) error {
	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return multiauth.ErrIdentityNotFound
	}
	return nil
}

// ReplaceBackupCodes swaps the whole set in one transaction.
func (s *Store) ReplaceBackupCodes(ctx context.Context, userID string, hashes [][32]byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM backup_codes WHERE user_id = $1`, userID); err != nil {
		return err
	}

	rows := make([][]any, 0, len(hashes))
	for _, h := range hashes {
		rows = append(rows, []any{userID, h[:]})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"backup_codes"},
		[]string{"user_id", "code_hash"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ConsumeBackupCode marks the code used. Two concurrent consumers of the
// same code race on the row lock; only one sees a row updated.
func (s *Store) ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) (int, bool, error) {
	const q = `
WITH used AS (
    UPDATE backup_codes SET used_at = now()
    WHERE user_id = $1 AND code_hash = $2 AND used_at IS NULL
    RETURNING 1
)
SELECT (SELECT count(*) FROM used),
       (SELECT count(*) FROM backup_codes WHERE user_id = $1 AND used_at IS NULL)`

	var used, remaining int64
	if err := s.pool.QueryRow(ctx, q, userID, hash[:]).Scan(&used, &remaining); err != nil {
		return 0, false, err
	}
	if used == 0 {
		return int(remaining), false, nil
	}
	// the CTE's update is invisible to the outer count
	return int(remaining - used), true, nil
}

var _ multiauth.CredentialStore = (*Store)(nil)
