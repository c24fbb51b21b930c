package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using PostgreSQL (<schema>.sessions).
//
// The pgx pool is owned by the caller; this store must NOT close it.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the session store (default "messenger").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("session: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("session: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore creates a Postgres-backed session store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "messenger"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("session: nil pool")
	}
	return st, nil
}

const sessionColumns = `
	id, user_id, device_id, device_name, os, device_info,
	access_token_hash, refresh_token_hash, access_expires_at, refresh_expires_at,
	ip_address, location, last_active_at, created_at,
	is_active, deactivated_at, deactivation_reason`

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "sessions"}.Sanitize()
}

// Create implements Store. A transaction-scoped advisory lock keyed by user id
// serializes concurrent logins of the same user so the cap is never exceeded.
func (s *PostgresStore) Create(ctx context.Context, in Session, maxActive int) ([]Session, error) {
	if in.ID == "" || in.UserID == "" || in.DeviceID == "" {
		return nil, ErrInvalidDevice
	}
	if maxActive < 1 {
		maxActive = 1
	}
	tbl := s.table()
	now := in.CreatedAt

	var ended []Session
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "session:"+in.UserID); err != nil {
			return err
		}

		replaced, err := queryCollect(ctx, tx, `
			UPDATE `+tbl+`
			SET is_active = FALSE, deactivated_at = $3, deactivation_reason = $4
			WHERE user_id = $1 AND device_id = $2 AND is_active
			RETURNING `+sessionColumns,
			in.UserID, in.DeviceID, now, ReasonReplaced)
		if err != nil {
			return err
		}
		ended = append(ended, replaced...)

		// Everything beyond the newest maxActive-1 survivors is evicted.
		evicted, err := queryCollect(ctx, tx, `
			UPDATE `+tbl+`
			SET is_active = FALSE, deactivated_at = $3, deactivation_reason = $4
			WHERE id IN (
				SELECT id FROM `+tbl+`
				WHERE user_id = $1 AND is_active
				ORDER BY last_active_at DESC, created_at DESC, id DESC
				OFFSET $2
				FOR UPDATE
			)
			RETURNING `+sessionColumns,
			in.UserID, maxActive-1, now, ReasonEvicted)
		if err != nil {
			return err
		}
		ended = append(ended, evicted...)

		_, err = tx.Exec(ctx, `
			INSERT INTO `+tbl+` (
				id, user_id, device_id, device_name, os, device_info,
				access_token_hash, refresh_token_hash, access_expires_at, refresh_expires_at,
				ip_address, location, last_active_at, created_at, is_active
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,TRUE)
		`, in.ID, in.UserID, in.DeviceID, in.DeviceName, in.OS, nullJSON(in.DeviceInfo),
			in.AccessTokenHash, in.RefreshTokenHash, in.AccessExpiresAt, in.RefreshExpiresAt,
			in.IPAddress, in.Location, in.LastActiveAt, in.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ended, nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM `+s.table()+` WHERE id = $1`, sessionID)
	out, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return out, err
}

func (s *PostgresStore) ListActive(ctx context.Context, userID string) ([]Session, error) {
	return queryCollect(ctx, s.pool, `
		SELECT `+sessionColumns+` FROM `+s.table()+`
		WHERE user_id = $1 AND is_active
		ORDER BY last_active_at DESC, created_at DESC, id DESC
	`, userID)
}

// Rotate implements Store. The row is locked so the active flag and the expected
// hash are re-checked against the committed state.
func (s *PostgresStore) Rotate(ctx context.Context, r Rotation) (Session, error) {
	tbl := s.table()

	var out Session
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var active bool
		var current string
		err := tx.QueryRow(ctx, `
			SELECT is_active, refresh_token_hash FROM `+tbl+`
			WHERE id = $1
			FOR UPDATE
		`, r.SessionID).Scan(&active, &current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		if !active {
			return ErrSessionInactive
		}
		if current != r.ExpectRefreshHash {
			return ErrTokenMismatch
		}

		row := tx.QueryRow(ctx, `
			UPDATE `+tbl+`
			SET access_token_hash = $2,
			    refresh_token_hash = $3,
			    access_expires_at = $4,
			    refresh_expires_at = $5,
			    last_active_at = $6,
			    ip_address = COALESCE(NULLIF($7, ''), ip_address)
			WHERE id = $1
			RETURNING `+sessionColumns,
			r.SessionID, r.NewAccessHash, r.NewRefreshHash, r.AccessExpiresAt, r.RefreshExpiresAt, r.Now, r.IPAddress)
		out, err = scanSession(row)
		return err
	})
	if err != nil {
		return Session{}, err
	}
	return out, nil
}

func (s *PostgresStore) Touch(ctx context.Context, sessionID string, now time.Time, ip string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		SET last_active_at = GREATEST(last_active_at, $2),
		    ip_address = COALESCE(NULLIF($3, ''), ip_address)
		WHERE id = $1 AND is_active
	`, sessionID, now, ip)
	return err
}

func (s *PostgresStore) Deactivate(ctx context.Context, sessionID, userID, reason string, now time.Time) (Session, error) {
	tbl := s.table()
	row := s.pool.QueryRow(ctx, `
		UPDATE `+tbl+`
		SET is_active = FALSE, deactivated_at = $3, deactivation_reason = $4
		WHERE id = $1 AND user_id = $2 AND is_active
		RETURNING `+sessionColumns,
		sessionID, userID, now, reason)
	out, err := scanSession(row)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Session{}, err
	}

	// Distinguish "already ended" from "not yours / never existed".
	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM `+tbl+` WHERE id = $1 AND user_id = $2)
	`, sessionID, userID).Scan(&exists); err != nil {
		return Session{}, err
	}
	if exists {
		return Session{}, ErrSessionInactive
	}
	return Session{}, ErrSessionNotFound
}

func (s *PostgresStore) DeactivateOthers(ctx context.Context, userID, exceptDeviceID, reason string, now time.Time) ([]Session, error) {
	return queryCollect(ctx, s.pool, `
		UPDATE `+s.table()+`
		SET is_active = FALSE, deactivated_at = $3, deactivation_reason = $4
		WHERE user_id = $1 AND device_id <> $2 AND is_active
		RETURNING `+sessionColumns,
		userID, exceptDeviceID, now, reason)
}

func (s *PostgresStore) DeactivateExpired(ctx context.Context, now time.Time, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 500
	}
	tbl := s.table()
	return queryCollect(ctx, s.pool, `
		UPDATE `+tbl+`
		SET is_active = FALSE, deactivated_at = $1, deactivation_reason = $3
		WHERE id IN (
			SELECT id FROM `+tbl+`
			WHERE is_active AND refresh_expires_at <= $1
			ORDER BY refresh_expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+sessionColumns,
		now, limit, ReasonExpired)
}

func (s *PostgresStore) PurgeInactive(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM `+s.table()+`
		WHERE NOT is_active AND deactivated_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryCollect(ctx context.Context, q querier, sql string, args ...any) ([]Session, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Session, error) {
		return scanSession(row)
	})
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		out    Session
		info   []byte
		reason *string
	)
	err := row.Scan(
		&out.ID,
		&out.UserID,
		&out.DeviceID,
		&out.DeviceName,
		&out.OS,
		&info,
		&out.AccessTokenHash,
		&out.RefreshTokenHash,
		&out.AccessExpiresAt,
		&out.RefreshExpiresAt,
		&out.IPAddress,
		&out.Location,
		&out.LastActiveAt,
		&out.CreatedAt,
		&out.IsActive,
		&out.DeactivatedAt,
		&reason,
	)
	if err != nil {
		return Session{}, err
	}
	if len(info) > 0 {
		out.DeviceInfo = json.RawMessage(info)
	}
	if reason != nil {
		out.DeactivationReason = *reason
	}
	return out, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
