package realtime

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements MessageStore, MembershipStore and MissedStore on
// PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
//   - Appends are serialized per chat with a transactional advisory lock, so
//     duplicates never consume a sequence number and seq is strictly monotonic.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

var (
	_ MessageStore    = (*PostgresStore)(nil)
	_ MembershipStore = (*PostgresStore)(nil)
	_ MissedStore     = (*PostgresStore)(nil)
)

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the DB schema used by this store (default: "messenger").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed store.
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
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

func (s *PostgresStore) ident(table string) string {
	// pgx.Identifier quotes both parts, so the schema can never inject SQL.
	return pgx.Identifier{s.schema, table}.Sanitize()
}

const messageColumns = `id, chat_id, seq, sender_id, sender_device_id, client_msg_id, kind, text, created_at, edited_at, deleted_at`

// ---- messages ----

// Append implements MessageStore.
func (s *PostgresStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	if in.ChatID == "" || in.ClientMsgID == "" || in.SenderID == "" || in.Text == "" {
		return AppendResult{}, ErrInvalidInput
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := NewMessageID(now)
	if err != nil {
		return AppendResult{}, err
	}

	messages := s.ident("messages")
	cursors := s.ident("chat_cursors")

	var out AppendResult
	err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "chat:"+in.ChatID); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		existing, err := scanMessage(tx.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM `+messages+` WHERE chat_id = $1 AND client_msg_id = $2`,
			in.ChatID, in.ClientMsgID))
		if err == nil {
			out = AppendResult{Stored: existing, Duplicated: true}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		var seq int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO `+cursors+` AS c (chat_id, next_seq) VALUES ($1, 2)
			ON CONFLICT (chat_id) DO UPDATE SET next_seq = c.next_seq + 1
			RETURNING c.next_seq - 1`, in.ChatID).Scan(&seq); err != nil {
			return fmt.Errorf("allocate seq: %w", err)
		}

		stored, err := scanMessage(tx.QueryRow(ctx, `
			INSERT INTO `+messages+` (id, chat_id, seq, sender_id, sender_device_id, client_msg_id, kind, text, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING `+messageColumns,
			id, in.ChatID, seq, in.SenderID, in.SenderDeviceID, in.ClientMsgID, in.Kind, in.Text, now))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		out = AppendResult{Stored: stored}
		return nil
	})
	if err != nil {
		return AppendResult{}, err
	}
	return out, nil
}

// Edit implements MessageStore.
func (s *PostgresStore) Edit(ctx context.Context, chatID, messageID, editorID, text string, now time.Time) (StoredMessage, error) {
	if strings.TrimSpace(text) == "" {
		return StoredMessage{}, ErrInvalidInput
	}
	m, err := scanMessage(s.pool.QueryRow(ctx, `
		UPDATE `+s.ident("messages")+`
		SET text = $4, edited_at = $5
		WHERE chat_id = $1 AND id = $2 AND sender_id = $3 AND deleted_at IS NULL
		RETURNING `+messageColumns,
		chatID, messageID, editorID, text, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredMessage{}, s.missReason(ctx, chatID, messageID)
	}
	if err != nil {
		return StoredMessage{}, fmt.Errorf("edit message: %w", err)
	}
	return m, nil
}

// Delete implements MessageStore.
func (s *PostgresStore) Delete(ctx context.Context, chatID, messageID, userID string, now time.Time) (StoredMessage, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `
		UPDATE `+s.ident("messages")+`
		SET deleted_at = $4
		WHERE chat_id = $1 AND id = $2 AND sender_id = $3 AND deleted_at IS NULL
		RETURNING `+messageColumns,
		chatID, messageID, userID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredMessage{}, s.missReason(ctx, chatID, messageID)
	}
	if err != nil {
		return StoredMessage{}, fmt.Errorf("delete message: %w", err)
	}
	return m, nil
}

// missReason tells a foreign message apart from a missing or deleted one.
func (s *PostgresStore) missReason(ctx context.Context, chatID, messageID string) error {
	var live bool
	err := s.pool.QueryRow(ctx,
		`SELECT deleted_at IS NULL FROM `+s.ident("messages")+` WHERE chat_id = $1 AND id = $2`,
		chatID, messageID).Scan(&live)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return err
	case !live:
		return ErrNotFound
	default:
		return ErrForbidden
	}
}

// MarkRead implements MessageStore. The first read wins.
func (s *PostgresStore) MarkRead(ctx context.Context, chatID, messageID, readerID string, now time.Time) (time.Time, error) {
	if readerID == "" {
		return time.Time{}, ErrInvalidInput
	}
	reads := s.ident("message_reads")

	var readAt time.Time
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO `+reads+` (message_id, user_id, read_at)
			SELECT id, $3, $4 FROM `+s.ident("messages")+`
			WHERE id = $1 AND chat_id = $2 AND deleted_at IS NULL
			ON CONFLICT (message_id, user_id) DO NOTHING`,
			messageID, chatID, readerID, now); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`SELECT read_at FROM `+reads+` WHERE message_id = $1 AND user_id = $2`,
			messageID, readerID).Scan(&readAt)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("mark read: %w", err)
	}
	return readAt.UTC(), nil
}

// History implements MessageStore.
func (s *PostgresStore) History(ctx context.Context, in HistoryInput) (HistoryResult, error) {
	if in.ChatID == "" {
		return HistoryResult{}, ErrInvalidInput
	}
	limit := clampHistoryLimit(in.Limit)

	var after int64
	if in.AfterSeq != nil {
		after = *in.AfterSeq
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM `+s.ident("messages")+`
		WHERE chat_id = $1 AND seq > $2 AND deleted_at IS NULL
		ORDER BY seq ASC
		LIMIT $3`,
		in.ChatID, after, limit+1)
	if err != nil {
		return HistoryResult{}, err
	}
	msgs, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (StoredMessage, error) {
		return scanMessage(r)
	})
	if err != nil {
		return HistoryResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return HistoryResult{Messages: msgs, HasMore: hasMore}, nil
}

func scanMessage(row pgx.Row) (StoredMessage, error) {
	var m StoredMessage
	err := row.Scan(&m.ID, &m.ChatID, &m.Seq, &m.SenderID, &m.SenderDeviceID, &m.ClientMsgID,
		&m.Kind, &m.Text, &m.CreatedAt, &m.EditedAt, &m.DeletedAt)
	if err != nil {
		return StoredMessage{}, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

// ---- membership ----

// IsMember implements MembershipStore.
func (s *PostgresStore) IsMember(ctx context.Context, userID, chatID string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+s.ident("chat_members")+` WHERE chat_id = $1 AND user_id = $2)`,
		chatID, userID).Scan(&ok)
	return ok, err
}

// ChatsOf implements MembershipStore.
func (s *PostgresStore) ChatsOf(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chat_id FROM `+s.ident("chat_members")+` WHERE user_id = $1 ORDER BY chat_id`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// MembersOf implements MembershipStore.
func (s *PostgresStore) MembersOf(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM `+s.ident("chat_members")+` WHERE chat_id = $1 ORDER BY user_id`, chatID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// AddMember implements MembershipStore.
func (s *PostgresStore) AddMember(ctx context.Context, chatID, userID string, now time.Time) error {
	if chatID == "" || userID == "" {
		return ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.ident("chat_members")+` (chat_id, user_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_id, user_id) DO NOTHING`,
		chatID, userID, now)
	return err
}

// ---- missed notifications ----

// Enqueue implements MissedStore.
func (s *PostgresStore) Enqueue(ctx context.Context, m Missed) error {
	if m.ID == "" || m.UserID == "" || m.Type == "" {
		return ErrInvalidInput
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.ident("missed_notifications")+` (id, user_id, device_id, chat_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		m.ID, m.UserID, m.DeviceID, m.ChatID, m.Type, string(m.Payload), m.CreatedAt)
	return err
}

// Drain implements MissedStore. Concurrent drains for the same user split the
// queue instead of returning the same rows twice.
func (s *PostgresStore) Drain(ctx context.Context, userID, deviceID string, limit int) ([]Missed, error) {
	if limit <= 0 {
		limit = 500
	}
	tbl := s.ident("missed_notifications")
	rows, err := s.pool.Query(ctx, `
		DELETE FROM `+tbl+`
		WHERE id IN (
			SELECT id FROM `+tbl+`
			WHERE user_id = $1 AND (device_id = '' OR device_id = $2)
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, user_id, device_id, chat_id, kind, payload, created_at`,
		userID, deviceID, limit)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (Missed, error) {
		var m Missed
		var payload []byte
		if err := r.Scan(&m.ID, &m.UserID, &m.DeviceID, &m.ChatID, &m.Type, &payload, &m.CreatedAt); err != nil {
			return Missed{}, err
		}
		m.Payload = payload
		m.CreatedAt = m.CreatedAt.UTC()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order.
	slices.SortFunc(out, func(a, b Missed) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}
