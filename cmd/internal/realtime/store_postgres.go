// Package realtime contains Pulse's realtime core: presence, chat state, message
// routing, notification fan-out, their storage and the WebSocket gateway.
package realtime

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema/postgres.sql
var postgresSchemaSQL string

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Chat creation relies on the (user_a, user_b) unique constraint.
//   - Unread counters are adjusted with single-statement updates clamped at zero.
//   - Ordering of writes within one chat is the caller's job (see chatLocks).
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "pulse").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "pulse",
	}
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

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the schema and tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	sql := strings.ReplaceAll(postgresSchemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("realtime: migrate %s: %w", s.schema, err)
	}
	return nil
}

func (s *PostgresStore) table(name string) string { return pgIdent(s.schema, name) }

const (
	chatColumns         = `id, user_a, user_b, status, disabled_by, unread_a, unread_b, created_at, updated_at`
	messageColumns      = `id, chat_id, sender_id, recipient_id, text, status, seen_at, created_at`
	notificationColumns = `id, recipient_id, notifier_id, type, post_id, comment_id, comment_text, seen, created_at`
)

func scanChat(row pgx.Row) (Chat, error) {
	var (
		c      Chat
		status string
	)
	err := row.Scan(&c.ID, &c.UserA, &c.UserB, &status, &c.DisabledBy, &c.UnreadA, &c.UnreadB, &c.CreatedAt, &c.UpdatedAt)
	c.Status = ChatStatus(status)
	return c, err
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m      Message
		status string
	)
	err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.RecipientID, &m.Text, &status, &m.SeenAt, &m.CreatedAt)
	m.Status = MessageStatus(status)
	return m, err
}

func scanNotification(row pgx.Row) (Notification, error) {
	var (
		n   Notification
		typ string
	)
	err := row.Scan(&n.ID, &n.RecipientID, &n.NotifierID, &typ, &n.PostID, &n.CommentID, &n.CommentText, &n.Seen, &n.CreatedAt)
	n.Type = NotificationType(typ)
	return n, err
}

// ---- chats ----

// GetOrCreateChat returns the pair's chat, creating it from in when missing.
func (s *PostgresStore) GetOrCreateChat(ctx context.Context, in Chat) (Chat, bool, error) {
	a, b := canonicalPair(in.UserA, in.UserB)
	if a == "" || b == "" || a == b || in.ID == "" {
		return Chat{}, false, opErr("store.GetOrCreateChat", ErrInvalidInput, "pair")
	}
	if in.Status == "" {
		in.Status = ChatActive
	}

	chats := s.table("chats")

	c, err := scanChat(s.pool.QueryRow(ctx,
		`INSERT INTO `+chats+` (`+chatColumns+`)
		 VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $6)
		 ON CONFLICT (user_a, user_b) DO NOTHING
		 RETURNING `+chatColumns,
		in.ID, a, b, string(in.Status), in.DisabledBy, in.CreatedAt,
	))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, false, fmt.Errorf("insert chat: %w", err)
	}

	c, err = scanChat(s.pool.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM `+chats+` WHERE user_a = $1 AND user_b = $2`,
		a, b,
	))
	if err != nil {
		return Chat{}, false, fmt.Errorf("select chat: %w", err)
	}
	return c, false, nil
}

// GetChat returns a chat by id.
func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	c, err := scanChat(s.pool.QueryRow(ctx,
		`SELECT `+chatColumns+` FROM `+s.table("chats")+` WHERE id = $1`,
		chatID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, opErr("store.GetChat", ErrNotFound, "chat")
	}
	return c, err
}

// UpdateChatStatus writes the status decided by the state machine.
func (s *PostgresStore) UpdateChatStatus(ctx context.Context, in UpdateChatStatusInput) (Chat, error) {
	c, err := scanChat(s.pool.QueryRow(ctx,
		`UPDATE `+s.table("chats")+`
		    SET status = $2, disabled_by = $3, updated_at = $4
		  WHERE id = $1
		RETURNING `+chatColumns,
		in.ChatID, string(in.Status), in.DisabledBy, in.Now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, opErr("store.UpdateChatStatus", ErrNotFound, "chat")
	}
	return c, err
}

// AddUnread adjusts userID's unread counter by delta, never going below zero.
func (s *PostgresStore) AddUnread(ctx context.Context, chatID, userID string, delta int, now time.Time) (Chat, error) {
	chats := s.table("chats")

	c, err := scanChat(s.pool.QueryRow(ctx,
		`UPDATE `+chats+`
		    SET unread_a = CASE WHEN user_a = $2 THEN GREATEST(0, unread_a + $3) ELSE unread_a END,
		        unread_b = CASE WHEN user_b = $2 THEN GREATEST(0, unread_b + $3) ELSE unread_b END,
		        updated_at = $4
		  WHERE id = $1 AND (user_a = $2 OR user_b = $2)
		RETURNING `+chatColumns,
		chatID, userID, delta, now,
	))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, err
	}

	// Tell a missing chat from a non-participant.
	if _, err := s.GetChat(ctx, chatID); err != nil {
		return Chat{}, err
	}
	return Chat{}, opErr("store.AddUnread", ErrForbidden, "not a participant")
}

// ---- messages ----

// CreateMessage inserts a message.
func (s *PostgresStore) CreateMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" || m.ChatID == "" {
		return Message{}, opErr("store.CreateMessage", ErrInvalidInput, "ids")
	}
	if m.Status == "" {
		m.Status = MessageActive
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("messages")+` (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ChatID, m.SenderID, m.RecipientID, m.Text, string(m.Status), m.SeenAt, m.CreatedAt,
	); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// GetMessage returns a message by id.
func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM `+s.table("messages")+` WHERE id = $1`,
		messageID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, opErr("store.GetMessage", ErrNotFound, "message")
	}
	return m, err
}

// MarkMessagesSeen stamps unseen messages addressed to readerID.
func (s *PostgresStore) MarkMessagesSeen(ctx context.Context, messageIDs []string, readerID string, at time.Time) ([]Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`UPDATE `+s.table("messages")+`
		    SET seen_at = $3
		  WHERE id = ANY($1) AND recipient_id = $2 AND seen_at IS NULL
		RETURNING `+messageColumns,
		messageIDs, readerID, at,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.SortFunc(out, compareMessages)
	return out, nil
}

// SetMessageStatus changes the status only; the stored text is kept.
func (s *PostgresStore) SetMessageStatus(ctx context.Context, messageID string, status MessageStatus) (Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE `+s.table("messages")+` SET status = $2 WHERE id = $1 RETURNING `+messageColumns,
		messageID, string(status),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, opErr("store.SetMessageStatus", ErrNotFound, "message")
	}
	return m, err
}

// ListMessages returns the newest window older than in.Before, oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if in.ChatID == "" {
		return ListMessagesResult{}, opErr("store.ListMessages", ErrInvalidInput, "chat id")
	}
	limit := clampLimit(in.Limit, defaultHistoryLimit, maxHistoryLimit)
	fetch := limit + 1

	messages := s.table("messages")

	var (
		rows pgx.Rows
		err  error
	)
	if in.Before == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE chat_id = $1
			  ORDER BY id DESC
			  LIMIT $2`,
			in.ChatID, fetch,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+messageColumns+`
			   FROM `+messages+`
			  WHERE chat_id = $1 AND id < $2
			  ORDER BY id DESC
			  LIMIT $3`,
			in.ChatID, in.Before, fetch,
		)
	}
	if err != nil {
		return ListMessagesResult{}, err
	}
	defer rows.Close()

	msgs := make([]Message, 0, fetch)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return ListMessagesResult{}, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ListMessagesResult{}, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	slices.Reverse(msgs)

	return ListMessagesResult{Messages: msgs, HasMore: hasMore}, nil
}

// ---- notifications ----

// CreateNotification inserts a notification.
func (s *PostgresStore) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	if n.ID == "" || n.RecipientID == "" || !n.Type.Valid() {
		return Notification{}, opErr("store.CreateNotification", ErrInvalidInput, "notification")
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("notifications")+` (`+notificationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, n.RecipientID, n.NotifierID, string(n.Type), n.PostID, n.CommentID, n.CommentText, n.Seen, n.CreatedAt,
	); err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// notificationWhere renders the non-empty fields of f as a WHERE clause.
func notificationWhere(f NotificationFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("type", string(f.Type))
	add("recipient_id", f.RecipientID)
	add("notifier_id", f.NotifierID)
	add("post_id", f.PostID)
	add("comment_id", f.CommentID)

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// DeleteNotifications removes every notification matching f.
func (s *PostgresStore) DeleteNotifications(ctx context.Context, f NotificationFilter) (int64, error) {
	where, args := notificationWhere(f)
	if where == "" {
		return 0, opErr("store.DeleteNotifications", ErrInvalidInput, "empty filter")
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table("notifications")+where, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListNotifications returns matches newest first.
func (s *PostgresStore) ListNotifications(ctx context.Context, f NotificationFilter, limit int) ([]Notification, error) {
	limit = clampLimit(limit, defaultNotificationListLimit, defaultNotificationListLimit)
	where, args := notificationWhere(f)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx,
		`SELECT `+notificationColumns+` FROM `+s.table("notifications")+where+
			fmt.Sprintf(` ORDER BY id DESC LIMIT $%d`, len(args)),
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ---- post subscribers ----

// AddPostSubscriber records userID as a durable subscriber of postID (idempotent).
func (s *PostgresStore) AddPostSubscriber(ctx context.Context, postID, userID string, now time.Time) error {
	if postID == "" || userID == "" {
		return opErr("store.AddPostSubscriber", ErrInvalidInput, "ids")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("post_subscribers")+` (post_id, user_id, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (post_id, user_id) DO NOTHING`,
		postID, userID, now,
	)
	return err
}

// RemovePostSubscriber drops userID from postID's durable subscribers.
func (s *PostgresStore) RemovePostSubscriber(ctx context.Context, postID, userID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table("post_subscribers")+` WHERE post_id = $1 AND user_id = $2`,
		postID, userID,
	)
	return err
}

// ListPostSubscribers returns postID's durable subscribers in user id order.
func (s *PostgresStore) ListPostSubscribers(ctx context.Context, postID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM `+s.table("post_subscribers")+` WHERE post_id = $1 ORDER BY user_id COLLATE "C"`,
		postID,
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ Store = (*PostgresStore)(nil)
