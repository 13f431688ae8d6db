package realtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore is a Store backed by GORM. It is used with the pure-Go SQLite driver
// for single-node deployments and tests.
//
// Write ordering within a chat is the caller's job (see chatLocks); the store
// only guarantees one chat per pair through a unique index.
type GormStore struct {
	db *gorm.DB
}

// Row models. They mirror schema/postgres.sql.

type chatRow struct {
	ID         string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	UserA      string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_chats_pair,priority:1"`
	UserB      string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_chats_pair,priority:2"`
	Status     string    `gorm:"type:TEXT NOT NULL;default:active"`
	DisabledBy string    `gorm:"type:TEXT NOT NULL;default:''"`
	UnreadA    int       `gorm:"type:INTEGER NOT NULL;default:0"`
	UnreadB    int       `gorm:"type:INTEGER NOT NULL;default:0"`
	CreatedAt  time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime:false"`
	UpdatedAt  time.Time `gorm:"type:DATETIME NOT NULL;autoUpdateTime:false"`
}

func (chatRow) TableName() string { return "chats" }

type messageRow struct {
	ID          string     `gorm:"type:TEXT NOT NULL;primaryKey"`
	ChatID      string     `gorm:"type:TEXT NOT NULL;index:idx_messages_chat_id,priority:1"`
	SenderID    string     `gorm:"type:TEXT NOT NULL"`
	RecipientID string     `gorm:"type:TEXT NOT NULL;index"`
	Text        string     `gorm:"type:TEXT NOT NULL"`
	Status      string     `gorm:"type:TEXT NOT NULL;default:active"`
	SeenAt      *time.Time `gorm:"type:DATETIME"`
	CreatedAt   time.Time  `gorm:"type:DATETIME NOT NULL"`
}

func (messageRow) TableName() string { return "messages" }

type notificationRow struct {
	ID          string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	RecipientID string    `gorm:"type:TEXT NOT NULL;index:idx_notifications_recipient_type,priority:1"`
	NotifierID  string    `gorm:"type:TEXT NOT NULL"`
	Type        string    `gorm:"type:TEXT NOT NULL;index:idx_notifications_recipient_type,priority:2"`
	PostID      string    `gorm:"type:TEXT NOT NULL;default:''"`
	CommentID   string    `gorm:"type:TEXT NOT NULL;default:''"`
	CommentText string    `gorm:"type:TEXT NOT NULL;default:''"`
	Seen        bool      `gorm:"not null;default:false"`
	CreatedAt   time.Time `gorm:"type:DATETIME NOT NULL"`
}

func (notificationRow) TableName() string { return "notifications" }

type postSubscriberRow struct {
	PostID    string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	UserID    string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	CreatedAt time.Time `gorm:"type:DATETIME NOT NULL"`
}

func (postSubscriberRow) TableName() string { return "post_subscribers" }

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
// In-memory DSNs (":memory:" or "mode=memory") are limited to one connection so
// every query sees the same database.
func OpenSQLite(path string) (*gorm.DB, error) {
	memory := path == ":memory:" || strings.Contains(path, "mode=memory")

	// Fail early if the parent directory does not exist.
	if !memory && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if _, err := os.Stat(dir); err != nil {
				return nil, err
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if !memory {
		db.Exec("PRAGMA journal_mode=WAL;")
		db.Exec("PRAGMA synchronous=NORMAL;")
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if sqlDB, err := db.DB(); err == nil {
		if memory {
			sqlDB.SetMaxOpenConns(1)
		} else {
			sqlDB.SetMaxOpenConns(10)
			sqlDB.SetMaxIdleConns(10)
		}
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, nil
}

// NewGormStore wraps db. Call Migrate before first use.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("realtime: nil gorm db")
	}
	return &GormStore{db: db}, nil
}

// Migrate creates or updates the tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&chatRow{},
		&messageRow{},
		&notificationRow{},
		&postSubscriberRow{},
	)
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r chatRow) toChat() Chat {
	return Chat{
		ID:         r.ID,
		UserA:      r.UserA,
		UserB:      r.UserB,
		Status:     ChatStatus(r.Status),
		DisabledBy: r.DisabledBy,
		UnreadA:    r.UnreadA,
		UnreadB:    r.UnreadB,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

func (r messageRow) toMessage() Message {
	m := Message{
		ID:          r.ID,
		ChatID:      r.ChatID,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Text:        r.Text,
		Status:      MessageStatus(r.Status),
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if r.SeenAt != nil {
		t := r.SeenAt.UTC()
		m.SeenAt = &t
	}
	return m
}

func (r notificationRow) toNotification() Notification {
	return Notification{
		ID:          r.ID,
		RecipientID: r.RecipientID,
		NotifierID:  r.NotifierID,
		Type:        NotificationType(r.Type),
		PostID:      r.PostID,
		CommentID:   r.CommentID,
		CommentText: r.CommentText,
		Seen:        r.Seen,
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

// ---- chats ----

// GetOrCreateChat returns the pair's chat, creating it from in when missing.
func (s *GormStore) GetOrCreateChat(ctx context.Context, in Chat) (Chat, bool, error) {
	a, b := canonicalPair(in.UserA, in.UserB)
	if a == "" || b == "" || a == b || in.ID == "" {
		return Chat{}, false, opErr("store.GetOrCreateChat", ErrInvalidInput, "pair")
	}
	if in.Status == "" {
		in.Status = ChatActive
	}

	row := chatRow{
		ID:         in.ID,
		UserA:      a,
		UserB:      b,
		Status:     string(in.Status),
		DisabledBy: in.DisabledBy,
		CreatedAt:  in.CreatedAt,
		UpdatedAt:  in.CreatedAt,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_a"}, {Name: "user_b"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return Chat{}, false, fmt.Errorf("insert chat: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return row.toChat(), true, nil
	}

	var existing chatRow
	if err := s.db.WithContext(ctx).Where("user_a = ? AND user_b = ?", a, b).First(&existing).Error; err != nil {
		return Chat{}, false, fmt.Errorf("select chat: %w", err)
	}
	return existing.toChat(), false, nil
}

func (s *GormStore) loadChat(db *gorm.DB, op, chatID string) (chatRow, error) {
	var row chatRow
	err := db.Where("id = ?", chatID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return chatRow{}, opErr(op, ErrNotFound, "chat")
	}
	return row, err
}

// GetChat returns a chat by id.
func (s *GormStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	row, err := s.loadChat(s.db.WithContext(ctx), "store.GetChat", chatID)
	if err != nil {
		return Chat{}, err
	}
	return row.toChat(), nil
}

// UpdateChatStatus writes the status decided by the state machine.
func (s *GormStore) UpdateChatStatus(ctx context.Context, in UpdateChatStatusInput) (Chat, error) {
	var out chatRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.loadChat(tx, "store.UpdateChatStatus", in.ChatID)
		if err != nil {
			return err
		}
		row.Status = string(in.Status)
		row.DisabledBy = in.DisabledBy
		row.UpdatedAt = in.Now
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return Chat{}, err
	}
	return out.toChat(), nil
}

// AddUnread adjusts userID's unread counter by delta, never going below zero.
func (s *GormStore) AddUnread(ctx context.Context, chatID, userID string, delta int, now time.Time) (Chat, error) {
	var out chatRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.loadChat(tx, "store.AddUnread", chatID)
		if err != nil {
			return err
		}
		switch userID {
		case row.UserA:
			row.UnreadA = max(0, row.UnreadA+delta)
		case row.UserB:
			row.UnreadB = max(0, row.UnreadB+delta)
		default:
			return opErr("store.AddUnread", ErrForbidden, "not a participant")
		}
		row.UpdatedAt = now
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = row
		return nil
	})
	if err != nil {
		return Chat{}, err
	}
	return out.toChat(), nil
}

// ---- messages ----

// CreateMessage inserts a message.
func (s *GormStore) CreateMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" || m.ChatID == "" {
		return Message{}, opErr("store.CreateMessage", ErrInvalidInput, "ids")
	}
	if m.Status == "" {
		m.Status = MessageActive
	}
	if _, err := s.loadChat(s.db.WithContext(ctx), "store.CreateMessage", m.ChatID); err != nil {
		return Message{}, err
	}

	row := messageRow{
		ID:          m.ID,
		ChatID:      m.ChatID,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Text:        m.Text,
		Status:      string(m.Status),
		SeenAt:      m.SeenAt,
		CreatedAt:   m.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// GetMessage returns a message by id.
func (s *GormStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var row messageRow
	err := s.db.WithContext(ctx).Where("id = ?", messageID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, opErr("store.GetMessage", ErrNotFound, "message")
	}
	if err != nil {
		return Message{}, err
	}
	return row.toMessage(), nil
}

// MarkMessagesSeen stamps unseen messages addressed to readerID and returns them in id order.
func (s *GormStore) MarkMessagesSeen(ctx context.Context, messageIDs []string, readerID string, at time.Time) ([]Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	var out []Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []messageRow
		if err := tx.
			Where("id IN ? AND recipient_id = ? AND seen_at IS NULL", messageIDs, readerID).
			Order("id ASC").
			Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]string, 0, len(rows))
		for _, r := range rows {
			ids = append(ids, r.ID)
		}
		if err := tx.Model(&messageRow{}).Where("id IN ?", ids).Update("seen_at", at).Error; err != nil {
			return err
		}

		for _, r := range rows {
			t := at
			r.SeenAt = &t
			out = append(out, r.toMessage())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetMessageStatus changes the status only; the stored text is kept.
func (s *GormStore) SetMessageStatus(ctx context.Context, messageID string, status MessageStatus) (Message, error) {
	res := s.db.WithContext(ctx).Model(&messageRow{}).Where("id = ?", messageID).Update("status", string(status))
	if res.Error != nil {
		return Message{}, res.Error
	}
	if res.RowsAffected == 0 {
		return Message{}, opErr("store.SetMessageStatus", ErrNotFound, "message")
	}
	return s.GetMessage(ctx, messageID)
}

// ListMessages returns the newest window older than in.Before, oldest first.
func (s *GormStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if in.ChatID == "" {
		return ListMessagesResult{}, opErr("store.ListMessages", ErrInvalidInput, "chat id")
	}
	limit := clampLimit(in.Limit, defaultHistoryLimit, maxHistoryLimit)

	q := s.db.WithContext(ctx).Where("chat_id = ?", in.ChatID)
	if in.Before != "" {
		q = q.Where("id < ?", in.Before)
	}

	var rows []messageRow
	if err := q.Order("id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return ListMessagesResult{}, err
	}

	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}

	out := make([]Message, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.toMessage()
	}
	return ListMessagesResult{Messages: out, HasMore: hasMore}, nil
}

// ---- notifications ----

// CreateNotification inserts a notification.
func (s *GormStore) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	if n.ID == "" || n.RecipientID == "" || !n.Type.Valid() {
		return Notification{}, opErr("store.CreateNotification", ErrInvalidInput, "notification")
	}
	row := notificationRow{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		NotifierID:  n.NotifierID,
		Type:        string(n.Type),
		PostID:      n.PostID,
		CommentID:   n.CommentID,
		CommentText: n.CommentText,
		Seen:        n.Seen,
		CreatedAt:   n.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

func notificationScope(db *gorm.DB, f NotificationFilter) (*gorm.DB, bool) {
	scoped := false
	where := func(col, v string) {
		if v == "" {
			return
		}
		db = db.Where(col+" = ?", v)
		scoped = true
	}
	where("type", string(f.Type))
	where("recipient_id", f.RecipientID)
	where("notifier_id", f.NotifierID)
	where("post_id", f.PostID)
	where("comment_id", f.CommentID)
	return db, scoped
}

// DeleteNotifications removes every notification matching f.
func (s *GormStore) DeleteNotifications(ctx context.Context, f NotificationFilter) (int64, error) {
	q, scoped := notificationScope(s.db.WithContext(ctx), f)
	if !scoped {
		return 0, opErr("store.DeleteNotifications", ErrInvalidInput, "empty filter")
	}
	res := q.Delete(&notificationRow{})
	return res.RowsAffected, res.Error
}

// ListNotifications returns matches newest first.
func (s *GormStore) ListNotifications(ctx context.Context, f NotificationFilter, limit int) ([]Notification, error) {
	limit = clampLimit(limit, defaultNotificationListLimit, defaultNotificationListLimit)
	q, _ := notificationScope(s.db.WithContext(ctx), f)

	var rows []notificationRow
	if err := q.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toNotification())
	}
	return out, nil
}

// ---- post subscribers ----

// AddPostSubscriber records userID as a durable subscriber of postID (idempotent).
func (s *GormStore) AddPostSubscriber(ctx context.Context, postID, userID string, now time.Time) error {
	if postID == "" || userID == "" {
		return opErr("store.AddPostSubscriber", ErrInvalidInput, "ids")
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&postSubscriberRow{PostID: postID, UserID: userID, CreatedAt: now}).Error
}

// RemovePostSubscriber drops userID from postID's durable subscribers.
func (s *GormStore) RemovePostSubscriber(ctx context.Context, postID, userID string) error {
	return s.db.WithContext(ctx).
		Where("post_id = ? AND user_id = ?", postID, userID).
		Delete(&postSubscriberRow{}).Error
}

// ListPostSubscribers returns postID's durable subscribers in user id order.
func (s *GormStore) ListPostSubscribers(ctx context.Context, postID string) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).
		Model(&postSubscriberRow{}).
		Where("post_id = ?", postID).
		Order("user_id ASC").
		Pluck("user_id", &out).Error
	if out == nil {
		out = []string{}
	}
	return out, err
}

var _ Store = (*GormStore)(nil)
