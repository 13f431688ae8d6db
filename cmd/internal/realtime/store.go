package realtime

import (
	"context"
	"time"
)

// Store is the storage collaborator for durable records.
//
// Requirements:
//   - One chat per unordered user pair (GetOrCreateChat is atomic)
//   - Message text is never erased by a status change
//   - Not-found conditions are reported as ErrNotFound (errors.Is)
type Store interface {
	ChatStore
	MessageStore
	NotificationStore
	PostSubscriberStore
	Close() error
}

// ChatStore persists chats and their per-participant unread counters.
type ChatStore interface {
	GetOrCreateChat(ctx context.Context, in Chat) (Chat, bool, error)
	GetChat(ctx context.Context, chatID string) (Chat, error)
	UpdateChatStatus(ctx context.Context, in UpdateChatStatusInput) (Chat, error)
	AddUnread(ctx context.Context, chatID, userID string, delta int, now time.Time) (Chat, error)
}

// UpdateChatStatusInput describes a status write decided by ChatStates.
type UpdateChatStatusInput struct {
	ChatID     string
	Status     ChatStatus
	DisabledBy string
	Now        time.Time
}

// MessageStore persists chat messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, m Message) (Message, error)
	GetMessage(ctx context.Context, messageID string) (Message, error)
	// MarkMessagesSeen sets SeenAt=at on the listed messages whose recipient is readerID
	// and that were not seen yet. It returns only the messages it changed.
	MarkMessagesSeen(ctx context.Context, messageIDs []string, readerID string, at time.Time) ([]Message, error)
	SetMessageStatus(ctx context.Context, messageID string, status MessageStatus) (Message, error)
	ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error)
}

// ListMessagesInput describes a history window: the newest Limit messages older than Before.
type ListMessagesInput struct {
	ChatID string
	Before string
	Limit  int
}

// ListMessagesResult holds a history window ordered oldest first.
type ListMessagesResult struct {
	Messages []Message
	HasMore  bool
}

// NotificationStore persists notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n Notification) (Notification, error)
	DeleteNotifications(ctx context.Context, f NotificationFilter) (int64, error)
	ListNotifications(ctx context.Context, f NotificationFilter, limit int) ([]Notification, error)
}

// PostSubscriberStore persists which users follow a post's comment activity.
type PostSubscriberStore interface {
	AddPostSubscriber(ctx context.Context, postID, userID string, now time.Time) error
	RemovePostSubscriber(ctx context.Context, postID, userID string) error
	ListPostSubscribers(ctx context.Context, postID string) ([]string, error)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	defaultNotificationListLimit = 100
)

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
