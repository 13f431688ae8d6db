package realtime

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

const (
	memMaxMessagesPerChat = 10_000
)

// InMemoryStore is a dev-only fallback when no database is configured.
// Records live for the process lifetime; message windows are bounded per chat.
type InMemoryStore struct {
	mu sync.Mutex

	chats  map[string]Chat
	byPair map[[2]string]string // canonical pair -> chat id

	messages map[string]Message
	chatMsgs map[string][]string // chat id -> message ids, oldest first

	notifications []Notification

	postSubs map[string]map[string]time.Time // post id -> user id -> subscribed at
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chats:    make(map[string]Chat),
		byPair:   make(map[[2]string]string),
		messages: make(map[string]Message),
		chatMsgs: make(map[string][]string),
		postSubs: make(map[string]map[string]time.Time),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// ---- chats ----

// GetOrCreateChat returns the pair's chat, creating it from in when missing.
func (s *InMemoryStore) GetOrCreateChat(ctx context.Context, in Chat) (Chat, bool, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, false, err
	}
	a, b := canonicalPair(in.UserA, in.UserB)
	if a == "" || b == "" || a == b || in.ID == "" {
		return Chat{}, false, opErr("store.GetOrCreateChat", ErrInvalidInput, "pair")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]string{a, b}
	if id, ok := s.byPair[key]; ok {
		return s.chats[id], false, nil
	}

	in.UserA, in.UserB = a, b
	if in.Status == "" {
		in.Status = ChatActive
	}
	s.chats[in.ID] = in
	s.byPair[key] = in.ID
	return in, true, nil
}

// GetChat returns a chat by id.
func (s *InMemoryStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return Chat{}, opErr("store.GetChat", ErrNotFound, "chat")
	}
	return c, nil
}

// UpdateChatStatus writes the status decided by the state machine.
func (s *InMemoryStore) UpdateChatStatus(ctx context.Context, in UpdateChatStatusInput) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[in.ChatID]
	if !ok {
		return Chat{}, opErr("store.UpdateChatStatus", ErrNotFound, "chat")
	}
	c.Status = in.Status
	c.DisabledBy = in.DisabledBy
	c.UpdatedAt = in.Now
	s.chats[c.ID] = c
	return c, nil
}

// AddUnread adjusts userID's unread counter by delta, never going below zero.
func (s *InMemoryStore) AddUnread(ctx context.Context, chatID, userID string, delta int, now time.Time) (Chat, error) {
	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return Chat{}, opErr("store.AddUnread", ErrNotFound, "chat")
	}
	switch userID {
	case c.UserA:
		c.UnreadA = max(0, c.UnreadA+delta)
	case c.UserB:
		c.UnreadB = max(0, c.UnreadB+delta)
	default:
		return Chat{}, opErr("store.AddUnread", ErrForbidden, "not a participant")
	}
	c.UpdatedAt = now
	s.chats[c.ID] = c
	return c, nil
}

// ---- messages ----

// CreateMessage appends a message to its chat.
func (s *InMemoryStore) CreateMessage(ctx context.Context, m Message) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if m.ID == "" || m.ChatID == "" {
		return Message{}, opErr("store.CreateMessage", ErrInvalidInput, "ids")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[m.ChatID]; !ok {
		return Message{}, opErr("store.CreateMessage", ErrNotFound, "chat")
	}

	s.messages[m.ID] = m
	ids := append(s.chatMsgs[m.ChatID], m.ID)

	// Bound memory to avoid unbounded growth in dev.
	if len(ids) > memMaxMessagesPerChat {
		for _, old := range ids[:len(ids)-memMaxMessagesPerChat] {
			delete(s.messages, old)
		}
		ids = append([]string(nil), ids[len(ids)-memMaxMessagesPerChat:]...)
	}
	s.chatMsgs[m.ChatID] = ids
	return m, nil
}

// GetMessage returns a message by id.
func (s *InMemoryStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return Message{}, opErr("store.GetMessage", ErrNotFound, "message")
	}
	return m, nil
}

// MarkMessagesSeen stamps unseen messages addressed to readerID and returns them in id order.
func (s *InMemoryStore) MarkMessagesSeen(ctx context.Context, messageIDs []string, readerID string, at time.Time) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	seen := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		m, ok := s.messages[id]
		if !ok || m.RecipientID != readerID || m.SeenAt != nil {
			continue
		}
		t := at
		m.SeenAt = &t
		s.messages[id] = m
		out = append(out, m)
	}
	slices.SortFunc(out, compareMessages)
	return out, nil
}

// SetMessageStatus changes the status only; the stored text is kept.
func (s *InMemoryStore) SetMessageStatus(ctx context.Context, messageID string, status MessageStatus) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return Message{}, opErr("store.SetMessageStatus", ErrNotFound, "message")
	}
	m.Status = status
	s.messages[messageID] = m
	return m, nil
}

// ListMessages returns the newest window older than in.Before, oldest first.
func (s *InMemoryStore) ListMessages(ctx context.Context, in ListMessagesInput) (ListMessagesResult, error) {
	if err := ctx.Err(); err != nil {
		return ListMessagesResult{}, err
	}
	if in.ChatID == "" {
		return ListMessagesResult{}, opErr("store.ListMessages", ErrInvalidInput, "chat id")
	}
	limit := clampLimit(in.Limit, defaultHistoryLimit, maxHistoryLimit)

	s.mu.Lock()
	snap := make([]Message, 0, len(s.chatMsgs[in.ChatID]))
	for _, id := range s.chatMsgs[in.ChatID] {
		if m, ok := s.messages[id]; ok {
			snap = append(snap, m)
		}
	}
	s.mu.Unlock()

	// Ensure ordering defensively.
	slices.SortFunc(snap, compareMessages)

	end := len(snap)
	if in.Before != "" {
		end, _ = slices.BinarySearchFunc(snap, in.Before, func(m Message, id string) int {
			return cmp.Compare(m.ID, id)
		})
	}
	start := max(0, end-limit)

	out := append([]Message(nil), snap[start:end]...)
	return ListMessagesResult{Messages: out, HasMore: start > 0}, nil
}

func compareMessages(a, b Message) int {
	return cmp.Compare(a.ID, b.ID)
}

// ---- notifications ----

// CreateNotification appends a notification.
func (s *InMemoryStore) CreateNotification(ctx context.Context, n Notification) (Notification, error) {
	if err := ctx.Err(); err != nil {
		return Notification{}, err
	}
	if n.ID == "" || n.RecipientID == "" || !n.Type.Valid() {
		return Notification{}, opErr("store.CreateNotification", ErrInvalidInput, "notification")
	}
	s.mu.Lock()
	s.notifications = append(s.notifications, n)
	s.mu.Unlock()
	return n, nil
}

// DeleteNotifications removes every notification matching f.
func (s *InMemoryStore) DeleteNotifications(ctx context.Context, f NotificationFilter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.notifications[:0]
	var n int64
	for _, x := range s.notifications {
		if f.Matches(x) {
			n++
			continue
		}
		kept = append(kept, x)
	}
	s.notifications = kept
	return n, nil
}

// ListNotifications returns matches newest first.
func (s *InMemoryStore) ListNotifications(ctx context.Context, f NotificationFilter, limit int) ([]Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, defaultNotificationListLimit, defaultNotificationListLimit)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Notification
	for i := len(s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if f.Matches(s.notifications[i]) {
			out = append(out, s.notifications[i])
		}
	}
	return out, nil
}

// ---- post subscribers ----

// AddPostSubscriber records userID as a durable subscriber of postID (idempotent).
func (s *InMemoryStore) AddPostSubscriber(ctx context.Context, postID, userID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if postID == "" || userID == "" {
		return opErr("store.AddPostSubscriber", ErrInvalidInput, "ids")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.postSubs[postID]
	if subs == nil {
		subs = make(map[string]time.Time)
		s.postSubs[postID] = subs
	}
	if _, ok := subs[userID]; !ok {
		subs[userID] = now
	}
	return nil
}

// RemovePostSubscriber drops userID from postID's durable subscribers.
func (s *InMemoryStore) RemovePostSubscriber(ctx context.Context, postID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if subs := s.postSubs[postID]; subs != nil {
		delete(subs, userID)
		if len(subs) == 0 {
			delete(s.postSubs, postID)
		}
	}
	return nil
}

// ListPostSubscribers returns postID's durable subscribers in user id order.
func (s *InMemoryStore) ListPostSubscribers(ctx context.Context, postID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.postSubs[postID]))
	for u := range s.postSubs[postID] {
		out = append(out, u)
	}
	slices.Sort(out)
	return out, nil
}

var _ Store = (*InMemoryStore)(nil)
