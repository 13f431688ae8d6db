package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	v1 "pulse/contracts/realtime/v1"
)

// Router delivers chat messages and read receipts between participants.
//
// Ordering: sends on one chat are serialized by the per-chat lock and pushed while
// it is held, and each connection drains a FIFO queue, so a connected recipient
// sees one sender's messages in send order. The message push and the counter push
// are independent events; clients dedupe by message id.
type Router struct {
	log      *slog.Logger
	store    Store
	presence *Presence
	locks    *chatLocks
	now      func() time.Time
}

// NewRouter constructs a Router.
func NewRouter(log *slog.Logger, store Store, presence *Presence, locks *chatLocks) *Router {
	if log == nil {
		log = slog.Default()
	}
	if locks == nil {
		locks = newChatLocks()
	}
	return &Router{
		log:      log,
		store:    store,
		presence: presence,
		locks:    locks,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Send persists a message from senderID on chatID and pushes it to the recipient.
// It fails with ErrChatDisabled, before any write or push, when the chat is inactive.
func (r *Router) Send(ctx context.Context, chatID, senderID, text string) (Message, error) {
	chatID, senderID = normalizeID(chatID), normalizeID(senderID)
	if chatID == "" || senderID == "" {
		return Message{}, opErr("message.Send", ErrInvalidInput, "missing id")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, opErr("message.Send", ErrInvalidInput, "empty text")
	}
	if len([]rune(text)) > maxMessageChars {
		return Message{}, opErr("message.Send", ErrInvalidInput, fmt.Sprintf("message too long: max=%d chars", maxMessageChars))
	}

	unlock := r.locks.lock(chatID)
	defer unlock()

	c, err := r.store.GetChat(ctx, chatID)
	if err != nil {
		return Message{}, fmt.Errorf("message.Send: %w", err)
	}
	if !c.HasParticipant(senderID) {
		return Message{}, opErr("message.Send", ErrForbidden, "not a participant")
	}
	if c.Status == ChatInactive {
		return Message{}, opErr("message.Send", ErrChatDisabled, "")
	}

	now := r.now()
	recipient := c.Counterpart(senderID)

	stored, err := r.store.CreateMessage(ctx, Message{
		ID:          NewID(now),
		ChatID:      chatID,
		SenderID:    senderID,
		RecipientID: recipient,
		Text:        text,
		Status:      MessageActive,
		CreatedAt:   now,
	})
	if err != nil {
		return Message{}, fmt.Errorf("message.Send: store: %w", err)
	}

	if _, err := r.store.AddUnread(ctx, chatID, recipient, 1, now); err != nil {
		return Message{}, fmt.Errorf("message.Send: unread: %w", err)
	}

	wire := stored.Wire()
	r.presence.Push(recipient, newEnvelope(v1.EventNewMessageReceived, v1.NewMessageReceivedPayload{
		Message: wire,
		ChatID:  chatID,
	}, now))
	r.presence.Push(recipient, newEnvelope(v1.EventNewMessagesCounterUpdated, v1.NewMessagesCounterUpdatedPayload{
		ChatID:  chatID,
		Message: wire,
	}, now))

	r.log.Debug("message.sent", "chat_id", chatID, "message_id", stored.ID, "sender", senderID)
	return stored, nil
}

// MarkRead stamps SeenAt on the messages addressed to readerID and sends one batched
// readMessages receipt per original sender. Messages addressed to others are untouched.
func (r *Router) MarkRead(ctx context.Context, messageIDs []string, readerID string) ([]Message, error) {
	readerID = normalizeID(readerID)
	if readerID == "" {
		return nil, opErr("message.MarkRead", ErrInvalidInput, "missing reader")
	}
	if len(messageIDs) > maxMarkReadBatch {
		return nil, opErr("message.MarkRead", ErrInvalidInput, fmt.Sprintf("too many messages: max=%d", maxMarkReadBatch))
	}

	ids := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		if id = normalizeID(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := r.now()
	updated, err := r.store.MarkMessagesSeen(ctx, ids, readerID, now)
	if err != nil {
		return nil, fmt.Errorf("message.MarkRead: %w", err)
	}
	if len(updated) == 0 {
		return nil, nil
	}

	perChat := make(map[string]int)
	var chatOrder []string
	perSender := make(map[string][]Message)
	var senderOrder []string
	for _, m := range updated {
		if _, ok := perChat[m.ChatID]; !ok {
			chatOrder = append(chatOrder, m.ChatID)
		}
		perChat[m.ChatID]++
		if _, ok := perSender[m.SenderID]; !ok {
			senderOrder = append(senderOrder, m.SenderID)
		}
		perSender[m.SenderID] = append(perSender[m.SenderID], m)
	}

	for _, chatID := range chatOrder {
		unlock := r.locks.lock(chatID)
		_, err := r.store.AddUnread(ctx, chatID, readerID, -perChat[chatID], now)
		unlock()
		if err != nil {
			return nil, fmt.Errorf("message.MarkRead: unread: %w", err)
		}
	}

	for _, sender := range senderOrder {
		r.presence.Push(sender, newEnvelope(v1.EventReadMessages, v1.ReadMessagesPayload{
			Messages: wireMessages(perSender[sender]),
		}, now))
	}

	return updated, nil
}

// SoftDelete marks a message inactive on behalf of its sender. The stored text is
// kept; every delivered copy carries DeletedMessageText. Deleting twice is a no-op.
func (r *Router) SoftDelete(ctx context.Context, messageID, requesterID string) (Message, error) {
	messageID, requesterID = normalizeID(messageID), normalizeID(requesterID)
	if messageID == "" || requesterID == "" {
		return Message{}, opErr("message.SoftDelete", ErrInvalidInput, "missing id")
	}

	m, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return Message{}, fmt.Errorf("message.SoftDelete: %w", err)
	}
	if m.SenderID != requesterID {
		return Message{}, opErr("message.SoftDelete", ErrForbidden, "only the sender can delete a message")
	}

	unlock := r.locks.lock(m.ChatID)
	defer unlock()

	// Re-read under the chat lock; a concurrent delete may have won.
	if m, err = r.store.GetMessage(ctx, messageID); err != nil {
		return Message{}, fmt.Errorf("message.SoftDelete: %w", err)
	}
	if m.Status == MessageInactive {
		return m.Redacted(), nil
	}

	updated, err := r.store.SetMessageStatus(ctx, messageID, MessageInactive)
	if err != nil {
		return Message{}, fmt.Errorf("message.SoftDelete: %w", err)
	}

	r.presence.Push(updated.RecipientID, newEnvelope(v1.EventMessageDeleted, v1.MessageDeletedPayload{
		Message: updated.Wire(),
	}, r.now()))

	return updated.Redacted(), nil
}

// History returns a window of chatID's messages for a participant, redacted.
func (r *Router) History(ctx context.Context, chatID, userID, before string, limit int) (ListMessagesResult, error) {
	chatID, userID = normalizeID(chatID), normalizeID(userID)
	if chatID == "" || userID == "" {
		return ListMessagesResult{}, opErr("message.History", ErrInvalidInput, "missing id")
	}

	c, err := r.store.GetChat(ctx, chatID)
	if err != nil {
		return ListMessagesResult{}, fmt.Errorf("message.History: %w", err)
	}
	if !c.HasParticipant(userID) {
		return ListMessagesResult{}, opErr("message.History", ErrForbidden, "not a participant")
	}

	out, err := r.store.ListMessages(ctx, ListMessagesInput{
		ChatID: chatID,
		Before: normalizeID(before),
		Limit:  clampLimit(limit, defaultHistoryLimit, maxHistoryLimit),
	})
	if err != nil {
		return ListMessagesResult{}, fmt.Errorf("message.History: %w", err)
	}
	for i := range out.Messages {
		out.Messages[i] = out.Messages[i].Redacted()
	}
	return out, nil
}
