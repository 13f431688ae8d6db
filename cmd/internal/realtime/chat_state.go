package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	v1 "pulse/contracts/realtime/v1"
)

// ChatStates is the per-chat enable/disable state machine.
//
// States: active (initial), inactive.
//   - Disable: active -> inactive, records DisabledBy. Inactive is a success no-op.
//   - Enable: inactive -> active, only by the participant recorded in DisabledBy.
//     Active is a success no-op.
//
// Every effective transition is pushed to the other participant only.
// Transitions share the router's per-chat locks, so a send can never slip
// between a disable decision and its write.
type ChatStates struct {
	log      *slog.Logger
	store    ChatStore
	presence *Presence
	locks    *chatLocks
	now      func() time.Time
}

// NewChatStates constructs the state machine over store.
func NewChatStates(log *slog.Logger, store ChatStore, presence *Presence, locks *chatLocks) *ChatStates {
	if log == nil {
		log = slog.Default()
	}
	if locks == nil {
		locks = newChatLocks()
	}
	return &ChatStates{
		log:      log,
		store:    store,
		presence: presence,
		locks:    locks,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Open returns the chat between userID and otherID, creating it (active) when missing.
// On creation the counterpart receives newChatCreated.
func (s *ChatStates) Open(ctx context.Context, userID, otherID string) (Chat, bool, error) {
	userID, otherID = normalizeID(userID), normalizeID(otherID)
	if userID == "" || otherID == "" {
		return Chat{}, false, opErr("chat.Open", ErrInvalidInput, "missing user id")
	}
	if userID == otherID {
		return Chat{}, false, opErr("chat.Open", ErrInvalidInput, "cannot chat with self")
	}

	now := s.now()
	a, b := canonicalPair(userID, otherID)
	c, created, err := s.store.GetOrCreateChat(ctx, Chat{
		ID:        NewID(now),
		UserA:     a,
		UserB:     b,
		Status:    ChatActive,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return Chat{}, false, fmt.Errorf("chat.Open: %w", err)
	}

	if created {
		s.log.Info("chat.created", "chat_id", c.ID, "by", userID)
		s.presence.Push(otherID, chatEvent(v1.EventNewChatCreated, c, otherID, now))
	}
	return c, created, nil
}

// Disable moves chatID to inactive on behalf of byUserID.
// changed=false means the chat was already inactive (AlreadyInState).
func (s *ChatStates) Disable(ctx context.Context, chatID, byUserID string) (Chat, bool, error) {
	return s.transition(ctx, "chat.Disable", chatID, byUserID, ChatInactive)
}

// Enable moves chatID back to active. Only the user who disabled the chat may do so.
// changed=false means the chat was already active (AlreadyInState).
func (s *ChatStates) Enable(ctx context.Context, chatID, byUserID string) (Chat, bool, error) {
	return s.transition(ctx, "chat.Enable", chatID, byUserID, ChatActive)
}

func (s *ChatStates) transition(ctx context.Context, op, chatID, byUserID string, to ChatStatus) (Chat, bool, error) {
	chatID, byUserID = normalizeID(chatID), normalizeID(byUserID)
	if chatID == "" || byUserID == "" {
		return Chat{}, false, opErr(op, ErrInvalidInput, "missing id")
	}

	unlock := s.locks.lock(chatID)
	defer unlock()

	c, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return Chat{}, false, fmt.Errorf("%s: %w", op, err)
	}
	if !c.HasParticipant(byUserID) {
		return Chat{}, false, opErr(op, ErrForbidden, "not a participant")
	}
	if c.Status == to {
		return c, false, nil
	}

	in := UpdateChatStatusInput{ChatID: chatID, Status: to, Now: s.now()}
	eventType := v1.EventChatDisabled
	if to == ChatActive {
		if c.DisabledBy != "" && c.DisabledBy != byUserID {
			return Chat{}, false, opErr(op, ErrForbidden, "only the user who disabled the chat can enable it")
		}
		eventType = v1.EventChatEnabled
	} else {
		in.DisabledBy = byUserID
	}

	updated, err := s.store.UpdateChatStatus(ctx, in)
	if err != nil {
		return Chat{}, false, fmt.Errorf("%s: %w", op, err)
	}

	other := updated.Counterpart(byUserID)
	s.log.Info("chat.transition", "chat_id", chatID, "by", byUserID, "status", string(updated.Status))
	s.presence.Push(other, chatEvent(eventType, updated, other, in.Now))
	return updated, true, nil
}
