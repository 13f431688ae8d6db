package realtime

import (
	"strings"
	"time"

	v1 "pulse/contracts/realtime/v1"
)

// ChatStatus is the enable/disable state of a chat.
type ChatStatus string

const (
	ChatActive   ChatStatus = "active"
	ChatInactive ChatStatus = "inactive"
)

// MessageStatus is inactive once the sender soft-deleted the message.
type MessageStatus string

const (
	MessageActive   MessageStatus = "active"
	MessageInactive MessageStatus = "inactive"
)

// NotificationType enumerates durable notification kinds.
type NotificationType string

const (
	NotificationLike     NotificationType = "like"
	NotificationComment  NotificationType = "comment"
	NotificationFollower NotificationType = "follower"
)

// Valid reports whether t is a known notification type.
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationLike, NotificationComment, NotificationFollower:
		return true
	default:
		return false
	}
}

// DeletedMessageText replaces the text of a soft-deleted message in every delivered copy.
const DeletedMessageText = "This message was deleted"

// Chat is the single canonical record for an unordered user pair.
// UserA < UserB always holds; participant-relative views are computed by ViewFor.
type Chat struct {
	ID         string
	UserA      string
	UserB      string
	Status     ChatStatus
	DisabledBy string
	UnreadA    int
	UnreadB    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// canonicalPair orders two user ids so a pair maps to exactly one chat.
func canonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// HasParticipant reports whether userID is one of the two chat users.
func (c Chat) HasParticipant(userID string) bool {
	return userID != "" && (userID == c.UserA || userID == c.UserB)
}

// Counterpart returns the other participant. It returns "" for non-participants.
func (c Chat) Counterpart(userID string) string {
	switch userID {
	case c.UserA:
		return c.UserB
	case c.UserB:
		return c.UserA
	default:
		return ""
	}
}

// UnreadFor returns the unread counter kept for userID.
func (c Chat) UnreadFor(userID string) int {
	switch userID {
	case c.UserA:
		return c.UnreadA
	case c.UserB:
		return c.UnreadB
	default:
		return 0
	}
}

// ChatView is the chat as seen by one participant.
type ChatView struct {
	ID                string
	OwnerUserID       string
	CounterpartUserID string
	Status            ChatStatus
	DisabledBy        string
	Unread            int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ViewFor computes the participant-relative view for userID.
func (c Chat) ViewFor(userID string) ChatView {
	return ChatView{
		ID:                c.ID,
		OwnerUserID:       userID,
		CounterpartUserID: c.Counterpart(userID),
		Status:            c.Status,
		DisabledBy:        c.DisabledBy,
		Unread:            c.UnreadFor(userID),
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

// Wire converts the view to its protocol representation.
func (v ChatView) Wire() v1.Chat {
	return v1.Chat{
		ID:                v.ID,
		OwnerUserID:       v.OwnerUserID,
		CounterpartUserID: v.CounterpartUserID,
		Status:            string(v.Status),
		DisabledBy:        v.DisabledBy,
		Unread:            v.Unread,
		CreatedAt:         v.CreatedAt,
		UpdatedAt:         v.UpdatedAt,
	}
}

// Message is a durable chat message. Text is retained in storage after a soft delete.
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	RecipientID string
	Text        string
	Status      MessageStatus
	SeenAt      *time.Time
	CreatedAt   time.Time
}

// Redacted returns the copy that may be delivered to any party.
func (m Message) Redacted() Message {
	if m.Status == MessageInactive {
		m.Text = DeletedMessageText
	}
	return m
}

// Wire converts the message to its protocol representation (always redacted).
func (m Message) Wire() v1.Message {
	r := m.Redacted()
	var seen *time.Time
	if r.SeenAt != nil {
		t := *r.SeenAt
		seen = &t
	}
	return v1.Message{
		ID:          r.ID,
		ChatID:      r.ChatID,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Text:        r.Text,
		Status:      string(r.Status),
		SeenAt:      seen,
		CreatedAt:   r.CreatedAt,
	}
}

func wireMessages(in []Message) []v1.Message {
	out := make([]v1.Message, 0, len(in))
	for _, m := range in {
		out = append(out, m.Wire())
	}
	return out
}

// Notification is a durable "someone liked/commented/followed" record.
type Notification struct {
	ID          string
	RecipientID string
	NotifierID  string
	Type        NotificationType
	PostID      string
	CommentID   string
	CommentText string
	Seen        bool
	CreatedAt   time.Time
}

// NotificationFilter selects notifications for removal or listing.
// Empty fields do not constrain the match; RecipientID and Type are required for deletes.
type NotificationFilter struct {
	Type        NotificationType
	RecipientID string
	NotifierID  string
	PostID      string
	CommentID   string
}

// Matches reports whether n satisfies every non-empty field of f.
func (f NotificationFilter) Matches(n Notification) bool {
	if f.Type != "" && n.Type != f.Type {
		return false
	}
	if f.RecipientID != "" && n.RecipientID != f.RecipientID {
		return false
	}
	if f.NotifierID != "" && n.NotifierID != f.NotifierID {
		return false
	}
	if f.PostID != "" && n.PostID != f.PostID {
		return false
	}
	if f.CommentID != "" && n.CommentID != f.CommentID {
		return false
	}
	return true
}

func normalizeID(s string) string {
	return strings.TrimSpace(s)
}
