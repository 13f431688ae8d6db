// Package v1 defines the Pulse Realtime Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server, the smoke client and tests to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Request types (client -> server).
const (
	// TypeHello joins the session and registers the connection as the user's live handle.
	TypeHello = "hello"
	// TypeLogout leaves the session: the user is dropped from presence and the
	// connection's post subscriptions are released. The socket stays open.
	TypeLogout = "logout"

	TypeChatOpen         = "chat_open"
	TypeChatDisable      = "chat_disable"
	TypeChatEnable       = "chat_enable"
	TypeChatHistory      = "chat_history"
	TypeMessageSend      = "message_send"
	TypeMessagesMarkRead = "messages_mark_read"
	TypeMessageDelete    = "message_delete"

	TypePostSubscribe   = "post_subscribe"
	TypePostUnsubscribe = "post_unsubscribe"

	TypeLike      = "like"
	TypeUnlike    = "unlike"
	TypeComment   = "comment"
	TypeUncomment = "uncomment"
	TypeFollow    = "follow"
	TypeUnfollow  = "unfollow"
)

// Reply types (server -> requesting client).
const (
	TypeHelloAck = "hello_ack"
	// TypeAck answers a successful request; Ref carries the request envelope id.
	TypeAck = "ack"
	// TypeError is a generic error envelope.
	TypeError = "error"
)

// Event types (server -> other users). Names are wire-stable and shared with web clients.
const (
	EventNewMessageReceived                 = "newMessageReceived"
	EventMessageDeleted                     = "messageDeleted"
	EventReadMessages                       = "readMessages"
	EventChatDisabled                       = "chatDisabled"
	EventChatEnabled                        = "chatEnabled"
	EventNewMessagesCounterUpdated          = "newMessagesCounterUpdated"
	EventReceivedNotification               = "receivedNotification"
	EventCommentNotificationToPostFollowers = "commentNotificationToPostFollowers"
	EventNewChatCreated                     = "newChatCreated"
)

var requestTypes = map[string]struct{}{
	TypeHello:            {},
	TypeLogout:           {},
	TypeChatOpen:         {},
	TypeChatDisable:      {},
	TypeChatEnable:       {},
	TypeChatHistory:      {},
	TypeMessageSend:      {},
	TypeMessagesMarkRead: {},
	TypeMessageDelete:    {},
	TypePostSubscribe:    {},
	TypePostUnsubscribe:  {},
	TypeLike:             {},
	TypeUnlike:           {},
	TypeComment:          {},
	TypeUncomment:        {},
	TypeFollow:           {},
	TypeUnfollow:         {},
}

// IsRequestType reports whether typ is a client -> server request type.
func IsRequestType(typ string) bool {
	_, ok := requestTypes[typ]
	return ok
}

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an inbound Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if !IsRequestType(e.Type) {
		return fmt.Errorf("unknown type: %q", e.Type)
	}
	return nil
}

// ---- Shared records ----

// Chat is a participant-relative view of a chat: Owner is the user receiving the view.
type Chat struct {
	ID                string    `json:"id"`
	OwnerUserID       string    `json:"ownerUserId"`
	CounterpartUserID string    `json:"counterpartUserId"`
	Status            string    `json:"status"`
	DisabledBy        string    `json:"disabledBy,omitempty"`
	Unread            int       `json:"unread"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Message is a chat message as delivered to clients. Deleted messages carry a placeholder text.
type Message struct {
	ID          string     `json:"id"`
	ChatID      string     `json:"chatId"`
	SenderID    string     `json:"senderId"`
	RecipientID string     `json:"recipientId"`
	Text        string     `json:"text"`
	Status      string     `json:"status"`
	SeenAt      *time.Time `json:"seenAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// ---- Request payloads ----

// HelloPayload joins a session. UserID is honored only when the gateway runs without token auth.
type HelloPayload struct {
	UserID string `json:"userId,omitempty"`
}

// ChatOpenPayload opens (or returns) the chat with another user.
type ChatOpenPayload struct {
	UserID string `json:"userId"`
}

// ChatRefPayload addresses an existing chat (enable, disable).
type ChatRefPayload struct {
	ChatID string `json:"chatId"`
}

// ChatHistoryPayload requests a window of messages older than Before (message id).
type ChatHistoryPayload struct {
	ChatID string `json:"chatId"`
	Before string `json:"before,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// MessageSendPayload requests sending a message into a chat.
type MessageSendPayload struct {
	ChatID string `json:"chatId"`
	Text   string `json:"text"`
}

// MessagesMarkReadPayload marks a batch of messages as seen by the caller.
type MessagesMarkReadPayload struct {
	MessageIDs []string `json:"messageIds"`
}

// MessageDeletePayload soft-deletes one of the caller's messages.
type MessageDeletePayload struct {
	MessageID string `json:"messageId"`
}

// PostRefPayload addresses a post (subscribe, unsubscribe).
type PostRefPayload struct {
	PostID string `json:"postId"`
}

// LikePayload reports a like (or unlike) performed by the caller.
type LikePayload struct {
	PostID       string `json:"postId"`
	PostAuthorID string `json:"postAuthorId"`
}

// CommentPayload reports a comment (or uncomment) performed by the caller.
type CommentPayload struct {
	PostID       string `json:"postId"`
	PostAuthorID string `json:"postAuthorId"`
	CommentID    string `json:"commentId"`
	Text         string `json:"text,omitempty"`
}

// FollowPayload reports a follow (or unfollow) of UserID performed by the caller.
type FollowPayload struct {
	UserID string `json:"userId"`
}

// ---- Reply payloads ----

// HelloAckPayload confirms the session join.
type HelloAckPayload struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// AckPayload confirms a request. Data is request-specific and may be empty.
type AckPayload struct {
	Ref  string          `json:"ref"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ChatHistoryResult is the Data of a chat_history ack.
type ChatHistoryResult struct {
	ChatID   string    `json:"chatId"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

// ---- Event payloads ----

// NewMessageReceivedPayload is pushed to the recipient of a new message.
type NewMessageReceivedPayload struct {
	Message Message `json:"message"`
	ChatID  string  `json:"chatId"`
}

// MessageDeletedPayload is pushed to the other participant of a soft-deleted message.
type MessageDeletedPayload struct {
	Message Message `json:"message"`
}

// ReadMessagesPayload is the batched read receipt pushed to the original sender.
type ReadMessagesPayload struct {
	Messages []Message `json:"messages"`
}

// ChatStatePayload carries a chat for chatDisabled, chatEnabled and newChatCreated.
type ChatStatePayload struct {
	Chat Chat `json:"chat"`
}

// NewMessagesCounterUpdatedPayload asks the recipient to bump the unread counter of ChatID.
type NewMessagesCounterUpdatedPayload struct {
	ChatID  string  `json:"chatId"`
	Message Message `json:"message"`
}

// SignalPayload is the empty body of receivedNotification and commentNotificationToPostFollowers.
// Clients re-fetch notification details over REST.
type SignalPayload struct{}

// ---- Ack data ----

// ChatResult is the Data of chat_open, chat_disable and chat_enable acks.
// Changed reports whether the request created the chat or moved its state.
type ChatResult struct {
	Chat    Chat `json:"chat"`
	Changed bool `json:"changed"`
}

// SubscriptionResult is the Data of post_subscribe and post_unsubscribe acks.
type SubscriptionResult struct {
	PostID     string `json:"postId"`
	Subscribed bool   `json:"subscribed"`
}

// NotificationResult is the Data of like, comment and follow acks.
// Created is false when the action notified nobody (e.g. liking your own post).
type NotificationResult struct {
	NotificationID string `json:"notificationId,omitempty"`
	Created        bool   `json:"created"`
	Recorded       int    `json:"recorded,omitempty"`
	Pushed         int    `json:"pushed,omitempty"`
}

// RemovedResult is the Data of unlike, uncomment and unfollow acks.
type RemovedResult struct {
	Removed int64 `json:"removed"`
}
