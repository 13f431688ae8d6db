package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	v1 "pulse/contracts/realtime/v1"
)

// NotifierStore is the slice of Store the fan-out service needs.
type NotifierStore interface {
	NotificationStore
	PostSubscriberStore
}

// Notifier fans out like/comment/follow events.
//
// The durable Notification is written before any push; a failed write suppresses
// the push and propagates. Pushes are a best-effort UI hint carrying no payload:
// clients fetch details over REST.
type Notifier struct {
	log      *slog.Logger
	store    NotifierStore
	presence *Presence
	subs     *Subscriptions
	now      func() time.Time
}

// NewNotifier constructs a Notifier.
func NewNotifier(log *slog.Logger, store NotifierStore, presence *Presence, subs *Subscriptions) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		log:      log,
		store:    store,
		presence: presence,
		subs:     subs,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CommentEvent describes a new comment on a post.
type CommentEvent struct {
	PostID       string
	CommentID    string
	Text         string
	ActorID      string
	PostAuthorID string
}

// CommentFanout reports what NotifyComment did.
type CommentFanout struct {
	// Author is the author's notification; nil when the actor commented on their own post.
	Author *Notification
	// Recorded counts durable notifications written for post subscribers.
	Recorded int
	// Pushed lists the users that got commentNotificationToPostFollowers.
	Pushed []string
}

// NotifyLike records a like notification for the post author and signals them.
// created=false means the actor liked their own post and nothing was done.
func (n *Notifier) NotifyLike(ctx context.Context, actorID, postID, postAuthorID string) (Notification, bool, error) {
	actorID, postID, postAuthorID = normalizeID(actorID), normalizeID(postID), normalizeID(postAuthorID)
	if actorID == "" || postID == "" || postAuthorID == "" {
		return Notification{}, false, opErr("notify.Like", ErrInvalidInput, "missing id")
	}
	if actorID == postAuthorID {
		return Notification{}, false, nil
	}

	return n.notifyOne(ctx, "notify.Like", Notification{
		RecipientID: postAuthorID,
		NotifierID:  actorID,
		Type:        NotificationLike,
		PostID:      postID,
	})
}

// NotifyFollow records a follower notification for targetUserID and signals them.
func (n *Notifier) NotifyFollow(ctx context.Context, actorID, targetUserID string) (Notification, bool, error) {
	actorID, targetUserID = normalizeID(actorID), normalizeID(targetUserID)
	if actorID == "" || targetUserID == "" {
		return Notification{}, false, opErr("notify.Follow", ErrInvalidInput, "missing id")
	}
	if actorID == targetUserID {
		return Notification{}, false, opErr("notify.Follow", ErrInvalidInput, "cannot follow self")
	}

	return n.notifyOne(ctx, "notify.Follow", Notification{
		RecipientID: targetUserID,
		NotifierID:  actorID,
		Type:        NotificationFollower,
	})
}

// NotifyComment notifies the post author directly and broadcasts
// commentNotificationToPostFollowers to every live subscriber of the post except
// the actor and the author. The subscriber set is snapshotted before the broadcast.
// The actor becomes a durable subscriber of the post.
func (n *Notifier) NotifyComment(ctx context.Context, ev CommentEvent) (CommentFanout, error) {
	ev.PostID, ev.CommentID = normalizeID(ev.PostID), normalizeID(ev.CommentID)
	ev.ActorID, ev.PostAuthorID = normalizeID(ev.ActorID), normalizeID(ev.PostAuthorID)
	if ev.PostID == "" || ev.CommentID == "" || ev.ActorID == "" || ev.PostAuthorID == "" {
		return CommentFanout{}, opErr("notify.Comment", ErrInvalidInput, "missing id")
	}
	preview := truncateRunes(ev.Text, maxCommentPreviewChars)

	var out CommentFanout

	if ev.ActorID != ev.PostAuthorID {
		rec, _, err := n.notifyOne(ctx, "notify.Comment", Notification{
			RecipientID: ev.PostAuthorID,
			NotifierID:  ev.ActorID,
			Type:        NotificationComment,
			PostID:      ev.PostID,
			CommentID:   ev.CommentID,
			CommentText: preview,
		})
		if err != nil {
			return CommentFanout{}, err
		}
		out.Author = &rec
	}

	now := n.now()
	if err := n.store.AddPostSubscriber(ctx, ev.PostID, ev.ActorID, now); err != nil {
		return out, fmt.Errorf("notify.Comment: subscribe actor: %w", err)
	}

	durable, err := n.store.ListPostSubscribers(ctx, ev.PostID)
	if err != nil {
		return out, fmt.Errorf("notify.Comment: subscribers: %w", err)
	}
	for _, userID := range durable {
		if userID == ev.ActorID || userID == ev.PostAuthorID {
			continue
		}
		if _, err := n.store.CreateNotification(ctx, Notification{
			ID:          NewID(now),
			RecipientID: userID,
			NotifierID:  ev.ActorID,
			Type:        NotificationComment,
			PostID:      ev.PostID,
			CommentID:   ev.CommentID,
			CommentText: preview,
			CreatedAt:   now,
		}); err != nil {
			return out, fmt.Errorf("notify.Comment: subscriber notification: %w", err)
		}
		out.Recorded++
	}

	snapshot := n.subs.SubscribersOf(ev.PostID)
	signal := newEnvelope(v1.EventCommentNotificationToPostFollowers, v1.SignalPayload{}, now)
	pushed := make(map[string]struct{}, len(snapshot))
	for _, sub := range snapshot {
		if sub.UserID == ev.ActorID || sub.UserID == ev.PostAuthorID {
			continue
		}
		if _, dup := pushed[sub.UserID]; dup {
			continue
		}
		// Only the user's current registry handle is a delivery target.
		conn, ok := n.presence.Lookup(sub.UserID)
		if !ok || conn.ID() != sub.Conn.ID() {
			continue
		}
		pushed[sub.UserID] = struct{}{}
		if n.presence.pushConn(conn, sub.UserID, signal) == PushDelivered {
			out.Pushed = append(out.Pushed, sub.UserID)
		}
	}

	n.log.Debug("notify.comment.fanout", "post_id", ev.PostID, "recorded", out.Recorded, "pushed", len(out.Pushed))
	return out, nil
}

// RemoveNotification deletes matching notifications (unlike, uncomment, unfollow).
// No match is not an error. Type and RecipientID are required so a cleanup can
// never wipe a whole inbox.
func (n *Notifier) RemoveNotification(ctx context.Context, f NotificationFilter) (int64, error) {
	f.RecipientID = normalizeID(f.RecipientID)
	if !f.Type.Valid() || f.RecipientID == "" {
		return 0, opErr("notify.Remove", ErrInvalidInput, "type and recipient are required")
	}

	removed, err := n.store.DeleteNotifications(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("notify.Remove: %w", err)
	}
	if removed == 0 {
		n.log.Debug("notify.remove.none", "type", string(f.Type), "recipient", f.RecipientID)
	}
	return removed, nil
}

func (n *Notifier) notifyOne(ctx context.Context, op string, rec Notification) (Notification, bool, error) {
	now := n.now()
	rec.ID = NewID(now)
	rec.CreatedAt = now

	stored, err := n.store.CreateNotification(ctx, rec)
	if err != nil {
		return Notification{}, false, fmt.Errorf("%s: %w", op, err)
	}

	n.presence.Push(stored.RecipientID, newEnvelope(v1.EventReceivedNotification, v1.SignalPayload{}, now))
	return stored, true, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// RetractComment removes every notification a comment produced: the author's and
// those recorded for durable post subscribers.
func (n *Notifier) RetractComment(ctx context.Context, ev CommentEvent) (int64, error) {
	ev.PostID, ev.CommentID = normalizeID(ev.PostID), normalizeID(ev.CommentID)
	ev.ActorID, ev.PostAuthorID = normalizeID(ev.ActorID), normalizeID(ev.PostAuthorID)
	if ev.PostID == "" || ev.CommentID == "" || ev.ActorID == "" || ev.PostAuthorID == "" {
		return 0, opErr("notify.Retract", ErrInvalidInput, "missing id")
	}

	recipients, err := n.store.ListPostSubscribers(ctx, ev.PostID)
	if err != nil {
		return 0, fmt.Errorf("notify.Retract: subscribers: %w", err)
	}
	recipients = append(recipients, ev.PostAuthorID)

	var total int64
	seen := make(map[string]struct{}, len(recipients))
	for _, userID := range recipients {
		if userID == ev.ActorID {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		removed, err := n.RemoveNotification(ctx, NotificationFilter{
			Type:        NotificationComment,
			RecipientID: userID,
			NotifierID:  ev.ActorID,
			PostID:      ev.PostID,
			CommentID:   ev.CommentID,
		})
		if err != nil {
			return total, err
		}
		total += removed
	}
	return total, nil
}
