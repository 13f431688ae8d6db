package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	v1 "pulse/contracts/realtime/v1"
)

// dispatch routes one validated request to the engine and replies on the
// requesting connection with ack or error.
func (g *WSGateway) dispatch(ctx context.Context, sess *session, env v1.Envelope) {
	if env.Type == v1.TypeHello {
		g.handleHello(sess, env)
		return
	}
	if sess.userID == "" {
		g.metrics.observeRequest(env.Type, "not_joined")
		g.sendError(sess.client, env.ID, "not_joined", "hello first")
		return
	}

	if env.Type == v1.TypeLogout {
		g.handleLogout(sess, env)
		return
	}

	data, err := g.handle(ctx, sess.userID, sess.client, env)
	if err != nil {
		code := ErrorCode(err)
		if errors.Is(err, errBadPayload) {
			code = "bad_payload"
		}
		g.metrics.observeRequest(env.Type, code)
		if code == "internal" {
			g.log.Error("ws.request.fail", "type", env.Type, "user_id", sess.userID, "err", err)
			g.sendError(sess.client, env.ID, code, "internal error")
			return
		}
		g.sendError(sess.client, env.ID, code, err.Error())
		return
	}

	g.metrics.observeRequest(env.Type, "ok")
	g.sendAck(sess.client, env.ID, data)
}

// handleLogout ends the joined session without closing the socket; a later
// hello may join again.
func (g *WSGateway) handleLogout(sess *session, env v1.Envelope) {
	userID := sess.userID
	g.engine.Presence.UnregisterByUser(userID)
	released := g.engine.Subscriptions.UnsubscribeHandle(sess.client)

	sess.userID = ""
	sess.client.bind("")

	g.metrics.observeRequest(env.Type, "ok")
	g.log.Info("ws.session.logout", "user_id", userID, "handle", sess.client.ID(), "subscriptions", released)
	g.sendAck(sess.client, env.ID, nil)
}

var errBadPayload = errors.New("bad payload")

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errBadPayload
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errors.Join(errBadPayload, err)
	}
	return nil
}

func (g *WSGateway) handleHello(sess *session, env v1.Envelope) {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			g.metrics.observeRequest(env.Type, "bad_payload")
			g.sendError(sess.client, env.ID, "bad_payload", "invalid hello payload")
			return
		}
	}
	claimed := strings.TrimSpace(p.UserID)

	userID := sess.tokenUserID
	switch {
	case userID != "" && claimed != "" && claimed != userID:
		g.metrics.observeRequest(env.Type, "forbidden")
		g.sendError(sess.client, env.ID, "forbidden", "userId does not match token")
		return
	case userID == "":
		userID = claimed
	}
	if userID == "" {
		g.metrics.observeRequest(env.Type, "invalid_input")
		g.sendError(sess.client, env.ID, "invalid_input", "userId is required")
		return
	}
	if sess.userID != "" && sess.userID != userID {
		g.metrics.observeRequest(env.Type, "forbidden")
		g.sendError(sess.client, env.ID, "forbidden", "session already joined as another user")
		return
	}

	sess.userID = userID
	sess.client.bind(userID)
	if prev := g.engine.Presence.Register(userID, sess.client); prev != nil && prev.ID() != sess.client.ID() {
		g.log.Info("ws.session.superseded", "user_id", userID, "old_handle", prev.ID(), "new_handle", sess.client.ID())
	}

	g.metrics.observeRequest(env.Type, "ok")
	g.log.Info("ws.session.join", "user_id", userID, "handle", sess.client.ID())

	ack := newEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: sess.client.ID(), UserID: userID}, time.Now().UTC())
	_ = sess.client.Push(ack)
}

func (g *WSGateway) handle(ctx context.Context, userID string, client *Client, env v1.Envelope) (any, error) {
	e := g.engine

	switch env.Type {
	case v1.TypeChatOpen:
		var p v1.ChatOpenPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		chat, created, err := e.Chats.Open(ctx, userID, p.UserID)
		if err != nil {
			return nil, err
		}
		return v1.ChatResult{Chat: chat.ViewFor(userID).Wire(), Changed: created}, nil

	case v1.TypeChatDisable, v1.TypeChatEnable:
		var p v1.ChatRefPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		transition := e.Chats.Disable
		if env.Type == v1.TypeChatEnable {
			transition = e.Chats.Enable
		}
		chat, changed, err := transition(ctx, p.ChatID, userID)
		if err != nil {
			return nil, err
		}
		return v1.ChatResult{Chat: chat.ViewFor(userID).Wire(), Changed: changed}, nil

	case v1.TypeChatHistory:
		var p v1.ChatHistoryPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		res, err := e.Router.History(ctx, p.ChatID, userID, p.Before, p.Limit)
		if err != nil {
			return nil, err
		}
		return v1.ChatHistoryResult{ChatID: p.ChatID, Messages: wireMessages(res.Messages), HasMore: res.HasMore}, nil

	case v1.TypeMessageSend:
		var p v1.MessageSendPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		msg, err := e.Router.Send(ctx, p.ChatID, userID, p.Text)
		if err != nil {
			return nil, err
		}
		return msg.Wire(), nil

	case v1.TypeMessagesMarkRead:
		var p v1.MessagesMarkReadPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		seen, err := e.Router.MarkRead(ctx, p.MessageIDs, userID)
		if err != nil {
			return nil, err
		}
		return v1.ReadMessagesPayload{Messages: wireMessages(seen)}, nil

	case v1.TypeMessageDelete:
		var p v1.MessageDeletePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		msg, err := e.Router.SoftDelete(ctx, p.MessageID, userID)
		if err != nil {
			return nil, err
		}
		return msg.Wire(), nil

	case v1.TypePostSubscribe:
		var p v1.PostRefPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		postID := normalizeID(p.PostID)
		if postID == "" {
			return nil, opErr("ws.PostSubscribe", ErrInvalidInput, "missing post id")
		}
		if err := e.Store().AddPostSubscriber(ctx, postID, userID, time.Now().UTC()); err != nil {
			return nil, err
		}
		e.Subscriptions.Subscribe(postID, userID, client)
		return v1.SubscriptionResult{PostID: postID, Subscribed: true}, nil

	case v1.TypePostUnsubscribe:
		var p v1.PostRefPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		postID := normalizeID(p.PostID)
		if postID == "" {
			return nil, opErr("ws.PostUnsubscribe", ErrInvalidInput, "missing post id")
		}
		e.Subscriptions.Unsubscribe(postID, userID)
		if err := e.Store().RemovePostSubscriber(ctx, postID, userID); err != nil {
			return nil, err
		}
		return v1.SubscriptionResult{PostID: postID, Subscribed: false}, nil

	case v1.TypeLike:
		var p v1.LikePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		rec, created, err := e.Notifier.NotifyLike(ctx, userID, p.PostID, p.PostAuthorID)
		if err != nil {
			return nil, err
		}
		return v1.NotificationResult{NotificationID: rec.ID, Created: created}, nil

	case v1.TypeUnlike:
		var p v1.LikePayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		removed, err := e.Notifier.RemoveNotification(ctx, NotificationFilter{
			Type:        NotificationLike,
			RecipientID: p.PostAuthorID,
			NotifierID:  userID,
			PostID:      normalizeID(p.PostID),
		})
		if err != nil {
			return nil, err
		}
		return v1.RemovedResult{Removed: removed}, nil

	case v1.TypeComment:
		var p v1.CommentPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		out, err := e.Notifier.NotifyComment(ctx, CommentEvent{
			PostID:       p.PostID,
			CommentID:    p.CommentID,
			Text:         p.Text,
			ActorID:      userID,
			PostAuthorID: p.PostAuthorID,
		})
		if err != nil {
			return nil, err
		}
		// Commenting while connected follows the post on this handle too.
		e.Subscriptions.Subscribe(normalizeID(p.PostID), userID, client)

		res := v1.NotificationResult{Created: out.Author != nil, Recorded: out.Recorded, Pushed: len(out.Pushed)}
		if out.Author != nil {
			res.NotificationID = out.Author.ID
		}
		return res, nil

	case v1.TypeUncomment:
		var p v1.CommentPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		removed, err := e.Notifier.RetractComment(ctx, CommentEvent{
			PostID:       p.PostID,
			CommentID:    p.CommentID,
			ActorID:      userID,
			PostAuthorID: p.PostAuthorID,
		})
		if err != nil {
			return nil, err
		}
		return v1.RemovedResult{Removed: removed}, nil

	case v1.TypeFollow:
		var p v1.FollowPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		rec, created, err := e.Notifier.NotifyFollow(ctx, userID, p.UserID)
		if err != nil {
			return nil, err
		}
		return v1.NotificationResult{NotificationID: rec.ID, Created: created}, nil

	case v1.TypeUnfollow:
		var p v1.FollowPayload
		if err := decodePayload(env.Payload, &p); err != nil {
			return nil, err
		}
		removed, err := e.Notifier.RemoveNotification(ctx, NotificationFilter{
			Type:        NotificationFollower,
			RecipientID: p.UserID,
			NotifierID:  userID,
		})
		if err != nil {
			return nil, err
		}
		return v1.RemovedResult{Removed: removed}, nil
	}

	return nil, opErr("ws.dispatch", ErrInvalidInput, "unsupported type "+env.Type)
}

func (g *WSGateway) sendAck(client *Client, ref string, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			g.log.Error("ws.ack.marshal.fail", "ref", ref, "err", err)
			g.sendError(client, ref, "internal", "internal error")
			return
		}
		raw = b
	}
	env := newEnvelope(v1.TypeAck, v1.AckPayload{Ref: ref, Data: raw}, time.Now().UTC())
	if !client.Push(env) {
		g.log.Debug("ws.ack.dropped", "handle", client.ID(), "ref", ref)
	}
}
