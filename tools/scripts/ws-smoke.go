// Package main is a CI-friendly WebSocket smoke test for the pulse realtime gateway.
//
// Two dev users connect and exercise the chat path end to end:
//   - handshake + subprotocol selection
//   - hello/hello_ack session join
//   - chat_open, with newChatCreated pushed to the counterpart on first open
//   - message_send, with newMessageReceived and newMessagesCounterUpdated to the recipient
//   - messages_mark_read, with the readMessages receipt to the sender
//   - chat_history returning the message as seen
//   - like, with receivedNotification to the post author
//
// With token auth enabled on the server pass -token-a/-token-b; the hello user id
// is then taken from the token.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "pulse/contracts/realtime/v1"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	defaultSubprotocol = "pulse.realtime.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn
	seq    int

	inbox   chan v1.Envelope
	backlog []v1.Envelope
	errCh   chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "smoke-alice", "Dev user id for client A")
		userB   = flag.String("user-b", "smoke-bob", "Dev user id for client B")
		tokenA  = flag.String("token-a", "", "Bearer token for client A (token auth)")
		tokenB  = flag.String("token-b", "", "Bearer token for client B (token auth)")
		text    = flag.String("text", "hello pulse 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *tokenA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *tokenB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.userID, b.userID, *origin)
	}

	var opened v1.ChatResult
	a.mustRequest(root, v1.TypeChatOpen, v1.ChatOpenPayload{UserID: b.userID}, &opened, *timeout)
	chatID := opened.Chat.ID
	if chatID == "" {
		fatalf("chat_open ack missing chat id")
	}
	if opened.Chat.Status != "active" {
		// A previous run may have left the chat disabled by A.
		a.mustRequest(root, v1.TypeChatEnable, v1.ChatRefPayload{ChatID: chatID}, &opened, *timeout)
	}
	if opened.Changed {
		var created v1.ChatStatePayload
		b.mustEvent(root, v1.EventNewChatCreated, &created, *timeout)
		if created.Chat.ID != chatID || created.Chat.CounterpartUserID != a.userID {
			fatalf("newChatCreated mismatch: %+v", created.Chat)
		}
	}

	var sent v1.Message
	a.mustRequest(root, v1.TypeMessageSend, v1.MessageSendPayload{ChatID: chatID, Text: *text}, &sent, *timeout)
	if sent.ID == "" || sent.Text != *text || sent.RecipientID != b.userID {
		fatalf("message_send ack mismatch: %+v", sent)
	}

	var received v1.NewMessageReceivedPayload
	b.mustEvent(root, v1.EventNewMessageReceived, &received, *timeout)
	if received.ChatID != chatID || received.Message.ID != sent.ID || received.Message.Text != *text {
		fatalf("newMessageReceived mismatch: %+v", received)
	}

	var counter v1.NewMessagesCounterUpdatedPayload
	b.mustEvent(root, v1.EventNewMessagesCounterUpdated, &counter, *timeout)
	if counter.ChatID != chatID || counter.Message.ID != sent.ID {
		fatalf("newMessagesCounterUpdated mismatch: %+v", counter)
	}

	var marked v1.ReadMessagesPayload
	b.mustRequest(root, v1.TypeMessagesMarkRead, v1.MessagesMarkReadPayload{MessageIDs: []string{sent.ID}}, &marked, *timeout)
	if len(marked.Messages) != 1 || marked.Messages[0].SeenAt == nil {
		fatalf("messages_mark_read ack mismatch: %+v", marked)
	}

	var receipt v1.ReadMessagesPayload
	a.mustEvent(root, v1.EventReadMessages, &receipt, *timeout)
	if len(receipt.Messages) != 1 || receipt.Messages[0].ID != sent.ID {
		fatalf("readMessages mismatch: %+v", receipt)
	}

	var history v1.ChatHistoryResult
	a.mustRequest(root, v1.TypeChatHistory, v1.ChatHistoryPayload{ChatID: chatID, Limit: 50}, &history, *timeout)
	if !containsSeen(history.Messages, sent.ID) {
		fatalf("chat_history missing seen message %s", sent.ID)
	}

	postID := ulid.Make().String()
	var liked v1.NotificationResult
	a.mustRequest(root, v1.TypeLike, v1.LikePayload{PostID: postID, PostAuthorID: b.userID}, &liked, *timeout)
	if !liked.Created {
		fatalf("like did not create a notification")
	}
	var signal v1.SignalPayload
	b.mustEvent(root, v1.EventReceivedNotification, &signal, *timeout)

	var removed v1.RemovedResult
	a.mustRequest(root, v1.TypeUnlike, v1.LikePayload{PostID: postID, PostAuthorID: b.userID}, &removed, *timeout)
	if removed.Removed != 1 {
		fatalf("unlike removed=%d want 1", removed.Removed)
	}

	mustAssertNoType(root, a, v1.EventNewMessageReceived, 750*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s chat_id=%s message_id=%s\n", a.userID, b.userID, chatID, sent.ID)
}

func containsSeen(msgs []v1.Message, id string) bool {
	for _, m := range msgs {
		if m.ID == id && m.SeenAt != nil {
			return true
		}
	}
	return false
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, userID, token, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(token) != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	claim := userID
	if strings.TrimSpace(token) != "" {
		claim = ""
	}
	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{UserID: claim}),
	}
	mustWriteWithTimeout(parent, conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing sessionId (%s)", name)
	}
	c.userID = p.UserID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if env.V != v1.Version || strings.TrimSpace(env.Type) == "" {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: v=%q type=%q", env.V, env.Type):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	for _, env := range c.backlog {
		if env.Type == forbiddenType {
			fatalf("unexpected %s received (%s)", forbiddenType, c.name)
		}
	}

	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		env := c.mustNext(ctx, wantType)
		if env.Type == wantType {
			return env
		}
		if env.Type == v1.TypeError {
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
		}
		if _, ok := skipTypes[env.Type]; ok {
			continue
		}
		fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

// mustRequest sends typ and decodes the ack data into out. Events that arrive
// before the ack are requeued for later mustEvent calls.
func (c *smokeClient) mustRequest(parent context.Context, typ string, payload, out any, stepTimeout time.Duration) {
	c.seq++
	id := fmt.Sprintf("%s-%s-%d", c.name, typ, c.seq)
	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}, stepTimeout)

	var pending []v1.Envelope
	defer func() { c.requeue(pending) }()

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	for {
		env := c.mustNext(ctx, typ)
		switch env.Type {
		case v1.TypeAck:
			var ack v1.AckPayload
			if err := json.Unmarshal(env.Payload, &ack); err != nil {
				fatalf("unmarshal ack (%s): %v", c.name, err)
			}
			if ack.Ref != id {
				fatalf("ack ref mismatch (%s): got=%q want=%q", c.name, ack.Ref, id)
			}
			if out != nil && len(ack.Data) > 0 {
				if err := json.Unmarshal(ack.Data, out); err != nil {
					fatalf("unmarshal %s ack data (%s): %v", typ, c.name, err)
				}
			}
			return
		case v1.TypeError:
			var ep v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &ep)
			fatalf("%s failed (%s): code=%q msg=%q", typ, c.name, ep.Code, ep.Message)
		default:
			pending = append(pending, env)
		}
	}
}

// mustEvent waits for the next event of type typ and decodes its payload into out.
func (c *smokeClient) mustEvent(parent context.Context, typ string, out any, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, typ, stepTimeout, map[string]struct{}{
		v1.EventNewMessagesCounterUpdated: {},
		v1.EventReceivedNotification:      {},
	})
	if out == nil {
		return
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		fatalf("unmarshal %s payload (%s): %v", typ, c.name, err)
	}
}

func (c *smokeClient) mustNext(ctx context.Context, waitingFor string) v1.Envelope {
	if len(c.backlog) > 0 {
		env := c.backlog[0]
		c.backlog = c.backlog[1:]
		return env
	}
	select {
	case <-ctx.Done():
		fatalf("timeout waiting for %q (%s): %v", waitingFor, c.name, ctx.Err())
	case err := <-c.errCh:
		fatalf("connection error while waiting for %q (%s): %v", waitingFor, c.name, err)
	case env, ok := <-c.inbox:
		if !ok {
			fatalf("connection closed while waiting for %q (%s)", waitingFor, c.name)
		}
		return env
	}
	panic("unreachable")
}

// requeue puts events back in front of whatever the read loop delivers next.
func (c *smokeClient) requeue(envs []v1.Envelope) {
	if len(envs) == 0 {
		return
	}
	c.backlog = append(envs, c.backlog...)
}
