package realtime

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	v1 "pulse/contracts/realtime/v1"
)

func TestRouter_SendDeliversMessageThenCounter(t *testing.T) {
	e := newTestEngine(t)
	alice := connect(t, e, "alice")
	bob := connect(t, e, "bob")
	chat := mustOpenChat(t, e, "alice", "bob")
	bob.reset()

	msg, err := e.Router.Send(testCtx(t), chat.ID, "alice", "  hi bob  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Text != "hi bob" || msg.RecipientID != "bob" || msg.Status != MessageActive {
		t.Fatalf("stored message: %+v", msg)
	}

	got := bob.types()
	if len(got) != 2 || got[0] != v1.EventNewMessageReceived || got[1] != v1.EventNewMessagesCounterUpdated {
		t.Fatalf("bob events=%v", got)
	}
	p := decodeEventPayload[v1.NewMessageReceivedPayload](t, bob.events()[0])
	if p.ChatID != chat.ID || p.Message.ID != msg.ID || p.Message.Text != "hi bob" {
		t.Fatalf("newMessageReceived payload: %+v", p)
	}
	if len(alice.events()) != 0 {
		t.Fatalf("sender received its own message: %v", alice.types())
	}

	stored, err := e.Store().GetChat(testCtx(t), chat.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if stored.UnreadFor("bob") != 1 || stored.UnreadFor("alice") != 0 {
		t.Fatalf("unread counters: bob=%d alice=%d", stored.UnreadFor("bob"), stored.UnreadFor("alice"))
	}
}

func TestRouter_SendToOfflineRecipientIsStored(t *testing.T) {
	e := newTestEngine(t)
	chat := mustOpenChat(t, e, "alice", "bob")

	if _, err := e.Router.Send(testCtx(t), chat.ID, "alice", "later"); err != nil {
		t.Fatalf("send to offline recipient: %v", err)
	}
	res, err := e.Router.History(testCtx(t), chat.ID, "bob", "", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(res.Messages) != 1 || res.Messages[0].Text != "later" {
		t.Fatalf("history: %+v", res.Messages)
	}
}

func TestRouter_SendOnDisabledChatIsRejected(t *testing.T) {
	e := newTestEngine(t)
	bob := connect(t, e, "bob")
	chat := mustOpenChat(t, e, "alice", "bob")
	ctx := testCtx(t)

	if _, _, err := e.Chats.Disable(ctx, chat.ID, "bob"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	bob.reset()

	for _, sender := range []string{"alice", "bob"} {
		if _, err := e.Router.Send(ctx, chat.ID, sender, "hello?"); !errors.Is(err, ErrChatDisabled) {
			t.Fatalf("send by %s: expected ErrChatDisabled, got %v", sender, err)
		}
	}
	if len(bob.events()) != 0 {
		t.Fatalf("rejected send pushed events: %v", bob.types())
	}
	res, err := e.Router.History(ctx, chat.ID, "alice", "", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(res.Messages) != 0 {
		t.Fatalf("rejected send stored %d messages", len(res.Messages))
	}

	if _, _, err := e.Chats.Enable(ctx, chat.ID, "bob"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, err := e.Router.Send(ctx, chat.ID, "alice", "back"); err != nil {
		t.Fatalf("send after enable: %v", err)
	}
}

func TestRouter_SendValidation(t *testing.T) {
	e := newTestEngine(t)
	chat := mustOpenChat(t, e, "alice", "bob")
	ctx := testCtx(t)

	cases := []struct {
		name   string
		chatID string
		sender string
		text   string
		want   error
	}{
		{"empty text", chat.ID, "alice", "   ", ErrInvalidInput},
		{"too long", chat.ID, "alice", strings.Repeat("é", maxMessageChars+1), ErrInvalidInput},
		{"unknown chat", "missing", "alice", "hi", ErrNotFound},
		{"non participant", chat.ID, "mallory", "hi", ErrForbidden},
		{"missing sender", chat.ID, "", "hi", ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.Router.Send(ctx, tc.chatID, tc.sender, tc.text); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := e.Router.Send(ctx, chat.ID, "alice", strings.Repeat("é", maxMessageChars)); err != nil {
		t.Fatalf("max length message rejected: %v", err)
	}
}

func TestRouter_PreservesSendOrder(t *testing.T) {
	e := newTestEngine(t)
	bob := connect(t, e, "bob")
	chat := mustOpenChat(t, e, "alice", "bob")
	bob.reset()

	const n = 100
	for i := 0; i < n; i++ {
		if _, err := e.Router.Send(testCtx(t), chat.ID, "alice", fmt.Sprintf("m%03d", i)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	i := 0
	for _, env := range bob.events() {
		if env.Type != v1.EventNewMessageReceived {
			continue
		}
		p := decodeEventPayload[v1.NewMessageReceivedPayload](t, env)
		if want := fmt.Sprintf("m%03d", i); p.Message.Text != want {
			t.Fatalf("message %d out of order: got %s want %s", i, p.Message.Text, want)
		}
		i++
	}
	if i != n {
		t.Fatalf("received %d messages want %d", i, n)
	}
}

func TestRouter_ConcurrentSendersKeepPerSenderOrder(t *testing.T) {
	e := newTestEngine(t)
	carol := connect(t, e, "carol")
	chatA := mustOpenChat(t, e, "alice", "carol")
	chatB := mustOpenChat(t, e, "bob", "carol")
	carol.reset()
	ctx := testCtx(t)

	const n = 50
	var wg sync.WaitGroup
	for _, s := range []struct{ sender, chatID string }{{"alice", chatA.ID}, {"bob", chatB.ID}} {
		wg.Add(1)
		go func(sender, chatID string) {
			defer wg.Done()
			for i := 0; i < n; i++ {
				if _, err := e.Router.Send(ctx, chatID, sender, fmt.Sprintf("%s-%03d", sender, i)); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(s.sender, s.chatID)
	}
	wg.Wait()

	next := map[string]int{}
	for _, env := range carol.events() {
		if env.Type != v1.EventNewMessageReceived {
			continue
		}
		p := decodeEventPayload[v1.NewMessageReceivedPayload](t, env)
		want := fmt.Sprintf("%s-%03d", p.Message.SenderID, next[p.Message.SenderID])
		if p.Message.Text != want {
			t.Fatalf("got %s want %s", p.Message.Text, want)
		}
		next[p.Message.SenderID]++
	}
	if next["alice"] != n || next["bob"] != n {
		t.Fatalf("received alice=%d bob=%d", next["alice"], next["bob"])
	}
}

func TestRouter_MarkReadBatchesReceiptPerSender(t *testing.T) {
	e := newTestEngine(t)
	alice := connect(t, e, "alice")
	chat := mustOpenChat(t, e, "alice", "bob")
	ctx := testCtx(t)

	var ids []string
	for i := 0; i < 3; i++ {
		m, err := e.Router.Send(ctx, chat.ID, "alice", fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		ids = append(ids, m.ID)
	}
	own, err := e.Router.Send(ctx, chat.ID, "bob", "reply")
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}
	alice.reset()

	// bob's own message is not addressed to bob and must be ignored.
	seen, err := e.Router.MarkRead(ctx, append(ids, own.ID, "missing"), "bob")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("seen=%d want 3", len(seen))
	}
	for _, m := range seen {
		if m.SeenAt == nil {
			t.Fatalf("message %s without SeenAt", m.ID)
		}
	}

	if n := alice.count(v1.EventReadMessages); n != 1 {
		t.Fatalf("alice readMessages=%d want 1 batched receipt", n)
	}
	p := decodeEventPayload[v1.ReadMessagesPayload](t, alice.events()[0])
	if len(p.Messages) != 3 {
		t.Fatalf("receipt carries %d messages want 3", len(p.Messages))
	}

	c, err := e.Store().GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if c.UnreadFor("bob") != 0 {
		t.Fatalf("bob unread=%d want 0", c.UnreadFor("bob"))
	}
	if c.UnreadFor("alice") != 1 {
		t.Fatalf("alice unread=%d want 1", c.UnreadFor("alice"))
	}

	// Marking again changes nothing and sends nothing.
	alice.reset()
	again, err := e.Router.MarkRead(ctx, ids, "bob")
	if err != nil || len(again) != 0 {
		t.Fatalf("second mark read: n=%d err=%v", len(again), err)
	}
	if len(alice.events()) != 0 {
		t.Fatalf("second mark read pushed %v", alice.types())
	}
}

func TestRouter_MarkReadLimits(t *testing.T) {
	e := newTestEngine(t)
	ids := make([]string, maxMarkReadBatch+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("m%d", i)
	}
	if _, err := e.Router.MarkRead(testCtx(t), ids, "bob"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("oversized batch: expected ErrInvalidInput, got %v", err)
	}
	if got, err := e.Router.MarkRead(testCtx(t), nil, "bob"); err != nil || got != nil {
		t.Fatalf("empty batch: got=%v err=%v", got, err)
	}
}

func TestRouter_SoftDelete(t *testing.T) {
	e := newTestEngine(t)
	bob := connect(t, e, "bob")
	chat := mustOpenChat(t, e, "alice", "bob")
	ctx := testCtx(t)

	m, err := e.Router.Send(ctx, chat.ID, "alice", "oops")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := e.Router.SoftDelete(ctx, m.ID, "bob"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("delete by recipient: expected ErrForbidden, got %v", err)
	}
	bob.reset()

	got, err := e.Router.SoftDelete(ctx, m.ID, "alice")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got.Status != MessageInactive || got.Text != DeletedMessageText {
		t.Fatalf("deleted copy: %+v", got)
	}
	if n := bob.count(v1.EventMessageDeleted); n != 1 {
		t.Fatalf("bob messageDeleted=%d want 1", n)
	}
	p := decodeEventPayload[v1.MessageDeletedPayload](t, bob.events()[0])
	if p.Message.Text != DeletedMessageText {
		t.Fatalf("pushed text %q leaked", p.Message.Text)
	}

	// Stored text is kept.
	stored, err := e.Store().GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if stored.Text != "oops" {
		t.Fatalf("stored text erased: %q", stored.Text)
	}

	// Deleting twice is a no-op.
	bob.reset()
	if _, err := e.Router.SoftDelete(ctx, m.ID, "alice"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if len(bob.events()) != 0 {
		t.Fatalf("second delete pushed %v", bob.types())
	}

	if _, err := e.Router.SoftDelete(ctx, "missing", "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown message: expected ErrNotFound, got %v", err)
	}
}

func TestRouter_HistoryPagesAndRedacts(t *testing.T) {
	e := newTestEngine(t)
	chat := mustOpenChat(t, e, "alice", "bob")
	ctx := testCtx(t)

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := e.Router.Send(ctx, chat.ID, "alice", fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		ids = append(ids, m.ID)
	}
	if _, err := e.Router.SoftDelete(ctx, ids[4], "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	page, err := e.Router.History(ctx, chat.ID, "bob", "", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !page.HasMore || len(page.Messages) != 2 {
		t.Fatalf("first page: n=%d hasMore=%v", len(page.Messages), page.HasMore)
	}
	if page.Messages[0].ID != ids[3] || page.Messages[1].ID != ids[4] {
		t.Fatalf("first page order: %s,%s", page.Messages[0].ID, page.Messages[1].ID)
	}
	if page.Messages[1].Text != DeletedMessageText {
		t.Fatalf("deleted message not redacted: %q", page.Messages[1].Text)
	}

	rest, err := e.Router.History(ctx, chat.ID, "alice", page.Messages[0].ID, 10)
	if err != nil {
		t.Fatalf("history before: %v", err)
	}
	if rest.HasMore || len(rest.Messages) != 3 || rest.Messages[0].ID != ids[0] {
		t.Fatalf("second page: n=%d hasMore=%v", len(rest.Messages), rest.HasMore)
	}

	if _, err := e.Router.History(ctx, chat.ID, "mallory", "", 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("history by non-participant: expected ErrForbidden, got %v", err)
	}
}
