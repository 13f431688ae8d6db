package realtime

import (
	"errors"
	"sync"
	"testing"

	v1 "pulse/contracts/realtime/v1"
)

func TestChatStates_OpenCreatesOncePerPair(t *testing.T) {
	e := newTestEngine(t)
	bob := connect(t, e, "bob")
	ctx := testCtx(t)

	c1, created, err := e.Chats.Open(ctx, "alice", "bob")
	if err != nil || !created {
		t.Fatalf("first open: created=%v err=%v", created, err)
	}
	c2, created, err := e.Chats.Open(ctx, "bob", "alice")
	if err != nil || created {
		t.Fatalf("second open: created=%v err=%v", created, err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("pair produced two chats: %s vs %s", c1.ID, c2.ID)
	}
	if c1.Status != ChatActive {
		t.Fatalf("new chat status=%s", c1.Status)
	}
	if n := bob.count(v1.EventNewChatCreated); n != 1 {
		t.Fatalf("counterpart newChatCreated=%d want 1", n)
	}

	p := decodeEventPayload[v1.ChatStatePayload](t, bob.events()[0])
	if p.Chat.OwnerUserID != "bob" || p.Chat.CounterpartUserID != "alice" {
		t.Fatalf("view not relative to recipient: %+v", p.Chat)
	}
}

func TestChatStates_OpenRejectsSelfAndEmpty(t *testing.T) {
	e := newTestEngine(t)
	ctx := testCtx(t)

	for _, tc := range []struct{ a, b string }{{"alice", "alice"}, {"", "bob"}, {"alice", " "}} {
		if _, _, err := e.Chats.Open(ctx, tc.a, tc.b); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("open(%q,%q): expected ErrInvalidInput, got %v", tc.a, tc.b, err)
		}
	}
}

func TestChatStates_DisableNotifiesCounterpartOnly(t *testing.T) {
	e := newTestEngine(t)
	alice := connect(t, e, "alice")
	bob := connect(t, e, "bob")
	chat := mustOpenChat(t, e, "alice", "bob")
	alice.reset()
	bob.reset()

	got, changed, err := e.Chats.Disable(testCtx(t), chat.ID, "alice")
	if err != nil || !changed {
		t.Fatalf("disable: changed=%v err=%v", changed, err)
	}
	if got.Status != ChatInactive || got.DisabledBy != "alice" {
		t.Fatalf("after disable: %+v", got)
	}
	if n := bob.count(v1.EventChatDisabled); n != 1 {
		t.Fatalf("bob chatDisabled=%d want 1", n)
	}
	if len(alice.events()) != 0 {
		t.Fatalf("actor must not receive its own transition event: %v", alice.types())
	}
}

func TestChatStates_DisableTwiceIsNoop(t *testing.T) {
	e := newTestEngine(t)
	bob := connect(t, e, "bob")
	chat := mustOpenChat(t, e, "alice", "bob")
	ctx := testCtx(t)

	if _, _, err := e.Chats.Disable(ctx, chat.ID, "alice"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	bob.reset()

	got, changed, err := e.Chats.Disable(ctx, chat.ID, "bob")
	if err != nil {
		t.Fatalf("second disable: %v", err)
	}
	if changed {
		t.Fatalf("second disable reported a change")
	}
	if got.DisabledBy != "alice" {
		t.Fatalf("DisabledBy overwritten: %q", got.DisabledBy)
	}
	if len(bob.events()) != 0 {
		t.Fatalf("no-op transition pushed events: %v", bob.types())
	}
}

func TestChatStates_EnableOnlyByDisabler(t *testing.T) {
	e := newTestEngine(t)
	alice := connect(t, e, "alice")
	chat := mustOpenChat(t, e, "alice", "bob")
	ctx := testCtx(t)

	if _, _, err := e.Chats.Disable(ctx, chat.ID, "alice"); err != nil {
		t.Fatalf("disable: %v", err)
	}

	if _, _, err := e.Chats.Enable(ctx, chat.ID, "bob"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("enable by other participant: expected ErrForbidden, got %v", err)
	}

	alice.reset()
	got, changed, err := e.Chats.Enable(ctx, chat.ID, "alice")
	if err != nil || !changed {
		t.Fatalf("enable by disabler: changed=%v err=%v", changed, err)
	}
	if got.Status != ChatActive || got.DisabledBy != "" {
		t.Fatalf("after enable: %+v", got)
	}
	if len(alice.events()) != 0 {
		t.Fatalf("actor received its own transition: %v", alice.types())
	}

	// Enabling an active chat is a no-op.
	if _, changed, err := e.Chats.Enable(ctx, chat.ID, "bob"); err != nil || changed {
		t.Fatalf("enable active chat: changed=%v err=%v", changed, err)
	}
}

func TestChatStates_EnablePushesToCounterpart(t *testing.T) {
	e := newTestEngine(t)
	bob := connect(t, e, "bob")
	chat := mustOpenChat(t, e, "alice", "bob")
	ctx := testCtx(t)

	if _, _, err := e.Chats.Disable(ctx, chat.ID, "alice"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, _, err := e.Chats.Enable(ctx, chat.ID, "alice"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	want := []string{v1.EventNewChatCreated, v1.EventChatDisabled, v1.EventChatEnabled}
	got := bob.types()
	if len(got) != len(want) {
		t.Fatalf("bob events=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("bob events=%v want %v", got, want)
		}
	}
}

func TestChatStates_TransitionErrors(t *testing.T) {
	e := newTestEngine(t)
	chat := mustOpenChat(t, e, "alice", "bob")
	ctx := testCtx(t)

	if _, _, err := e.Chats.Disable(ctx, "missing", "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown chat: expected ErrNotFound, got %v", err)
	}
	if _, _, err := e.Chats.Disable(ctx, chat.ID, "mallory"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-participant: expected ErrForbidden, got %v", err)
	}
	if _, _, err := e.Chats.Disable(ctx, "", "alice"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty id: expected ErrInvalidInput, got %v", err)
	}
}

func TestChatStates_TransitionsReachCounterpartInOrder(t *testing.T) {
	e := newTestEngine(t)
	connect(t, e, "alice")
	bob := connect(t, e, "bob")
	chat := mustOpenChat(t, e, "alice", "bob")
	bob.reset()
	ctx := testCtx(t)

	// Concurrent toggles: the per-chat lock makes every effective transition
	// strictly alternate, and pushes happen under the same lock.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(disable bool) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				var err error
				if disable {
					_, _, err = e.Chats.Disable(ctx, chat.ID, "alice")
				} else {
					_, _, err = e.Chats.Enable(ctx, chat.ID, "alice")
				}
				if err != nil {
					t.Errorf("transition: %v", err)
					return
				}
			}
		}(i%2 == 0)
	}
	wg.Wait()

	var seq []string
	for _, typ := range bob.types() {
		if typ == v1.EventChatDisabled || typ == v1.EventChatEnabled {
			seq = append(seq, typ)
		}
	}
	if len(seq) == 0 {
		t.Fatalf("no transitions pushed")
	}
	want := v1.EventChatDisabled
	for i, typ := range seq {
		if typ != want {
			t.Fatalf("event %d=%s want %s (seq=%v)", i, typ, want, seq)
		}
		if want == v1.EventChatDisabled {
			want = v1.EventChatEnabled
		} else {
			want = v1.EventChatDisabled
		}
	}

	final, err := e.Store().GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	last := seq[len(seq)-1]
	if (final.Status == ChatInactive) != (last == v1.EventChatDisabled) {
		t.Fatalf("final status=%s but last pushed event=%s", final.Status, last)
	}
}
