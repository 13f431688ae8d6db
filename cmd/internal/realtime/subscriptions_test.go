package realtime

import (
	"fmt"
	"sync"
	"testing"
)

func TestSubscriptions_SubscribeIsIdempotentAndSnapshots(t *testing.T) {
	s := NewSubscriptions(discardLogger(), nil)
	c1 := newFakeConn("h1")
	c2 := newFakeConn("h2")

	s.Subscribe("p1", "u1", c1)
	s.Subscribe("p1", "u1", c1)
	got := s.Subscribe("p1", "u2", c2)

	if len(got) != 2 {
		t.Fatalf("subscribers=%d want 2", len(got))
	}
	if s.Len() != 2 {
		t.Fatalf("len=%d want 2", s.Len())
	}

	snap := s.SubscribersOf("p1")
	s.Unsubscribe("p1", "u2")
	if len(snap) != 2 {
		t.Fatalf("snapshot changed after unsubscribe: %d", len(snap))
	}
	if len(s.SubscribersOf("p1")) != 1 {
		t.Fatalf("expected one subscriber left")
	}
}

func TestSubscriptions_SubscribersOfIsSorted(t *testing.T) {
	s := NewSubscriptions(discardLogger(), nil)
	s.Subscribe("p1", "u3", newFakeConn("h3"))
	s.Subscribe("p1", "u1", newFakeConn("h1"))
	s.Subscribe("p1", "u2", newFakeConn("h2"))

	subs := s.SubscribersOf("p1")
	for i, want := range []string{"u1", "u2", "u3"} {
		if subs[i].UserID != want {
			t.Fatalf("subs[%d]=%s want %s", i, subs[i].UserID, want)
		}
	}
}

func TestSubscriptions_UnsubscribeHandleDropsEveryPost(t *testing.T) {
	s := NewSubscriptions(discardLogger(), nil)
	c1 := newFakeConn("h1")
	c2 := newFakeConn("h2")

	s.Subscribe("p1", "u1", c1)
	s.Subscribe("p2", "u1", c1)
	s.Subscribe("p2", "u2", c2)

	if n := s.UnsubscribeHandle(c1); n != 2 {
		t.Fatalf("removed=%d want 2", n)
	}
	if len(s.SubscribersOf("p1")) != 0 {
		t.Fatalf("p1 should be empty")
	}
	subs := s.SubscribersOf("p2")
	if len(subs) != 1 || subs[0].UserID != "u2" {
		t.Fatalf("p2 subscribers=%v", subs)
	}
	if s.Len() != 1 {
		t.Fatalf("len=%d want 1", s.Len())
	}
	if n := s.UnsubscribeHandle(c1); n != 0 {
		t.Fatalf("second cleanup removed=%d", n)
	}
}

func TestSubscriptions_UnknownPostIsEmpty(t *testing.T) {
	s := NewSubscriptions(discardLogger(), nil)
	if got := s.SubscribersOf("missing"); len(got) != 0 {
		t.Fatalf("expected empty, got %v", got)
	}
	s.Unsubscribe("missing", "u1")
}

func TestSubscriptions_ConcurrentSnapshotAndUnsubscribe(t *testing.T) {
	s := NewSubscriptions(discardLogger(), nil)

	const stable = 8
	for i := 0; i < stable; i++ {
		s.Subscribe("p1", fmt.Sprintf("stable-%02d", i), newFakeConn(fmt.Sprintf("hs%02d", i)))
	}

	const churners = 16
	var wg sync.WaitGroup
	for i := 0; i < churners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("churn-%02d", i)
			conn := newFakeConn(fmt.Sprintf("hc%02d", i))
			for j := 0; j < 100; j++ {
				s.Subscribe("p1", userID, conn)
				if j%3 == 0 {
					s.UnsubscribeHandle(conn)
				} else {
					s.Unsubscribe("p1", userID)
				}
			}
		}(i)
	}

	errs := make(chan string, 4)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := s.SubscribersOf("p1")
				if msg := checkSnapshot(snap, stable); msg != "" {
					select {
					case errs <- msg:
					default:
					}
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Fatalf("torn snapshot: %s", msg)
	}
	if got := len(s.SubscribersOf("p1")); got != stable {
		t.Fatalf("subscribers after churn=%d want %d", got, stable)
	}
	if s.Len() != stable {
		t.Fatalf("len=%d want %d", s.Len(), stable)
	}
}

// checkSnapshot reports why snap is not a valid subscriber set, or "".
func checkSnapshot(snap []Subscriber, stable int) string {
	seen := make(map[string]struct{}, len(snap))
	stableSeen := 0
	for i, sub := range snap {
		if sub.PostID != "p1" || sub.UserID == "" || sub.Conn == nil {
			return fmt.Sprintf("incomplete entry %+v", sub)
		}
		key := sub.UserID + "/" + sub.Conn.ID()
		if _, dup := seen[key]; dup {
			return "duplicate " + key
		}
		seen[key] = struct{}{}
		if i > 0 && snap[i-1].UserID > sub.UserID {
			return "unordered at " + sub.UserID
		}
		if len(sub.UserID) > 7 && sub.UserID[:7] == "stable-" {
			stableSeen++
		}
	}
	if stableSeen != stable {
		return fmt.Sprintf("stable subscribers=%d want %d", stableSeen, stable)
	}
	return ""
}
