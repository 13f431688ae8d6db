package realtime

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
)

// Subscriber is one live (post, user, connection) subscription.
type Subscriber struct {
	PostID string
	UserID string
	Conn   Conn
}

type subKey struct {
	userID   string
	handleID string
}

// Subscriptions is the post-subscription registry: which live connections
// listen for comment activity on which posts.
//
// Concurrency guarantees:
//   - Mutations are serialized by one mutex.
//   - SubscribersOf returns a copy taken under the read lock, never a torn set.
type Subscriptions struct {
	log     *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	byPost   map[string]map[subKey]Subscriber
	byHandle map[string]map[string]struct{} // handle id -> post ids
	total    int
}

// NewSubscriptions constructs an empty registry.
func NewSubscriptions(log *slog.Logger, metrics *Metrics) *Subscriptions {
	if log == nil {
		log = slog.Default()
	}
	return &Subscriptions{
		log:      log,
		metrics:  metrics,
		byPost:   make(map[string]map[subKey]Subscriber),
		byHandle: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds the (postID, userID, conn) triple and returns the post's current subscriber set.
// Re-subscribing the same triple is a no-op.
func (s *Subscriptions) Subscribe(postID, userID string, conn Conn) []Subscriber {
	if s == nil || postID == "" || userID == "" || conn == nil {
		return nil
	}

	key := subKey{userID: userID, handleID: conn.ID()}

	s.mu.Lock()
	subs := s.byPost[postID]
	if subs == nil {
		subs = make(map[subKey]Subscriber)
		s.byPost[postID] = subs
	}
	if _, exists := subs[key]; !exists {
		subs[key] = Subscriber{PostID: postID, UserID: userID, Conn: conn}
		posts := s.byHandle[key.handleID]
		if posts == nil {
			posts = make(map[string]struct{})
			s.byHandle[key.handleID] = posts
		}
		posts[postID] = struct{}{}
		s.total++
	}
	out := snapshotSubscribers(subs)
	total := s.total
	s.mu.Unlock()

	s.metrics.setSubscriptions(total)
	s.log.Debug("subscriptions.subscribe", "post_id", postID, "user_id", userID, "handle", key.handleID)
	return out
}

// Unsubscribe removes every subscription of userID on postID, across all of the user's handles.
func (s *Subscriptions) Unsubscribe(postID, userID string) {
	if s == nil || postID == "" || userID == "" {
		return
	}

	s.mu.Lock()
	if subs := s.byPost[postID]; subs != nil {
		for key := range subs {
			if key.userID != userID {
				continue
			}
			s.removeLocked(postID, key)
		}
	}
	total := s.total
	s.mu.Unlock()

	s.metrics.setSubscriptions(total)
	s.log.Debug("subscriptions.unsubscribe", "post_id", postID, "user_id", userID)
}

// UnsubscribeHandle removes every subscription held by conn (disconnect cleanup).
// It returns the number of removed subscriptions.
func (s *Subscriptions) UnsubscribeHandle(conn Conn) int {
	if s == nil || conn == nil {
		return 0
	}

	handleID := conn.ID()
	removed := 0

	s.mu.Lock()
	for postID := range s.byHandle[handleID] {
		subs := s.byPost[postID]
		for key := range subs {
			if key.handleID == handleID {
				s.removeLocked(postID, key)
				removed++
			}
		}
	}
	delete(s.byHandle, handleID)
	total := s.total
	s.mu.Unlock()

	s.metrics.setSubscriptions(total)
	return removed
}

// SubscribersOf returns a snapshot of postID's subscribers ordered by user then handle.
// Excluding the actor of an event is the caller's job.
func (s *Subscriptions) SubscribersOf(postID string) []Subscriber {
	if s == nil || postID == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotSubscribers(s.byPost[postID])
}

// Len returns the number of live subscriptions across all posts.
func (s *Subscriptions) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

func (s *Subscriptions) removeLocked(postID string, key subKey) {
	subs := s.byPost[postID]
	if _, ok := subs[key]; !ok {
		return
	}
	delete(subs, key)
	s.total--
	if len(subs) == 0 {
		delete(s.byPost, postID)
	}

	if posts := s.byHandle[key.handleID]; posts != nil {
		stillThere := false
		for k := range subs {
			if k.handleID == key.handleID {
				stillThere = true
				break
			}
		}
		if !stillThere {
			delete(posts, postID)
		}
		if len(posts) == 0 {
			delete(s.byHandle, key.handleID)
		}
	}
}

func snapshotSubscribers(subs map[subKey]Subscriber) []Subscriber {
	if len(subs) == 0 {
		return nil
	}
	out := make([]Subscriber, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub)
	}
	slices.SortFunc(out, func(a, b Subscriber) int {
		if c := cmp.Compare(a.UserID, b.UserID); c != 0 {
			return c
		}
		return cmp.Compare(a.Conn.ID(), b.Conn.ID())
	})
	return out
}
