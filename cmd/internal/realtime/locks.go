package realtime

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const chatLockStripes = 64

// chatLocks serializes mutations per chat with a fixed set of striped mutexes.
// Two chats may share a stripe; that only costs parallelism, never ordering.
type chatLocks struct {
	stripes [chatLockStripes]sync.Mutex
}

func newChatLocks() *chatLocks { return &chatLocks{} }

// lock acquires the stripe for chatID and returns its unlock func.
func (l *chatLocks) lock(chatID string) func() {
	m := &l.stripes[xxhash.Sum64String(chatID)%chatLockStripes]
	m.Lock()
	return m.Unlock
}
