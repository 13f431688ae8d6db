package realtime

import (
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a ULID used for chats, messages, notifications and envelopes.
// Monotonic entropy keeps ids created within the same millisecond in creation order,
// which is what history paging sorts by.
func NewID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

// NewHandleID returns a random id for one live websocket connection.
func NewHandleID() string {
	return uuid.NewString()
}
