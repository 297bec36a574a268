package chat

import "sync"

// MaxRecentMessages is the number of recent messages retained in memory for
// the /api/messages/recent endpoint.
const MaxRecentMessages = 50

// RecentMessage is one message in the in-memory recent-history window.
type RecentMessage struct {
	SenderID   int64  `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	Ts         int64  `json:"ts"`
}

// MessageBuffer stores the last N room messages in memory. It is
// goroutine-safe and uses a fixed-size ring buffer internally; it is a cache
// over the Postgres history, not a source of truth.
type MessageBuffer struct {
	mu    sync.RWMutex
	items []RecentMessage
	pos   int
	count int
}

// NewMessageBuffer creates an empty MessageBuffer.
func NewMessageBuffer() *MessageBuffer {
	return &MessageBuffer{
		items: make([]RecentMessage, MaxRecentMessages),
	}
}

// Add appends a message. If the buffer is full, the oldest message is
// overwritten.
func (mb *MessageBuffer) Add(msg RecentMessage) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.items[mb.pos] = msg
	mb.pos = (mb.pos + 1) % MaxRecentMessages
	if mb.count < MaxRecentMessages {
		mb.count++
	}
}

// Get returns the buffered messages in chronological order (oldest first).
func (mb *MessageBuffer) Get() []RecentMessage {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	result := make([]RecentMessage, mb.count)
	// The oldest message is at position (pos - count) mod MaxRecentMessages.
	start := (mb.pos - mb.count + MaxRecentMessages) % MaxRecentMessages
	for i := 0; i < mb.count; i++ {
		result[i] = mb.items[(start+i)%MaxRecentMessages]
	}
	return result
}
