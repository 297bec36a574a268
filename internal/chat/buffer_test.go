package chat

import (
	"fmt"
	"sync"
	"testing"
)

func TestBufferAddAndGet(t *testing.T) {
	mb := NewMessageBuffer()

	mb.Add(RecentMessage{SenderName: "a", Content: "hello", Ts: 1})
	mb.Add(RecentMessage{SenderName: "b", Content: "hi", Ts: 2})
	mb.Add(RecentMessage{SenderName: "a", Content: "how are you?", Ts: 3})

	msgs := mb.Get()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" {
		t.Errorf("expected first message 'hello', got %q", msgs[0].Content)
	}
	if msgs[1].Content != "hi" {
		t.Errorf("expected second message 'hi', got %q", msgs[1].Content)
	}
	if msgs[2].Content != "how are you?" {
		t.Errorf("expected third message 'how are you?', got %q", msgs[2].Content)
	}
}

func TestBufferWraparound(t *testing.T) {
	mb := NewMessageBuffer()

	total := MaxRecentMessages + 10
	for i := 1; i <= total; i++ {
		mb.Add(RecentMessage{Content: fmt.Sprintf("msg-%d", i), Ts: int64(i)})
	}

	msgs := mb.Get()
	if len(msgs) != MaxRecentMessages {
		t.Fatalf("expected %d messages, got %d", MaxRecentMessages, len(msgs))
	}

	// Oldest retained message is total - MaxRecentMessages + 1.
	for i, msg := range msgs {
		expected := fmt.Sprintf("msg-%d", total-MaxRecentMessages+1+i)
		if msg.Content != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, msg.Content)
		}
	}
}

func TestBufferEmpty(t *testing.T) {
	mb := NewMessageBuffer()

	msgs := mb.Get()
	if len(msgs) != 0 {
		t.Fatalf("expected empty slice, got %d messages", len(msgs))
	}
}

func TestBufferConcurrentAccess(t *testing.T) {
	mb := NewMessageBuffer()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				mb.Add(RecentMessage{Content: fmt.Sprintf("g%d-%d", g, i)})
				mb.Get()
			}
		}(g)
	}
	wg.Wait()

	if len(mb.Get()) != MaxRecentMessages {
		t.Fatalf("expected full buffer, got %d", len(mb.Get()))
	}
}
