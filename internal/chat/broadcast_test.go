package chat

import (
	"encoding/json"
	"testing"

	"github.com/wejdan/chat-app/internal/protocol"
)

func newRoom(t *testing.T, n int) (*Registry, *Broadcaster, []*fakeSender) {
	t.Helper()
	r := NewRegistry()
	senders := make([]*fakeSender, n)
	for i := 0; i < n; i++ {
		senders[i] = &fakeSender{}
		sid := string(rune('a' + i))
		if _, err := r.Register(sid, senders[i]); err != nil {
			t.Fatalf("Register(%s) error: %v", sid, err)
		}
	}
	return r, NewBroadcaster(r), senders
}

func TestBroadcastAllReachesEverySession(t *testing.T) {
	_, b, senders := newRoom(t, 3)

	err := b.BroadcastAll(protocol.TypeMessage, protocol.ServerChatMsg{
		Content: "hello", SenderID: 1, SenderName: "alice",
	})
	if err != nil {
		t.Fatalf("BroadcastAll error: %v", err)
	}

	for i, s := range senders {
		if s.count() != 1 {
			t.Errorf("sender %d: expected 1 frame, got %d", i, s.count())
		}
	}
}

func TestBroadcastExceptSkipsExcludedSession(t *testing.T) {
	_, b, senders := newRoom(t, 3)

	// Session "b" (index 1) is excluded.
	err := b.BroadcastExcept(protocol.TypeTyping, protocol.ServerTypingMsg{
		UserID: 1, UserName: "alice", IsTyping: true,
	}, "b")
	if err != nil {
		t.Fatalf("BroadcastExcept error: %v", err)
	}

	if senders[0].count() != 1 {
		t.Errorf("sender a: expected 1 frame, got %d", senders[0].count())
	}
	if senders[1].count() != 0 {
		t.Errorf("excluded sender b: expected 0 frames, got %d", senders[1].count())
	}
	if senders[2].count() != 1 {
		t.Errorf("sender c: expected 1 frame, got %d", senders[2].count())
	}
}

// With no exclusion, broadcastExcept behaves identically to broadcastAll.
func TestBroadcastExceptWithUnknownExclusion(t *testing.T) {
	_, b, senders := newRoom(t, 2)

	if err := b.BroadcastExcept(protocol.TypeMessage, protocol.ServerChatMsg{Content: "x"}, "zzz"); err != nil {
		t.Fatalf("BroadcastExcept error: %v", err)
	}
	for i, s := range senders {
		if s.count() != 1 {
			t.Errorf("sender %d: expected 1 frame, got %d", i, s.count())
		}
	}
}

// One failing transport must not prevent delivery to the rest.
func TestBroadcastSurvivesSendFailure(t *testing.T) {
	_, b, senders := newRoom(t, 3)
	senders[1].fail = true

	err := b.BroadcastAll(protocol.TypeMessage, protocol.ServerChatMsg{Content: "hi"})
	if err != nil {
		t.Fatalf("BroadcastAll error: %v", err)
	}

	if senders[0].count() != 1 || senders[2].count() != 1 {
		t.Errorf("healthy senders missed the broadcast: a=%d c=%d", senders[0].count(), senders[2].count())
	}
}

func TestBroadcastFrameHasTypeAndTimestamp(t *testing.T) {
	_, b, senders := newRoom(t, 1)

	if err := b.BroadcastAll(protocol.TypeUserJoined, protocol.UserJoinedMsg{UserID: 5, UserName: "eve"}); err != nil {
		t.Fatalf("BroadcastAll error: %v", err)
	}

	var frame map[string]interface{}
	if err := json.Unmarshal(senders[0].last(), &frame); err != nil {
		t.Fatalf("frame is not valid JSON: %v", err)
	}
	if frame["type"] != protocol.TypeUserJoined {
		t.Errorf("expected type %q, got %v", protocol.TypeUserJoined, frame["type"])
	}
	if _, ok := frame["timestamp"].(string); !ok {
		t.Errorf("expected timestamp string, got %v", frame["timestamp"])
	}
}

func TestBroadcastToEmptyRoom(t *testing.T) {
	_, b, _ := newRoom(t, 0)

	if err := b.BroadcastAll(protocol.TypeMessage, protocol.ServerChatMsg{Content: "void"}); err != nil {
		t.Fatalf("broadcast to empty room should be a no-op, got error: %v", err)
	}
}
