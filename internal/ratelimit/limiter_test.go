package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter creates a Limiter connected to a local Redis instance and
// cleans up test keys. Tests that call this helper require a running Redis
// on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	cleanup := func() {
		iter := client.Scan(ctx, 0, "rl:*:test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewLimiter(client)
}

func TestAllowWithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:msg:", Limit: 3, Window: 10 * time.Second}

	for i := 0; i < 3; i++ {
		allowed, err := l.Allow(ctx, "test_within", rule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
}

func TestAllowBlocksOverLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:msg:", Limit: 2, Window: 10 * time.Second}

	for i := 0; i < 2; i++ {
		if allowed, _ := l.Allow(ctx, "test_over", rule); !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	allowed, err := l.Allow(ctx, "test_over", rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if allowed {
		t.Fatal("request over the limit should be blocked")
	}
}

func TestLimitIsPerIdentifier(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:msg:", Limit: 1, Window: 10 * time.Second}

	if allowed, _ := l.Allow(ctx, "test_user_a", rule); !allowed {
		t.Fatal("first request for a should be allowed")
	}
	if allowed, _ := l.Allow(ctx, "test_user_a", rule); allowed {
		t.Fatal("second request for a should be blocked")
	}
	if allowed, _ := l.Allow(ctx, "test_user_b", rule); !allowed {
		t.Fatal("b must have its own counter")
	}
}

func TestRemaining(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	remaining, err := l.Remaining(ctx, "test_remaining", rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if remaining != 5 {
		t.Fatalf("expected full limit before any request, got %d", remaining)
	}

	for i := 0; i < 2; i++ {
		l.Allow(ctx, "test_remaining", rule)
	}

	remaining, err = l.Remaining(ctx, "test_remaining", rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if remaining != 3 {
		t.Fatalf("expected 3 remaining after 2 requests, got %d", remaining)
	}
}

func TestAllowMessageUsesMessageRule(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	id := fmt.Sprintf("test_session_%d", time.Now().UnixNano())
	for i := 0; i < RuleMessage.Limit; i++ {
		allowed, err := l.AllowMessage(ctx, id)
		if err != nil {
			t.Fatalf("AllowMessage() error: %v", err)
		}
		if !allowed {
			t.Fatalf("message %d should be allowed", i+1)
		}
	}

	if allowed, _ := l.AllowMessage(ctx, id); allowed {
		t.Fatal("message over the rule limit should be blocked")
	}
}
