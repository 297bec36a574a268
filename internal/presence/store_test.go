package presence

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// Test user IDs live in a high range so cleanup cannot collide with real
// data on a shared Redis.
const testUserBase = int64(900000000)

// newTestStore creates a Store connected to a local Redis instance. Tests
// that call this helper require a running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.Close()

	store, err := NewStore("localhost:6379", "test-server")
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}

	cleanup := func() {
		c := store.Client()
		for i := int64(0); i < 10; i++ {
			id := testUserBase + i
			c.SRem(ctx, OnlineSet, id)
			c.Del(ctx, UserPrefix+strconv.FormatInt(id, 10))
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		store.Close()
	})
	return store
}

func TestSetOnlineAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetOnline(ctx, testUserBase+1, "alice"); err != nil {
		t.Fatalf("SetOnline error: %v", err)
	}
	if err := store.SetOnline(ctx, testUserBase+2, "bob"); err != nil {
		t.Fatalf("SetOnline error: %v", err)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}

	found := make(map[int64]string)
	for _, r := range records {
		found[r.UserID] = r.UserName
	}
	if found[testUserBase+1] != "alice" || found[testUserBase+2] != "bob" {
		t.Errorf("expected alice and bob online, got %v", found)
	}
}

func TestSetOfflineRemovesUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetOnline(ctx, testUserBase+3, "carol"); err != nil {
		t.Fatalf("SetOnline error: %v", err)
	}
	if err := store.SetOffline(ctx, testUserBase+3); err != nil {
		t.Fatalf("SetOffline error: %v", err)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	for _, r := range records {
		if r.UserID == testUserBase+3 {
			t.Fatal("expected carol removed from the roster")
		}
	}
}

func TestSetOnlineOverwritesRecord(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.SetOnline(ctx, testUserBase+4, "dave")
	store.SetOnline(ctx, testUserBase+4, "david")

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	for _, r := range records {
		if r.UserID == testUserBase+4 && r.UserName != "david" {
			t.Errorf("expected updated name david, got %q", r.UserName)
		}
	}
}

func TestExpiredHashPrunedFromSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Simulate an expired hash by adding to the set without a hash.
	id := testUserBase + 5
	if err := store.Client().SAdd(ctx, OnlineSet, id).Err(); err != nil {
		t.Fatalf("SAdd error: %v", err)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	for _, r := range records {
		if r.UserID == id {
			t.Fatal("phantom entry without a hash must not be listed")
		}
	}

	// The phantom must have been pruned from the set.
	isMember, err := store.Client().SIsMember(ctx, OnlineSet, id).Result()
	if err != nil {
		t.Fatalf("SIsMember error: %v", err)
	}
	if isMember {
		t.Error("expected phantom pruned from the online set")
	}
}

func TestRefreshExtendsTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id := testUserBase + 6
	if err := store.SetOnline(ctx, id, "frank"); err != nil {
		t.Fatalf("SetOnline error: %v", err)
	}

	// Shrink the TTL to simulate an entry about to expire, then refresh.
	key := UserPrefix + strconv.FormatInt(id, 10)
	if err := store.Client().Expire(ctx, key, 2*time.Second).Err(); err != nil {
		t.Fatalf("Expire error: %v", err)
	}
	if err := store.Refresh(ctx, id); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	ttl, err := store.Client().TTL(ctx, key).Result()
	if err != nil {
		t.Fatalf("TTL error: %v", err)
	}
	if ttl <= 2*time.Second {
		t.Errorf("expected TTL restored to ~%v, got %v", PresenceTTL, ttl)
	}
}
