// Package presence mirrors the online-user roster into Redis so that
// out-of-process consumers (the REST API, dashboards, other services) can read
// who is online without talking to the WebSocket server. The in-memory
// registry stays authoritative; Redis is a best-effort mirror with a TTL
// safety net so a crashed server does not leave users online forever.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// UserPrefix is the Redis key prefix for per-user presence hashes.
	UserPrefix = "presence:user:"

	// OnlineSet is the Redis set holding the IDs of all online users.
	OnlineSet = "presence:online"

	// PresenceTTL caps how long a presence entry may outlive its server.
	PresenceTTL = 2 * time.Minute
)

// Record is one user's presence entry as stored in Redis.
type Record struct {
	UserID   int64  `redis:"user_id"`
	UserName string `redis:"user_name"`
	Server   string `redis:"server"`
	Since    int64  `redis:"since"` // unix timestamp of going online
}

// Store manages presence state in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore connects to Redis and returns a presence store. serverName
// identifies this server instance in the records it writes.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// SetOnline records the user as online: adds them to the online set and
// writes their presence hash with a TTL.
func (s *Store) SetOnline(ctx context.Context, userID int64, userName string) error {
	key := UserPrefix + strconv.FormatInt(userID, 10)

	record := map[string]interface{}{
		"user_id":   userID,
		"user_name": userName,
		"server":    s.serverName,
		"since":     time.Now().Unix(),
	}

	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, OnlineSet, userID)
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, PresenceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline removes the user from the online set and deletes their
// presence hash.
func (s *Store) SetOffline(ctx context.Context, userID int64) error {
	key := UserPrefix + strconv.FormatInt(userID, 10)

	pipe := s.client.Pipeline()
	pipe.SRem(ctx, OnlineSet, userID)
	pipe.Del(ctx, key)
	_, err := pipe.Exec(ctx)
	return err
}

// Refresh extends the TTL on a user's presence entry. Called periodically
// while the user stays connected.
func (s *Store) Refresh(ctx context.Context, userID int64) error {
	key := UserPrefix + strconv.FormatInt(userID, 10)
	return s.client.Expire(ctx, key, PresenceTTL).Err()
}

// List returns the presence records of all users currently marked online.
// Entries whose hash has expired are pruned from the set as they are found.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	ids, err := s.client.SMembers(ctx, OnlineSet).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list online set: %w", err)
	}

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		var record Record
		if err := s.client.HGetAll(ctx, UserPrefix+id).Scan(&record); err != nil {
			return nil, fmt.Errorf("presence: read user %s: %w", id, err)
		}
		if record.UserID == 0 {
			// Hash expired; the TTL outlived the set membership.
			s.client.SRem(ctx, OnlineSet, id)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Count returns the number of users marked online.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, OnlineSet).Result()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
