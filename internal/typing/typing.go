// Package typing is the ephemeral-state store backing the m.typing EDU.
// Typing notifications are short-lived by nature, so they stay out of
// Postgres entirely; Redis key expiry does the bookkeeping a durable
// store would otherwise need a background sweeper for.
package typing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL is how long a typing notification remains active without a refresh
// or an explicit clear.
const TTL = 3000 * time.Millisecond

// Store tracks which users are currently typing in which rooms.
type Store struct {
	client *redis.Client
}

// New wraps an existing Redis client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Connect dials Redis at addr (e.g. "localhost:6379").
func Connect(addr string) *Store {
	return New(redis.NewClient(&redis.Options{Addr: addr}))
}

func key(roomID, userID string) string {
	return fmt.Sprintf("typing:%s:%s", roomID, userID)
}

func keyPrefix(roomID string) string {
	return fmt.Sprintf("typing:%s:", roomID)
}

// Set marks userID as typing in roomID until TTL elapses or Clear is
// called, whichever comes first.
func (s *Store) Set(ctx context.Context, roomID, userID string) error {
	if err := s.client.Set(ctx, key(roomID, userID), "1", TTL).Err(); err != nil {
		return fmt.Errorf("setting typing state for %s in %s: %w", userID, roomID, err)
	}
	return nil
}

// Clear marks userID as no longer typing in roomID.
func (s *Store) Clear(ctx context.Context, roomID, userID string) error {
	if err := s.client.Del(ctx, key(roomID, userID)).Err(); err != nil {
		return fmt.Errorf("clearing typing state for %s in %s: %w", userID, roomID, err)
	}
	return nil
}

// Typing lists the users currently typing in roomID.
func (s *Store) Typing(ctx context.Context, roomID string) ([]string, error) {
	var users []string
	prefix := keyPrefix(roomID)

	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		users = append(users, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing typing users in %s: %w", roomID, err)
	}
	return users, nil
}

// HealthCheck verifies connectivity to Redis.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
