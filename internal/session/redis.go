package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/memohai/dingtalk-bridge/internal/channel/inbound"
)

// RedisStore keeps one hash per agent, keyed <prefix>:<agent>, with one JSON
// entry per session key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "dingtalk:sessions"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

// ResolveStorePath returns the hash key for agentID.
func (s *RedisStore) ResolveStorePath(agentID string) string {
	return s.prefix + ":" + normalizeAgent(agentID)
}

// ReadSessionUpdatedAt returns when sessionKey was last recorded.
func (s *RedisStore) ReadSessionUpdatedAt(ctx context.Context, storePath, sessionKey string) (time.Time, bool, error) {
	entry, ok, err := s.get(ctx, storePath, sessionKey)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return entry.UpdatedAt, true, nil
}

// RecordInboundSession stores the session entry for ictx.
func (s *RedisStore) RecordInboundSession(ctx context.Context, storePath, sessionKey string, ictx inbound.InboundContext, last *inbound.LastRoute) error {
	if strings.TrimSpace(sessionKey) == "" {
		return fmt.Errorf("session key is required")
	}
	var prev *Entry
	if last == nil {
		existing, ok, err := s.get(ctx, storePath, sessionKey)
		if err != nil {
			return err
		}
		if ok {
			prev = &existing
		}
	}
	data, err := json.Marshal(newEntry(sessionKey, ictx, last, prev, s.now()))
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, storePath, sessionKey, data).Err(); err != nil {
		return fmt.Errorf("session: redis hset: %w", err)
	}
	return nil
}

func (s *RedisStore) get(ctx context.Context, storePath, sessionKey string) (Entry, bool, error) {
	raw, err := s.client.HGet(ctx, storePath, sessionKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("session: redis hget: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("session: decode entry: %w", err)
	}
	return entry, true, nil
}
