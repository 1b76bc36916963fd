package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/memohai/dingtalk-bridge/internal/channel/inbound"
	"github.com/memohai/dingtalk-bridge/internal/config"
)

// Store is the session store contract used by the inbound processor.
type Store = inbound.SessionStore

// New opens the store selected by cfg.Session.Driver. The returned close
// function releases backend connections and is never nil.
func New(ctx context.Context, cfg config.Config) (Store, func(), error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Session.Driver)) {
	case "", "file":
		store, err := NewFileStore(cfg.Session.Dir)
		if err != nil {
			return nil, func() {}, err
		}
		return store, func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, func() {}, fmt.Errorf("session: redis ping: %w", err)
		}
		return NewRedisStore(client, cfg.Redis.Prefix), func() { _ = client.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN())
		if err != nil {
			return nil, func() {}, fmt.Errorf("session: connect postgres: %w", err)
		}
		store := NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, func() {}, err
		}
		return store, pool.Close, nil
	default:
		return nil, func() {}, fmt.Errorf("session: unknown driver %q", cfg.Session.Driver)
	}
}
