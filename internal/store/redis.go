package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
)

const (
	redisSessionPrefix = "podito:session:"
	redisSessionIndex  = "podito:sessions"
)

// RedisStore keeps each session as a JSON string key, optionally expiring
// after a TTL of inactivity. A set indexes the known conversation ids.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to the configured Redis URL.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("redis URL not set")
	}
	ropts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		slog.Error("Redis ping failed", "error", err)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("RedisStore ready", "addr", ropts.Addr, "ttl", cfg.RedisTTL)
	return NewRedisStoreWithClient(client, cfg.RedisTTL), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) GetSession(ctx context.Context, conversationID string) (*models.Session, error) {
	data, err := s.client.Get(ctx, redisSessionPrefix+conversationID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get session", conversationID, err)
	}
	return decodeSession(data)
}

func (s *RedisStore) SaveSession(ctx context.Context, sess *models.Session) error {
	if err := prepareForSave(sess); err != nil {
		return err
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return wrapErr("encode session", sess.ConversationID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisSessionPrefix+sess.ConversationID, b, s.ttl)
		pipe.SAdd(ctx, redisSessionIndex, sess.ConversationID)
		return nil
	})
	if err != nil {
		slog.Error("RedisStore SaveSession failed", "error", err, "conversationID", sess.ConversationID)
		return wrapErr("save session", sess.ConversationID, err)
	}
	return nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, conversationID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisSessionPrefix+conversationID)
		pipe.SRem(ctx, redisSessionIndex, conversationID)
		return nil
	})
	if err != nil {
		return wrapErr("delete session", conversationID, err)
	}
	return nil
}

// ListSessions returns indexed sessions; ids whose key has expired are
// pruned from the index.
func (s *RedisStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	ids, err := s.client.SMembers(ctx, redisSessionIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sort.Strings(ids)
	out := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			s.client.SRem(ctx, redisSessionIndex, id)
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *RedisStore) DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range sessions {
		if sess.UpdatedAt.Before(cutoff) {
			if err := s.DeleteSession(ctx, sess.ConversationID); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
