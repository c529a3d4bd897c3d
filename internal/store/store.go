// Package store persists conversation sessions.
//
// Backends: in-memory (default when no DSN is configured), SQLite, PostgreSQL
// and Redis. The backend is chosen from the DSN with DetectDSNType.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
)

// ErrEmptyConversationID is returned when a session has no conversation id.
var ErrEmptyConversationID = errors.New("conversation id cannot be empty")

// Store is the session persistence contract. GetSession returns (nil, nil)
// when no session exists for the conversation.
type Store interface {
	GetSession(ctx context.Context, conversationID string) (*models.Session, error)
	SaveSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, conversationID string) error
	ListSessions(ctx context.Context) ([]*models.Session, error)
	// DeleteSessionsBefore removes sessions last updated before cutoff and
	// returns how many were removed.
	DeleteSessionsBefore(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN      string
	RedisTTL time.Duration
}

// Option configures a store backend.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedisURL sets the Redis URL (redis:// or rediss://).
func WithRedisURL(url string) Option {
	return func(o *Opts) { o.DSN = url }
}

// WithRedisTTL expires Redis sessions after ttl of inactivity. Zero keeps them forever.
func WithRedisTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.RedisTTL = ttl }
}

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
	DSNTypeRedis    = "redis"
)

// DetectDSNType classifies a DSN as "postgres", "redis" or "sqlite3".
// Anything that is not recognizably PostgreSQL or Redis is a SQLite path.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(d, "postgres://"), strings.HasPrefix(d, "postgresql://"),
		strings.Contains(d, "dbname="), strings.HasPrefix(d, "host="):
		return DSNTypePostgres
	case strings.HasPrefix(d, "redis://"), strings.HasPrefix(d, "rediss://"):
		return DSNTypeRedis
	default:
		return DSNTypeSQLite
	}
}

// New opens the backend selected by the configured DSN. With no DSN it
// returns an in-memory store.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Debug("store.New: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(cfg.DSN) {
	case DSNTypePostgres:
		return NewPostgresStore(opts...)
	case DSNTypeRedis:
		return NewRedisStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}

// nowFunc is replaced in tests to backdate sessions.
var nowFunc = time.Now

// prepareForSave validates a session and stamps its update time.
func prepareForSave(s *models.Session) error {
	if s == nil {
		return errors.New("session cannot be nil")
	}
	if s.ConversationID == "" {
		return ErrEmptyConversationID
	}
	s.Normalize()
	now := nowFunc()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	return nil
}

func wrapErr(op, conversationID string, err error) error {
	return fmt.Errorf("%s %s: %w", op, conversationID, err)
}
