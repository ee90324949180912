// Package redis implements the Redis-backed session store. It is the
// default durable store for the courier: a session record survives a
// process restart but expires on its own, mirroring the "survives reload,
// not tab close" durability the protocol expects.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lrshub/cmi5-courier/internal/domain/session"
	"github.com/lrshub/cmi5-courier/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	// Host is the Redis server hostname.
	Host string

	// Port is the Redis server port.
	Port int

	// Password is the Redis authentication password (empty if no auth).
	Password string

	// DB is the Redis database number.
	DB int

	// PoolSize is the maximum number of socket connections.
	PoolSize int

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads.
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes.
	WriteTimeout time.Duration

	// SessionTTL bounds how long an untouched session record survives.
	// Every Save refreshes the TTL.
	SessionTTL time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		DB:           0,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		SessionTTL:   24 * time.Hour,
	}
}

// Addr returns the Redis address in "host:port" format.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// keyPrefix namespaces session record keys.
const keyPrefix = "courier:session:"

// ══════════════════════════════════════════════════════════════════════════════
// STORE
// ══════════════════════════════════════════════════════════════════════════════

// Store is a Redis-backed session.Store.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a Store and verifies connectivity.
func NewStore(ctx context.Context, config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr(),
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ttl := config.SessionTTL
	if ttl <= 0 {
		ttl = DefaultConfig().SessionTTL
	}
	return &Store{client: client, ttl: ttl}, nil
}

// NewStoreWithClient wraps an existing client (tests, shared pools).
func NewStoreWithClient(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultConfig().SessionTTL
	}
	return &Store{client: client, ttl: ttl}
}

// Save persists the record as JSON and refreshes its TTL.
func (s *Store) Save(ctx context.Context, rec *session.Record) error {
	if rec == nil || rec.RegistrationID == "" {
		return shared.NewDomainError("session", "Save", shared.ErrEmptyValue,
			"record requires a registration id", nil)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+rec.RegistrationID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session record: %w", err)
	}
	return nil
}

// Load returns the stored record or shared.ErrNotFound.
func (s *Store) Load(ctx context.Context, registrationID string) (*session.Record, error) {
	data, err := s.client.Get(ctx, keyPrefix+registrationID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session record: %w", err)
	}

	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session record: %w", err)
	}
	return &rec, nil
}

// Clear removes the record; clearing an absent record is a no-op.
func (s *Store) Clear(ctx context.Context, registrationID string) error {
	if err := s.client.Del(ctx, keyPrefix+registrationID).Err(); err != nil {
		return fmt.Errorf("clear session record: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
