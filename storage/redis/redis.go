// Package redis provides a Redis implementation of ledger.Storage and billing.Store.
// Ledger writes use optimistic WATCH/MULTI transactions; a concurrent writer to
// the same organization makes the transaction fail with ledger.ErrConflict.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/creditledger/pkg/ledger"
)

// Storage implements ledger.Storage and billing.Store using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

var (
	_ ledger.Storage    = (*Storage)(nil)
	_ ledger.TimeSource = (*Storage)(nil)
)

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "creditledger:")
	KeyPrefix string

	// EventTTL is how long webhook events are kept (0 = no expiration)
	EventTTL time.Duration

	// MaxRetries bounds optimistic retries of subscription writes (default: 3).
	// Ledger conflicts are returned to the engine, which has its own budget.
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "creditledger:",
		EventTTL:   30 * 24 * time.Hour,
		MaxRetries: 3,
	}
}

// New creates a new Redis storage adapter.
// The client can be *redis.Client or *redis.Ring. Ledger transactions span an
// organization's keys and the global expiry index, so Redis Cluster is not supported.
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "creditledger:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

func (s *Storage) loadScripts() {
	// Processed flag compare-and-set on a stored webhook event
	s.scripts["markProcessed"] = redis.NewScript(`
		local raw = redis.call('GET', KEYS[1])
		if not raw then
			return 'missing'
		end
		local ev = cjson.decode(raw)
		if ev.processed == true then
			return 'duplicate'
		end
		ev.processed = true
		ev.processed_at = ARGV[1]
		local ttl = redis.call('PTTL', KEYS[1])
		if ttl > 0 then
			redis.call('SET', KEYS[1], cjson.encode(ev), 'PX', ttl)
		else
			redis.call('SET', KEYS[1], cjson.encode(ev))
		end
		return 'ok'
	`)

	// Initial credit marker compare-and-set on a stored subscription
	s.scripts["markInitial"] = redis.NewScript(`
		local raw = redis.call('GET', KEYS[1])
		if not raw then
			return 'missing'
		end
		local sub = cjson.decode(raw)
		if sub.initial_credits_granted == true then
			return 'unchanged'
		end
		sub.initial_credits_granted = true
		sub.updated_at = ARGV[1]
		redis.call('SET', KEYS[1], cjson.encode(sub))
		return 'ok'
	`)
}

// Now implements ledger.TimeSource using the Redis server clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read redis time: %w", err)
	}
	return t.UTC(), nil
}

// Close closes the Redis client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Key layout. Per-organization keys share a {orgID} hash tag.

func (s *Storage) balanceKey(orgID string) string {
	return fmt.Sprintf("%sbalance:{%s}", s.config.KeyPrefix, orgID)
}

func (s *Storage) entryKey(orgID, entryID string) string {
	return fmt.Sprintf("%sentry:{%s}:%s", s.config.KeyPrefix, orgID, entryID)
}

// entriesKey is a sorted set of all entry ids scored by creation time
func (s *Storage) entriesKey(orgID string) string {
	return fmt.Sprintf("%sentries:{%s}", s.config.KeyPrefix, orgID)
}

// activeKey is the set of entry ids with remaining credits
func (s *Storage) activeKey(orgID string) string {
	return fmt.Sprintf("%sentries:active:{%s}", s.config.KeyPrefix, orgID)
}

// txIndexKey is a zero-scored sorted set of transaction ids, ordered lexically
func (s *Storage) txIndexKey(orgID string) string {
	return fmt.Sprintf("%stx:{%s}", s.config.KeyPrefix, orgID)
}

func (s *Storage) txDataKey(orgID string) string {
	return fmt.Sprintf("%stxdata:{%s}", s.config.KeyPrefix, orgID)
}

func (s *Storage) idempotencyKey(orgID string) string {
	return fmt.Sprintf("%sidempotency:{%s}", s.config.KeyPrefix, orgID)
}

// lapsingKey is the global sorted set of expiring entry ids scored by expiry
func (s *Storage) lapsingKey() string {
	return s.config.KeyPrefix + "lapsing"
}

// ownerKey maps expiring entry ids to their organization
func (s *Storage) ownerKey() string {
	return s.config.KeyPrefix + "lapsing:owner"
}

func (s *Storage) subscriptionKey(id string) string {
	return s.config.KeyPrefix + "subscription:" + id
}

func (s *Storage) orgSubscriptionsKey(orgID string) string {
	return s.config.KeyPrefix + "org:subscriptions:" + orgID
}

func (s *Storage) eventKey(id string) string {
	return s.config.KeyPrefix + "event:" + id
}

func (s *Storage) customerKey(orgID string) string {
	return s.config.KeyPrefix + "customer:" + orgID
}

// watch runs fn in an optimistic transaction, retrying when a watched key
// changed underneath it
func (s *Storage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ledger.ErrConflict, err)
}
