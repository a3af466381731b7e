package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned when releasing a lock owned by someone else.
var ErrLockNotHeld = errors.New("lock not held")

// Client wraps Redis operations for run locks and health records.
type Client struct {
	rdb    *redis.Client
	prefix string
	owner  string
}

// Config holds Redis connection configuration.
type Config struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	KeyPrefix string `yaml:"key_prefix"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return newClient(rdb, cfg.KeyPrefix), nil
}

func newClient(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "harvester"
	}
	return &Client{rdb: rdb, prefix: prefix, owner: uuid.NewString()}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key helpers
func (c *Client) lockKey(sourceID string) string {
	return fmt.Sprintf("%s:lock:%s", c.prefix, sourceID)
}

func (c *Client) healthKey() string {
	return fmt.Sprintf("%s:health", c.prefix)
}

// TryLock attempts to take the run lock for a source. The lock expires after
// ttl so a crashed process cannot wedge a source forever.
func (c *Client) TryLock(ctx context.Context, sourceID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, c.lockKey(sourceID), c.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Unlock releases a run lock taken by this client.
func (c *Client) Unlock(ctx context.Context, sourceID string) error {
	n, err := unlockScript.Run(ctx, c.rdb, []string{c.lockKey(sourceID)}, c.owner).Int()
	if err != nil {
		return fmt.Errorf("unlock failed: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Refresh extends the TTL of a lock held by this client.
func (c *Client) Refresh(ctx context.Context, sourceID string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, c.rdb, []string{c.lockKey(sourceID)}, c.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock failed: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
