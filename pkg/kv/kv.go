package kv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/redis/go-redis/v9"

	"github.com/kilnhq/kiln/pkg/config"
)

// Client is the key-value facade. One Client serves all components; it is
// safe for concurrent use. Every key passed in is transparently prefixed
// with the configured namespace.
type Client struct {
	rdb redis.UniversalClient
	ns  string
}

// New builds a Client for the configured deployment mode. The constructor
// does not dial; call Ping to verify connectivity at startup.
func New(cfg config.KVConfig) (*Client, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("kv: no endpoints configured: %w", errdefs.ErrInvalidArgument)
	}

	tlsCfg, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("kv: %w", err)
	}

	var rdb redis.UniversalClient
	switch cfg.Mode {
	case config.KVModeStandalone:
		rdb = redis.NewClient(&redis.Options{
			Addr:            cfg.Addrs[0],
			Username:        cfg.Username,
			Password:        cfg.Password,
			DB:              cfg.DB,
			MaxRetries:      cfg.MaxRetries,
			MinRetryBackoff: 8 * time.Millisecond,
			MaxRetryBackoff: 512 * time.Millisecond,
			DialTimeout:     time.Duration(cfg.DialTimeoutSec) * time.Second,
			ReadTimeout:     time.Duration(cfg.ReadTimeoutSec) * time.Second,
			WriteTimeout:    time.Duration(cfg.WriteTimeoutSec) * time.Second,
			TLSConfig:       tlsCfg,
		})
	case config.KVModeCluster:
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:           cfg.Addrs,
			Username:        cfg.Username,
			Password:        cfg.Password,
			MaxRetries:      cfg.MaxRetries,
			MinRetryBackoff: 8 * time.Millisecond,
			MaxRetryBackoff: 512 * time.Millisecond,
			DialTimeout:     time.Duration(cfg.DialTimeoutSec) * time.Second,
			ReadTimeout:     time.Duration(cfg.ReadTimeoutSec) * time.Second,
			WriteTimeout:    time.Duration(cfg.WriteTimeoutSec) * time.Second,
			TLSConfig:       tlsCfg,
		})
	case config.KVModeSentinel:
		if cfg.MasterName == "" {
			return nil, fmt.Errorf("kv: sentinel mode requires master_name: %w", errdefs.ErrInvalidArgument)
		}
		rdb = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:      cfg.MasterName,
			SentinelAddrs:   cfg.Addrs,
			Username:        cfg.Username,
			Password:        cfg.Password,
			DB:              cfg.DB,
			MaxRetries:      cfg.MaxRetries,
			MinRetryBackoff: 8 * time.Millisecond,
			MaxRetryBackoff: 512 * time.Millisecond,
			DialTimeout:     time.Duration(cfg.DialTimeoutSec) * time.Second,
			ReadTimeout:     time.Duration(cfg.ReadTimeoutSec) * time.Second,
			WriteTimeout:    time.Duration(cfg.WriteTimeoutSec) * time.Second,
			TLSConfig:       tlsCfg,
		})
	default:
		return nil, fmt.Errorf("kv: unknown mode %q: %w", cfg.Mode, errdefs.ErrInvalidArgument)
	}

	return &Client{rdb: rdb, ns: cfg.Namespace}, nil
}

// key applies the namespace prefix.
func (c *Client) key(k string) string {
	if c.ns == "" {
		return k
	}
	return c.ns + ":" + k
}

// stripNS removes the namespace prefix from a raw store key.
func (c *Client) stripNS(k string) string {
	if c.ns == "" {
		return k
	}
	return strings.TrimPrefix(k, c.ns+":")
}

// Ping verifies connectivity to the store.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return classify("ping", "", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get returns the string value at key. Missing keys yield ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, c.key(key)).Result()
	if err != nil {
		return "", classify("get", key, err)
	}
	return v, nil
}

// GetBytes returns the raw bytes at key. Missing keys yield ErrNotFound.
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, error) {
	v, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		return nil, classify("get", key, err)
	}
	return v, nil
}

// Set writes value at key. A zero ttl means no expiry.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return classify("set", key, err)
	}
	return nil
}

// Del removes keys and returns how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	nk := make([]string, len(keys))
	for i, k := range keys {
		nk[i] = c.key(k)
	}
	n, err := c.rdb.Del(ctx, nk...).Result()
	if err != nil {
		return 0, classify("del", strings.Join(keys, ","), err)
	}
	return n, nil
}

// Exists reports whether key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, classify("exists", key, err)
	}
	return n > 0, nil
}

// HSet writes fields into the hash at key.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	if err := c.rdb.HSet(ctx, c.key(key), fields).Err(); err != nil {
		return classify("hset", key, err)
	}
	return nil
}

// HGetAll returns every field of the hash at key. A missing hash returns an
// empty map, matching store semantics; callers decide whether that is an
// error.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, c.key(key)).Result()
	if err != nil {
		return nil, classify("hgetall", key, err)
	}
	return m, nil
}

// SAdd adds members to the set at key.
func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	if err := c.rdb.SAdd(ctx, c.key(key), members...).Err(); err != nil {
		return classify("sadd", key, err)
	}
	return nil
}

// SMembers returns all members of the set at key.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, c.key(key)).Result()
	if err != nil {
		return nil, classify("smembers", key, err)
	}
	return members, nil
}

// SRem removes members from the set at key and returns how many were present.
func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) (int64, error) {
	n, err := c.rdb.SRem(ctx, c.key(key), members...).Result()
	if err != nil {
		return 0, classify("srem", key, err)
	}
	return n, nil
}

// LPush prepends values to the list at key, newest first.
func (c *Client) LPush(ctx context.Context, key string, values ...interface{}) error {
	if err := c.rdb.LPush(ctx, c.key(key), values...).Err(); err != nil {
		return classify("lpush", key, err)
	}
	return nil
}

// LRange returns the list elements in [start, stop]. Negative indexes count
// from the tail, so (0, -1) reads the whole list.
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := c.rdb.LRange(ctx, c.key(key), start, stop).Result()
	if err != nil {
		return nil, classify("lrange", key, err)
	}
	return vals, nil
}

// LTrim drops every list element outside [start, stop].
func (c *Client) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := c.rdb.LTrim(ctx, c.key(key), start, stop).Err(); err != nil {
		return classify("ltrim", key, err)
	}
	return nil
}

// Incr increments the integer at key and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, c.key(key)).Result()
	if err != nil {
		return 0, classify("incr", key, err)
	}
	return n, nil
}

// Expire sets a ttl on key. Returns false when the key does not exist.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.Expire(ctx, c.key(key), ttl).Result()
	if err != nil {
		return false, classify("expire", key, err)
	}
	return ok, nil
}

// TTL returns the remaining ttl of key. Negative durations follow store
// semantics: -1 means no expiry, -2 means no such key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, c.key(key)).Result()
	if err != nil {
		return 0, classify("ttl", key, err)
	}
	return d, nil
}

// ScanKeys returns every key matching pattern (namespace applied, then
// stripped from the results). On sharded deployments the scan fans out to
// every master, because a plain SCAN only visits one node.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	full := c.key(pattern)

	if cc, ok := c.rdb.(*redis.ClusterClient); ok {
		var mu sync.Mutex
		var keys []string
		err := cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			iter := node.Scan(ctx, 0, full, 100).Iterator()
			for iter.Next(ctx) {
				mu.Lock()
				keys = append(keys, c.stripNS(iter.Val()))
				mu.Unlock()
			}
			return iter.Err()
		})
		if err != nil {
			return nil, classify("scan", pattern, err)
		}
		return keys, nil
	}

	var keys []string
	iter := c.rdb.Scan(ctx, 0, full, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, c.stripNS(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, classify("scan", pattern, err)
	}
	return keys, nil
}

// classify maps store errors onto the shared taxonomy. Connection and
// timeout failures have already been retried by the driver with exponential
// backoff; what escapes here is surfaced as Unavailable. Anything the server
// rejected (wrong type, bad auth) is not retried.
func classify(op, key string, err error) error {
	switch {
	case errors.Is(err, redis.Nil):
		return fmt.Errorf("kv %s %s: %w", op, key, errdefs.ErrNotFound)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("kv %s %s: %w", op, key, err)
	case isAuthError(err):
		return fmt.Errorf("kv %s %s: %v: %w", op, key, err, errdefs.ErrUnauthenticated)
	case isConnError(err):
		return fmt.Errorf("kv %s %s: %v: %w", op, key, err, errdefs.ErrUnavailable)
	default:
		return fmt.Errorf("kv %s %s: %w", op, key, err)
	}
}

func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NOAUTH") || strings.Contains(msg, "WRONGPASS") ||
		strings.Contains(msg, "invalid username-password")
}

func isConnError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "CLUSTERDOWN") ||
		strings.Contains(msg, "LOADING") ||
		strings.Contains(msg, "i/o timeout")
}
