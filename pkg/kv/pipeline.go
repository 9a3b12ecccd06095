package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Pipeline batches commands into one round trip. It is deliberately
// NON-transactional: commands execute in order but without MULTI/EXEC, so a
// batch touching keys in different hash slots still succeeds on sharded
// deployments. Do not switch this to TxPipeline; cross-slot transactions
// fail with CROSSSLOT on cluster mode.
type Pipeline struct {
	c *Client
	p redis.Pipeliner
}

// Pipeline starts a new command batch.
func (c *Client) Pipeline() *Pipeline {
	return &Pipeline{c: c, p: c.rdb.Pipeline()}
}

// Set queues a SET with ttl (zero = no expiry).
func (p *Pipeline) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *Pipeline {
	p.p.Set(ctx, p.c.key(key), value, ttl)
	return p
}

// HSet queues fields into the hash at key.
func (p *Pipeline) HSet(ctx context.Context, key string, fields map[string]interface{}) *Pipeline {
	p.p.HSet(ctx, p.c.key(key), fields)
	return p
}

// SAdd queues members into the set at key.
func (p *Pipeline) SAdd(ctx context.Context, key string, members ...interface{}) *Pipeline {
	p.p.SAdd(ctx, p.c.key(key), members...)
	return p
}

// SRem queues member removal from the set at key.
func (p *Pipeline) SRem(ctx context.Context, key string, members ...interface{}) *Pipeline {
	p.p.SRem(ctx, p.c.key(key), members...)
	return p
}

// LPush queues a prepend onto the list at key.
func (p *Pipeline) LPush(ctx context.Context, key string, values ...interface{}) *Pipeline {
	p.p.LPush(ctx, p.c.key(key), values...)
	return p
}

// LTrim queues a trim of the list at key to [start, stop].
func (p *Pipeline) LTrim(ctx context.Context, key string, start, stop int64) *Pipeline {
	p.p.LTrim(ctx, p.c.key(key), start, stop)
	return p
}

// Del queues key deletion.
func (p *Pipeline) Del(ctx context.Context, keys ...string) *Pipeline {
	nk := make([]string, len(keys))
	for i, k := range keys {
		nk[i] = p.c.key(k)
	}
	p.p.Del(ctx, nk...)
	return p
}

// Expire queues a ttl update on key.
func (p *Pipeline) Expire(ctx context.Context, key string, ttl time.Duration) *Pipeline {
	p.p.Expire(ctx, p.c.key(key), ttl)
	return p
}

// Len returns the number of queued commands.
func (p *Pipeline) Len() int {
	return p.p.Len()
}

// Exec sends the batch. The first command error is returned after all
// commands have run; ordering within the batch is preserved.
func (p *Pipeline) Exec(ctx context.Context) error {
	if _, err := p.p.Exec(ctx); err != nil {
		return classify("pipeline", "", err)
	}
	return nil
}
