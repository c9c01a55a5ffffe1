package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultOpTimeout bounds each backend operation when the caller's context
// carries no deadline. An unbounded wait on the cache store is a defect.
const defaultOpTimeout = 2 * time.Second

// scanBatch is the COUNT hint for SCAN and the DEL batch size used by
// DeletePattern.
const scanBatch = 256

// Redis is the production Backend over a shared Redis-compatible store. It
// owns the client lifecycle: construct with NewRedis, release with Close.
type Redis struct {
	rdb       *redis.Client
	opTimeout time.Duration
}

// NewRedis creates a Redis backend for the given address.
func NewRedis(addr, password string, db int) *Redis {
	return FromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// FromClient wraps an already-configured client. The caller keeps ownership
// of client configuration but the returned Redis owns Close.
func FromClient(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, opTimeout: defaultOpTimeout}
}

// withTimeout applies the default operation timeout when ctx has none.
func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	val, err := r.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: get %s: %v", ErrUnavailable, key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("backend: set %s: non-positive ttl %v", key, ttl)
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: del: %v", ErrUnavailable, err)
	}
	return nil
}

// DeletePattern walks the keyspace with SCAN (never KEYS, which blocks the
// server) and deletes matches in batches.
func (r *Redis) DeletePattern(ctx context.Context, pattern string) (int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	deleted := 0
	batch := make([]string, 0, scanBatch)
	iter := r.rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := r.rdb.Del(ctx, batch...).Err(); err != nil {
				return deleted, fmt.Errorf("%w: del batch: %v", ErrUnavailable, err)
			}
			deleted += len(batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("%w: scan %s: %v", ErrUnavailable, pattern, err)
	}
	if len(batch) > 0 {
		if err := r.rdb.Del(ctx, batch...).Err(); err != nil {
			return deleted, fmt.Errorf("%w: del batch: %v", ErrUnavailable, err)
		}
		deleted += len(batch)
	}
	return deleted, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ok, err := r.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: expire %s: %v", ErrUnavailable, key, err)
	}
	return ok, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, channel, err)
	}
	return nil
}

// Subscribe opens a Redis pub/sub subscription. The returned subscription's
// channel closes when the connection drops, letting the caller's reconnect
// loop take over.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, channels...)
	// Force the initial SUBSCRIBE round trip so connection failures surface
	// here instead of as a silent dead channel.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe %v: %v", ErrUnavailable, channels, err)
	}

	sub := &redisSub{ps: ps, msgs: make(chan Message), done: make(chan struct{})}
	go sub.pump()
	return sub, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

type redisSub struct {
	ps        *redis.PubSub
	msgs      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSub) pump() {
	defer close(s.msgs)
	for m := range s.ps.Channel() {
		select {
		case s.msgs <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
		case <-s.done:
			// Receiver is gone; stop instead of blocking on the send.
			return
		}
	}
}

func (s *redisSub) Messages() <-chan Message { return s.msgs }

func (s *redisSub) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.ps.Close()
}
