// Package redis implements lock.Locker on Redis so that several control-plane
// replicas serialize invocations of the same pipeline.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	"github.com/rhuss/composer/pkg/lock"
)

// Config holds the Redis lock settings.
type Config struct {
	TTL           time.Duration // default: 1m
	RetryInterval time.Duration // default: 20ms
	KeyPrefix     string        // default: "composer:lock:"
}

func (c *Config) defaults() {
	if c.TTL == 0 {
		c.TTL = time.Minute
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = 20 * time.Millisecond
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "composer:lock:"
	}
}

// Locker hands out Redis-backed locks. A held lock is refreshed at half its
// TTL until released, so invocations may outlive the TTL.
type Locker struct {
	client *redislock.Client
	cfg    Config
	opts   *redislock.Options
	logger *slog.Logger
}

var _ lock.Locker = (*Locker)(nil)

// New creates a Locker on an existing client.
func New(client redis.UniversalClient, cfg Config, logger *slog.Logger) *Locker {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		client: redislock.New(client),
		cfg:    cfg,
		opts: &redislock.Options{
			RetryStrategy: &constantBackoff{backoff: cfg.RetryInterval},
		},
		logger: logger,
	}
}

// Acquire polls until the lock is obtained or ctx is done.
func (l *Locker) Acquire(ctx context.Context, key string) (lock.Lock, error) {
	k := l.cfg.KeyPrefix + key
	rl, err := l.client.Obtain(ctx, k, l.cfg.TTL, l.opts)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", lock.ErrNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtaining lock %s: %w", key, err)
	}

	h := &held{lock: rl, key: key, done: make(chan struct{}), logger: l.logger}
	go h.refresh(l.cfg.TTL)
	return h, nil
}

type held struct {
	lock   *redislock.Lock
	key    string
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func (h *held) refresh(ttl time.Duration) {
	t := time.NewTicker(ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-t.C:
			if err := h.lock.Refresh(context.Background(), ttl, nil); err != nil {
				h.logger.Warn("refreshing lock failed", "key", h.key, "error", err)
				return
			}
		}
	}
}

func (h *held) Unlock(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		close(h.done)
		err = h.lock.Release(context.WithoutCancel(ctx))
		if errors.Is(err, redislock.ErrLockNotHeld) {
			h.logger.Warn("lock expired before release", "key", h.key)
			err = nil
		}
	})
	return err
}
