// Package kvstore implements ports.KVStore over go-redis/v9, the shared
// cross-replica store backing cluster/registry's WorkerRecords.
//
// Grounded on internal/redis/client.go's connection-options mapping and
// executeWithRetry retry wrapper (retry only on transient connection
// errors, never on redis.Nil), retargeted from Redis Streams consumer
// group operations to a flat key/value + prefix-scan seam.
package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ibs-source/inference-engine/internal/config"
	"github.com/ibs-source/inference-engine/internal/ports"
	goredis "github.com/redis/go-redis/v9"
)

// Store implements ports.KVStore using a go-redis universal client (works
// against a single node, a sentinel-fronted pair, or a cluster).
type Store struct {
	client     goredis.UniversalClient
	maxRetries int
	retryWait  time.Duration
}

// New constructs a Store from the resolved registry config.
func New(cfg config.RegistryConfig) *Store {
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    cfg.Addresses,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{client: client, maxRetries: 3, retryWait: 50 * time.Millisecond}
}

// Set implements ports.KVStore.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.retry(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
}

// Get implements ports.KVStore. A missing key returns (nil, nil), mirroring
// the teacher's treatment of redis.Nil as "no data" rather than an error.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.retry(ctx, func(ctx context.Context) error {
		v, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			out = nil
			return nil
		}
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Delete implements ports.KVStore.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.retry(ctx, func(ctx context.Context) error {
		return s.client.Del(ctx, key).Err()
	})
}

// Scan implements ports.KVStore using SCAN with a MATCH pattern, cursoring
// until exhausted rather than relying on (blocking, cluster-unsafe) KEYS.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.retry(ctx, func(ctx context.Context) error {
		keys = keys[:0]
		var cursor uint64
		pattern := prefix + "*"
		for {
			batch, next, err := s.client.Scan(ctx, cursor, pattern, 256).Result()
			if err != nil {
				return err
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				return nil
			}
		}
	})
	return keys, err
}

// Close implements ports.KVStore.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) retry(ctx context.Context, fn func(context.Context) error) error {
	var attempt int
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt >= s.maxRetries {
			return err
		}
		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryWait):
		}
	}
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "LOADING") ||
		strings.Contains(es, "connection refused") ||
		strings.Contains(es, "i/o timeout") ||
		strings.Contains(es, "EOF") ||
		strings.Contains(es, "connection reset")
}

var _ ports.KVStore = (*Store)(nil)
