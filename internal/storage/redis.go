// -----------------------------------------------------------------------
// Redis Store - Shared key/value connection with namespaced keys
// -----------------------------------------------------------------------

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/toolbox/internal/common"
)

// KV wraps the shared Redis connection. Every key the toolbox writes goes
// through Key() so the whole deployment lives under one prefix and multiple
// deployments can share a Redis instance.
type KV struct {
	client redis.UniversalClient
	prefix string
	logger arbor.ILogger
}

// NewKV opens a Redis connection from the configured URL and verifies it
// with a ping before returning.
func NewKV(logger arbor.ILogger, config *common.RedisConfig) (*KV, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Debug().Str("prefix", config.Prefix).Msg("Redis connection initialized")

	return &KV{
		client: client,
		prefix: config.Prefix,
		logger: logger,
	}, nil
}

// NewKVWithClient wraps an existing client. Tests pass a miniredis-backed
// client here.
func NewKVWithClient(client redis.UniversalClient, prefix string) *KV {
	return &KV{client: client, prefix: prefix}
}

// Key joins path segments under the deployment prefix: Key("jobs") with
// prefix "sretoolbox" yields "sretoolbox:jobs".
func (k *KV) Key(parts ...string) string {
	segments := append([]string{k.prefix}, parts...)
	return strings.Join(segments, ":")
}

// Client exposes the underlying connection for commands and transactions.
func (k *KV) Client() redis.UniversalClient {
	return k.client
}

// Prefix returns the deployment key namespace.
func (k *KV) Prefix() string {
	return k.prefix
}

// Ping verifies the connection is alive.
func (k *KV) Ping(ctx context.Context) error {
	return k.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (k *KV) Close() error {
	if k.client != nil {
		return k.client.Close()
	}
	return nil
}
