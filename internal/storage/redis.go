package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agent-valuator/internal/config"
	"github.com/agent-valuator/internal/models"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// RedisCache wraps the Redis client
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache connection
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// RedisPriceCache stores the last resolved TokenPrice per token.
// Freshness is judged by the oracle against chain time; the key TTL only evicts abandoned tokens.
type RedisPriceCache struct {
	cache     *RedisCache
	namespace string
	ttl       time.Duration
}

// DefaultPriceKeyTTL evicts prices for tokens nobody asked about in a day
const DefaultPriceKeyTTL = 24 * time.Hour

// NewRedisPriceCache creates a price cache scoped to one chain
func NewRedisPriceCache(cache *RedisCache, chain string, ttl time.Duration) *RedisPriceCache {
	if ttl <= 0 {
		ttl = DefaultPriceKeyTTL
	}
	return &RedisPriceCache{cache: cache, namespace: strings.ToLower(chain), ttl: ttl}
}

func (c *RedisPriceCache) key(token common.Address) string {
	return fmt.Sprintf("price:%s:%s", c.namespace, addressKey(token))
}

// GetTokenPrice returns the cached price, or nil on a miss
func (c *RedisPriceCache) GetTokenPrice(ctx context.Context, token common.Address) (*models.TokenPrice, error) {
	raw, err := c.cache.client.Get(ctx, c.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cached price: %w", err)
	}

	var price models.TokenPrice
	if err := json.Unmarshal(raw, &price); err != nil {
		return nil, fmt.Errorf("failed to decode cached price: %w", err)
	}
	return &price, nil
}

// SetTokenPrice replaces the cached price for the token
func (c *RedisPriceCache) SetTokenPrice(ctx context.Context, price *models.TokenPrice) error {
	raw, err := json.Marshal(price)
	if err != nil {
		return fmt.Errorf("failed to encode price: %w", err)
	}
	if err := c.cache.client.Set(ctx, c.key(price.Token), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache price: %w", err)
	}
	return nil
}

// Invalidate drops the cached price for token
func (c *RedisPriceCache) Invalidate(ctx context.Context, token common.Address) error {
	return c.cache.client.Del(ctx, c.key(token)).Err()
}
