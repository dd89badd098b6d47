// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/thv-authserver/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

const (
	// objectKeyPart namespaces object values.
	objectKeyPart = "obj"

	// indexKeyPart names the hash mapping object key -> last modified (unix nanos).
	indexKeyPart = "index"

	// lockKeyPart namespaces lock keys.
	lockKeyPart = "lock"
)

// unlockScript deletes the lock only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addr is the address of a standalone Redis server. Ignored when SentinelConfig is set.
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty" mapstructure:"addr"`

	// SentinelConfig selects a Sentinel-managed deployment.
	SentinelConfig *SentinelConfig `json:"sentinel,omitempty" yaml:"sentinel,omitempty" mapstructure:"sentinel"`

	// Username and Password for ACL authentication.
	Username string `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`
	Password string `json:"-" yaml:"-" mapstructure:"password"`

	// DB is the logical database for standalone deployments.
	DB int `json:"db,omitempty" yaml:"db,omitempty" mapstructure:"db"`

	// KeyPrefix namespaces every key, e.g. "thv:authserver:keys:".
	KeyPrefix string `json:"keyPrefix,omitempty" yaml:"keyPrefix,omitempty" mapstructure:"key_prefix"`

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration `json:"dialTimeout,omitempty" yaml:"dialTimeout,omitempty" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `json:"readTimeout,omitempty" yaml:"readTimeout,omitempty" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"writeTimeout,omitempty" yaml:"writeTimeout,omitempty" mapstructure:"write_timeout"`
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string   `json:"masterName" yaml:"masterName" mapstructure:"master_name"`
	SentinelAddrs []string `json:"addrs" yaml:"addrs" mapstructure:"addrs"`
	DB            int      `json:"db,omitempty" yaml:"db,omitempty" mapstructure:"db"`
}

// RedisStorage implements Backend on Redis. Values are plain strings; an index hash
// records each key's write time so List does not need to scan the keyspace.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisStorage connects to Redis and returns a RedisStorage.
// Returns error if configuration validation fails or connection cannot be established.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	// Apply defaults
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	var client redis.UniversalClient
	if cfg.SentinelConfig != nil {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelConfig.MasterName,
			SentinelAddrs: cfg.SentinelConfig.SentinelAddrs,
			DB:            cfg.SentinelConfig.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if cfg.SentinelConfig != nil {
		if cfg.SentinelConfig.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(cfg.SentinelConfig.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
	} else if cfg.Addr == "" {
		return errors.New("redis address or sentinel configuration is required")
	}
	if cfg.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	return nil
}

func (s *RedisStorage) redisKey(parts ...string) string {
	return s.keyPrefix + strings.Join(parts, ":")
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// List reads the index hash and returns the entries under prefix.
func (s *RedisStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	entries, err := s.client.HGetAll(ctx, s.redisKey(indexKeyPart)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	out := make([]ObjectInfo, 0, len(entries))
	for key, modified := range entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		nanos, err := strconv.ParseInt(modified, 10, 64)
		if err != nil {
			logger.Warnf("ignoring malformed index entry for %s: %v", key, err)
			continue
		}
		out = append(out, ObjectInfo{Key: key, LastModified: time.Unix(0, nanos).UTC()})
	}
	slices.SortFunc(out, func(a, b ObjectInfo) int { return strings.Compare(a.Key, b.Key) })
	return out, nil
}

// Get returns the stored value.
func (s *RedisStorage) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.redisKey(objectKeyPart, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	return data, nil
}

// Put writes the value with SETNX and only then records it in the index,
// so a listed key is always readable.
func (s *RedisStorage) Put(ctx context.Context, key string, data []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.redisKey(objectKeyPart, key), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", key, err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	modified := strconv.FormatInt(s.now().UnixNano(), 10)
	if err := s.client.HSet(ctx, s.redisKey(indexKeyPart), key, modified).Err(); err != nil {
		return fmt.Errorf("failed to index object %s: %w", key, err)
	}
	return nil
}

// Delete removes the index entry first and then the value.
func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, s.redisKey(indexKeyPart), key).Err(); err != nil {
		return fmt.Errorf("failed to unindex object %s: %w", key, err)
	}
	if err := s.client.Del(ctx, s.redisKey(objectKeyPart, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// TryLock sets a random token under the lock key with SET NX PX.
// The returned unlock function deletes the key only while it still holds that token.
func (s *RedisStorage) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	lockKey := s.redisKey(lockKeyPart, name)

	ok, err := s.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return func() {
		// the caller's context may already be cancelled when unlocking
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultWriteTimeout)
		defer cancel()
		if err := unlockScript.Run(releaseCtx, s.client, []string{lockKey}, token).Err(); err != nil {
			logger.Warnf("failed to release redis lock %s: %v", name, err)
		}
	}, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
