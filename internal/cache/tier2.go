package cache

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// Envelope is the tier-2 storage format. The compressed flag travels
// with the payload so a reader can verify agreement.
type Envelope struct {
	Data       []byte `json:"data"`
	Compressed bool   `json:"compressed"`
}

// Tier2 is the optional external key-value store contract. All errors
// are recoverable: the cache keeps serving from tier 1.
type Tier2 interface {
	Get(ctx context.Context, key string) (*Envelope, time.Duration, error)
	Set(ctx context.Context, key string, env *Envelope, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Close() error
}

// RedisTier2 implements Tier2 on redis.
type RedisTier2 struct {
	client *redis.Client
	prefix string
}

// RedisOptions configures the tier-2 connection. The password is
// resolved from PasswordEnvVar at construction; config never carries
// the secret itself.
type RedisOptions struct {
	Address        string
	PasswordEnvVar string
	DB             int
	KeyPrefix      string
}

// NewRedisTier2 connects to redis and verifies the connection.
func NewRedisTier2(ctx context.Context, opts RedisOptions) (*RedisTier2, error) {
	password := ""
	if opts.PasswordEnvVar != "" {
		password = os.Getenv(opts.PasswordEnvVar)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Address,
		Password:     password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "pp:"
	}
	return &RedisTier2{client: client, prefix: prefix}, nil
}

func (r *RedisTier2) key(k string) string { return r.prefix + k }

// Get fetches an envelope and its remaining TTL. A missing key returns
// (nil, 0, nil).
func (r *RedisTier2) Get(ctx context.Context, key string) (*Envelope, time.Duration, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, r.key(key))
	ttlCmd := pipe.TTL(ctx, r.key(key))
	if _, err := pipe.Exec(ctx); err != nil {
		if err == redis.Nil {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	var env Envelope
	if err := json.Unmarshal([]byte(getCmd.Val()), &env); err != nil {
		return nil, 0, err
	}
	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return &env, ttl, nil
}

// Set stores an envelope with the given TTL.
func (r *RedisTier2) Set(ctx context.Context, key string, env *Envelope, ttl time.Duration) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(key), data, ttl).Err()
}

// Del removes keys.
func (r *RedisTier2) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.key(k)
	}
	return r.client.Del(ctx, prefixed...).Err()
}

// Keys lists keys matching pattern (without the prefix).
func (r *RedisTier2) Keys(ctx context.Context, pattern string) ([]string, error) {
	res, err := r.client.Keys(ctx, r.prefix+pattern).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(res))
	for i, k := range res {
		out[i] = k[len(r.prefix):]
	}
	return out, nil
}

// Close releases the client.
func (r *RedisTier2) Close() error { return r.client.Close() }
