package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "oidcbroker:"
	maxWatchRetries    = 8
)

// RedisIndex shares the index between broker instances. Each sid is a set of jtis
// whose TTL follows the latest linked token; each revoked jti is a key that expires
// with the longest-lived token of its session.
type RedisIndex struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisIndex connects to redis and verifies the connection.
func NewRedisIndex(ctx context.Context, opts RedisOptions) (*RedisIndex, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisIndexWithClient(client, opts.KeyPrefix), nil
}

// NewRedisIndexWithClient wraps an existing client.
func NewRedisIndexWithClient(client redis.UniversalClient, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisIndex{client: client, prefix: prefix}
}

func (r *RedisIndex) sidKey(sid string) string     { return r.prefix + "sid:" + sid }
func (r *RedisIndex) revokedKey(jti string) string { return r.prefix + "revoked:" + jti }

// Link implements Index.
func (r *RedisIndex) Link(ctx context.Context, sid, jti string, expiresAt time.Time) error {
	if sid == "" {
		return nil
	}
	if jti == "" {
		return errEmptyJTI
	}
	key := r.sidKey(sid)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, jti)
		if !expiresAt.IsZero() {
			pipe.ExpireAt(ctx, key, expiresAt)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("link %s: %w", sid, err)
	}
	return nil
}

// RevokeBySID implements Index. The sid set is watched so a concurrent Link either
// lands before the revocation and is revoked, or after it and starts a new set.
func (r *RedisIndex) RevokeBySID(ctx context.Context, sid string) (int, error) {
	if sid == "" {
		return 0, nil
	}
	key := r.sidKey(sid)
	var revoked int

	txf := func(tx *redis.Tx) error {
		members, err := tx.SMembers(ctx, key).Result()
		if err != nil {
			return err
		}
		ttl, err := tx.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl < 0 {
			ttl = 0
		}
		if len(members) == 0 {
			revoked = 0
			return nil
		}
		var created []*redis.BoolCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, jti := range members {
				created = append(created, pipe.SetNX(ctx, r.revokedKey(jti), "1", ttl))
			}
			pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		revoked = 0
		for _, cmd := range created {
			if cmd.Val() {
				revoked++
			}
		}
		return nil
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return revoked, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return 0, fmt.Errorf("revoke %s: %w", sid, err)
	}
	return 0, fmt.Errorf("revoke %s: too much contention", sid)
}

// IsRevoked implements Index.
func (r *RedisIndex) IsRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := r.client.Exists(ctx, r.revokedKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("is revoked: %w", err)
	}
	return n > 0, nil
}

// Close implements Index.
func (r *RedisIndex) Close() error {
	return r.client.Close()
}
