package uiaa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps sessions in Redis with a key TTL matching the session
// expiry. Updates run as WATCH/MULTI optimistic transactions.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

const redisMaxRetries = 8

// NewRedisStore creates a Redis session store. An empty prefix defaults to
// "uiaa".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "uiaa"
	}
	return &RedisStore{redis: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + ":session:" + token
}

func (s *RedisStore) ttl(sess *Session) time.Duration {
	if sess.ExpiresAt.IsZero() {
		return 0
	}
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	return ttl
}

func (s *RedisStore) Create(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	ok, err := s.redis.SetNX(ctx, s.key(sess.Token), data, s.ttl(sess)).Result()
	if err != nil {
		return fmt.Errorf("uiaa: redis: %w", err)
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

func (s *RedisStore) decode(data []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("uiaa: decoding session: %w", err)
	}
	if sess.Expired(s.now()) {
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

func (s *RedisStore) Get(ctx context.Context, token string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("uiaa: redis: %w", err)
	}
	return s.decode(data)
}

func (s *RedisStore) Update(ctx context.Context, token string, fn func(*Session) error) (*Session, error) {
	key := s.key(token)
	for i := 0; i < redisMaxRetries; i++ {
		var updated *Session
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}
			sess, err := s.decode(data)
			if err != nil {
				return err
			}
			if err := fn(sess); err != nil {
				return err
			}
			encoded, err := json.Marshal(sess)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, encoded, s.ttl(sess))
				return nil
			})
			if err != nil {
				return err
			}
			updated = sess
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil, ErrSessionNotFound
			}
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("uiaa: session %s: too much contention", token)
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	if err := s.redis.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("uiaa: redis: %w", err)
	}
	return nil
}
