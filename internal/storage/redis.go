package storage

import (
	"context"
	"errors"
	"fmt"

	backend "github.com/redis/go-redis/v9"

	"stockprobe/pkg/model"
)

// RedisStore 基于 Redis 的存储
type RedisStore struct {
	client *backend.Client
	prefix string
}

type Option func(*RedisStore)

// WithPrefix 设置键前缀
func WithPrefix(prefix string) Option {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(address, password string, db int, opts ...Option) *RedisStore {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, opts...)
}

// NewRedisStoreFromClient 复用已有客户端
func NewRedisStoreFromClient(client *backend.Client, opts ...Option) *RedisStore {
	s := &RedisStore{client: client, prefix: "stockprobe:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) LoadSessions(ctx context.Context) (map[model.Domain]*model.SessionRecord, error) {
	domains := model.AllDomains()
	keys := make([]string, len(domains))
	for i, d := range domains {
		keys[i] = s.key(sessionKey(d))
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get sessions from redis: %w", err)
	}
	out := make(map[model.Domain]*model.SessionRecord)
	for i, v := range vals {
		enc, ok := v.(string)
		if !ok {
			continue
		}
		var rec model.SessionRecord
		if err := Decode(enc, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", domains[i], err)
		}
		out[domains[i]] = &rec
	}
	return out, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, d model.Domain, rec *model.SessionRecord) error {
	enc, err := Encode(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(sessionKey(d)), enc, 0).Err()
}

func (s *RedisStore) DeleteSession(ctx context.Context, d model.Domain) error {
	return s.client.Del(ctx, s.key(sessionKey(d))).Err()
}

func (s *RedisStore) LoadSnapshots(ctx context.Context) (map[model.Domain][]model.Cookie, error) {
	out := make(map[model.Domain][]model.Cookie)
	enc, err := s.client.Get(ctx, s.key(snapshotsKey)).Result()
	if errors.Is(err, backend.Nil) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshots from redis: %w", err)
	}
	if err := Decode(enc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) SaveSnapshots(ctx context.Context, snaps map[model.Domain][]model.Cookie) error {
	enc, err := Encode(snaps)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(snapshotsKey), enc, 0).Err()
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
