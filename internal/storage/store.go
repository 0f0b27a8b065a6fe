// Package storage 持久化访客会话记录与用户 Cookie 快照
package storage

import (
	"context"
	"fmt"
	"sync"

	"stockprobe/internal/config"
	"stockprobe/internal/logger"
	"stockprobe/pkg/model"
)

// Store 会话持久化接口，每个站点一条记录，快照整体一条记录
type Store interface {
	LoadSessions(ctx context.Context) (map[model.Domain]*model.SessionRecord, error)
	SaveSession(ctx context.Context, d model.Domain, rec *model.SessionRecord) error
	DeleteSession(ctx context.Context, d model.Domain) error
	LoadSnapshots(ctx context.Context) (map[model.Domain][]model.Cookie, error)
	SaveSnapshots(ctx context.Context, snaps map[model.Domain][]model.Cookie) error
	Close() error
}

const snapshotsKey = "userCookies"

func sessionKey(d model.Domain) string { return "session:" + d.String() }

// Open 按配置创建存储后端
func Open(cfg *config.Config, l logger.Logger) (Store, error) {
	switch cfg.Store {
	case "", "sqlite":
		return NewSQLStore(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, l)
	case "redis":
		return NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, WithPrefix(cfg.Redis.Prefix)), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// MemoryStore 仅存于内存，记录同样经过编码以保证行为一致
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) LoadSessions(_ context.Context) (map[model.Domain]*model.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.Domain]*model.SessionRecord)
	for _, d := range model.AllDomains() {
		enc, ok := s.data[sessionKey(d)]
		if !ok {
			continue
		}
		var rec model.SessionRecord
		if err := Decode(enc, &rec); err != nil {
			return nil, err
		}
		out[d] = &rec
	}
	return out, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, d model.Domain, rec *model.SessionRecord) error {
	enc, err := Encode(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[sessionKey(d)] = enc
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, d model.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, sessionKey(d))
	return nil
}

func (s *MemoryStore) LoadSnapshots(_ context.Context) (map[model.Domain][]model.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.Domain][]model.Cookie)
	enc, ok := s.data[snapshotsKey]
	if !ok {
		return out, nil
	}
	if err := Decode(enc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MemoryStore) SaveSnapshots(_ context.Context, snaps map[model.Domain][]model.Cookie) error {
	enc, err := Encode(snaps)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[snapshotsKey] = enc
	return nil
}

func (s *MemoryStore) Close() error { return nil }
