package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"stockprobe/internal/logger"
	"stockprobe/pkg/model"
)

// Record 压缩后的持久化记录
type Record struct {
	ID        string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// SQLStore 基于 GORM + SQLite 的存储
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore 打开数据库并迁移表结构
func NewSQLStore(dsn, prefix string, l logger.Logger) (*SQLStore, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) get(ctx context.Context, key string) (string, bool, error) {
	var rec Record
	err := s.db.WithContext(ctx).Where("id = ?", key).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rec.Value, true, nil
}

func (s *SQLStore) put(ctx context.Context, key, value string) error {
	rec := Record{ID: key, Value: value, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rec).Error
}

func (s *SQLStore) LoadSessions(ctx context.Context) (map[model.Domain]*model.SessionRecord, error) {
	out := make(map[model.Domain]*model.SessionRecord)
	for _, d := range model.AllDomains() {
		enc, ok, err := s.get(ctx, sessionKey(d))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var rec model.SessionRecord
		if err := Decode(enc, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", d, err)
		}
		out[d] = &rec
	}
	return out, nil
}

func (s *SQLStore) SaveSession(ctx context.Context, d model.Domain, rec *model.SessionRecord) error {
	enc, err := Encode(rec)
	if err != nil {
		return err
	}
	return s.put(ctx, sessionKey(d), enc)
}

func (s *SQLStore) DeleteSession(ctx context.Context, d model.Domain) error {
	return s.db.WithContext(ctx).Where("id = ?", sessionKey(d)).Delete(&Record{}).Error
}

func (s *SQLStore) LoadSnapshots(ctx context.Context) (map[model.Domain][]model.Cookie, error) {
	out := make(map[model.Domain][]model.Cookie)
	enc, ok, err := s.get(ctx, snapshotsKey)
	if err != nil || !ok {
		return out, err
	}
	if err := Decode(enc, &out); err != nil {
		return nil, fmt.Errorf("decode snapshots: %w", err)
	}
	return out, nil
}

func (s *SQLStore) SaveSnapshots(ctx context.Context, snaps map[model.Domain][]model.Cookie) error {
	enc, err := Encode(snaps)
	if err != nil {
		return err
	}
	return s.put(ctx, snapshotsKey, enc)
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
