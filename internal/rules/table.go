package rules

import (
	"context"
	"sync"

	"stockprobe/pkg/model"
)

// Table 进程级共享的出站改写规则表
type Table interface {
	List(ctx context.Context) ([]model.EphemeralRule, error)
	Add(ctx context.Context, rs []model.EphemeralRule) error
	Remove(ctx context.Context, ids []model.RuleID) error
	RemoveAll(ctx context.Context) error
}

// MemoryTable 内存规则表
type MemoryTable struct {
	mu    sync.RWMutex
	rules []model.EphemeralRule
}

func NewMemoryTable() *MemoryTable { return &MemoryTable{} }

func (t *MemoryTable) List(_ context.Context) ([]model.EphemeralRule, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]model.EphemeralRule(nil), t.rules...), nil
}

func (t *MemoryTable) Add(_ context.Context, rs []model.EphemeralRule) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, rs...)
	return nil
}

func (t *MemoryTable) Remove(_ context.Context, ids []model.RuleID) error {
	drop := make(map[model.RuleID]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.rules[:0]
	for _, r := range t.rules {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	t.rules = kept
	return nil
}

func (t *MemoryTable) RemoveAll(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = nil
	return nil
}
