package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"stockprobe/internal/cookies"
	"stockprobe/internal/logger"
	"stockprobe/internal/storage"
	"stockprobe/pkg/model"
)

// Options 会话有效期相关参数
type Options struct {
	FreshFor    time.Duration
	SchemaEpoch time.Time
	CSRFTTL     time.Duration
	// OnPurge 站点会话被删除后回调
	OnPurge func(model.Domain)
}

// Manager 全局访客会话管理器，每个站点至多一条记录
type Manager struct {
	mu        sync.RWMutex
	sessions  map[model.Domain]*model.SessionRecord
	snapshots map[model.Domain][]model.Cookie
	// 地址已设置的站点，重新初始化时只需确认地址
	address model.Domain
	store   storage.Store
	opts    Options
	now     func() time.Time
	log     logger.Logger
}

// NewManager 创建会话管理器
func NewManager(store storage.Store, opts Options, l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	return &Manager{
		sessions:  make(map[model.Domain]*model.SessionRecord),
		snapshots: make(map[model.Domain][]model.Cookie),
		store:     store,
		opts:      opts,
		now:       time.Now,
		log:       l,
	}
}

// Load 启动时从存储加载会话与快照
func (m *Manager) Load(ctx context.Context) error {
	sessions, err := m.store.LoadSessions(ctx)
	if err != nil {
		return err
	}
	snaps, err := m.store.LoadSnapshots(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = sessions
	m.snapshots = snaps
	m.log.Info("加载会话记录", "sessions", len(sessions), "snapshots", len(snaps))
	return nil
}

// Get 获取会话副本
func (m *Manager) Get(d model.Domain) (*model.SessionRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[d]
	return rec.Clone(), ok
}

// Fresh 会话在有效期内且晚于结构版本时间时返回
func (m *Manager) Fresh(d model.Domain) (*model.SessionRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[d]
	if !ok || !m.fresh(rec) {
		return nil, false
	}
	return rec.Clone(), true
}

func (m *Manager) fresh(rec *model.SessionRecord) bool {
	age := m.now().Sub(rec.CreatedAt)
	return age < m.opts.FreshFor && rec.CreatedAt.After(m.opts.SchemaEpoch)
}

// GuestID 缓存访客会话的标识
func (m *Manager) GuestID(d model.Domain) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.sessions[d]; ok {
		return cookies.SessionID(rec.Cookies)
	}
	return ""
}

// Observe 请求完成后记录观测到的访客 Cookie。
// 标识不变时只刷新时间；标识变化时替换记录并丢弃过期的 CSRF 与购物车缓存；标识为空时删除记录。
func (m *Manager) Observe(ctx context.Context, d model.Domain, cs []model.Cookie) error {
	id := cookies.SessionID(cs)
	if id == "" {
		return m.Purge(ctx, d)
	}

	m.mu.Lock()
	rec, ok := m.sessions[d]
	switch {
	case !ok:
		rec = &model.SessionRecord{}
		m.sessions[d] = rec
		m.log.Info("创建访客会话", "domain", d.String())
	case cookies.SessionID(rec.Cookies) != id:
		rec.CSRF = ""
		rec.CSRFAt = time.Time{}
		rec.CartQuantityCache = nil
		m.log.Info("访客会话已更换", "domain", d.String())
	}
	rec.Cookies = append([]model.Cookie(nil), cs...)
	rec.CreatedAt = m.now()
	snapshot := rec.Clone()
	m.mu.Unlock()

	return m.store.SaveSession(ctx, d, snapshot)
}

// Purge 删除站点会话与 CSRF
func (m *Manager) Purge(ctx context.Context, d model.Domain) error {
	m.mu.Lock()
	_, existed := m.sessions[d]
	delete(m.sessions, d)
	if m.address == d {
		m.address = 0
	}
	m.mu.Unlock()
	if existed {
		m.log.Info("销毁访客会话", "domain", d.String())
		if m.opts.OnPurge != nil {
			m.opts.OnPurge(d)
		}
	}
	return m.store.DeleteSession(ctx, d)
}

// CSRF 返回未过期的购物车 CSRF
func (m *Manager) CSRF(d model.Domain) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[d]
	if !ok || rec.CSRF == "" || m.now().Sub(rec.CSRFAt) >= m.opts.CSRFTTL {
		return "", false
	}
	return rec.CSRF, true
}

// SetCSRF 缓存 CSRF；站点无会话时忽略
func (m *Manager) SetCSRF(ctx context.Context, d model.Domain, token string) error {
	m.mu.Lock()
	rec, ok := m.sessions[d]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	rec.CSRF = token
	rec.CSRFAt = m.now()
	snapshot := rec.Clone()
	m.mu.Unlock()
	return m.store.SaveSession(ctx, d, snapshot)
}

// DropCSRF 丢弃 CSRF
func (m *Manager) DropCSRF(ctx context.Context, d model.Domain) error {
	m.mu.Lock()
	rec, ok := m.sessions[d]
	if !ok || rec.CSRF == "" {
		m.mu.Unlock()
		return nil
	}
	rec.CSRF = ""
	rec.CSRFAt = time.Time{}
	snapshot := rec.Clone()
	m.mu.Unlock()
	return m.store.SaveSession(ctx, d, snapshot)
}

// CartQuantity 读取购物车条目的缓存数量
func (m *Manager) CartQuantity(d model.Domain, itemID string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[d]
	if !ok {
		return 0, false
	}
	q, ok := rec.CartQuantityCache[itemID]
	return q, ok
}

// SetCartQuantities 批量写入购物车数量缓存
func (m *Manager) SetCartQuantities(ctx context.Context, d model.Domain, qty map[string]int) error {
	if len(qty) == 0 {
		return nil
	}
	m.mu.Lock()
	rec, ok := m.sessions[d]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if rec.CartQuantityCache == nil {
		rec.CartQuantityCache = make(map[string]int, len(qty))
	}
	for k, v := range qty {
		rec.CartQuantityCache[k] = v
	}
	snapshot := rec.Clone()
	m.mu.Unlock()
	return m.store.SaveSession(ctx, d, snapshot)
}

// AddressKnown 站点地址是否已设置
func (m *Manager) AddressKnown(d model.Domain) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.address == d
}

// SetAddressKnown 记录地址已设置的站点，传 0 清除
func (m *Manager) SetAddressKnown(d model.Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.address = d
}

// Snapshot 保存用户真实 Cookie 快照，用于崩溃后恢复
func (m *Manager) Snapshot(ctx context.Context, d model.Domain, cs []model.Cookie) error {
	m.mu.Lock()
	m.snapshots[d] = append([]model.Cookie(nil), cs...)
	snaps := m.copySnapshots()
	m.mu.Unlock()
	return m.store.SaveSnapshots(ctx, snaps)
}

// DropSnapshot 删除快照
func (m *Manager) DropSnapshot(ctx context.Context, d model.Domain) error {
	m.mu.Lock()
	delete(m.snapshots, d)
	snaps := m.copySnapshots()
	m.mu.Unlock()
	return m.store.SaveSnapshots(ctx, snaps)
}

// Snapshots 待恢复的快照
func (m *Manager) Snapshots() map[model.Domain][]model.Cookie {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copySnapshots()
}

func (m *Manager) copySnapshots() map[model.Domain][]model.Cookie {
	out := make(map[model.Domain][]model.Cookie, len(m.snapshots))
	for d, cs := range m.snapshots {
		out[d] = append([]model.Cookie(nil), cs...)
	}
	return out
}

// Summary 会话概要
type Summary struct {
	Domain    model.Domain `json:"domain"`
	Code      string       `json:"code"`
	SessionID string       `json:"sessionId"`
	CreatedAt time.Time    `json:"createdAt"`
	Fresh     bool         `json:"fresh"`
	Cookies   int          `json:"cookies"`
	HasCSRF   bool         `json:"hasCsrf"`
}

// List 返回所有会话概要，按站点排序
func (m *Manager) List() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]Summary, 0, len(m.sessions))
	for d, rec := range m.sessions {
		list = append(list, Summary{
			Domain:    d,
			Code:      d.String(),
			SessionID: cookies.SessionID(rec.Cookies),
			CreatedAt: rec.CreatedAt,
			Fresh:     m.fresh(rec),
			Cookies:   len(rec.Cookies),
			HasCSRF:   rec.CSRF != "",
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Domain < list[j].Domain })
	return list
}
