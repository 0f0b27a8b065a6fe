// Package hostjar 抽象宿主浏览器的共享 Cookie 罐
package hostjar

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"stockprobe/internal/cookies"
	"stockprobe/internal/logger"
	"stockprobe/pkg/model"
)

// Jar 宿主 Cookie 罐，只允许执行器在单飞窗口内修改
type Jar interface {
	GetAll(ctx context.Context, rawURL string) ([]model.Cookie, error)
	Set(ctx context.Context, rawURL string, c model.Cookie) error
	Remove(ctx context.Context, rawURL, name string) error
}

// Swap 删除 remove 中不在 set 里的 Cookie，再写入 set 全部条目
func Swap(ctx context.Context, j Jar, rawURL string, remove, set []model.Cookie) error {
	keep := cookies.Names(set)
	for _, c := range remove {
		if keep[c.Name] {
			continue
		}
		if err := j.Remove(ctx, rawURL, c.Name); err != nil {
			return err
		}
	}
	for _, c := range set {
		if err := j.Set(ctx, rawURL, c); err != nil {
			return err
		}
	}
	return nil
}

// MemoryJar 进程内 Cookie 罐，无浏览器时使用
type MemoryJar struct {
	mu    sync.Mutex
	hosts map[string]map[string]model.Cookie
	now   func() time.Time
}

// NewMemoryJar 创建内存罐
func NewMemoryJar() *MemoryJar {
	return &MemoryJar{hosts: make(map[string]map[string]model.Cookie), now: time.Now}
}

// RegistrableHost 取 URL 的站点主机（去掉 www. 前缀）
func RegistrableHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.TrimPrefix(rawURL, "www.")
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

func (m *MemoryJar) GetAll(_ context.Context, rawURL string) ([]model.Cookie, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	host := RegistrableHost(rawURL)
	now := m.now()
	out := make([]model.Cookie, 0, len(m.hosts[host]))
	for name, c := range m.hosts[host] {
		if !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now) {
			delete(m.hosts[host], name)
			continue
		}
		out = append(out, c)
	}
	sortByName(out)
	return out, nil
}

func (m *MemoryJar) Set(_ context.Context, rawURL string, c model.Cookie) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	host := RegistrableHost(rawURL)
	if m.hosts[host] == nil {
		m.hosts[host] = make(map[string]model.Cookie)
	}
	if c.IsDeletion() {
		delete(m.hosts[host], c.Name)
		return nil
	}
	if c.Path == "" {
		c.Path = "/"
	}
	m.hosts[host][c.Name] = c
	return nil
}

func (m *MemoryJar) Remove(_ context.Context, rawURL, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hosts[RegistrableHost(rawURL)], name)
	return nil
}

func sortByName(cs []model.Cookie) {
	slices.SortFunc(cs, func(a, b model.Cookie) int { return strings.Compare(a.Name, b.Name) })
}

// cookieJar 将 Jar 适配为 http.CookieJar，使破坏式路径的请求像浏览器一样读写宿主罐
type cookieJar struct {
	ctx context.Context
	jar Jar
	log logger.Logger
}

// CookieJar 返回绑定 ctx 的 http.CookieJar，读写失败记入 l
func CookieJar(ctx context.Context, j Jar, l logger.Logger) http.CookieJar {
	if l == nil {
		l = logger.NewNop()
	}
	return &cookieJar{ctx: ctx, jar: j, log: l}
}

func (c *cookieJar) SetCookies(u *url.URL, hcs []*http.Cookie) {
	for _, hc := range hcs {
		ck := cookies.FromHTTP(hc)
		if hc.MaxAge < 0 {
			ck.Value = ""
		}
		if err := c.jar.Set(c.ctx, u.String(), ck); err != nil {
			c.log.Err(err, "写入宿主 Cookie 失败", "host", u.Host, "cookie", ck.Name)
		}
	}
}

func (c *cookieJar) Cookies(u *url.URL) []*http.Cookie {
	cs, err := c.jar.GetAll(c.ctx, u.String())
	if err != nil {
		c.log.Err(err, "读取宿主 Cookie 失败", "host", u.Host)
		return nil
	}
	out := make([]*http.Cookie, 0, len(cs))
	for _, ck := range cs {
		if ck.Value == "-" {
			continue
		}
		out = append(out, &http.Cookie{Name: ck.Name, Value: ck.Value})
	}
	return out
}
