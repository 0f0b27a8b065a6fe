// Package cookies 提供 Cookie 集合的合并、排序序列化与会话标识提取
package cookies

import (
	"net/http"
	"strings"
	"time"

	"stockprobe/pkg/model"
)

// SessionCookie 会话标识所在的 Cookie 名
const SessionCookie = "session-id"

// DefaultOrder Cookie 头中优先输出的名称顺序
var DefaultOrder = []string{"session-id", "session-id-time", "i18n-prefs", "skin", "ubid-main", "sp-cdn", "session-token"}

// Merge 将新观测到的 Cookie 合并进基线集合，按名称作为键。
// 同名但作用域不同的 Cookie 会互相覆盖。
func Merge(base, updates []model.Cookie) []model.Cookie {
	order := make([]string, 0, len(base)+len(updates))
	byName := make(map[string]model.Cookie, len(base))
	put := func(c model.Cookie) {
		if _, ok := byName[c.Name]; !ok {
			order = append(order, c.Name)
		}
		byName[c.Name] = c
	}
	for _, c := range base {
		put(c)
	}

	live := make(map[string]bool, len(updates))
	for _, c := range updates {
		if !c.IsDeletion() {
			live[c.Name] = true
		}
	}

	for _, c := range updates {
		if live[c.Name] {
			if !c.IsDeletion() {
				put(c)
			}
			continue
		}
		prev, ok := byName[c.Name]
		if ok && prev.Secure == c.Secure && prev.Path == c.Path {
			delete(byName, c.Name)
		}
	}

	out := make([]model.Cookie, 0, len(byName))
	for _, name := range order {
		if c, ok := byName[name]; ok {
			out = append(out, c)
			delete(byName, name)
		}
	}
	return out
}

// Header 按固定顺序拼接 Cookie 请求头，值为 "-" 的条目跳过
func Header(cs []model.Cookie, order []string) string {
	if len(order) == 0 {
		order = DefaultOrder
	}
	byName := make(map[string]model.Cookie, len(cs))
	var names []string
	for _, c := range cs {
		if _, ok := byName[c.Name]; !ok {
			names = append(names, c.Name)
		}
		byName[c.Name] = c
	}

	parts := make([]string, 0, len(byName))
	emit := func(name string) {
		c, ok := byName[name]
		if !ok {
			return
		}
		delete(byName, name)
		if c.Value == "-" {
			return
		}
		parts = append(parts, c.Name+"="+c.Value+";")
	}
	for _, name := range order {
		emit(name)
	}
	for _, name := range names {
		emit(name)
	}
	return strings.Join(parts, " ")
}

// SessionID 提取会话标识，长度不在 17..64 之间时视为无
func SessionID(cs []model.Cookie) string {
	for _, c := range cs {
		if c.Name == SessionCookie {
			if n := len(c.Value); n > 16 && n < 65 {
				return c.Value
			}
			return ""
		}
	}
	return ""
}

// Names 返回名称集合
func Names(cs []model.Cookie) map[string]bool {
	out := make(map[string]bool, len(cs))
	for _, c := range cs {
		out[c.Name] = true
	}
	return out
}

// ParseSetCookie 解析单行 Set-Cookie
func ParseSetCookie(line string) (model.Cookie, bool) {
	hc, err := http.ParseSetCookie(line)
	if err != nil {
		return parseLoose(line)
	}
	c := model.Cookie{
		Name:     hc.Name,
		Value:    hc.Value,
		Domain:   hc.Domain,
		Path:     hc.Path,
		Secure:   hc.Secure,
		HTTPOnly: hc.HttpOnly,
	}
	switch {
	case hc.MaxAge < 0:
		c.Value = ""
	case hc.MaxAge > 0:
		c.ExpiresAt = time.Now().Add(time.Duration(hc.MaxAge) * time.Second)
	case !hc.Expires.IsZero():
		c.ExpiresAt = hc.Expires
	}
	return c, true
}

// ParseSetCookies 批量解析，无法解析的行被丢弃
func ParseSetCookies(lines []string) []model.Cookie {
	out := make([]model.Cookie, 0, len(lines))
	for _, l := range lines {
		if c, ok := ParseSetCookie(l); ok {
			out = append(out, c)
		}
	}
	return out
}

// 站点会下发带引号或非法字符的值，net/http 会拒绝，这里退回到逐段切分
func parseLoose(line string) (model.Cookie, bool) {
	parts := strings.Split(line, ";")
	name, value, ok := strings.Cut(strings.TrimSpace(parts[0]), "=")
	if !ok || name == "" {
		return model.Cookie{}, false
	}
	c := model.Cookie{Name: name, Value: value}
	for _, p := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
		switch strings.ToLower(k) {
		case "domain":
			c.Domain = v
		case "path":
			c.Path = v
		case "secure":
			c.Secure = true
		case "httponly":
			c.HTTPOnly = true
		case "expires":
			if t, err := http.ParseTime(v); err == nil {
				c.ExpiresAt = t
			}
		}
	}
	return c, true
}

// ToHTTP 转换为 net/http Cookie
func ToHTTP(c model.Cookie) *http.Cookie {
	return &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
		Expires:  c.ExpiresAt,
	}
}

// FromHTTP 由 net/http Cookie 转换
func FromHTTP(hc *http.Cookie) model.Cookie {
	return model.Cookie{
		Name:      hc.Name,
		Value:     hc.Value,
		Domain:    hc.Domain,
		Path:      hc.Path,
		Secure:    hc.Secure,
		HTTPOnly:  hc.HttpOnly,
		ExpiresAt: hc.Expires,
	}
}
