package cdp

import (
	"encoding/json"
	"math"
	"net/url"
	"time"

	"stockprobe/pkg/model"
	"stockprobe/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
)

// ToNeutralRequest 将 CDP 拦截事件转换为中立 Request 模型，initiator 取自 Origin/Referer
func ToNeutralRequest(ev *fetch.RequestPausedReply) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = string(ev.RequestID)
	req.URL = ev.Request.URL
	req.Method = ev.Request.Method

	var headers map[string]string
	if len(ev.Request.Headers) > 0 {
		if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
			for k, v := range headers {
				req.Headers.Set(k, v)
			}
		}
	}
	req.Initiator = initiatorOf(req.Headers)
	return req
}

func initiatorOf(h traffic.Header) string {
	if o := h.Get("origin"); o != "" && o != "null" {
		return o
	}
	if r := h.Get("referer"); r != "" {
		if u, err := url.Parse(r); err == nil && u.Host != "" {
			return u.Scheme + "://" + u.Host
		}
	}
	return ""
}

// ToNeutralResponse 将 CDP 响应阶段事件转换为中立 Response 模型，Set-Cookie 保留为多行
func ToNeutralResponse(ev *fetch.RequestPausedReply) *traffic.Response {
	res := traffic.NewResponse()
	if ev.ResponseStatusCode != nil {
		res.StatusCode = *ev.ResponseStatusCode
	}
	for _, h := range ev.ResponseHeaders {
		if equalFold(h.Name, "set-cookie") {
			res.SetCookies = append(res.SetCookies, h.Value)
			continue
		}
		res.Headers.Set(h.Name, h.Value)
	}
	return res
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for k, v := range h {
		entries = append(entries, fetch.HeaderEntry{Name: k, Value: v})
	}
	return entries
}

// ToResponseEntries 响应头条目，setCookies 为 nil 时不再回写 Set-Cookie
func ToResponseEntries(h traffic.Header, setCookies []string) []fetch.HeaderEntry {
	entries := ToHeaderEntries(h)
	for _, v := range setCookies {
		entries = append(entries, fetch.HeaderEntry{Name: "Set-Cookie", Value: v})
	}
	return entries
}

// ToModelCookie 浏览器 Cookie 转为中立模型；会话 Cookie 的 Expires 为 -1
func ToModelCookie(c network.Cookie) model.Cookie {
	out := model.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	if !c.Session && c.Expires > 0 {
		sec, frac := math.Modf(c.Expires)
		out.ExpiresAt = time.Unix(int64(sec), int64(frac*1e9))
	}
	return out
}

// ToSetCookieArgs 中立 Cookie 转为 Network.setCookie 参数
func ToSetCookieArgs(rawURL string, c model.Cookie) *network.SetCookieArgs {
	args := network.NewSetCookieArgs(c.Name, c.Value).
		SetURL(rawURL).
		SetSecure(c.Secure).
		SetHTTPOnly(c.HTTPOnly)
	if c.Path != "" {
		args.SetPath(c.Path)
	}
	if c.Domain != "" {
		args.SetDomain(c.Domain)
	}
	if !c.ExpiresAt.IsZero() {
		args.SetExpires(network.TimeSinceEpoch(float64(c.ExpiresAt.UnixNano()) / 1e9))
	}
	return args
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
