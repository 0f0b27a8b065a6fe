package traffic

import (
	"net/http"
	"strings"
)

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Request 中立的请求模型
type Request struct {
	ID        string // 事务唯一ID
	URL       string // 完整URL
	Method    string // HTTP方法
	Initiator string // 发起方（本进程 origin 或页面 origin）
	Headers   Header // 请求头
	Body      []byte // 请求体原始数据
}

// Response 中立的响应模型
type Response struct {
	StatusCode int      // 状态码
	Headers    Header   // 响应头
	SetCookies []string // 原始 Set-Cookie 行，改写前截获
	Body       []byte   // 响应体数据
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Headers: make(Header),
	}
}

// NewResponse 创建初始化响应对象
func NewResponse() *Response {
	return &Response{
		StatusCode: http.StatusOK,
		Headers:    make(Header),
	}
}

// FromHTTPHeader 将 net/http 头部折叠为中立 Header（多值以逗号连接）
func FromHTTPHeader(h http.Header) Header {
	out := make(Header, len(h))
	for k, v := range h {
		out.Set(k, strings.Join(v, ", "))
	}
	return out
}
