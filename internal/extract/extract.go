// Package extract 声明式 HTML 字段提取与响应体正则匹配
package extract

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

// Selector 单个字段的提取方式：CSS 选择器定位节点，Attr 为空时取文本，Regex 可再从中截取第一个分组
type Selector struct {
	CSS      string `json:"css" yaml:"css"`
	Attr     string `json:"attr,omitempty" yaml:"attr,omitempty"`
	Regex    string `json:"regex,omitempty" yaml:"regex,omitempty"`
	All      bool   `json:"all,omitempty" yaml:"all,omitempty"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// Selectors 字段名到选择器
type Selectors map[string]Selector

// Fields 提取结果；All 为真的字段为 []string，其余为 string
type Fields map[string]any

// Failure 提取失败
type Failure struct {
	Status       int    `json:"status"`
	ErrorMessage string `json:"errorMessage"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("extract failed (%d): %s", f.Status, f.ErrorMessage)
}

const (
	StatusParseError   = 1
	StatusBadSelector  = 2
	StatusMissingField = 3
	StatusEmptyMarkup  = 4
)

// Engine 基于 goquery 的提取引擎，无状态可并发使用
type Engine struct{}

// NewEngine 创建提取引擎
func NewEngine() *Engine { return &Engine{} }

// Extract 按选择器配置提取字段
func (e *Engine) Extract(markup string, sel Selectors) (Fields, *Failure) {
	if strings.TrimSpace(markup) == "" {
		return nil, &Failure{Status: StatusEmptyMarkup, ErrorMessage: "empty markup"}
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, &Failure{Status: StatusParseError, ErrorMessage: err.Error()}
	}

	out := make(Fields, len(sel))
	for name, s := range sel {
		var re *regexp.Regexp
		if s.Regex != "" {
			re, err = Compile(s.Regex)
			if err != nil {
				return nil, &Failure{Status: StatusBadSelector, ErrorMessage: fmt.Sprintf("%s: %v", name, err)}
			}
		}
		var values []string
		doc.Find(s.CSS).EachWithBreak(func(_ int, node *goquery.Selection) bool {
			v := valueOf(node, s.Attr)
			if re != nil {
				m := re.FindStringSubmatch(v)
				switch {
				case m == nil:
					return true
				case len(m) > 1:
					v = m[1]
				default:
					v = m[0]
				}
			}
			if v == "" {
				return true
			}
			values = append(values, v)
			return s.All
		})

		switch {
		case len(values) == 0 && s.Required:
			return nil, &Failure{Status: StatusMissingField, ErrorMessage: "missing field " + name}
		case len(values) == 0:
		case s.All:
			out[name] = values
		default:
			out[name] = values[0]
		}
	}
	return out, nil
}

func valueOf(node *goquery.Selection, attr string) string {
	if attr == "" {
		return strings.TrimSpace(node.Text())
	}
	v, _ := node.Attr(attr)
	return strings.TrimSpace(v)
}

var regexCache sync.Map

// Compile 编译并缓存正则
func Compile(pattern string) (*regexp.Regexp, error) {
	if v, ok := regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// Match 返回第一个分组（无分组时为整体匹配），不匹配或正则非法时 ok 为 false
func Match(pattern, text string) (string, bool) {
	if pattern == "" {
		return "", false
	}
	re, err := Compile(pattern)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(text)
	switch {
	case m == nil:
		return "", false
	case len(m) > 1:
		return m[1], true
	default:
		return m[0], true
	}
}

// FirstMatch 依次尝试各模式，返回第一个命中的结果
func FirstMatch(patterns []string, text string) (string, bool) {
	for _, p := range patterns {
		if v, ok := Match(p, text); ok {
			return v, true
		}
	}
	return "", false
}
