package rules

import (
	"context"
	"net/url"
	"slices"
	"strings"

	"stockprobe/pkg/model"
)

// Engine 基于规则表对单个请求求值
type Engine struct {
	table Table
}

func NewEngine(t Table) *Engine { return &Engine{table: t} }

// EvalContext 规则匹配上下文
type EvalContext struct {
	URL       string
	Initiator string
}

// Mutation 请求与响应两个阶段的头部变更
type Mutation struct {
	RuleIDs         []model.RuleID
	RequestHeaders  []model.HeaderOp
	ResponseHeaders []model.HeaderOp
}

// Empty 无任何变更
func (m Mutation) Empty() bool {
	return len(m.RequestHeaders) == 0 && len(m.ResponseHeaders) == 0
}

// Eval 按优先级从高到低合并所有命中规则：同一头部 set/remove 取最高优先级，append 叠加
func (e *Engine) Eval(ctx context.Context, ec EvalContext) (Mutation, error) {
	rs, err := e.table.List(ctx)
	if err != nil {
		return Mutation{}, err
	}
	var matched []model.EphemeralRule
	for _, r := range rs {
		if matchRule(ec, r.Condition) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return Mutation{}, nil
	}
	slices.SortStableFunc(matched, func(a, b model.EphemeralRule) int { return b.Priority - a.Priority })

	var mut Mutation
	reqSeen := map[string]bool{}
	resSeen := map[string]bool{}
	for _, r := range matched {
		mut.RuleIDs = append(mut.RuleIDs, r.ID)
		mut.RequestHeaders = mergeOps(mut.RequestHeaders, r.Action.RequestHeaders, reqSeen)
		mut.ResponseHeaders = mergeOps(mut.ResponseHeaders, r.Action.ResponseHeaders, resSeen)
	}
	return mut, nil
}

// mergeOps 合并一条规则的头部操作，已被更高优先级 set/remove 占用的头部不再生效
func mergeOps(dst, src []model.HeaderOp, seen map[string]bool) []model.HeaderOp {
	local := map[string]bool{}
	for _, op := range src {
		key := strings.ToLower(op.Header)
		if seen[key] {
			continue
		}
		dst = append(dst, op)
		if op.Operation != model.HeaderAppend {
			local[key] = true
		}
	}
	for k := range local {
		seen[k] = true
	}
	return dst
}

func matchRule(ec EvalContext, c model.RuleCondition) bool {
	if !matchURLFilter(ec.URL, c.URLFilter) {
		return false
	}
	if len(c.InitiatorDomains) > 0 && !anyDomain(ec.Initiator, c.InitiatorDomains) {
		return false
	}
	if len(c.ExcludedInitiatorDomains) > 0 && anyDomain(ec.Initiator, c.ExcludedInitiatorDomains) {
		return false
	}
	return true
}

// matchURLFilter 支持 "||host" 域名锚定、"|" 前缀锚定、"*" 通配与子串匹配
func matchURLFilter(rawURL, filter string) bool {
	switch {
	case filter == "" || filter == "*":
		return true
	case strings.HasPrefix(filter, "||"):
		return matchDomainAnchor(rawURL, strings.ToLower(filter[2:]))
	case strings.HasPrefix(filter, "|"):
		return glob(rawURL, filter[1:]+"*")
	case strings.Contains(filter, "*"):
		return glob(rawURL, filter)
	default:
		return strings.Contains(rawURL, filter)
	}
}

func matchDomainAnchor(rawURL, pattern string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	rest := strings.ToLower(u.Host + u.EscapedPath())
	host := strings.ToLower(u.Hostname())
	if strings.HasPrefix(rest, pattern) {
		return true
	}
	for i := 0; i < len(host); i++ {
		if host[i] == '.' && strings.HasPrefix(rest[i+1:], pattern) {
			return true
		}
	}
	return false
}

// anyDomain initiator 可以是 origin（含协议）或主机名；子域名同样命中
func anyDomain(initiator string, domains []string) bool {
	host := initiator
	if u, err := url.Parse(initiator); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	host = strings.ToLower(host)
	for _, d := range domains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func glob(s, pattern string) bool {
	if pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts); i++ {
		p := parts[i]
		if i == len(parts)-1 {
			return strings.HasSuffix(s, p)
		}
		idx := strings.Index(s, p)
		if idx < 0 {
			return false
		}
		s = s[idx+len(p):]
	}
	return s == ""
}
