package rules

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"stockprobe/internal/logger"
	"stockprobe/pkg/model"
)

// ErrInstall 安装前清空规则表失败，任务不可继续
var ErrInstall = errors.New("rules: install failed")

const (
	// JobPriority 本进程请求的规则优先级
	JobPriority = 108108
	// GuardPriority 外部流量保护规则优先级
	GuardPriority = 108107

	firstRuleID = 100
)

// Spec 待安装的规则动作
type Spec struct {
	Action model.RuleAction
	// Foreign 为真时规则只作用于非本进程发起的流量
	Foreign bool
}

// Installer 管理单次请求期间的临时规则
type Installer struct {
	table  Table
	origin string
	next   atomic.Int64
	log    logger.Logger
}

// NewInstaller 创建规则安装器，origin 为本进程请求的 initiator
func NewInstaller(t Table, origin string, l logger.Logger) *Installer {
	if l == nil {
		l = logger.NewNop()
	}
	in := &Installer{table: t, origin: origin, log: l}
	in.next.Store(firstRuleID)
	return in
}

// Origin 本进程 initiator
func (in *Installer) Origin() string { return in.origin }

// TargetFilter 由请求 URL 得到域名锚定过滤串
func TargetFilter(rawURL string) string {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Hostname()
	}
	return "||" + strings.TrimPrefix(strings.ToLower(host), "www.")
}

// WithRules 清空规则表、安装 specs、执行 fn，返回前总是删除本次安装的规则
func (in *Installer) WithRules(ctx context.Context, targetURL string, specs []Spec, fn func(ctx context.Context) error) error {
	if err := in.table.RemoveAll(ctx); err != nil {
		in.log.Err(err, "清空规则表失败")
		return fmt.Errorf("%w: remove all: %v", ErrInstall, err)
	}

	filter := TargetFilter(targetURL)
	installed := make([]model.EphemeralRule, 0, len(specs))
	ids := make([]model.RuleID, 0, len(specs))
	for _, s := range specs {
		r := model.EphemeralRule{
			ID:     model.RuleID(in.next.Add(1)),
			Action: s.Action,
			Condition: model.RuleCondition{
				URLFilter: filter,
			},
		}
		if s.Foreign {
			r.Priority = GuardPriority
			r.Condition.ExcludedInitiatorDomains = []string{in.origin}
		} else {
			r.Priority = JobPriority
			r.Condition.InitiatorDomains = []string{in.origin}
		}
		installed = append(installed, r)
		ids = append(ids, r.ID)
	}

	if err := in.table.Add(ctx, installed); err != nil {
		in.log.Err(err, "安装规则失败", "count", len(installed))
		return fmt.Errorf("%w: add: %v", ErrInstall, err)
	}
	in.log.Debug("规则已安装", "ids", ids, "filter", filter)

	defer func() {
		if err := in.table.Remove(context.WithoutCancel(ctx), ids); err != nil {
			in.log.Err(err, "删除规则失败", "ids", ids)
		}
	}()
	return fn(ctx)
}

// Purge 清空规则表，用于异常路径
func (in *Installer) Purge(ctx context.Context) error {
	return in.table.RemoveAll(ctx)
}
