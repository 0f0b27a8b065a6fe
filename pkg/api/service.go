package api

import (
	"context"

	"stockprobe/internal/config"
	"stockprobe/internal/extract"
	"stockprobe/internal/logger"
	"stockprobe/internal/metrics"
	"stockprobe/internal/service"
	"stockprobe/internal/session"
	"stockprobe/pkg/model"
)

// Service 服务接口
type Service interface {
	// RequestStock 查询报价库存
	RequestStock(ctx context.Context, req model.StockRequest) model.StockResult

	// NoteSellerActivity 记录卖家后台活跃
	NoteSellerActivity()

	// Sessions 列出访客会话
	Sessions() []session.Summary

	// ClearSession 删除站点访客会话
	ClearSession(ctx context.Context, d model.Domain) error

	// Extract 按选择器配置提取页面字段
	Extract(markup string, sel extract.Selectors) (extract.Fields, *extract.Failure)

	// Metrics 指标集合
	Metrics() *metrics.Metrics

	// Close 关闭服务
	Close(ctx context.Context) error
}

// NewService 创建并返回服务接口实现
func NewService(ctx context.Context, cfg *config.Config, l logger.Logger) (Service, error) {
	return service.Open(ctx, cfg, l)
}
