package stock

import (
	"errors"
	"fmt"

	"stockprobe/pkg/model"
)

// Failure 库存任务的终止性错误
type Failure struct {
	Code    int
	Message string
	// Purge 为真时清除站点会话与 CSRF
	Purge bool
	// Retry 为真时由调度器延迟后重试一次
	Retry bool
	Err   error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("stock %d: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("stock %d: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Result 转为对外的错误结果
func (f *Failure) Result() model.StockResult {
	return model.ErrorResult(f.Code, f.Message)
}

// errPassthrough 卖家活跃期间访客请求被跳过，直接回传请求数量
var errPassthrough = errors.New("stock: passthrough")

// AsFailure 将任意错误归一为 Failure
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Code: model.CodeUnexpected, Message: "An error occurred during stock retrieval", Err: err}
}

// isTerminal 错误已是 Failure 或回传信号，不再按步骤映射
func isTerminal(err error) bool {
	var f *Failure
	return errors.As(err, &f) || errors.Is(err, errPassthrough)
}
