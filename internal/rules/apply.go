package rules

import (
	"net/http"
	"strings"

	"stockprobe/pkg/model"
	"stockprobe/pkg/traffic"
)

// ApplyHTTP 将头部操作应用到 net/http 头
func ApplyHTTP(h http.Header, ops []model.HeaderOp) {
	for _, op := range ops {
		switch op.Operation {
		case model.HeaderSet:
			h.Set(op.Header, op.Value)
		case model.HeaderRemove:
			h.Del(op.Header)
		case model.HeaderAppend:
			if cur := h.Get(op.Header); cur != "" {
				h.Set(op.Header, cur+joiner(op.Header)+op.Value)
			} else {
				h.Set(op.Header, op.Value)
			}
		}
	}
}

// ApplyTraffic 将头部操作应用到中立头
func ApplyTraffic(h traffic.Header, ops []model.HeaderOp) {
	for _, op := range ops {
		switch op.Operation {
		case model.HeaderSet:
			h.Set(op.Header, op.Value)
		case model.HeaderRemove:
			h.Del(op.Header)
		case model.HeaderAppend:
			if cur := h.Get(op.Header); cur != "" {
				h.Set(op.Header, cur+joiner(op.Header)+op.Value)
			} else {
				h.Set(op.Header, op.Value)
			}
		}
	}
}

// Removes 操作中是否删除了指定头
func Removes(ops []model.HeaderOp, header string) bool {
	for _, op := range ops {
		if op.Operation == model.HeaderRemove && strings.EqualFold(op.Header, header) {
			return true
		}
	}
	return false
}

func joiner(header string) string {
	if strings.EqualFold(header, "cookie") {
		return "; "
	}
	return ", "
}
