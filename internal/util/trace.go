package util

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// contextKey 私有类型，避免 context key 冲突
type contextKey string

const traceIDKey contextKey = "traceID"

// NewTraceID 生成一次排产请求 (单单排产、批量排产、插单) 的追踪 ID
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ContextWithTraceID 将 Trace ID 注入到 Context 中
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext 从 Context 中提取 Trace ID
func TraceIDFromContext(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceIDKey).(string)
	return traceID, ok
}

// EnsureTraceID 若 Context 中没有 Trace ID 则生成一个
func EnsureTraceID(ctx context.Context) (context.Context, string) {
	if id, ok := TraceIDFromContext(ctx); ok && id != "" {
		return ctx, id
	}
	id := NewTraceID()
	return ContextWithTraceID(ctx, id), id
}
