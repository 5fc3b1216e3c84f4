package feature

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"food-aps/internal/types"
	"food-aps/internal/util"

	"golang.org/x/time/rate"
)

// HTTPConfig 远程特征服务配置
type HTTPConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`        // 远程服务地址 (e.g., http://localhost:9090)
	Timeout       time.Duration `mapstructure:"timeout"`         // 单次请求超时
	RatePerSecond float64       `mapstructure:"rate_per_second"` // 每秒请求上限
	Burst         int           `mapstructure:"burst"`
}

// HTTPProvider 通过 HTTP 调用远程特征服务
// 任何失败 (超时、限流等待超时、状态码、维度不符) 都回退为零向量
type HTTPProvider struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewHTTPProvider 创建远程特征服务客户端
func NewHTTPProvider(cfg HTTPConfig, logger *slog.Logger) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 200 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &HTTPProvider{
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
		client:   &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		logger:   logger.With("component", "feature_provider", "remote", true),
	}
}

// vectorRequest 发送到远程服务的请求体
type vectorRequest struct {
	OrderID         string  `json:"order_id"`
	LineID          string  `json:"line_id"`
	ProductCategory string  `json:"product_category"`
	Quantity        float64 `json:"quantity"`
}

// vectorResponse 远程服务的响应体
type vectorResponse struct {
	Vector []float64 `json:"vector"`
	Error  string    `json:"error,omitempty"`
}

// Vector 请求 /features 端点，失败时返回零向量
func (p *HTTPProvider) Vector(ctx context.Context, o *types.ProductionOrder, l *types.ProductionLine) []float64 {
	logger := p.logger
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	vec, err := p.fetch(ctx, o, l)
	if err != nil {
		logger.Warn("特征向量获取失败，使用零向量", "error", err, "order_id", o.ID, "line_id", l.ID)
		return Zero()
	}
	return vec
}

func (p *HTTPProvider) fetch(ctx context.Context, o *types.ProductionOrder, l *types.ProductionLine) ([]float64, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("限流等待失败: %w", err)
	}
	reqBody, err := json.Marshal(vectorRequest{OrderID: o.ID, LineID: l.ID, ProductCategory: o.ProductCategory, Quantity: o.Quantity})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/features", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("创建远程请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// 将 Trace ID 放入 HTTP Header 中，实现跨服务追踪
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		httpReq.Header.Set("X-Trace-ID", traceID)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("远程调用失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("远程服务错误: %s", resp.Status)
	}
	var vr vectorResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	if vr.Error != "" {
		return nil, fmt.Errorf("远程服务返回错误: %s", vr.Error)
	}
	if len(vr.Vector) != Dimension {
		return nil, fmt.Errorf("特征维度不符: got %d, want %d", len(vr.Vector), Dimension)
	}
	return vr.Vector, nil
}
