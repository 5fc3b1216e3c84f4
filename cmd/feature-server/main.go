package main

import (
	"encoding/json"
	"flag"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"food-aps/internal/feature"
)

// Request 定义了特征服务接收的请求体
type Request struct {
	OrderID         string  `json:"order_id"`
	LineID          string  `json:"line_id"`
	ProductCategory string  `json:"product_category"`
	Quantity        float64 `json:"quantity"`
}

// Response 定义了特征服务返回的响应体
type Response struct {
	Vector []float64 `json:"vector,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// main 是演示用特征服务的入口
// 向量由 (品类, 产线) 确定性生成，数量只影响最后一维
func main() {
	addr := flag.String("addr", ":9090", "listen address")
	maxDelay := flag.Duration("max-delay", 50*time.Millisecond, "simulated upper bound of processing time")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "feature-server")
	slog.SetDefault(logger)

	logger.Info("=== 特征向量服务启动 ===", "addr", *addr, "dimension", feature.Dimension)

	http.HandleFunc("/features", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("解析请求失败", "error", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// 从 HTTP Header 中提取 Trace ID，用于链路追踪
		reqLogger := logger.With("order_id", req.OrderID, "line_id", req.LineID)
		if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
			reqLogger = reqLogger.With("trace_id", traceID)
		}

		// 模拟模型推理耗时，超过调用方超时的请求会被调用方放弃
		if *maxDelay > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(*maxDelay))))
		}

		resp := Response{}
		if req.ProductCategory == "" || req.LineID == "" {
			resp.Error = "product_category and line_id are required"
			reqLogger.Warn("请求缺少字段")
		} else {
			resp.Vector = vector(req)
			reqLogger.Debug("特征向量已生成")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	if err := http.ListenAndServe(*addr, nil); err != nil {
		logger.Error("服务启动失败", "error", err)
	}
}

// vector 以 (品类, 产线) 的哈希为种子生成 [0,1) 内的向量
func vector(req Request) []float64 {
	h := fnv.New64a()
	h.Write([]byte(req.ProductCategory + "|" + req.LineID))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))
	vec := make([]float64, feature.Dimension)
	for i := range vec[:len(vec)-1] {
		vec[i] = rng.Float64()
	}
	vec[len(vec)-1] = req.Quantity / (req.Quantity + 1000)
	return vec
}
