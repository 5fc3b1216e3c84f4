// Package api 排产服务的 HTTP 接口，只做参数解析、错误映射和 JSON 渲染
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"food-aps/internal/strategy"
	"food-aps/internal/types"
	"food-aps/internal/urgent"
	"food-aps/internal/util"
	"food-aps/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// Scheduler 接口层依赖的排产操作
type Scheduler interface {
	AddOrder(o types.ProductionOrder) error
	Order(id string) (types.ProductionOrder, error)
	Orders() []types.ProductionOrder
	Lines() []types.ProductionLine
	Tasks() []types.ScheduleTask
	Task(id string) (types.ScheduleTask, error)

	ScheduleOrder(ctx context.Context, orderID string) ([]types.LineCandidate, error)
	BatchSchedule(ctx context.Context, start, end time.Time) (*types.SchedulingResult, error)
	Reschedule(ctx context.Context, fromDate time.Time) (*types.SchedulingResult, error)

	InsertUrgentOrder(ctx context.Context, o types.ProductionOrder) (*types.InsertResult, error)
	Proposal(id string) (*urgent.Proposal, error)
	LockSlot(ctx context.Context, proposalID, slotID, owner string) (types.SlotLock, error)
	CommitSlot(ctx context.Context, proposalID, slotID, owner string) (*types.InsertResult, error)
	CancelInsertion(ctx context.Context, proposalID, owner string) error

	DetectConflicts(tasks []types.ScheduleTask) []types.ScheduleConflict
	ResolveConflict(ctx context.Context, c types.ScheduleConflict) (bool, error)
	AnalyzeMixBatchOpportunities(orderIDs []string) ([]types.MixBatchGroup, error)
	MergeMixBatch(ctx context.Context, g types.MixBatchGroup) (types.ScheduleTask, error)

	OptimizeWorkerAssignment(ctx context.Context, date time.Time) []types.WorkerAssignment
	SuggestWorkerTransfer(fromLineID string, count int) ([]types.TransferSuggestion, error)
	ApplyTransfer(ctx context.Context, sug types.TransferSuggestion) ([]types.WorkerAssignment, error)
	Staffing() []worker.LineStaffing

	OptimizeSequence(ctx context.Context, lineID string, taskIDs []string) ([]types.ScheduleTask, error)
	CalculateChangeoverTime(from, to, lineID string) float64
	GetStrategyWeights() strategy.Weights
	UpdateStrategyWeights(w strategy.Weights) error
	EstimateProductionDuration(orderID, lineID string) (float64, error)
	GetSchedulingStats() map[string]any
}

// Options 路由配置
type Options struct {
	AllowedOrigins []string
	// RequestTimeout 单个请求的处理上限，批量排产在超时后返回部分结果
	RequestTimeout time.Duration
	// Board 看板快照，为空时不注册 /api/board
	Board func() interface{}
	// WebSocket 看板推送处理器，为空时不注册 /ws
	WebSocket http.HandlerFunc
}

// handler 持有路由处理函数共享的依赖
type handler struct {
	svc    Scheduler
	logger *slog.Logger
}

// NewRouter 创建 HTTP 路由
func NewRouter(svc Scheduler, opts Options, logger *slog.Logger) http.Handler {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	h := &handler{svc: svc, logger: logger.With("component", "api")}
	router := chi.NewRouter()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Trace-Id"},
	})
	router.Use(corsHandler.Handler)
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(traceID)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	if opts.WebSocket != nil {
		router.Get("/ws", opts.WebSocket)
	}

	router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		if opts.Board != nil {
			r.Get("/board", h.board(opts.Board))
		}
		r.Get("/stats", h.stats)

		r.Get("/orders", h.listOrders)
		r.Post("/orders", h.addOrder)
		r.Get("/orders/{id}", h.getOrder)
		r.Post("/orders/{id}/schedule", h.scheduleOrder)
		r.Get("/orders/{id}/duration", h.estimateDuration)

		r.Get("/lines", h.listLines)
		r.Post("/lines/{id}/sequence", h.optimizeSequence)

		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{id}", h.getTask)

		r.Post("/schedule/batch", h.batchSchedule)
		r.Post("/schedule/reschedule", h.reschedule)

		r.Post("/urgent", h.insertUrgent)
		r.Get("/urgent/{id}", h.getProposal)
		r.Post("/urgent/{id}/lock", h.lockSlot)
		r.Post("/urgent/{id}/commit", h.commitSlot)
		r.Post("/urgent/{id}/cancel", h.cancelInsertion)

		r.Get("/conflicts", h.detectConflicts)
		r.Post("/conflicts/resolve", h.resolveConflict)

		r.Get("/mix-batch", h.analyzeMixBatch)
		r.Post("/mix-batch/merge", h.mergeMixBatch)

		r.Get("/workers/staffing", h.staffing)
		r.Post("/workers/optimize", h.optimizeWorkers)
		r.Get("/workers/transfer", h.suggestTransfer)
		r.Post("/workers/transfer", h.applyTransfer)

		r.Get("/changeover", h.changeover)
		r.Get("/strategy/weights", h.getWeights)
		r.Put("/strategy/weights", h.updateWeights)
	})
	return router
}

// traceID 把请求头中的 X-Trace-Id 注入 Context，缺省时生成新的
func traceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Trace-Id")
		if id == "" {
			id = util.NewTraceID()
		}
		w.Header().Set("X-Trace-Id", id)
		next.ServeHTTP(w, r.WithContext(util.ContextWithTraceID(r.Context(), id)))
	})
}
