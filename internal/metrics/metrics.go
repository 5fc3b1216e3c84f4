package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// OrdersInQueue 仪表盘：批量排产中等待提交的订单数量
	OrdersInQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aps_orders_in_queue",
		Help: "The number of orders waiting for the serialized commit phase of a batch",
	})

	// TasksCommittedTotal 计数器：写入排程的任务数，按产线分类
	TasksCommittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aps_tasks_committed_total",
		Help: "The total number of schedule tasks committed",
	}, []string{"line_id"})

	// OrdersUnscheduledTotal 计数器：无法排产的订单数，按原因分类
	OrdersUnscheduledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aps_orders_unscheduled_total",
		Help: "The total number of orders left unscheduled",
	}, []string{"reason"})

	// ConflictsDetectedTotal 计数器：检测到的冲突，按类型分类
	ConflictsDetectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aps_conflicts_detected_total",
		Help: "The total number of resource conflicts detected",
	}, []string{"type"})

	// ConflictsResolvedTotal 计数器：自动消解的冲突，按类型分类
	ConflictsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aps_conflicts_resolved_total",
		Help: "The total number of resource conflicts resolved automatically",
	}, []string{"type"})

	// UrgentInsertionsTotal 计数器：急单插入结果 (committed/pending_approval/rejected/cancelled)
	UrgentInsertionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aps_urgent_insertions_total",
		Help: "The total number of urgent insertion attempts by outcome",
	}, []string{"outcome"})

	// LockContentionTotal 计数器：时间窗加锁或提交时遇到他人持锁的次数
	LockContentionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aps_slot_lock_contention_total",
		Help: "The total number of slot lock contentions",
	})

	// BatchDuration 直方图：批量排产耗时分布
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aps_batch_duration_seconds",
		Help:    "Time spent in batch scheduling and rescheduling",
		Buckets: prometheus.DefBuckets,
	})

	// LineUtilization 仪表盘：各产线在排产视野内的占用率
	LineUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aps_line_utilization",
		Help: "Busy time over operating time within the scheduling horizon",
	}, []string{"line_id"})
)
