package handlers

import (
	"log/slog"

	"food-aps/internal/event"
	"food-aps/internal/metrics"
	"food-aps/internal/web"
)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 排产写路径只发布事件，监控、看板和审计日志在这里解耦
func RegisterEventHandlers(bus *event.Bus, board *web.BoardTracker, logger *slog.Logger) {
	logger = logger.With("component", "audit")

	// --- 指标处理器 (Metrics Handler) ---
	bus.Subscribe(event.TaskCommitted, func(e event.Event) {
		metrics.TasksCommittedTotal.WithLabelValues(e.Task.LineID).Inc()
	})
	bus.Subscribe(event.OrderUnscheduled, func(e event.Event) {
		metrics.OrdersUnscheduledTotal.WithLabelValues(e.Order.Reason).Inc()
	})
	bus.Subscribe(event.ConflictDetected, func(e event.Event) {
		metrics.ConflictsDetectedTotal.WithLabelValues(string(e.Conflict.Type)).Inc()
	})
	bus.Subscribe(event.ConflictResolved, func(e event.Event) {
		metrics.ConflictsResolvedTotal.WithLabelValues(string(e.Conflict.Type)).Inc()
	})
	bus.Subscribe(event.UrgentInserted, func(e event.Event) {
		metrics.UrgentInsertionsTotal.WithLabelValues(e.Outcome).Inc()
	})
	bus.Subscribe(event.BatchCompleted, func(e event.Event) {
		metrics.BatchDuration.Observe(e.Seconds)
	})

	// --- 看板处理器 (Board Handler) ---
	if board != nil {
		bus.Subscribe(event.TaskCommitted, func(e event.Event) {
			board.UpdateTask(*e.Task)
		})
		bus.Subscribe(event.TaskShifted, func(e event.Event) {
			board.UpdateTask(*e.Task)
		})
		bus.Subscribe(event.TaskRemoved, func(e event.Event) {
			board.RemoveTask(e.Task.ID)
		})
		bus.Subscribe(event.ConflictDetected, func(e event.Event) {
			board.SetConflict(e.Conflict.ID, true)
		})
		bus.Subscribe(event.ConflictResolved, func(e event.Event) {
			board.SetConflict(e.Conflict.ID, false)
		})
	}

	// --- 日志处理器 (Logging Handler) ---
	// 订阅关键业务事件，记录审计日志
	bus.Subscribe(event.OrderUnscheduled, func(e event.Event) {
		logger.Warn("订单未能排产", "trace_id", e.TraceID, "order_id", e.Order.OrderID, "reason", e.Order.Reason)
	})
	bus.Subscribe(event.ConflictDetected, func(e event.Event) {
		logger.Info("检测到资源冲突", "trace_id", e.TraceID, "conflict_id", e.Conflict.ID, "type", e.Conflict.Type,
			"severity", e.Conflict.Severity.String(), "tasks", e.Conflict.TaskIDs)
	})
	bus.Subscribe(event.UrgentInserted, func(e event.Event) {
		args := []any{"trace_id", e.TraceID, "outcome", e.Outcome}
		if e.Insert != nil {
			args = append(args, "proposal_id", e.Insert.ProposalID, "message", e.Insert.Message)
		}
		logger.Info("急单插入", args...)
	})
	bus.Subscribe(event.BatchCompleted, func(e event.Event) {
		logger.Info("批量排产完成", "trace_id", e.TraceID, "scheduled", len(e.Result.ScheduledOrders),
			"unscheduled", len(e.Result.UnscheduledOrders), "on_time_rate", e.Result.OnTimeRate, "seconds", e.Seconds)
	})
	bus.Subscribe(event.WorkersReassigned, func(e event.Event) {
		for _, a := range e.Assignments {
			logger.Info("人员调配", "trace_id", e.TraceID, "worker_id", a.WorkerID, "from", a.FromLineID, "to", a.LineID, "reason", a.Reason)
		}
	})
}
