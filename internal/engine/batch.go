package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"food-aps/internal/event"
	"food-aps/internal/metrics"
	"food-aps/internal/schedule"
	"food-aps/internal/strategy"
	"food-aps/internal/types"
	"food-aps/internal/util"
)

// reasonCancelled 批量排产被取消时未处理订单的原因
const reasonCancelled = "cancelled"

// ScheduleOrder 为单个订单生成候选、提交最优产线并检测冲突
// 返回排序后的候选产线；无候选时返回 *types.InfeasibleError
func (s *Scheduler) ScheduleOrder(ctx context.Context, orderID string) ([]types.LineCandidate, error) {
	ctx, traceID := util.EnsureTraceID(ctx)
	logger := s.logger.With("trace_id", traceID, "order_id", orderID)

	o, err := s.order(orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsPending() {
		return nil, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, types.ErrOrderNotPending)
	}

	snap := s.snapshot()
	cands, rejects := s.gen.Generate(ctx, snap, o)
	if len(cands) == 0 {
		inf := &types.InfeasibleError{OrderID: o.ID, Rejections: rejects}
		s.unscheduled(ctx, nil, inf)
		logger.Warn("订单无可行产线", "reason", inf.DominantReason())
		return nil, inf
	}

	task, err := s.commit(ctx, o, cands, time.Time{})
	if err != nil {
		var inf *types.InfeasibleError
		if errors.As(err, &inf) {
			s.unscheduled(ctx, nil, inf)
		}
		return cands, err
	}
	open := s.reconcile(ctx, map[string]bool{task.ID: true})
	logger.Info("订单已排产", "task_id", task.ID, "line_id", task.LineID, "start", task.Start, "end", task.End,
		"open_conflicts", len(open))
	return cands, nil
}

// commit 按候选顺序尝试在最新排程上落位，第一个仍可行的产线胜出
// 候选是在旧快照上生成的，落位在产线写锁内重新计算
func (s *Scheduler) commit(ctx context.Context, o *types.ProductionOrder, cands []types.LineCandidate, floor time.Time) (types.ScheduleTask, error) {
	for _, c := range cands {
		unlock := s.board.LockLines(c.LineID)
		task, ok := s.place(o, c.LineID, floor)
		if ok {
			if err := s.reserve(o.ID); err != nil {
				unlock()
				return types.ScheduleTask{}, err
			}
			s.apply(ctx, []types.ScheduleTask{task}, nil)
		}
		unlock()
		if ok {
			return task, nil
		}
	}
	rejects := make([]types.Rejection, 0, len(cands))
	for _, c := range cands {
		rejects = append(rejects, types.Rejection{LineID: c.LineID, Reason: types.RejectReconciled})
	}
	return types.ScheduleTask{}, &types.InfeasibleError{OrderID: o.ID, Rejections: rejects}
}

// place 在产线当前排程上为订单找到交期前的最早落位并绑定资源；调用方须持有产线写锁
func (s *Scheduler) place(o *types.ProductionOrder, lineID string, floor time.Time) (types.ScheduleTask, bool) {
	snap := s.snapshotAt(floor)
	l, ok := snap.Lines[lineID]
	if !ok {
		return types.ScheduleTask{}, false
	}
	if reason, _ := s.gen.Feasible(snap, o, l); reason != "" {
		return types.ScheduleTask{}, false
	}
	production := strategy.EstimateProductionMinutes(o, l)
	p, ok := schedule.Place(l, snap.Tasks[lineID], "", o.ProductCategory, production, s.matrix,
		s.gen.EarliestStart(o, snap.Now), snap.Now.Add(s.opts.Horizon), nil)
	if !ok || p.Window.End.After(o.Deadline) {
		return types.ScheduleTask{}, false
	}
	task := newTask(o, lineID, p)
	schedule.BindResources(snap, &task, o.RequiredEquipment, o.RequiredMolds)
	return task, true
}

// reconcile 检测涉及 focus 任务的冲突并逐条尝试消解，返回仍未消解的冲突
// 消解可能跨线移动任务，因此持有全部产线写锁串行执行
func (s *Scheduler) reconcile(ctx context.Context, focus map[string]bool) []types.ScheduleConflict {
	unlock := s.board.LockLines(s.lineIDs()...)
	defer unlock()

	attempted := map[string]bool{}
	for i := 0; i < s.opts.MaxResolveAttempts && ctx.Err() == nil; i++ {
		snap := s.snapshot()
		var next *types.ScheduleConflict
		for _, c := range involving(s.detector.Detect(snap, snap.AllTasks()), focus) {
			if !attempted[c.ID] {
				next = &c
				break
			}
		}
		if next == nil {
			break
		}
		attempted[next.ID] = true
		s.detected(ctx, *next)
		out, err := s.resolve(ctx, snap, *next)
		if err != nil {
			s.logger.Warn("冲突消解失败", "conflict_id", next.ID, "error", err)
			continue
		}
		if focus != nil {
			for _, t := range out {
				focus[t.ID] = true
			}
		}
	}
	snap := s.snapshot()
	return involving(s.detector.Detect(snap, snap.AllTasks()), focus)
}

// resolve 消解一条冲突并写回调整；调用方须持有全部产线写锁
func (s *Scheduler) resolve(ctx context.Context, snap *types.Snapshot, c types.ScheduleConflict) ([]types.ScheduleTask, error) {
	out, err := s.resolver.Resolve(ctx, snap, c)
	if err != nil {
		return nil, err
	}
	if len(out.Changed) > 0 {
		s.apply(ctx, out.Changed, nil)
	}
	if !out.Resolved {
		return out.Changed, fmt.Errorf("conflict %s (%s): %w", c.ID, out.Note, types.ErrConflictUnresolved)
	}
	s.stats.conflictsResolved.Add(1)
	traceID, _ := util.TraceIDFromContext(ctx)
	c.Resolved = true
	s.bus.Publish(event.Event{Type: event.ConflictResolved, TraceID: traceID, Conflict: &c})
	return out.Changed, nil
}

func (s *Scheduler) detected(ctx context.Context, c types.ScheduleConflict) {
	s.stats.conflictsDetected.Add(1)
	traceID, _ := util.TraceIDFromContext(ctx)
	s.bus.Publish(event.Event{Type: event.ConflictDetected, TraceID: traceID, Conflict: &c})
}

// involving 过滤出涉及 focus 任务的冲突，focus 为 nil 时全部保留
func involving(conflicts []types.ScheduleConflict, focus map[string]bool) []types.ScheduleConflict {
	if focus == nil {
		return conflicts
	}
	var out []types.ScheduleConflict
	for _, c := range conflicts {
		for _, id := range c.TaskIDs {
			if focus[id] {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// unscheduled 记录无法排产的订单
func (s *Scheduler) unscheduled(ctx context.Context, res *types.SchedulingResult, inf *types.InfeasibleError) {
	u := types.UnscheduledOrder{OrderID: inf.OrderID, Reason: inf.DominantReason(), Detail: inf.Error(), Rejects: inf.Rejections}
	if res != nil {
		res.UnscheduledOrders = append(res.UnscheduledOrders, u)
	}
	s.stats.ordersUnscheduled.Add(1)
	traceID, _ := util.TraceIDFromContext(ctx)
	s.bus.Publish(event.Event{Type: event.OrderUnscheduled, TraceID: traceID, Order: &u})
}

// BatchSchedule 对交期落在 [start, end] 内的全部待排产订单批量排产，零值表示不限
// 两阶段：并发生成候选，再按紧迫度串行提交；之后按产线优化顺序、串行消解冲突并分析混批机会
// ctx 取消时停止提交，已提交的任务保留，返回 Cancelled=true 的部分结果
func (s *Scheduler) BatchSchedule(ctx context.Context, start, end time.Time) (*types.SchedulingResult, error) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return s.batch(ctx, start, end, time.Time{}, "批量排产")
}

// Reschedule 丢弃 fromDate 之后开始的计划任务 (冻结、执行中的任务保留)，
// 并在剩余视野内对待排产订单重新批量排产，新任务不早于 fromDate 开工
func (s *Scheduler) Reschedule(ctx context.Context, fromDate time.Time) (*types.SchedulingResult, error) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	ctx, traceID := util.EnsureTraceID(ctx)

	unlock := s.board.LockLines(s.lineIDs()...)
	var drop []string
	for _, t := range s.board.All() {
		if t.Movable() && !t.Start.Before(fromDate) {
			drop = append(drop, t.ID)
		}
	}
	s.apply(ctx, nil, drop)
	unlock()
	s.logger.Info("重排：已移除计划任务", "trace_id", traceID, "from", fromDate, "removed", len(drop))

	return s.batch(ctx, time.Time{}, fromDate.Add(s.opts.Horizon), fromDate, "重排")
}

// batch 批量排产主流程；调用方须持有 batchMu
func (s *Scheduler) batch(ctx context.Context, start, end, floor time.Time, label string) (*types.SchedulingResult, error) {
	ctx, traceID := util.EnsureTraceID(ctx)
	logger := s.logger.With("trace_id", traceID)
	began := time.Now()

	snap := s.snapshotAt(floor)
	scheduledIDs := s.board.ScheduledOrderIDs()
	var orders []*types.ProductionOrder
	for _, o := range snap.Orders {
		if !o.IsPending() || scheduledIDs[o.ID] {
			continue
		}
		if (!start.IsZero() && o.Deadline.Before(start)) || (!end.IsZero() && o.Deadline.After(end)) {
			continue
		}
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	res := &types.SchedulingResult{TotalOrders: len(orders)}
	logger.Info(label+"开始", "orders", len(orders), "start", start, "end", end)

	// 阶段一：并发生成候选
	proposals, err := s.gen.GenerateAll(ctx, snap, orders)
	if err != nil {
		res.Cancelled = true
		for _, o := range orders {
			res.UnscheduledOrders = append(res.UnscheduledOrders, types.UnscheduledOrder{OrderID: o.ID, Reason: reasonCancelled})
		}
		return s.finish(ctx, res, began, label), err
	}

	// 阶段二：按紧迫度串行提交
	pq := make(PriorityQueue, 0, len(proposals))
	for _, p := range proposals {
		pq = append(pq, &Item{Proposal: p, Urgency: strategy.UrgencyScore(p.Order)})
	}
	heap.Init(&pq)
	metrics.OrdersInQueue.Set(float64(pq.Len()))

	touched := map[string]bool{}
	committed := map[string]bool{}
	var orderIDs []string
	for pq.Len() > 0 {
		if ctx.Err() != nil {
			res.Cancelled = true
			for pq.Len() > 0 {
				item := heap.Pop(&pq).(*Item)
				res.UnscheduledOrders = append(res.UnscheduledOrders, types.UnscheduledOrder{OrderID: item.Proposal.Order.ID, Reason: reasonCancelled})
			}
			break
		}
		item := heap.Pop(&pq).(*Item)
		metrics.OrdersInQueue.Dec()
		p := item.Proposal
		if len(p.Candidates) == 0 {
			s.unscheduled(ctx, res, &types.InfeasibleError{OrderID: p.Order.ID, Rejections: p.Rejections})
			continue
		}
		task, err := s.commit(ctx, p.Order, p.Candidates, floor)
		if err != nil {
			var inf *types.InfeasibleError
			if errors.As(err, &inf) {
				s.unscheduled(ctx, res, inf)
			}
			continue
		}
		touched[task.LineID] = true
		committed[task.ID] = true
		orderIDs = append(orderIDs, p.Order.ID)
	}
	metrics.OrdersInQueue.Set(0)

	if !res.Cancelled {
		// 阶段三：按产线优化顺序
		lines := make([]string, 0, len(touched))
		for id := range touched {
			lines = append(lines, id)
		}
		sort.Strings(lines)
		focus := map[string]bool{}
		for _, id := range lines {
			unlock := s.board.LockLines(id)
			if _, err := s.optimizeLine(ctx, id, nil, floor); err != nil {
				logger.Warn("产线排序失败，保留原顺序", "line_id", id, "error", err)
			}
			unlock()
			for _, t := range s.board.LineTasks(id) {
				focus[t.ID] = true
			}
		}
		// 阶段四：串行消解跨线冲突
		res.Conflicts = s.reconcile(ctx, focus)
		// 阶段五：混批机会分析
		after := s.snapshot()
		res.MixBatchOpportunities = s.mixer.Analyze(after, mergeable(after, orders))
	}

	for _, id := range orderIDs {
		t, ok := s.board.TaskForOrder(id)
		if !ok {
			continue
		}
		res.ScheduledOrders = append(res.ScheduledOrders, types.ScheduledOrder{
			OrderID: id, TaskID: t.ID, LineID: t.LineID, Start: t.Start, End: t.End, OnTime: !t.IsLate(),
		})
	}
	if res.Cancelled {
		return s.finish(ctx, res, began, label), ctx.Err()
	}
	return s.finish(ctx, res, began, label), nil
}

// mergeable 返回仍可参与混批的订单副本：待排产订单，以及任务仍可调整的已排产订单
func mergeable(snap *types.Snapshot, orders []*types.ProductionOrder) []*types.ProductionOrder {
	movable := map[string]bool{}
	for _, t := range snap.AllTasks() {
		if t.Movable() && len(t.MergedOrderIDs) == 0 {
			movable[t.OrderID] = true
		}
	}
	var out []*types.ProductionOrder
	for _, o := range orders {
		cur, ok := snap.Orders[o.ID]
		if !ok {
			continue
		}
		cp := *cur
		switch {
		case cp.IsPending():
		case cp.Status == types.OrderScheduled && movable[cp.ID]:
			cp.Status = types.OrderPending
		default:
			continue
		}
		out = append(out, &cp)
	}
	return out
}

// finish 汇总占用率、准时率和消息，记录统计并发布事件
func (s *Scheduler) finish(ctx context.Context, res *types.SchedulingResult, began time.Time, label string) *types.SchedulingResult {
	snap := s.snapshot()
	res.LineUtilization, res.WorkerUtilization = s.utilization(snap, snap.Now, snap.Now.Add(s.opts.Horizon))
	onTime := 0
	for _, so := range res.ScheduledOrders {
		if so.OnTime {
			onTime++
		}
	}
	if res.TotalOrders > 0 {
		res.OnTimeRate = float64(onTime) / float64(res.TotalOrders)
	} else {
		res.OnTimeRate = 1
	}
	elapsed := time.Since(began)
	res.ElapsedMs = elapsed.Milliseconds()

	switch {
	case res.Cancelled:
		res.Message = fmt.Sprintf("%s已取消：已排产 %d/%d 个订单，已提交的任务保留", label, len(res.ScheduledOrders), res.TotalOrders)
	case res.TotalOrders == 0:
		res.Message = label + "完成：没有待排产订单"
	default:
		res.Message = fmt.Sprintf("%s完成：已排产 %d/%d 个订单，%d 个无法排产，%d 个冲突待人工处理",
			label, len(res.ScheduledOrders), res.TotalOrders, len(res.UnscheduledOrders), len(res.Conflicts))
	}

	s.stats.batches.Add(1)
	s.stats.lastBatchMs.Store(res.ElapsedMs)
	traceID, _ := util.TraceIDFromContext(ctx)
	s.bus.Publish(event.Event{Type: event.BatchCompleted, TraceID: traceID, Result: res, Seconds: elapsed.Seconds()})
	s.logger.Info(label+"结束", "trace_id", traceID, "scheduled", len(res.ScheduledOrders), "unscheduled", len(res.UnscheduledOrders),
		"conflicts", len(res.Conflicts), "cancelled", res.Cancelled, "elapsed_ms", res.ElapsedMs)
	return res
}
