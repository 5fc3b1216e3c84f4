package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"food-aps/internal/event"
	"food-aps/internal/schedule"
	"food-aps/internal/strategy"
	"food-aps/internal/types"
	"food-aps/internal/util"
	"food-aps/internal/worker"

	"github.com/google/uuid"
)

// DetectConflicts 检测给定任务之间的资源冲突，tasks 为空时检测全部排程
func (s *Scheduler) DetectConflicts(tasks []types.ScheduleTask) []types.ScheduleConflict {
	snap := s.snapshot()
	if tasks == nil {
		tasks = snap.AllTasks()
	}
	return s.detector.Detect(snap, tasks)
}

// ResolveConflict 尝试消解一条冲突
// 冲突在当前排程中已不存在时视为已消解；无法消解时返回包装了 ErrConflictUnresolved 的错误
func (s *Scheduler) ResolveConflict(ctx context.Context, c types.ScheduleConflict) (bool, error) {
	ctx, traceID := util.EnsureTraceID(ctx)
	unlock := s.board.LockLines(s.lineIDs()...)
	defer unlock()

	snap := s.snapshot()
	var current *types.ScheduleConflict
	for _, cur := range s.detector.Detect(snap, snap.AllTasks()) {
		if cur.ID == c.ID {
			current = &cur
			break
		}
	}
	if current == nil {
		s.logger.Info("冲突已不存在", "trace_id", traceID, "conflict_id", c.ID)
		return true, nil
	}
	s.detected(ctx, *current)
	if _, err := s.resolve(ctx, snap, *current); err != nil {
		return false, err
	}
	return true, nil
}

// AnalyzeMixBatchOpportunities 分析可合并生产的订单组，orderIDs 为空时分析全部待排产订单
func (s *Scheduler) AnalyzeMixBatchOpportunities(orderIDs []string) ([]types.MixBatchGroup, error) {
	snap := s.snapshot()
	var orders []*types.ProductionOrder
	if len(orderIDs) == 0 {
		for _, o := range snap.Orders {
			orders = append(orders, o)
		}
		sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	} else {
		for _, id := range orderIDs {
			o, ok := snap.Orders[id]
			if !ok {
				return nil, fmt.Errorf("order %s: %w", id, types.ErrNotFound)
			}
			orders = append(orders, o)
		}
	}
	return s.mixer.Analyze(snap, mergeable(snap, orders)), nil
}

// MergeMixBatch 把混批组合并为建议产线上的一个任务
// 组内订单原有的可调整任务被移除；冻结或执行中的任务、已合并的任务不能再参与合并
func (s *Scheduler) MergeMixBatch(ctx context.Context, g types.MixBatchGroup) (types.ScheduleTask, error) {
	ctx, traceID := util.EnsureTraceID(ctx)
	if len(g.OrderIDs) < 2 {
		return types.ScheduleTask{}, fmt.Errorf("%w: mix batch group needs at least two orders", types.ErrInvalidOrder)
	}
	unlock := s.board.LockLines(s.lineIDs()...)
	defer unlock()

	snap := s.snapshot()
	var drop []string
	var equipment, molds []string
	var after time.Time
	g.TotalQuantity = 0
	g.EarliestDeadline, g.LatestDeadline = time.Time{}, time.Time{}
	for _, id := range g.OrderIDs {
		o, ok := snap.Orders[id]
		if !ok {
			return types.ScheduleTask{}, fmt.Errorf("order %s: %w", id, types.ErrNotFound)
		}
		if o.ProductCategory != g.ProductCategory {
			return types.ScheduleTask{}, fmt.Errorf("%w: order %s is %s, group is %s", types.ErrInvalidOrder, id, o.ProductCategory, g.ProductCategory)
		}
		if t, ok := s.board.TaskForOrder(id); ok {
			if !t.Movable() || len(t.MergedOrderIDs) > 0 {
				return types.ScheduleTask{}, fmt.Errorf("order %s task %s is %s: %w", id, t.ID, t.Status, types.ErrOrderNotPending)
			}
			drop = append(drop, t.ID)
		} else if !o.IsPending() {
			return types.ScheduleTask{}, fmt.Errorf("order %s is %s: %w", id, o.Status, types.ErrOrderNotPending)
		}
		if e := s.gen.EarliestStart(o, snap.Now); e.After(after) {
			after = e
		}
		g.TotalQuantity += o.Quantity
		if g.EarliestDeadline.IsZero() || o.Deadline.Before(g.EarliestDeadline) {
			g.EarliestDeadline = o.Deadline
		}
		if o.Deadline.After(g.LatestDeadline) {
			g.LatestDeadline = o.Deadline
		}
		equipment = union(equipment, o.RequiredEquipment)
		molds = union(molds, o.RequiredMolds)
	}

	base := snap.Without(drop...)
	task, err := s.mixer.Plan(base, g, after, s.opts.Horizon)
	if err != nil {
		return types.ScheduleTask{}, err
	}
	task.ID = uuid.NewString()
	schedule.BindResources(base, &task, equipment, molds)
	s.apply(ctx, []types.ScheduleTask{task}, drop)

	merged, _ := s.board.Get(task.ID)
	s.logger.Info("混批已合并", "trace_id", traceID, "task_id", merged.ID, "line_id", merged.LineID,
		"orders", merged.MergedOrderIDs, "quantity", merged.Quantity, "replaced", len(drop))
	return merged, nil
}

func union(dst, src []string) []string {
	for _, v := range src {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

// OptimizeWorkerAssignment 平衡各产线人数并把调配结果写回人员归属
func (s *Scheduler) OptimizeWorkerAssignment(ctx context.Context, date time.Time) []types.WorkerAssignment {
	_, traceID := util.EnsureTraceID(ctx)
	moves := s.allocator.Optimize(s.snapshot(), date)
	if len(moves) == 0 {
		return moves
	}
	s.mu.Lock()
	for _, m := range moves {
		if w, ok := s.workers[m.WorkerID]; ok {
			w.LineID = m.LineID
		}
	}
	s.mu.Unlock()
	s.bus.Publish(event.Event{Type: event.WorkersReassigned, TraceID: traceID, Assignments: moves})
	return moves
}

// SuggestWorkerTransfer 为富余产线的 count 名工人推荐去向
func (s *Scheduler) SuggestWorkerTransfer(fromLineID string, count int) ([]types.TransferSuggestion, error) {
	return s.allocator.SuggestTransfer(s.snapshot(), fromLineID, count)
}

// ApplyTransfer 执行调岗建议
// 调走的工人从原产线未开工的可调整任务中移除，由原产线的空闲工人补位；产线负荷不变
func (s *Scheduler) ApplyTransfer(ctx context.Context, sug types.TransferSuggestion) ([]types.WorkerAssignment, error) {
	ctx, traceID := util.EnsureTraceID(ctx)
	if len(sug.WorkerIDs) == 0 {
		return nil, fmt.Errorf("%w: transfer names no workers", types.ErrInvalidOrder)
	}
	unlock := s.board.LockLines(sug.FromLineID, sug.ToLineID)
	defer unlock()

	s.mu.Lock()
	if _, ok := s.lines[sug.ToLineID]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("line %s: %w", sug.ToLineID, types.ErrNotFound)
	}
	for _, id := range sug.WorkerIDs {
		w, ok := s.workers[id]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("worker %s: %w", id, types.ErrNotFound)
		}
		if w.LineID != sug.FromLineID {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: worker %s is on line %q, not %s", types.ErrInvalidOrder, id, w.LineID, sug.FromLineID)
		}
	}
	now := s.now()
	day := now.Format("2006-01-02")
	moved := map[string]bool{}
	moves := make([]types.WorkerAssignment, 0, len(sug.WorkerIDs))
	for _, id := range sug.WorkerIDs {
		s.workers[id].LineID = sug.ToLineID
		moved[id] = true
		moves = append(moves, types.WorkerAssignment{WorkerID: id, FromLineID: sug.FromLineID, LineID: sug.ToLineID, Date: day, Reason: sug.Reason})
	}
	s.mu.Unlock()

	snap := s.snapshot()
	var put []types.ScheduleTask
	for _, t := range snap.Tasks[sug.FromLineID] {
		if !t.Movable() || !t.Start.After(now) || !holdsAny(t.Workers, moved) {
			continue
		}
		cp := t.Clone()
		cp.Workers = nil
		schedule.BindResources(snap, &cp, nil, nil)
		cp.Equipment, cp.Molds = t.Equipment, t.Molds
		snap.Upsert(cp)
		put = append(put, cp)
	}
	if len(put) > 0 {
		s.apply(ctx, put, nil)
	}
	s.bus.Publish(event.Event{Type: event.WorkersReassigned, TraceID: traceID, Assignments: moves})
	s.logger.Info("调岗已执行", "trace_id", traceID, "from", sug.FromLineID, "to", sug.ToLineID,
		"workers", sug.WorkerIDs, "tasks_rebound", len(put))
	return moves, nil
}

func holdsAny(ids []string, set map[string]bool) bool {
	for _, id := range ids {
		if set[id] {
			return true
		}
	}
	return false
}

// OptimizeSequence 对产线上的可调整任务重新排序以减少换线时间
// taskIDs 非空时只调整这些任务，其余任务保持原时间
func (s *Scheduler) OptimizeSequence(ctx context.Context, lineID string, taskIDs []string) ([]types.ScheduleTask, error) {
	ctx, _ = util.EnsureTraceID(ctx)
	unlock := s.board.LockLines(lineID)
	defer unlock()
	return s.optimizeLine(ctx, lineID, taskIDs, time.Time{})
}

// optimizeLine 重排一条产线并写回时间发生变化的任务，任务不早于 floor 开工；调用方须持有该产线的写锁
func (s *Scheduler) optimizeLine(ctx context.Context, lineID string, taskIDs []string, floor time.Time) ([]types.ScheduleTask, error) {
	snap := s.snapshotAt(floor)
	l, ok := snap.Lines[lineID]
	if !ok {
		return nil, fmt.Errorf("line %s: %w", lineID, types.ErrNotFound)
	}
	selected := map[string]bool{}
	for _, id := range taskIDs {
		t, ok := snap.FindTask(id)
		if !ok || t.LineID != lineID {
			return nil, fmt.Errorf("task %s on line %s: %w", id, lineID, types.ErrNotFound)
		}
		selected[id] = true
	}

	current := snap.Tasks[lineID]
	input := make([]types.ScheduleTask, 0, len(current))
	frozen := map[string]types.TaskStatus{}
	earliest := map[string]time.Time{}
	for _, t := range current {
		cp := t.Clone()
		if len(selected) > 0 && !selected[t.ID] && t.Movable() {
			frozen[t.ID] = t.Status
			cp.Status = types.TaskFrozen
		}
		if cp.Movable() {
			for _, id := range t.OrderIDs() {
				if o, ok := snap.Orders[id]; ok {
					if e := s.gen.EarliestStart(o, snap.Now); e.After(earliest[t.ID]) {
						earliest[t.ID] = e
					}
				}
			}
		}
		input = append(input, cp)
	}

	res, err := s.sequencer.Optimize(l, input, snap.Now, earliest)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]types.ScheduleTask, len(current))
	for _, t := range current {
		byID[t.ID] = t
	}
	var changed []types.ScheduleTask
	for i := range res.Tasks {
		t := &res.Tasks[i]
		if st, ok := frozen[t.ID]; ok {
			t.Status = st
		}
		prev := byID[t.ID]
		if !prev.Start.Equal(t.Start) || !prev.End.Equal(t.End) {
			changed = append(changed, *t)
		}
	}
	if len(changed) > 0 {
		s.apply(ctx, changed, nil)
	}
	s.logger.Info("产线顺序已优化", "line_id", lineID, "strategy", res.Strategy, "changed", len(changed),
		"naive_changeover", res.NaiveChangeover, "optimized_changeover", res.OptimizedChangeover)
	return s.board.LineTasks(lineID), nil
}

// CalculateChangeoverTime 查询换线时间 (分钟)
func (s *Scheduler) CalculateChangeoverTime(from, to, lineID string) float64 {
	return s.matrix.Minutes(from, to, lineID)
}

// GetStrategyWeights 返回当前策略权重
func (s *Scheduler) GetStrategyWeights() strategy.Weights {
	return s.weights.Get()
}

// UpdateStrategyWeights 替换策略权重，校验失败时保持原权重并返回 ErrInvalidWeightConfig
func (s *Scheduler) UpdateStrategyWeights(w strategy.Weights) error {
	if err := s.weights.Update(w); err != nil {
		return err
	}
	s.logger.Info("策略权重已更新", "weights", w)
	return nil
}

// EstimateProductionDuration 估算订单在产线上的纯生产时长 (分钟)
func (s *Scheduler) EstimateProductionDuration(orderID, lineID string) (float64, error) {
	snap := s.snapshot()
	o, ok := snap.Orders[orderID]
	if !ok {
		return 0, fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}
	l, ok := snap.Lines[lineID]
	if !ok {
		return 0, fmt.Errorf("line %s: %w", lineID, types.ErrNotFound)
	}
	return strategy.EstimateProductionMinutes(o, l), nil
}

// Staffing 返回各产线的人员配置情况
func (s *Scheduler) Staffing() []worker.LineStaffing {
	return s.allocator.Staffing(s.snapshot())
}
