package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"food-aps/internal/event"
	"food-aps/internal/metrics"
	"food-aps/internal/types"
	"food-aps/internal/urgent"
	"food-aps/internal/util"
)

// InsertUrgentOrder 急单插入
// 订单以最高优先级登记 (已存在的待排产订单直接复用)，生成候选时间窗提案；
// 最优时间窗无需审批时立即提交，否则返回 RequiresApproval=true 的提案等待人工锁定和提交
func (s *Scheduler) InsertUrgentOrder(ctx context.Context, o types.ProductionOrder) (*types.InsertResult, error) {
	ctx, traceID := util.EnsureTraceID(ctx)
	logger := s.logger.With("trace_id", traceID, "order_id", o.ID)

	o.Urgent = true
	o.PriorityTier = types.MaxPriorityTier
	if err := s.AddOrder(o); err != nil {
		if !errors.Is(err, types.ErrDuplicateOrder) {
			return s.rejected(ctx, nil, err)
		}
		if err := s.markUrgent(o.ID); err != nil {
			return s.rejected(ctx, nil, err)
		}
	}
	cur, err := s.order(o.ID)
	if err != nil {
		return s.rejected(ctx, nil, err)
	}

	p, err := s.urgent.Propose(ctx, s.snapshot(), cur)
	if err != nil {
		var inf *types.InfeasibleError
		if errors.As(err, &inf) {
			s.unscheduled(ctx, nil, inf)
		}
		return s.rejected(ctx, nil, err)
	}
	best := p.Best()
	if best.Impact.RequiresApproval {
		res := &types.InsertResult{
			ProposalID:       p.ID,
			Slot:             &best,
			Alternatives:     alternatives(p, best.ID),
			RequiresApproval: true,
			Message:          "需要人工审批: " + strings.Join(best.Impact.ApprovalReasons, "; "),
		}
		s.bus.Publish(event.Event{Type: event.UrgentInserted, TraceID: traceID, Insert: res, Outcome: event.OutcomePendingApproval})
		logger.Info("急单等待审批", "proposal_id", p.ID, "slot_id", best.ID, "impact_level", best.Impact.ImpactLevel)
		return res, nil
	}
	return s.CommitSlot(ctx, p.ID, best.ID, s.opts.AutoCommitOwner)
}

// markUrgent 把已存在的待排产订单提升为急单
func (s *Scheduler) markUrgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, types.ErrNotFound)
	}
	if !o.IsPending() {
		return fmt.Errorf("order %s is %s: %w", id, o.Status, types.ErrOrderNotPending)
	}
	o.Urgent = true
	o.PriorityTier = types.MaxPriorityTier
	return nil
}

// LockSlot 人工审核时锁定提案中的时间窗
func (s *Scheduler) LockSlot(ctx context.Context, proposalID, slotID, owner string) (types.SlotLock, error) {
	lock, err := s.urgent.Lock(ctx, proposalID, slotID, owner)
	if errors.Is(err, types.ErrLockContention) {
		metrics.LockContentionTotal.Inc()
	}
	return lock, err
}

// CommitSlot 在产线写锁内重新校验时间窗并写入急单任务和顺延的下游任务
// 他人持锁返回 ErrLockContention；锁或提案过期返回 ErrStaleLock；时间窗已不可行返回 ErrSlotInvalidated
func (s *Scheduler) CommitSlot(ctx context.Context, proposalID, slotID, owner string) (*types.InsertResult, error) {
	ctx, traceID := util.EnsureTraceID(ctx)
	p, err := s.urgent.Proposal(proposalID)
	if err != nil {
		return s.rejected(ctx, nil, err)
	}
	slot, ok := p.Slot(slotID)
	if !ok {
		return s.rejected(ctx, p, fmt.Errorf("slot %s: %w", slotID, types.ErrNotFound))
	}

	unlock := s.board.LockLines(slot.LineID)
	plan, err := s.urgent.Prepare(ctx, s.snapshot(), proposalID, slotID, owner)
	if err != nil {
		unlock()
		if errors.Is(err, types.ErrLockContention) {
			metrics.LockContentionTotal.Inc()
		}
		return s.rejected(ctx, p, err)
	}
	// 先占用订单再占用提案，任一失败都不写入排程
	if err := s.reserve(plan.Task.OrderID); err != nil {
		unlock()
		return s.rejected(ctx, p, err)
	}
	if err := s.urgent.Commit(plan); err != nil {
		s.unreserve(plan.Task.OrderID)
		unlock()
		return s.rejected(ctx, p, err)
	}
	put := append([]types.ScheduleTask{plan.Task}, plan.Shifted...)
	s.apply(ctx, put, nil)
	newConflicts := s.affectedConflicts(ctx, put)
	unlock()

	inserted, _ := s.board.Get(plan.Task.ID)
	shifted := make([]types.ScheduleTask, 0, len(plan.Shifted))
	for _, t := range plan.Shifted {
		if cur, ok := s.board.Get(t.ID); ok {
			shifted = append(shifted, cur)
		}
	}
	res := &types.InsertResult{
		Success:      true,
		ProposalID:   p.ID,
		Slot:         &plan.Slot,
		Alternatives: alternatives(p, plan.Slot.ID),
		InsertedTask: &inserted,
		ShiftedTasks: shifted,
		NewConflicts: newConflicts,
		Message: fmt.Sprintf("急单已插入产线 %s，%s 开工，顺延 %d 个任务，新增冲突 %d 个",
			inserted.LineID, inserted.Start.Format("01-02 15:04"), len(shifted), len(newConflicts)),
	}
	if plan.Slot.LateMinutes > 0 {
		res.Message += fmt.Sprintf("，%s %.0f 分钟", urgent.ReasonOrderLate, plan.Slot.LateMinutes)
	}
	s.stats.urgentInserted.Add(1)
	s.bus.Publish(event.Event{Type: event.UrgentInserted, TraceID: traceID, Insert: res, Outcome: event.OutcomeCommitted})
	return res, nil
}

// affectedConflicts 检测涉及本次写入任务的冲突，只扫描受影响的时间范围
func (s *Scheduler) affectedConflicts(ctx context.Context, changed []types.ScheduleTask) []types.ScheduleConflict {
	if len(changed) == 0 {
		return nil
	}
	span := changed[0].Window()
	focus := map[string]bool{}
	for _, t := range changed {
		focus[t.ID] = true
		if t.Start.Before(span.Start) {
			span.Start = t.Start
		}
		if t.End.After(span.End) {
			span.End = t.End
		}
	}
	snap := s.snapshot()
	var region []types.ScheduleTask
	for _, t := range snap.AllTasks() {
		if t.Window().Overlaps(span) {
			region = append(region, t)
		}
	}
	conflicts := involving(s.detector.Detect(snap, region), focus)
	for _, c := range conflicts {
		s.detected(ctx, c)
	}
	return conflicts
}

// CancelInsertion 取消插单尝试并释放锁
func (s *Scheduler) CancelInsertion(ctx context.Context, proposalID, owner string) error {
	ctx, traceID := util.EnsureTraceID(ctx)
	if err := s.urgent.Cancel(ctx, proposalID, owner); err != nil {
		if errors.Is(err, types.ErrLockContention) {
			metrics.LockContentionTotal.Inc()
		}
		return err
	}
	s.bus.Publish(event.Event{Type: event.UrgentInserted, TraceID: traceID, Outcome: event.OutcomeCancelled,
		Insert: &types.InsertResult{ProposalID: proposalID, Message: "插单已取消"}})
	return nil
}

// Proposal 按 ID 查找插单提案
func (s *Scheduler) Proposal(id string) (*urgent.Proposal, error) {
	return s.urgent.Proposal(id)
}

// rejected 构造失败的插单结果并发布事件
func (s *Scheduler) rejected(ctx context.Context, p *urgent.Proposal, err error) (*types.InsertResult, error) {
	res := &types.InsertResult{Message: "急单插入失败: " + err.Error()}
	if p != nil {
		res.ProposalID = p.ID
		res.Alternatives = p.Slots()
	}
	traceID, _ := util.TraceIDFromContext(ctx)
	s.bus.Publish(event.Event{Type: event.UrgentInserted, TraceID: traceID, Insert: res, Outcome: event.OutcomeRejected})
	s.logger.Warn("急单插入失败", "trace_id", traceID, "error", err)
	return res, err
}

// alternatives 返回提案中除 chosen 之外的时间窗
func alternatives(p *urgent.Proposal, chosen string) []types.InsertSlot {
	var out []types.InsertSlot
	for _, sl := range p.Slots() {
		if sl.ID != chosen {
			out = append(out, sl)
		}
	}
	return out
}
