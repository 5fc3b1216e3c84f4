// Package urgent 急单插入：候选时间窗枚举与评分、链式影响分析、时间窗锁和提交校验
package urgent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"food-aps/internal/candidate"
	"food-aps/internal/fsm"
	"food-aps/internal/schedule"
	"food-aps/internal/strategy"
	"food-aps/internal/types"
	"food-aps/internal/util"

	"github.com/google/uuid"
)

// Matrix 换线时间查询，附带矩阵最大值用于归一化
type Matrix interface {
	schedule.Changeover
	MaxMinutes() float64
}

// SlotWeights 插单时间窗五因子权重
type SlotWeights struct {
	Capacity float64 `mapstructure:"capacity"`
	Worker   float64 `mapstructure:"worker"`
	Deadline float64 `mapstructure:"deadline"`
	Impact   float64 `mapstructure:"impact"`
	Switch   float64 `mapstructure:"switch_cost"`
}

// DefaultSlotWeights 默认五因子权重
func DefaultSlotWeights() SlotWeights {
	return SlotWeights{Capacity: 0.30, Worker: 0.20, Deadline: 0.20, Impact: 0.15, Switch: 0.15}
}

// Config 急单插入参数
type Config struct {
	LockTTL         time.Duration
	ProposalTTL     time.Duration
	MaxSlotsPerLine int
	MaxAlternatives int
	Horizon         time.Duration
	CapacityWindow  time.Duration
	Weights         SlotWeights
	Impact          ImpactParams
}

func (c *Config) applyDefaults() {
	if c.LockTTL <= 0 {
		c.LockTTL = 15 * time.Minute
	}
	if c.ProposalTTL <= 0 {
		c.ProposalTTL = 30 * time.Minute
	}
	if c.MaxSlotsPerLine <= 0 {
		c.MaxSlotsPerLine = 5
	}
	if c.MaxAlternatives <= 0 {
		c.MaxAlternatives = 5
	}
	if c.Horizon <= 0 {
		c.Horizon = 7 * 24 * time.Hour
	}
	if c.CapacityWindow <= 0 {
		c.CapacityWindow = 8 * time.Hour
	}
	if c.Weights == (SlotWeights{}) {
		c.Weights = DefaultSlotWeights()
	}
	def := DefaultImpactParams()
	if c.Impact.MaxDepth <= 0 {
		c.Impact.MaxDepth = def.MaxDepth
	}
	if c.Impact.DelayNormMinutes <= 0 {
		c.Impact.DelayNormMinutes = def.DelayNormMinutes
	}
	if c.Impact.AffectedNorm <= 0 {
		c.Impact.AffectedNorm = def.AffectedNorm
	}
}

// releaseTimeout 释放远程锁的超时
const releaseTimeout = 2 * time.Second

// Plan 提交前在最新快照上重新校验得到的写入计划
type Plan struct {
	Proposal *Proposal
	Slot     types.InsertSlot
	Task     types.ScheduleTask   // 待插入的急单任务，已分配 ID 并绑定资源
	Shifted  []types.ScheduleTask // 需要顺延的下游任务
}

// Engine 急单插入引擎
// Propose 只读取快照；提交由调用方在产线写锁内完成 Prepare -> Commit -> 写入
type Engine struct {
	gen       *candidate.Generator
	matrix    Matrix
	locks     LockStore
	proposals *ProposalStore
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

// NewEngine 创建急单插入引擎
func NewEngine(gen *candidate.Generator, matrix Matrix, locks LockStore, cfg Config, now func() time.Time, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	if now == nil {
		now = time.Now
	}
	if locks == nil {
		locks = NewMemoryLockStore(now)
	}
	return &Engine{
		gen:       gen,
		matrix:    matrix,
		locks:     locks,
		proposals: NewProposalStore(cfg.ProposalTTL),
		cfg:       cfg,
		now:       now,
		logger:    logger.With("component", "urgent_insertion"),
	}
}

// Proposal 按 ID 查找提案
func (e *Engine) Proposal(id string) (*Proposal, error) {
	p, ok := e.proposals.Get(id)
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", id, types.ErrNotFound)
	}
	return p, nil
}

// Propose 为急单枚举并评分所有可行时间窗，生成处于 CANDIDATE_GENERATED 状态的提案
func (e *Engine) Propose(ctx context.Context, snap *types.Snapshot, o *types.ProductionOrder) (*Proposal, error) {
	logger := e.logger.With("order_id", o.ID)
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}
	if candidate.Shortage(o) {
		return nil, fmt.Errorf("order %s: %w", o.ID, types.ErrMaterialShortage)
	}

	after := e.gen.EarliestStart(o, snap.Now)
	horizonEnd := snap.Now.Add(e.cfg.Horizon)
	var slots []types.InsertSlot
	var rejections []types.Rejection
	for _, id := range snap.LineIDs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l := snap.Lines[id]
		if reason, detail := e.gen.Feasible(snap, o, l); reason != "" {
			rejections = append(rejections, types.Rejection{LineID: l.ID, Reason: reason, Detail: detail})
			continue
		}
		found := e.lineSlots(snap, o, l, after, horizonEnd)
		if len(found) == 0 {
			rejections = append(rejections, types.Rejection{LineID: l.ID, Reason: types.RejectNoSlot, Detail: "排产视野内无可插入时间窗"})
			continue
		}
		slots = append(slots, found...)
	}
	if len(slots) == 0 {
		return nil, &types.InfeasibleError{OrderID: o.ID, Rejections: rejections}
	}

	// 赶得上交期的时间窗优先，其次按评分
	sort.SliceStable(slots, func(i, j int) bool {
		a, b := slots[i], slots[j]
		if (a.LateMinutes > 0) != (b.LateMinutes > 0) {
			return a.LateMinutes == 0
		}
		if math.Abs(a.Score.Total-b.Score.Total) > 1e-9 {
			return a.Score.Total > b.Score.Total
		}
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.LineID < b.LineID
	})
	if len(slots) > e.cfg.MaxAlternatives+1 {
		slots = slots[:e.cfg.MaxAlternatives+1]
	}

	now := e.now()
	p := &Proposal{
		ID:        uuid.NewString(),
		Order:     o,
		CreatedAt: now,
		ExpireAt:  now.Add(e.cfg.ProposalTTL),
		slots:     slots,
	}
	p.state = fsm.NewFSM(p.ID, e.logger)
	for _, st := range []fsm.State{fsm.StateCommitted, fsm.StateCancelled, fsm.StateExpired} {
		p.state.RegisterCallback(st, func(string) { e.release(p) })
	}
	e.proposals.Put(p)
	best := slots[0]
	logger.Info("急单候选时间窗生成完成", "proposal_id", p.ID, "slots", len(slots), "best_line", best.LineID,
		"best_start", best.Start, "impact_level", best.Impact.ImpactLevel, "requires_approval", best.Impact.RequiresApproval)
	return p, nil
}

// lineSlots 枚举一条产线上的候选时间窗：最早空闲时间窗，以及插在各个可调整任务之前的位置
func (e *Engine) lineSlots(snap *types.Snapshot, o *types.ProductionOrder, l *types.ProductionLine, after, horizonEnd time.Time) []types.InsertSlot {
	tasks := snap.Tasks[l.ID]
	production := strategy.EstimateProductionMinutes(o, l)
	seen := map[time.Time]bool{}
	var out []types.InsertSlot

	if p, ok := schedule.Place(l, tasks, "", o.ProductCategory, production, e.matrix, after, horizonEnd, nil); ok {
		out = append(out, e.buildSlot(snap, o, l, p.Window, p.ChangeoverMinutes, production, horizonEnd))
		seen[p.Window.Start] = true
	}
	for _, t := range tasks {
		if len(out) >= e.cfg.MaxSlotsPerLine {
			break
		}
		if !t.Movable() || t.Start.Before(after) || !t.Start.Before(horizonEnd) || seen[t.Start] {
			continue
		}
		win, co, ok := e.insertWindow(l, tasks, t.Start, o.ProductCategory, production)
		if !ok {
			continue
		}
		out = append(out, e.buildSlot(snap, o, l, win, co, production, horizonEnd))
		seen[t.Start] = true
	}
	return out
}

// insertWindow 计算在 start 时刻插入时占用的区间
// 区间必须位于产线日历内，不能覆盖不可调整的任务，也不能切入 start 之前开始的任务
func (e *Engine) insertWindow(l *types.ProductionLine, tasks []types.ScheduleTask, start time.Time, category string, production float64) (types.TimeRange, float64, bool) {
	prev := types.CategoryBefore(tasks, start, "", l.CurrentCategory)
	co := e.matrix.Minutes(prev, category, l.ID)
	win := types.TimeRange{Start: start, End: start.Add(schedule.Minutes(co + production))}
	if !l.WithinCalendar(win) {
		return types.TimeRange{}, 0, false
	}
	for _, t := range tasks {
		if !t.Window().Overlaps(win) {
			continue
		}
		if !t.Movable() || t.Start.Before(start) {
			return types.TimeRange{}, 0, false
		}
	}
	return win, co, true
}

// buildSlot 计算链式影响和五因子评分
func (e *Engine) buildSlot(snap *types.Snapshot, o *types.ProductionOrder, l *types.ProductionLine, win types.TimeRange,
	co, production float64, horizonEnd time.Time) types.InsertSlot {
	impact, shifted := analyzeImpact(l, snap.Tasks[l.ID], win, o.ProductCategory, e.matrix, snap.Now, horizonEnd, e.cfg.Impact)
	moved := make(map[string]bool, len(shifted))
	for _, t := range shifted {
		moved[t.ID] = true
	}
	free := freeWorkers(snap, l.ID, win, moved)
	capacity := strategy.FreeCapacity(l, snap.Now, e.cfg.CapacityWindow)

	s := types.InsertSlot{
		ID:                uuid.NewString(),
		LineID:            l.ID,
		Start:             win.Start,
		End:               win.End,
		ChangeoverMinutes: co,
		ProductionMinutes: production,
		AvailableCapacity: capacity,
		AvailableWorkers:  free,
		Impact:            impact,
		State:             types.SlotCandidate,
	}
	s.Score = e.score(o, l, s, snap.Now)
	markLate(&s, o)
	return s
}

// markLate 急单自身完工晚于交期时记录延误分钟数并要求审批
func markLate(s *types.InsertSlot, o *types.ProductionOrder) {
	s.LateMinutes = 0
	if !s.End.After(o.Deadline) {
		return
	}
	s.LateMinutes = s.End.Sub(o.Deadline).Minutes()
	s.Impact.ApprovalReasons = append(s.Impact.ApprovalReasons, fmt.Sprintf("%s %.0f 分钟", ReasonOrderLate, s.LateMinutes))
	s.Impact.RequiresApproval = true
}

// score 五因子加权评分，各因子越高越好
func (e *Engine) score(o *types.ProductionOrder, l *types.ProductionLine, s types.InsertSlot, now time.Time) types.ScoreBreakdown {
	w := e.cfg.Weights
	b := types.ScoreBreakdown{
		CapacityFactor:   strategy.CapacityMatchScore(s.AvailableCapacity, o.Quantity),
		WorkerFactor:     1,
		ImpactFactor:     clamp01(1 - s.Impact.ImpactScore/100),
		SwitchCostFactor: 1,
	}
	if l.MinWorkers > 0 {
		b.WorkerFactor = clamp01(float64(s.AvailableWorkers) / float64(l.MinWorkers))
	}
	if total := o.Deadline.Sub(now); total > 0 && !s.End.After(o.Deadline) {
		b.DeadlineFactor = clamp01(o.Deadline.Sub(s.End).Minutes() / total.Minutes())
	}
	if maxCo := e.matrix.MaxMinutes(); maxCo > 0 {
		b.SwitchCostFactor = clamp01(1 - s.ChangeoverMinutes/maxCo)
	}
	b.Total = w.Capacity*b.CapacityFactor + w.Worker*b.WorkerFactor + w.Deadline*b.DeadlineFactor +
		w.Impact*b.ImpactFactor + w.Switch*b.SwitchCostFactor
	return b
}

// freeWorkers 统计产线在区间内空闲的工人数，被顺延任务占用的工人视为空闲
func freeWorkers(snap *types.Snapshot, lineID string, win types.TimeRange, moved map[string]bool) int {
	busy := map[string]bool{}
	for _, tasks := range snap.Tasks {
		for _, t := range tasks {
			if moved[t.ID] || !t.Window().Overlaps(win) {
				continue
			}
			for _, w := range t.Workers {
				busy[w] = true
			}
		}
	}
	n := 0
	for _, w := range snap.LineWorkers(lineID) {
		if !busy[w.ID] {
			n++
		}
	}
	return n
}

// Lock 为人工审核锁定提案中的一个时间窗
// 同一提案再次加锁会替换原来的锁
func (e *Engine) Lock(ctx context.Context, proposalID, slotID, owner string) (types.SlotLock, error) {
	p, err := e.live(ctx, proposalID)
	if err != nil {
		return types.SlotLock{}, err
	}
	slot, ok := p.Slot(slotID)
	if !ok {
		return types.SlotLock{}, fmt.Errorf("slot %s: %w", slotID, types.ErrNotFound)
	}
	if !p.state.Can(fsm.EventLock) {
		return types.SlotLock{}, fmt.Errorf("proposal %s is %s: %w", p.ID, p.State(), fsm.ErrInvalidTransition)
	}

	prev := p.Lock()
	held, err := e.locks.Acquire(ctx, types.SlotLock{
		SlotID:   slot.ID,
		LineID:   slot.LineID,
		Window:   slot.Window(),
		LockedBy: owner,
		ExpireAt: e.now().Add(e.cfg.LockTTL),
	})
	if err != nil {
		e.logger.Warn("时间窗加锁失败", "proposal_id", p.ID, "slot_id", slotID, "owner", owner, "error", err)
		return types.SlotLock{}, err
	}
	if prev != nil && prev.SlotID != held.SlotID {
		if err := e.locks.Release(ctx, *prev); err != nil {
			e.logger.Warn("释放旧锁失败", "slot_id", prev.SlotID, "error", err)
		}
	}
	p.setLock(&held, slot.ID)
	if err := p.state.Fire(fsm.EventLock); err != nil {
		// 加锁期间提案被取消或过期
		e.release(p)
		return types.SlotLock{}, err
	}
	e.logger.Info("时间窗已加锁", "proposal_id", p.ID, "slot_id", slotID, "owner", owner, "expire_at", held.ExpireAt)
	return held, nil
}

// Prepare 在最新快照上重新校验时间窗，返回写入计划；调用方须持有该产线的写锁
// 他人持有有效锁时返回 ErrLockContention；本人的锁已过期时提案进入 EXPIRED 并返回 ErrStaleLock；
// 订单已经通过其他途径排产时返回 ErrOrderNotPending
func (e *Engine) Prepare(ctx context.Context, snap *types.Snapshot, proposalID, slotID, owner string) (*Plan, error) {
	p, err := e.live(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	slot, ok := p.Slot(slotID)
	if !ok {
		return nil, fmt.Errorf("slot %s: %w", slotID, types.ErrNotFound)
	}
	if !p.state.Can(fsm.EventCommit) {
		return nil, fmt.Errorf("proposal %s is %s: %w", p.ID, p.State(), fsm.ErrInvalidTransition)
	}

	holders, err := e.locks.Holders(ctx, slot.LineID, slot.ID, slot.Window())
	if err != nil {
		return nil, err
	}
	for _, h := range holders {
		if h.LockedBy != owner {
			return nil, contention(h)
		}
	}
	if own := p.Lock(); own != nil && own.LockedBy == owner && own.SlotID == slot.ID {
		valid := false
		for _, h := range holders {
			valid = valid || h.Token == own.Token
		}
		if !valid {
			e.expire(p)
			return nil, fmt.Errorf("lock on slot %s expired at %s: %w", slot.ID, own.ExpireAt.Format(time.RFC3339), types.ErrStaleLock)
		}
	}

	o := p.Order
	if err := orderStillPending(snap, o.ID); err != nil {
		// 订单已由其他途径排产，提案作废并释放锁
		if ferr := p.state.Fire(fsm.EventCancel); ferr != nil && !errors.Is(ferr, fsm.ErrInvalidTransition) {
			e.logger.Warn("作废提案失败", "proposal_id", p.ID, "error", ferr)
		}
		return nil, err
	}
	l, ok := snap.Lines[slot.LineID]
	if !ok {
		return nil, fmt.Errorf("line %s: %w", slot.LineID, types.ErrNotFound)
	}
	if reason, detail := e.gen.Feasible(snap, o, l); reason != "" {
		return nil, fmt.Errorf("%w: line %s %s %s", types.ErrSlotInvalidated, l.ID, reason, detail)
	}
	tasks := snap.Tasks[l.ID]
	win, co, ok := e.insertWindow(l, tasks, slot.Start, o.ProductCategory, slot.ProductionMinutes)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s overlaps fixed work", types.ErrSlotInvalidated, slot.Start.Format(time.RFC3339), l.ID)
	}
	horizonEnd := snap.Now.Add(e.cfg.Horizon)
	impact, shifted := analyzeImpact(l, tasks, win, o.ProductCategory, e.matrix, snap.Now, horizonEnd, e.cfg.Impact)
	slot.End, slot.ChangeoverMinutes, slot.Impact = win.End, co, impact
	markLate(&slot, o)

	task := types.ScheduleTask{
		ID:                 uuid.NewString(),
		OrderID:            o.ID,
		LineID:             l.ID,
		ProductCategory:    o.ProductCategory,
		Quantity:           o.Quantity,
		Start:              win.Start,
		End:                win.End,
		ChangeoverMinutes:  co,
		ProductionMinutes:  slot.ProductionMinutes,
		Status:             types.TaskPlanned,
		Deadline:           o.Deadline,
		PriorityTier:       o.PriorityTier,
		Urgent:             true,
		VIP:                o.VIP,
		RequiredSkillLevel: o.RequiredSkillLevel,
	}
	after := snap.Without()
	for _, t := range shifted {
		after.Upsert(t)
	}
	schedule.BindResources(after, &task, o.RequiredEquipment, o.RequiredMolds)
	p.replaceSlot(slot)
	return &Plan{Proposal: p, Slot: slot, Task: task, Shifted: shifted}, nil
}

// orderStillPending 订单在快照中仍待排产且没有任何任务
func orderStillPending(snap *types.Snapshot, orderID string) error {
	if cur, ok := snap.Orders[orderID]; ok && !cur.IsPending() {
		return fmt.Errorf("order %s is %s: %w", orderID, cur.Status, types.ErrOrderNotPending)
	}
	for _, t := range snap.AllTasks() {
		if t.HasOrder(orderID) {
			return fmt.Errorf("order %s already has task %s on %s: %w", orderID, t.ID, t.LineID, types.ErrOrderNotPending)
		}
	}
	return nil
}

// Commit 把提案转入 COMMITTED 并释放锁，调用方在写入排程之前调用
// 同一提案只有一次 Commit 能成功，并发提交或已过期的提案返回 ErrInvalidTransition
func (e *Engine) Commit(plan *Plan) error {
	p := plan.Proposal
	if err := p.state.Fire(fsm.EventCommit); err != nil {
		return fmt.Errorf("commit proposal %s: %w", p.ID, err)
	}
	e.logger.Info("急单已插入", "proposal_id", p.ID, "order_id", p.Order.ID, "task_id", plan.Task.ID,
		"line_id", plan.Task.LineID, "shifted", len(plan.Shifted), "late_minutes", plan.Slot.LateMinutes)
	return nil
}

// Cancel 取消插单尝试并立即释放锁；他人持有的锁不能被取消
func (e *Engine) Cancel(ctx context.Context, proposalID, owner string) error {
	p, err := e.Proposal(proposalID)
	if err != nil {
		return err
	}
	if l := p.Lock(); l != nil && owner != "" && l.LockedBy != owner && l.ValidAt(e.now()) {
		return contention(*l)
	}
	if err := p.state.Fire(fsm.EventCancel); err != nil {
		return fmt.Errorf("cancel proposal %s: %w", p.ID, err)
	}
	e.logger.Info("插单已取消", "proposal_id", p.ID, "owner", owner)
	return nil
}

// Sweep 使过期提案进入 EXPIRED 并清理保留期外的提案，返回本次过期数量
func (e *Engine) Sweep(ctx context.Context) int {
	now := e.now()
	expired := e.proposals.Expired(now)
	for _, p := range expired {
		e.expire(p)
	}
	e.proposals.Evict(now)
	return len(expired)
}

// live 返回未过期的提案，过期的提案在此惰性转入 EXPIRED
func (e *Engine) live(ctx context.Context, id string) (*Proposal, error) {
	p, err := e.Proposal(id)
	if err != nil {
		return nil, err
	}
	if !e.now().Before(p.ExpireAt) && !p.state.Terminal() {
		e.expire(p)
	}
	if p.State() == fsm.StateExpired {
		return nil, fmt.Errorf("proposal %s expired: %w", id, types.ErrStaleLock)
	}
	return p, nil
}

// expire 进入 EXPIRED，锁由状态回调释放
func (e *Engine) expire(p *Proposal) {
	if err := p.state.Fire(fsm.EventExpire); err != nil && !errors.Is(err, fsm.ErrInvalidTransition) {
		e.logger.Warn("提案过期处理失败", "proposal_id", p.ID, "error", err)
	}
}

// release 释放提案持有的锁，提案进入终态时由状态机回调触发
// 回调不携带请求的 ctx，远程锁存储使用独立的超时
func (e *Engine) release(p *Proposal) {
	l := p.Lock()
	if l == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := e.locks.Release(ctx, *l); err != nil {
		e.logger.Warn("释放时间窗锁失败", "slot_id", l.SlotID, "error", err)
	}
	p.mu.Lock()
	p.lock = nil
	p.mu.Unlock()
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
