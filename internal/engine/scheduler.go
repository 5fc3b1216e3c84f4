// Package engine 排产调度器：组合候选生成、冲突消解、排序、混批、人员调配和急单插入，
// 对外提供排产操作，并负责排程写回、预写日志和事件发布
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"food-aps/internal/candidate"
	"food-aps/internal/changeover"
	"food-aps/internal/conflict"
	"food-aps/internal/event"
	"food-aps/internal/feature"
	"food-aps/internal/metrics"
	"food-aps/internal/mixbatch"
	"food-aps/internal/persistence"
	"food-aps/internal/schedule"
	"food-aps/internal/sequence"
	"food-aps/internal/store"
	"food-aps/internal/strategy"
	"food-aps/internal/types"
	"food-aps/internal/urgent"
	"food-aps/internal/util"
	"food-aps/internal/worker"

	"github.com/google/uuid"
)

// Options 调度器参数
type Options struct {
	Horizon            time.Duration // 排产视野
	CapacityWindow     time.Duration // 剩余产能统计窗口
	MaterialThreshold  float64       // 齐套率阈值
	Parallelism        int           // 候选生成并发度
	MaxResolveAttempts int           // 一次冲突消解最多尝试的冲突数
	SweepInterval      time.Duration // 过期提案清理周期
	Rules              []candidate.Rule
	Scoring            strategy.Params
	MixBatch           mixbatch.Params
	Workers            worker.Options
	Urgent             urgent.Config
	AutoCommitOwner    string // 急单自动提交时使用的持有者标识
}

func (o *Options) applyDefaults() {
	if o.Horizon <= 0 {
		o.Horizon = 7 * 24 * time.Hour
	}
	if o.CapacityWindow <= 0 {
		o.CapacityWindow = 8 * time.Hour
	}
	if o.MaxResolveAttempts <= 0 {
		o.MaxResolveAttempts = 50
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.Urgent.Horizon <= 0 {
		o.Urgent.Horizon = o.Horizon
	}
	if o.Urgent.CapacityWindow <= 0 {
		o.Urgent.CapacityWindow = o.CapacityWindow
	}
	if o.AutoCommitOwner == "" {
		o.AutoCommitOwner = "aps-auto"
	}
}

// Deps 调度器依赖的外部组件，WAL、Bus、Features、Locks 可以为空
type Deps struct {
	Matrix   *changeover.Matrix
	Weights  *strategy.WeightSet
	Features feature.Provider
	Locks    urgent.LockStore
	WAL      *persistence.WAL
	Bus      *event.Bus
	Now      func() time.Time
}

// counters 运行统计
type counters struct {
	batches           atomic.Int64
	lastBatchMs       atomic.Int64
	urgentInserted    atomic.Int64
	conflictsDetected atomic.Int64
	conflictsResolved atomic.Int64
	ordersUnscheduled atomic.Int64
}

// Scheduler 排产调度器
// 主数据由 mu 保护；排程写入按产线加锁 (Board.LockLines)，跨线冲突消解持有全部产线锁
type Scheduler struct {
	board     *schedule.Board
	matrix    *changeover.Matrix
	weights   *strategy.WeightSet
	gen       *candidate.Generator
	detector  *conflict.Detector
	resolver  *conflict.Resolver
	mixer     *mixbatch.Analyzer
	sequencer *sequence.Optimizer
	allocator *worker.Allocator
	urgent    *urgent.Engine
	wal       *persistence.WAL
	bus       *event.Bus
	opts      Options
	now       func() time.Time
	logger    *slog.Logger

	mu        sync.RWMutex
	orders    map[string]*types.ProductionOrder
	lines     map[string]*types.ProductionLine
	workers   map[string]*types.ProductionWorker
	equipment map[string]*types.ProductionEquipment
	molds     map[string]*types.ProductionMold

	batchMu sync.Mutex // 批量排产与重排串行执行
	stats   counters
}

// NewScheduler 创建调度器并装配各个组件
func NewScheduler(deps Deps, opts Options, logger *slog.Logger) (*Scheduler, error) {
	opts.applyDefaults()
	if deps.Matrix == nil || deps.Weights == nil {
		return nil, fmt.Errorf("scheduler requires a changeover matrix and strategy weights")
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	scorer := strategy.NewWeightedScorer(deps.Matrix, opts.Scoring)
	gen, err := candidate.NewGenerator(scorer, deps.Weights, deps.Matrix, deps.Features, opts.Rules, candidate.Options{
		Horizon:           opts.Horizon,
		CapacityWindow:    opts.CapacityWindow,
		MaterialThreshold: opts.MaterialThreshold,
		Parallelism:       opts.Parallelism,
	}, logger)
	if err != nil {
		return nil, err
	}
	allocator := worker.NewAllocator(opts.Workers, logger)

	return &Scheduler{
		board:     schedule.NewBoard(),
		matrix:    deps.Matrix,
		weights:   deps.Weights,
		gen:       gen,
		detector:  conflict.NewDetector(conflict.Options{MaterialThreshold: opts.MaterialThreshold}, logger),
		resolver:  conflict.NewResolver(gen, deps.Matrix, allocator, opts.Horizon, logger),
		mixer:     mixbatch.NewAnalyzer(deps.Matrix, opts.MixBatch, opts.CapacityWindow, logger),
		sequencer: sequence.NewOptimizer(deps.Matrix, opts.Horizon, logger),
		allocator: allocator,
		urgent:    urgent.NewEngine(gen, deps.Matrix, deps.Locks, opts.Urgent, now, logger),
		wal:       deps.WAL,
		bus:       deps.Bus,
		opts:      opts,
		now:       now,
		logger:    logger.With("component", "scheduler"),
		orders:    make(map[string]*types.ProductionOrder),
		lines:     make(map[string]*types.ProductionLine),
		workers:   make(map[string]*types.ProductionWorker),
		equipment: make(map[string]*types.ProductionEquipment),
		molds:     make(map[string]*types.ProductionMold),
	}, nil
}

// Load 载入主数据，替换现有的产线、人员、设备和模具，订单按 ID 合并
// 数据中的换线记录写入换线矩阵
func (s *Scheduler) Load(ds *store.Dataset) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	orders := make(map[string]*types.ProductionOrder, len(ds.Orders))
	for _, o := range ds.Orders {
		if o.Status == "" {
			o.Status = types.OrderPending
		}
		if err := validateOrder(&o); err != nil {
			return err
		}
		orders[o.ID] = &o
	}
	for _, e := range ds.Changeover {
		if err := s.matrix.Set(e); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = make(map[string]*types.ProductionLine, len(ds.Lines))
	for _, l := range ds.Lines {
		s.lines[l.ID] = &l
	}
	s.workers = make(map[string]*types.ProductionWorker, len(ds.Workers))
	for _, w := range ds.Workers {
		s.workers[w.ID] = &w
	}
	s.equipment = make(map[string]*types.ProductionEquipment, len(ds.Equipment))
	for _, e := range ds.Equipment {
		s.equipment[e.ID] = &e
	}
	s.molds = make(map[string]*types.ProductionMold, len(ds.Molds))
	for _, m := range ds.Molds {
		s.molds[m.ID] = &m
	}
	for id, o := range orders {
		s.orders[id] = o
	}
	s.logger.Info("主数据已载入", "orders", len(ds.Orders), "lines", len(ds.Lines), "workers", len(ds.Workers),
		"equipment", len(ds.Equipment), "molds", len(ds.Molds), "changeover_entries", len(ds.Changeover))
	return nil
}

// AddOrder 新增待排产订单
func (s *Scheduler) AddOrder(o types.ProductionOrder) error {
	if err := validateOrder(&o); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, types.ErrDuplicateOrder)
	}
	o.Status = types.OrderPending
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	s.orders[o.ID] = &o
	s.logger.Info("接收到订单", "order_id", o.ID, "category", o.ProductCategory, "quantity", o.Quantity,
		"priority", o.PriorityTier, "urgent", o.Urgent)
	return nil
}

func validateOrder(o *types.ProductionOrder) error {
	switch {
	case o.ID == "":
		return fmt.Errorf("%w: missing id", types.ErrInvalidOrder)
	case o.ProductCategory == "":
		return fmt.Errorf("%w: order %s has no product category", types.ErrInvalidOrder, o.ID)
	case o.Quantity <= 0 || math.IsNaN(o.Quantity) || math.IsInf(o.Quantity, 0):
		return fmt.Errorf("%w: order %s quantity must be positive", types.ErrInvalidOrder, o.ID)
	case o.Deadline.IsZero():
		return fmt.Errorf("%w: order %s has no deadline", types.ErrInvalidOrder, o.ID)
	case o.MaterialReadyRatio < 0 || o.MaterialReadyRatio > 1:
		return fmt.Errorf("%w: order %s material ready ratio must lie in [0,1]", types.ErrInvalidOrder, o.ID)
	case o.PriorityTier < 0 || o.PriorityTier > types.MaxPriorityTier:
		return fmt.Errorf("%w: order %s priority tier must lie in [1,%d]", types.ErrInvalidOrder, o.ID, types.MaxPriorityTier)
	}
	if o.PriorityTier == 0 {
		o.PriorityTier = 1
	}
	return nil
}

// RecoverTasks 从 WAL 日志中恢复排程
// 在系统启动、载入主数据之后调用
func (s *Scheduler) RecoverTasks() error {
	if s.wal == nil {
		return nil
	}
	tasks, err := s.wal.Recover()
	if err != nil {
		return err
	}
	lines := map[string]bool{}
	for _, t := range tasks {
		s.board.Put(t)
		s.claim(t)
		lines[t.LineID] = true
	}
	for id := range lines {
		s.board.Renumber(id)
	}
	s.logger.Info("从 WAL 恢复排程", "tasks", len(tasks), "lines", len(lines))
	if err := s.wal.Compact(s.board.All()); err != nil {
		s.logger.Warn("压缩 WAL 失败", "error", err)
	}
	return nil
}

// Start 启动后台维护循环：定期让过期的插单提案进入 EXPIRED 并刷新产线占用率
// 阻塞直到 ctx 取消
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.urgent.Sweep(ctx); n > 0 {
				s.logger.Info("插单提案已过期", "count", n)
			}
			snap := s.snapshot()
			s.utilization(snap, snap.Now, snap.Now.Add(s.opts.Horizon))
		}
	}
}

// snapshot 复制当前主数据和排程，返回只读视图
func (s *Scheduler) snapshot() *types.Snapshot {
	return s.snapshotAt(time.Time{})
}

// snapshotAt 与 snapshot 相同，但 Now 不早于 floor
func (s *Scheduler) snapshotAt(floor time.Time) *types.Snapshot {
	now := s.now()
	if floor.After(now) {
		now = floor
	}
	snap := types.NewSnapshot(now)
	s.mu.RLock()
	for id, o := range s.orders {
		cp := *o
		snap.Orders[id] = &cp
	}
	for id, l := range s.lines {
		cp := *l
		snap.Lines[id] = &cp
	}
	for id, w := range s.workers {
		cp := *w
		snap.Workers[id] = &cp
	}
	for id, e := range s.equipment {
		cp := *e
		snap.Equipment[id] = &cp
	}
	for id, m := range s.molds {
		cp := *m
		snap.Molds[id] = &cp
	}
	s.mu.RUnlock()
	snap.Tasks = s.board.ByLine()
	return snap
}

func (s *Scheduler) lineIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.lines))
	for id := range s.lines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scheduler) order(id string) (*types.ProductionOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, types.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

// apply 写回任务变更：先移除 removed，再写入 put
// 同时维护订单状态和产线负荷、追加 WAL 并发布事件；调用方须持有相关产线的写锁
func (s *Scheduler) apply(ctx context.Context, put []types.ScheduleTask, removed []string) {
	traceID, _ := util.TraceIDFromContext(ctx)
	lines := map[string]bool{}
	var events []event.Event

	for _, id := range removed {
		t, ok := s.board.Remove(id)
		if !ok {
			continue
		}
		lines[t.LineID] = true
		s.release(t)
		if s.wal != nil {
			if err := s.wal.Remove(id); err != nil {
				s.logger.Error("写入 WAL 失败", "error", err, "task_id", id)
			}
		}
		events = append(events, event.Event{Type: event.TaskRemoved, TraceID: traceID, Task: &t})
	}

	typ := make(map[string]event.EventType, len(put))
	for _, t := range put {
		prev, existed := s.board.Get(t.ID)
		s.board.Put(t)
		lines[t.LineID] = true
		if existed {
			lines[prev.LineID] = true
			s.moveLoad(prev, t)
			typ[t.ID] = event.TaskShifted
		} else {
			s.claim(t)
			typ[t.ID] = event.TaskCommitted
		}
	}
	for id := range lines {
		s.board.Renumber(id)
	}

	for _, t := range put {
		cur, ok := s.board.Get(t.ID)
		if !ok {
			continue
		}
		if s.wal != nil {
			if err := s.wal.Append(cur); err != nil {
				// 排程已在内存中生效，WAL 写失败只记录错误，下次写入会带上最新状态
				s.logger.Error("写入 WAL 失败", "error", err, "task_id", cur.ID)
			}
		}
		events = append(events, event.Event{Type: typ[t.ID], TraceID: traceID, Task: &cur})
	}
	for _, e := range events {
		s.bus.Publish(e)
	}
}

// reserve 原子地把待排产订单标记为已排产
// 不同产线的写入方各自持有自己的产线锁，同一订单只有一个写入方能占用成功
func (s *Scheduler) reserve(orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, types.ErrNotFound)
	}
	if !o.IsPending() {
		return fmt.Errorf("order %s is %s: %w", orderID, o.Status, types.ErrOrderNotPending)
	}
	o.Status = types.OrderScheduled
	return nil
}

// unreserve 撤销 reserve，写入未发生时调用
func (s *Scheduler) unreserve(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[orderID]; ok && o.Status == types.OrderScheduled {
		o.Status = types.OrderPending
	}
}

// claim 任务写入后：订单标记为已排产，产线负荷增加
func (s *Scheduler) claim(t types.ScheduleTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range t.OrderIDs() {
		if o, ok := s.orders[id]; ok && o.IsPending() {
			o.Status = types.OrderScheduled
		}
	}
	if l, ok := s.lines[t.LineID]; ok {
		l.CurrentLoad += t.Quantity
	}
}

// release 任务移除后：订单回到待排产，产线负荷减少
func (s *Scheduler) release(t types.ScheduleTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range t.OrderIDs() {
		if o, ok := s.orders[id]; ok && o.Status == types.OrderScheduled {
			o.Status = types.OrderPending
		}
	}
	if l, ok := s.lines[t.LineID]; ok {
		l.CurrentLoad = math.Max(0, l.CurrentLoad-t.Quantity)
	}
}

func (s *Scheduler) moveLoad(prev, cur types.ScheduleTask) {
	if prev.LineID == cur.LineID && prev.Quantity == cur.Quantity {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lines[prev.LineID]; ok {
		l.CurrentLoad = math.Max(0, l.CurrentLoad-prev.Quantity)
	}
	if l, ok := s.lines[cur.LineID]; ok {
		l.CurrentLoad += cur.Quantity
	}
}

// newTask 由订单和落位结果生成任务 (未绑定资源)
func newTask(o *types.ProductionOrder, lineID string, p schedule.Placement) types.ScheduleTask {
	return types.ScheduleTask{
		ID:                 uuid.NewString(),
		OrderID:            o.ID,
		LineID:             lineID,
		ProductCategory:    o.ProductCategory,
		Quantity:           o.Quantity,
		Start:              p.Window.Start,
		End:                p.Window.End,
		ChangeoverMinutes:  p.ChangeoverMinutes,
		ProductionMinutes:  p.ProductionMinutes,
		Status:             types.TaskPlanned,
		Deadline:           o.Deadline,
		PriorityTier:       o.PriorityTier,
		Urgent:             o.Urgent,
		VIP:                o.VIP,
		RequiredSkillLevel: o.RequiredSkillLevel,
	}
}

// Tasks 返回当前排程中的全部任务，按产线、开始时间排序
func (s *Scheduler) Tasks() []types.ScheduleTask {
	return s.board.All()
}

// Task 按 ID 读取任务
func (s *Scheduler) Task(id string) (types.ScheduleTask, error) {
	t, ok := s.board.Get(id)
	if !ok {
		return types.ScheduleTask{}, fmt.Errorf("task %s: %w", id, types.ErrNotFound)
	}
	return t, nil
}

// Order 按 ID 读取订单副本
func (s *Scheduler) Order(id string) (types.ProductionOrder, error) {
	o, err := s.order(id)
	if err != nil {
		return types.ProductionOrder{}, err
	}
	return *o, nil
}

// Orders 返回全部订单副本，按 ID 排序
func (s *Scheduler) Orders() []types.ProductionOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ProductionOrder, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lines 返回全部产线副本，按 ID 排序
func (s *Scheduler) Lines() []types.ProductionLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.ProductionLine, 0, len(s.lines))
	for _, l := range s.lines {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// utilization 统计 [from, to) 内的产线和人员占用率，并刷新各产线的占用率指标
// 产线占用率 = Σ任务占用时长 / Σ运行时长；人员占用率 = Σ(任务人数 × 占用时长) / Σ(在岗人数 × 运行时长)
func (s *Scheduler) utilization(snap *types.Snapshot, from, to time.Time) (lineUtil, workerUtil float64) {
	window := types.TimeRange{Start: from, End: to}
	var busy, capacity, workerBusy, workerCapacity float64
	for _, id := range snap.LineIDs() {
		l := snap.Lines[id]
		if !l.Active {
			continue
		}
		operating := l.OperatingMinutes(from, to)
		lineBusy := 0.0
		for _, t := range snap.Tasks[id] {
			overlap := t.Window().OverlapDuration(window).Minutes()
			lineBusy += overlap
			workerBusy += overlap * float64(len(t.Workers))
		}
		busy += lineBusy
		capacity += operating
		workerCapacity += operating * float64(len(snap.LineWorkers(id)))
		if operating > 0 {
			metrics.LineUtilization.WithLabelValues(id).Set(math.Min(1, lineBusy/operating))
		}
	}
	if capacity > 0 {
		lineUtil = math.Min(1, busy/capacity)
	}
	if workerCapacity > 0 {
		workerUtil = math.Min(1, workerBusy/workerCapacity)
	}
	return lineUtil, workerUtil
}

// GetSchedulingStats 返回运行统计
func (s *Scheduler) GetSchedulingStats() map[string]any {
	snap := s.snapshot()
	lineUtil, workerUtil := s.utilization(snap, snap.Now, snap.Now.Add(s.opts.Horizon))
	pending, scheduled := 0, 0
	for _, o := range snap.Orders {
		switch {
		case o.IsPending():
			pending++
		case o.Status == types.OrderScheduled:
			scheduled++
		}
	}
	perLine := map[string]int{}
	for id, tasks := range snap.Tasks {
		perLine[id] = len(tasks)
	}
	return map[string]any{
		"total_tasks":        s.board.Len(),
		"tasks_per_line":     perLine,
		"pending_orders":     pending,
		"scheduled_orders":   scheduled,
		"batches":            s.stats.batches.Load(),
		"last_batch_ms":      s.stats.lastBatchMs.Load(),
		"urgent_inserted":    s.stats.urgentInserted.Load(),
		"conflicts_detected": s.stats.conflictsDetected.Load(),
		"conflicts_resolved": s.stats.conflictsResolved.Load(),
		"orders_unscheduled": s.stats.ordersUnscheduled.Load(),
		"line_utilization":   lineUtil,
		"worker_utilization": workerUtil,
		"weights":            s.weights.Get(),
	}
}
