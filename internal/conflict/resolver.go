package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"food-aps/internal/candidate"
	"food-aps/internal/schedule"
	"food-aps/internal/strategy"
	"food-aps/internal/types"
)

// maxSerializeAttempts 设备/模具串行化时最多顺延的次数
const maxSerializeAttempts = 10

// WorkerSource 为缺员任务寻找替补工人
type WorkerSource interface {
	FindReplacement(snap *types.Snapshot, lineID string, window types.TimeRange, minSkill int, exclude map[string]bool) (string, bool)
}

// Outcome 一次冲突消解的结果，Changed 为需要写回排程的任务
type Outcome struct {
	Resolved bool
	Changed  []types.ScheduleTask
	Note     string
}

// Resolver 局部冲突消解器
// 只计算调整方案，由调用方在持有产线写锁的情况下写回排程
type Resolver struct {
	gen     *candidate.Generator
	matrix  schedule.Changeover
	workers WorkerSource
	horizon time.Duration
	logger  *slog.Logger
}

// NewResolver 创建冲突消解器
func NewResolver(gen *candidate.Generator, matrix schedule.Changeover, workers WorkerSource, horizon time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		gen:     gen,
		matrix:  matrix,
		workers: workers,
		horizon: horizon,
		logger:  logger.With("component", "conflict_resolver"),
	}
}

// Resolve 尝试消解一条冲突，返回 Resolved=false 表示需要人工处理
func (r *Resolver) Resolve(ctx context.Context, snap *types.Snapshot, c types.ScheduleConflict) (Outcome, error) {
	tasks := make([]types.ScheduleTask, 0, len(c.TaskIDs))
	for _, id := range c.TaskIDs {
		t, ok := snap.FindTask(id)
		if !ok {
			return Outcome{}, fmt.Errorf("task %s: %w", id, types.ErrNotFound)
		}
		tasks = append(tasks, t)
	}

	var out Outcome
	switch c.Type {
	case types.ConflictLineOverlap:
		out = r.resolveLineOverlap(ctx, snap, tasks[0], tasks[1])
	case types.ConflictWorkerShortage:
		out = r.resolveWorker(snap, c.ResourceID, tasks[0], tasks[1])
	case types.ConflictEquipment:
		out = r.resolveShared(snap, c.ResourceID, tasks[0], tasks[1], false)
	case types.ConflictMold:
		out = r.resolveShared(snap, c.ResourceID, tasks[0], tasks[1], true)
	case types.ConflictMaterialUnavailable:
		out = r.resolveMaterial(snap, c.ResourceID, tasks[0])
	default:
		return Outcome{}, fmt.Errorf("unknown conflict type %s", c.Type)
	}
	r.logger.Info("冲突消解", "conflict_id", c.ID, "type", c.Type, "resolved", out.Resolved, "note", out.Note)
	return out, nil
}

// rank 返回 (胜者, 败者)，败者优先选择可调整的低优先级任务
func rank(a, b types.ScheduleTask) (types.ScheduleTask, types.ScheduleTask) {
	if a.Outranks(&b) {
		a, b = b, a
	}
	// 此时 a 为低优先级
	if !a.Movable() && b.Movable() {
		return a, b
	}
	return b, a
}

func (r *Resolver) resolveLineOverlap(ctx context.Context, snap *types.Snapshot, a, b types.ScheduleTask) Outcome {
	_, loser := rank(a, b)
	if !loser.Movable() {
		return Outcome{Note: "两个任务均不可调整"}
	}
	line := snap.Lines[loser.LineID]
	if line == nil {
		return Outcome{Note: "产线不存在"}
	}

	after := r.earliestStart(snap, loser)
	same, sameOK := schedule.Place(line, snap.Tasks[line.ID], loser.ID, loser.ProductCategory, loser.ProductionMinutes,
		r.matrix, after, snap.Now.Add(r.horizon), nil)
	sameLate := sameOK && !loser.Deadline.IsZero() && same.Window.End.After(loser.Deadline)

	// 同线顺延会延误时，重新生成候选寻找其他产线
	if (!sameOK || sameLate) && len(loser.MergedOrderIDs) == 0 {
		if o, ok := snap.Orders[loser.OrderID]; ok {
			cands, _ := r.gen.Generate(ctx, snap.Without(loser.ID), o)
			for _, cand := range cands {
				if cand.LineID == loser.LineID {
					continue
				}
				moved := r.retime(snap, loser, cand.LineID, types.TimeRange{Start: cand.EarliestStart, End: cand.EarliestEnd},
					cand.ChangeoverMinutes, cand.EstimatedMinutes, o)
				return Outcome{Resolved: true, Changed: []types.ScheduleTask{moved},
					Note: fmt.Sprintf("任务 %s 改排到产线 %s", loser.ID, cand.LineID)}
			}
		}
	}
	if !sameOK {
		return Outcome{Note: fmt.Sprintf("任务 %s 在视野内无可用时间窗", loser.ID)}
	}
	moved := r.retime(snap, loser, line.ID, same.Window, same.ChangeoverMinutes, loser.ProductionMinutes, snap.Orders[loser.OrderID])
	return Outcome{Resolved: true, Changed: []types.ScheduleTask{moved},
		Note: fmt.Sprintf("任务 %s 顺延到 %s", loser.ID, moved.Start.Format(time.RFC3339))}
}

func (r *Resolver) resolveWorker(snap *types.Snapshot, workerID string, a, b types.ScheduleTask) Outcome {
	_, loser := rank(a, b)
	exclude := map[string]bool{workerID: true}
	for _, w := range loser.Workers {
		exclude[w] = true
	}
	if r.workers != nil {
		if repl, ok := r.workers.FindReplacement(snap, loser.LineID, loser.Window(), loser.RequiredSkillLevel, exclude); ok {
			loser.Workers = replace(loser.Workers, workerID, repl)
			return Outcome{Resolved: true, Changed: []types.ScheduleTask{loser},
				Note: fmt.Sprintf("工人 %s 由 %s 替换", workerID, repl)}
		}
	}
	// 没有替补时，若去掉重复工人后仍满足最少人数则直接释放
	if line := snap.Lines[loser.LineID]; line != nil && len(loser.Workers)-1 >= line.MinWorkers {
		loser.Workers = replace(loser.Workers, workerID, "")
		return Outcome{Resolved: true, Changed: []types.ScheduleTask{loser},
			Note: fmt.Sprintf("任务 %s 释放工人 %s", loser.ID, workerID)}
	}
	return Outcome{Note: "无可调配的替补工人"}
}

func (r *Resolver) resolveShared(snap *types.Snapshot, resourceID string, a, b types.ScheduleTask, molds bool) Outcome {
	winner, loser := rank(a, b)

	// 借用同类型的空闲资源
	typ := resourceType(snap, resourceID, molds)
	if typ != "" {
		for _, id := range unitsOfType(snap, typ, loser.LineID, molds) {
			if id == resourceID || snap.ResourceBusy(id, loser.Window(), loser.ID, molds) {
				continue
			}
			if molds {
				loser.Molds = replace(loser.Molds, resourceID, id)
			} else {
				loser.Equipment = replace(loser.Equipment, resourceID, id)
			}
			return Outcome{Resolved: true, Changed: []types.ScheduleTask{loser},
				Note: fmt.Sprintf("借用 %s 替代 %s", id, resourceID)}
		}
	}

	if !loser.Movable() {
		return Outcome{Note: "无空闲同类资源且任务不可调整"}
	}
	line := snap.Lines[loser.LineID]
	if line == nil {
		return Outcome{Note: "产线不存在"}
	}
	// 串行化：在共享资源释放后再开工
	after := winner.End
	if start := r.earliestStart(snap, loser); start.After(after) {
		after = start
	}
	horizonEnd := snap.Now.Add(r.horizon)
	for i := 0; i < maxSerializeAttempts; i++ {
		p, ok := schedule.Place(line, snap.Tasks[line.ID], loser.ID, loser.ProductCategory, loser.ProductionMinutes, r.matrix, after, horizonEnd, nil)
		if !ok {
			break
		}
		until := busyUntil(snap, resourceID, p.Window, loser.ID, molds)
		if until.IsZero() {
			moved := loser
			moved.Start, moved.End = p.Window.Start, p.Window.End
			moved.ChangeoverMinutes = p.ChangeoverMinutes
			return Outcome{Resolved: true, Changed: []types.ScheduleTask{moved},
				Note: fmt.Sprintf("任务 %s 串行化到 %s", loser.ID, moved.Start.Format(time.RFC3339))}
		}
		after = until
	}
	return Outcome{Note: "共享资源在视野内无空闲时段"}
}

func (r *Resolver) resolveMaterial(snap *types.Snapshot, orderID string, t types.ScheduleTask) Outcome {
	o, ok := snap.Orders[orderID]
	if !ok || o.MaterialArrivalAt == nil {
		return Outcome{Note: "物料无预计到货时间，需人工处理"}
	}
	if !t.Movable() {
		return Outcome{Note: "任务不可调整"}
	}
	line := snap.Lines[t.LineID]
	if line == nil {
		return Outcome{Note: "产线不存在"}
	}
	p, ok := schedule.Place(line, snap.Tasks[line.ID], t.ID, t.ProductCategory, t.ProductionMinutes, r.matrix,
		*o.MaterialArrivalAt, snap.Now.Add(r.horizon), nil)
	if !ok || (!t.Deadline.IsZero() && p.Window.End.After(t.Deadline)) {
		return Outcome{Note: "推迟到物料到货后将超过交期"}
	}
	moved := r.retime(snap, t, line.ID, p.Window, p.ChangeoverMinutes, t.ProductionMinutes, o)
	return Outcome{Resolved: true, Changed: []types.ScheduleTask{moved},
		Note: fmt.Sprintf("任务 %s 推迟到物料到货 %s", t.ID, moved.Start.Format(time.RFC3339))}
}

func (r *Resolver) earliestStart(snap *types.Snapshot, t types.ScheduleTask) time.Time {
	after := snap.Now
	if o, ok := snap.Orders[t.OrderID]; ok {
		after = r.gen.EarliestStart(o, snap.Now)
	}
	return after
}

// retime 把任务放到新的产线/时间窗并重新绑定资源
func (r *Resolver) retime(snap *types.Snapshot, t types.ScheduleTask, lineID string, window types.TimeRange,
	changeoverMinutes, productionMinutes float64, o *types.ProductionOrder) types.ScheduleTask {
	moved := t.Clone()
	moved.LineID = lineID
	moved.Start, moved.End = window.Start, window.End
	moved.ChangeoverMinutes = changeoverMinutes
	moved.ProductionMinutes = productionMinutes
	if productionMinutes <= 0 {
		if l, ok := snap.Lines[lineID]; ok && o != nil {
			moved.ProductionMinutes = strategy.EstimateProductionMinutes(o, l)
		}
	}
	var equipTypes, moldTypes []string
	if o != nil {
		equipTypes, moldTypes = o.RequiredEquipment, o.RequiredMolds
	}
	schedule.BindResources(snap.Without(t.ID), &moved, equipTypes, moldTypes)
	return moved
}

func replace(ids []string, old, repl string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		switch {
		case id != old:
			out = append(out, id)
		case repl != "":
			out = append(out, repl)
		}
	}
	return out
}

func resourceType(snap *types.Snapshot, id string, molds bool) string {
	if molds {
		if m, ok := snap.Molds[id]; ok {
			return m.Type
		}
		return ""
	}
	if e, ok := snap.Equipment[id]; ok {
		return e.Type
	}
	return ""
}

func unitsOfType(snap *types.Snapshot, typ, lineID string, molds bool) []string {
	var ids []string
	if molds {
		for _, m := range snap.MoldsOfType(typ, lineID) {
			ids = append(ids, m.ID)
		}
		return ids
	}
	for _, e := range snap.EquipmentOfType(typ, lineID) {
		ids = append(ids, e.ID)
	}
	return ids
}

// busyUntil 返回资源在 window 内被其他任务占用的最晚结束时间，未占用返回零值
func busyUntil(snap *types.Snapshot, resourceID string, window types.TimeRange, excludeTaskID string, molds bool) time.Time {
	var until time.Time
	for _, tasks := range snap.Tasks {
		for _, t := range tasks {
			if t.ID == excludeTaskID || !t.Window().Overlaps(window) {
				continue
			}
			ids := t.Equipment
			if molds {
				ids = t.Molds
			}
			for _, id := range ids {
				if id == resourceID && t.End.After(until) {
					until = t.End
				}
			}
		}
	}
	return until
}
