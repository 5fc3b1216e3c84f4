// Package sequence 对单条产线上的任务重新排序以减少累计换线时间
package sequence

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"food-aps/internal/schedule"
	"food-aps/internal/types"
)

// 排序策略
const (
	StrategyNearestNeighbor = "nearest_neighbor"
	StrategyDeadline        = "deadline"
)

// Result 排序结果
type Result struct {
	Tasks               []types.ScheduleTask `json:"tasks"`
	Strategy            string               `json:"strategy"`
	NaiveChangeover     float64              `json:"naive_changeover_minutes"` // 按交期顺序的累计换线时间
	OptimizedChangeover float64              `json:"optimized_changeover_minutes"`
}

// Optimizer 最近邻贪心排序器
// 这是启发式算法，只保证不劣于按交期排序的结果，不保证全局最优
type Optimizer struct {
	matrix  schedule.Changeover
	horizon time.Duration
	logger  *slog.Logger
}

// NewOptimizer 创建排序器
func NewOptimizer(matrix schedule.Changeover, horizon time.Duration, logger *slog.Logger) *Optimizer {
	return &Optimizer{matrix: matrix, horizon: horizon, logger: logger.With("component", "sequence_optimizer")}
}

// Optimize 对产线上的可调整任务重新排序并重排时间
// 不可调整的任务 (冻结、执行中、完工) 保持原时间；earliest 给出任务的最早开工时间 (可为空)
func (o *Optimizer) Optimize(line *types.ProductionLine, tasks []types.ScheduleTask, now time.Time, earliest map[string]time.Time) (Result, error) {
	var fixed, movable []types.ScheduleTask
	for _, t := range tasks {
		if t.LineID != line.ID {
			return Result{}, fmt.Errorf("task %s belongs to line %s, not %s", t.ID, t.LineID, line.ID)
		}
		if t.Movable() {
			movable = append(movable, t.Clone())
		} else {
			fixed = append(fixed, t.Clone())
		}
	}
	schedule.SortTasks(fixed)
	if len(movable) < 2 {
		out := append(fixed, movable...)
		schedule.SortTasks(out)
		renumber(out)
		return Result{Tasks: out, Strategy: StrategyDeadline}, nil
	}

	startCat := line.CurrentCategory
	if len(fixed) > 0 {
		startCat = types.CategoryBefore(fixed, fixed[len(fixed)-1].End, "", line.CurrentCategory)
	}
	deadlineOrder := byDeadline(movable)
	nnOrder := o.nearestNeighbor(line.ID, startCat, movable)

	cursor := earliestStart(movable, now)

	naive, err := o.retime(line, fixed, deadlineOrder, cursor, now, earliest)
	if err != nil {
		return Result{}, err
	}
	greedy, err := o.retime(line, fixed, nnOrder, cursor, now, earliest)
	if err != nil {
		return Result{}, err
	}

	res := Result{NaiveChangeover: totalChangeover(naive), OptimizedChangeover: totalChangeover(greedy)}
	if res.OptimizedChangeover <= res.NaiveChangeover && lateCount(greedy) <= lateCount(naive) {
		res.Tasks, res.Strategy = greedy, StrategyNearestNeighbor
	} else {
		res.Tasks, res.Strategy, res.OptimizedChangeover = naive, StrategyDeadline, res.NaiveChangeover
	}
	all := append(fixed, res.Tasks...)
	schedule.SortTasks(all)
	renumber(all)
	res.Tasks = all
	o.logger.Info("产线排序完成", "line_id", line.ID, "strategy", res.Strategy,
		"naive_changeover", res.NaiveChangeover, "optimized_changeover", res.OptimizedChangeover)
	return res, nil
}

// nearestNeighbor 每一步选择换线时间最短的任务，平手时交期早、ID 小者优先
func (o *Optimizer) nearestNeighbor(lineID, startCat string, tasks []types.ScheduleTask) []types.ScheduleTask {
	remaining := byDeadline(tasks)
	out := make([]types.ScheduleTask, 0, len(tasks))
	cur := startCat
	for len(remaining) > 0 {
		best := 0
		bestCost := o.matrix.Minutes(cur, remaining[0].ProductCategory, lineID)
		for i := 1; i < len(remaining); i++ {
			if c := o.matrix.Minutes(cur, remaining[i].ProductCategory, lineID); c < bestCost {
				best, bestCost = i, c
			}
		}
		out = append(out, remaining[best])
		cur = remaining[best].ProductCategory
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return out
}

// retime 按给定顺序从 cursor 开始依次落位，换线时间按实际前序品类重新计算
func (o *Optimizer) retime(line *types.ProductionLine, fixed, order []types.ScheduleTask, cursor, now time.Time, earliest map[string]time.Time) ([]types.ScheduleTask, error) {
	placed := append([]types.ScheduleTask(nil), fixed...)
	out := make([]types.ScheduleTask, 0, len(order))
	for _, t := range order {
		after := cursor
		if e, ok := earliest[t.ID]; ok && e.After(after) {
			after = e
		}
		p, ok := schedule.Place(line, placed, t.ID, t.ProductCategory, t.ProductionMinutes, o.matrix, after, now.Add(o.horizon), nil)
		if !ok {
			return nil, fmt.Errorf("task %s: no slot within horizon", t.ID)
		}
		moved := t.Clone()
		moved.Start, moved.End = p.Window.Start, p.Window.End
		moved.ChangeoverMinutes = p.ChangeoverMinutes
		out = append(out, moved)
		placed = append(placed, moved)
		schedule.SortTasks(placed)
		cursor = p.Window.End
	}
	return out, nil
}

func byDeadline(tasks []types.ScheduleTask) []types.ScheduleTask {
	out := append([]types.ScheduleTask(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func earliestStart(tasks []types.ScheduleTask, now time.Time) time.Time {
	first := time.Time{}
	for _, t := range tasks {
		if first.IsZero() || t.Start.Before(first) {
			first = t.Start
		}
	}
	if first.Before(now) {
		return now
	}
	return first
}

func totalChangeover(tasks []types.ScheduleTask) float64 {
	total := 0.0
	for _, t := range tasks {
		total += t.ChangeoverMinutes
	}
	return total
}

func lateCount(tasks []types.ScheduleTask) int {
	n := 0
	for i := range tasks {
		if tasks[i].IsLate() {
			n++
		}
	}
	return n
}

func renumber(tasks []types.ScheduleTask) {
	for i := range tasks {
		tasks[i].SequenceOrder = i + 1
	}
}
