package urgent

import (
	"fmt"
	"math"
	"time"

	"food-aps/internal/schedule"
	"food-aps/internal/types"
)

// 审批原因中由调用方判断的两类
const (
	ReasonHorizonReached = "视野内无法完全顺延"
	ReasonOrderLate      = "急单本身将超出交期"
)

// ImpactParams 链式影响分析参数
type ImpactParams struct {
	MaxDepth         int     `mapstructure:"max_cascade_depth"`  // 级联传播最大深度
	DelayNormMinutes float64 `mapstructure:"delay_norm_minutes"` // 总延误归一化基准
	AffectedNorm     float64 `mapstructure:"affected_norm"`      // 受影响计划数归一化基准
}

// DefaultImpactParams 默认影响分析参数
func DefaultImpactParams() ImpactParams {
	return ImpactParams{MaxDepth: 50, DelayNormMinutes: 240, AffectedNorm: 10}
}

// chainNode 延误图中的节点：链上的任务下标与其深度
type chainNode struct {
	idx   int
	depth int
}

// analyzeImpact 计算在 insert 区间插入 category 任务后同产线下游任务的顺延
// 延误图的边为 任务 -> 紧随其后的可调整任务，沿边广度优先传播，
// 直到某个任务的空闲时间吸收了延误、到达最大深度或超出排产视野
// 返回影响结果和顺延后的任务副本
func analyzeImpact(line *types.ProductionLine, lineTasks []types.ScheduleTask, insert types.TimeRange, category string,
	co schedule.Changeover, now, horizonEnd time.Time, params ImpactParams) (types.ChainImpactResult, []types.ScheduleTask) {
	var chain []types.ScheduleTask
	fixed := []types.TimeRange{insert}
	for _, t := range lineTasks {
		switch {
		case !t.Movable():
			fixed = append(fixed, t.Window())
		case !t.Start.Before(insert.Start):
			chain = append(chain, t)
		}
	}

	res := types.ChainImpactResult{}
	var shifted []types.ScheduleTask
	if len(chain) > 0 {
		cursor, prevCat := insert.End, category
		queue := []chainNode{{idx: 0, depth: 0}}
		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			if n.depth >= params.MaxDepth {
				res.HorizonReached = true
				break
			}
			t := chain[n.idx]
			coMin := co.Minutes(prevCat, t.ProductCategory, line.ID)
			dur := schedule.Minutes(coMin + t.ProductionMinutes)
			after := t.Start
			if cursor.After(after) {
				after = cursor
			}
			if !after.After(t.Start) && !t.Start.Add(dur).After(t.End) {
				break // 空闲时间吸收了延误
			}
			win, ok := schedule.FindSlot(line, fixed, after, dur, horizonEnd)
			if !ok {
				res.HorizonReached = true
				break
			}

			moved := t.Clone()
			moved.Start, moved.End = win.Start, win.End
			moved.ChangeoverMinutes = coMin
			shifted = append(shifted, moved)

			origCR := t.CriticalRatio(now)
			newCR := moved.CriticalRatio(now)
			res.Affected = append(res.Affected, types.AffectedPlan{
				TaskID:        t.ID,
				OrderID:       t.OrderID,
				LineID:        t.LineID,
				OriginalStart: t.Start,
				OriginalEnd:   t.End,
				NewStart:      win.Start,
				NewEnd:        win.End,
				DelayMinutes:  math.Max(0, win.End.Sub(t.End).Minutes()),
				Direct:        t.Window().Overlaps(insert),
				Depth:         n.depth,
				VIP:           t.VIP,
				CriticalRatio: newCR,
				WasCritical:   origCR < 1,
				BecomesLate:   moved.IsLate() && !t.IsLate(),
			})

			cursor, prevCat = win.End, t.ProductCategory
			if n.idx+1 < len(chain) {
				queue = append(queue, chainNode{idx: n.idx + 1, depth: n.depth + 1})
			}
		}
	}
	summarize(&res, params)
	return res, shifted
}

// summarize 汇总延误、分级并判断是否需要人工审批
func summarize(res *types.ChainImpactResult, params ImpactParams) {
	becomesCritical := false
	for _, a := range res.Affected {
		res.TotalAffected++
		res.TotalDelayMinutes += a.DelayMinutes
		res.MaxDelayMinutes = math.Max(res.MaxDelayMinutes, a.DelayMinutes)
		if a.Direct {
			res.DirectTaskIDs = append(res.DirectTaskIDs, a.TaskID)
		} else {
			res.CascadeTaskIDs = append(res.CascadeTaskIDs, a.TaskID)
		}
		res.HasVIP = res.HasVIP || a.VIP
		res.HasCritical = res.HasCritical || a.WasCritical || a.CriticalRatio < 1
		res.HasNewLate = res.HasNewLate || a.BecomesLate
		becomesCritical = becomesCritical || (!a.WasCritical && a.CriticalRatio < 1)
	}
	if res.TotalAffected > 0 {
		res.AvgDelayMinutes = res.TotalDelayMinutes / float64(res.TotalAffected)
	}

	delayPart := math.Min(1, res.TotalDelayMinutes/params.DelayNormMinutes)
	countPart := math.Min(1, float64(res.TotalAffected)/params.AffectedNorm)
	res.ImpactScore = 100 * (0.5*delayPart + 0.5*countPart)
	res.ImpactLevel = classify(res.TotalAffected, res.MaxDelayMinutes)
	if res.HasCritical && res.ImpactLevel < types.ImpactHigh {
		res.ImpactLevel = types.ImpactHigh
	}

	if res.ImpactLevel >= types.ImpactHigh {
		res.ApprovalReasons = append(res.ApprovalReasons, fmt.Sprintf("影响等级为 %s", res.ImpactLevel))
	}
	if res.HasVIP {
		res.ApprovalReasons = append(res.ApprovalReasons, "影响 VIP 客户订单")
	}
	if res.HasNewLate {
		res.ApprovalReasons = append(res.ApprovalReasons, "有计划将超出交期")
	}
	if becomesCritical {
		res.ApprovalReasons = append(res.ApprovalReasons, "有计划变为临界 (CR < 1)")
	}
	if res.HorizonReached {
		res.ApprovalReasons = append(res.ApprovalReasons, ReasonHorizonReached)
	}
	res.RequiresApproval = len(res.ApprovalReasons) > 0
}

// classify 按受影响计划数和最大延误分级
func classify(affected int, maxDelay float64) types.ImpactLevel {
	switch {
	case affected == 0:
		return types.ImpactNone
	case affected <= 2 && maxDelay <= 30:
		return types.ImpactLow
	case affected <= 5 && maxDelay <= 60:
		return types.ImpactMedium
	case affected <= 10 && maxDelay <= 120:
		return types.ImpactHigh
	}
	return types.ImpactCritical
}
