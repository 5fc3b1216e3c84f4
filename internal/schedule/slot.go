package schedule

import (
	"math"
	"time"

	"food-aps/internal/types"
)

// Changeover 换线时间查询
type Changeover interface {
	Minutes(from, to, lineID string) float64
}

// Placement 任务在产线上的落位结果
type Placement struct {
	Window            types.TimeRange
	ChangeoverMinutes float64
	ProductionMinutes float64
	PrevCategory      string
}

// Minutes 将分钟数转换为时长，精确到秒
func Minutes(m float64) time.Duration {
	return time.Duration(math.Round(m*60)) * time.Second
}

// Windows 提取任务占用区间
func Windows(tasks []types.ScheduleTask, excludeTaskID string) []types.TimeRange {
	out := make([]types.TimeRange, 0, len(tasks))
	for _, t := range tasks {
		if t.ID == excludeTaskID {
			continue
		}
		out = append(out, t.Window())
	}
	return out
}

// FindSlot 在产线日历内寻找 after 之后最早能容纳 dur 且不与 busy 重叠的区间
func FindSlot(line *types.ProductionLine, busy []types.TimeRange, after time.Time, dur time.Duration, horizonEnd time.Time) (types.TimeRange, bool) {
	for _, w := range line.OperatingWindows(after, horizonEnd) {
		cursor := w.Start
		for {
			cand := types.TimeRange{Start: cursor, End: cursor.Add(dur)}
			if cand.End.After(w.End) {
				break
			}
			moved := false
			for _, b := range busy {
				if b.Overlaps(cand) && b.End.After(cursor) {
					cursor = b.End
					moved = true
				}
			}
			if !moved {
				return cand, true
			}
		}
	}
	return types.TimeRange{}, false
}

// Place 为一个品类/生产时长在产线上找到最早落位
// 换线时间取决于落位之前最后生产的品类，落位变化时重新计算
func Place(line *types.ProductionLine, lineTasks []types.ScheduleTask, excludeTaskID, category string, productionMinutes float64,
	co Changeover, after, horizonEnd time.Time, extraBusy []types.TimeRange) (Placement, bool) {
	busy := append(Windows(lineTasks, excludeTaskID), extraBusy...)
	cursor := after
	for attempt := 0; attempt < 4; attempt++ {
		prev := types.CategoryBefore(lineTasks, cursor, excludeTaskID, line.CurrentCategory)
		coMin := co.Minutes(prev, category, line.ID)
		slot, ok := FindSlot(line, busy, cursor, Minutes(coMin+productionMinutes), horizonEnd)
		if !ok {
			return Placement{}, false
		}
		actual := types.CategoryBefore(lineTasks, slot.Start, excludeTaskID, line.CurrentCategory)
		if actual == prev || attempt == 3 {
			return Placement{Window: slot, ChangeoverMinutes: coMin, ProductionMinutes: productionMinutes, PrevCategory: prev}, true
		}
		cursor = slot.Start
	}
	return Placement{}, false
}
