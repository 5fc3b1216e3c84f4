// Package conflict 检测并尝试消解排程中的资源冲突
package conflict

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"food-aps/internal/types"
)

// 重叠时长阈值，决定基础严重程度
const (
	lowOverlap    = 15 * time.Minute
	mediumOverlap = 60 * time.Minute
)

// Options 冲突检测参数
type Options struct {
	MaterialThreshold float64 // 齐套率低于该值且未到货即视为物料不可用
}

// Detector 资源冲突检测器，只读，不修改任务
type Detector struct {
	opts   Options
	logger *slog.Logger
}

// NewDetector 创建冲突检测器
func NewDetector(opts Options, logger *slog.Logger) *Detector {
	return &Detector{opts: opts, logger: logger.With("component", "conflict_detector")}
}

// Detect 扫描任务集合中的资源冲突
// 订单和设备信息从快照读取，tasks 为待检查的任务 (通常是快照中的全部或受影响区域)
func (d *Detector) Detect(snap *types.Snapshot, tasks []types.ScheduleTask) []types.ScheduleConflict {
	var out []types.ScheduleConflict

	byLine := map[string][]*types.ScheduleTask{}
	byWorker := map[string][]*types.ScheduleTask{}
	byEquipment := map[string][]*types.ScheduleTask{}
	byMold := map[string][]*types.ScheduleTask{}
	for i := range tasks {
		t := &tasks[i]
		if t.Status == types.TaskCompleted {
			continue
		}
		byLine[t.LineID] = append(byLine[t.LineID], t)
		for _, w := range t.Workers {
			byWorker[w] = append(byWorker[w], t)
		}
		for _, e := range t.Equipment {
			byEquipment[e] = append(byEquipment[e], t)
		}
		for _, m := range t.Molds {
			byMold[m] = append(byMold[m], t)
		}
	}

	out = append(out, d.pairwise(snap, byLine, types.ConflictLineOverlap, "产线 %s 时间重叠")...)
	out = append(out, d.pairwise(snap, byWorker, types.ConflictWorkerShortage, "工人 %s 同时段被分配到两个任务")...)
	out = append(out, d.pairwise(snap, byEquipment, types.ConflictEquipment, "设备 %s 重复占用")...)
	out = append(out, d.pairwise(snap, byMold, types.ConflictMold, "模具 %s 重复占用")...)
	out = append(out, d.material(snap, tasks)...)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > 0 {
		d.logger.Info("检测到资源冲突", "count", len(out), "tasks", len(tasks))
	}
	return out
}

func (d *Detector) pairwise(snap *types.Snapshot, groups map[string][]*types.ScheduleTask, typ types.ConflictType, format string) []types.ScheduleConflict {
	var out []types.ScheduleConflict
	for resource, list := range groups {
		sort.Slice(list, func(i, j int) bool {
			if !list[i].Start.Equal(list[j].Start) {
				return list[i].Start.Before(list[j].Start)
			}
			return list[i].ID < list[j].ID
		})
		for i := 0; i < len(list); i++ {
			for j := i + 1; j < len(list); j++ {
				a, b := list[i], list[j]
				if !b.Start.Before(a.End) {
					break
				}
				if a.ID == b.ID {
					continue
				}
				overlap := a.Window().OverlapDuration(b.Window())
				if overlap <= 0 {
					continue
				}
				out = append(out, types.ScheduleConflict{
					ID:             conflictID(typ, resource, a.ID, b.ID),
					Type:           typ,
					ResourceID:     resource,
					TaskIDs:        []string{a.ID, b.ID},
					Severity:       Severity(overlap, snap.Now, a, b),
					OverlapMinutes: overlap.Minutes(),
					Description:    fmt.Sprintf(format, resource),
				})
			}
		}
	}
	return out
}

func (d *Detector) material(snap *types.Snapshot, tasks []types.ScheduleTask) []types.ScheduleConflict {
	var out []types.ScheduleConflict
	for i := range tasks {
		t := &tasks[i]
		if t.Status == types.TaskCompleted || t.Status == types.TaskInProgress {
			continue
		}
		for _, orderID := range t.OrderIDs() {
			o, ok := snap.Orders[orderID]
			if !ok || o.MaterialReadyRatio >= d.opts.MaterialThreshold {
				continue
			}
			if o.MaterialArrivalAt != nil && !t.Start.Before(*o.MaterialArrivalAt) {
				continue
			}
			// 无到货时间按最高基础等级处理
			wait, sevBase := time.Duration(0), mediumOverlap
			if o.MaterialArrivalAt != nil {
				wait = o.MaterialArrivalAt.Sub(t.Start)
				sevBase = wait
			}
			out = append(out, types.ScheduleConflict{
				ID:             conflictID(types.ConflictMaterialUnavailable, orderID, t.ID),
				Type:           types.ConflictMaterialUnavailable,
				ResourceID:     orderID,
				TaskIDs:        []string{t.ID},
				Severity:       Severity(sevBase, snap.Now, t),
				OverlapMinutes: wait.Minutes(),
				Description:    fmt.Sprintf("订单 %s 齐套率 %.0f%% 低于阈值，开工时物料未到", orderID, o.MaterialReadyRatio*100),
			})
		}
	}
	return out
}

// Severity 由重叠时长决定基础等级，涉及 VIP 或已落后 (CR<1) 的任务时上调一级
func Severity(overlap time.Duration, now time.Time, tasks ...*types.ScheduleTask) types.Severity {
	sev := types.SeverityHigh
	switch {
	case overlap < lowOverlap:
		sev = types.SeverityLow
	case overlap < mediumOverlap:
		sev = types.SeverityMedium
	}
	for _, t := range tasks {
		if t.VIP || (!t.Deadline.IsZero() && t.CriticalRatio(now) < 1) {
			sev++
			break
		}
	}
	if sev > types.SeverityCritical {
		sev = types.SeverityCritical
	}
	return sev
}

func conflictID(typ types.ConflictType, resource string, taskIDs ...string) string {
	return string(typ) + ":" + resource + ":" + strings.Join(taskIDs, "+")
}

// CountByType 按冲突类型计数
func CountByType(conflicts []types.ScheduleConflict, typ types.ConflictType) int {
	n := 0
	for _, c := range conflicts {
		if c.Type == typ {
			n++
		}
	}
	return n
}
