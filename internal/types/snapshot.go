package types

import (
	"sort"
	"time"
)

// Snapshot 某一时刻的只读排产视图
// 候选生成和评分只读取快照，可以安全地并发执行
type Snapshot struct {
	Now       time.Time
	Orders    map[string]*ProductionOrder
	Lines     map[string]*ProductionLine
	Workers   map[string]*ProductionWorker
	Equipment map[string]*ProductionEquipment
	Molds     map[string]*ProductionMold
	Tasks     map[string][]ScheduleTask // 按产线分组，按开始时间排序
}

// NewSnapshot 创建空快照
func NewSnapshot(now time.Time) *Snapshot {
	return &Snapshot{
		Now:       now,
		Orders:    make(map[string]*ProductionOrder),
		Lines:     make(map[string]*ProductionLine),
		Workers:   make(map[string]*ProductionWorker),
		Equipment: make(map[string]*ProductionEquipment),
		Molds:     make(map[string]*ProductionMold),
		Tasks:     make(map[string][]ScheduleTask),
	}
}

// LineIDs 返回排序后的产线 ID 列表
func (s *Snapshot) LineIDs() []string {
	ids := make([]string, 0, len(s.Lines))
	for id := range s.Lines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LineWorkers 返回归属某产线的在岗工人，按 ID 排序
func (s *Snapshot) LineWorkers(lineID string) []*ProductionWorker {
	var out []*ProductionWorker
	for _, w := range s.Workers {
		if w.Active && w.LineID == lineID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllTasks 返回所有任务，按产线和开始时间排序
func (s *Snapshot) AllTasks() []ScheduleTask {
	var out []ScheduleTask
	for _, id := range s.sortedTaskLines() {
		out = append(out, s.Tasks[id]...)
	}
	return out
}

func (s *Snapshot) sortedTaskLines() []string {
	ids := make([]string, 0, len(s.Tasks))
	for id := range s.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BusyWorkers 返回在给定区间内已被其他任务占用的工人集合
func (s *Snapshot) BusyWorkers(window TimeRange, excludeTaskID string) map[string]bool {
	busy := map[string]bool{}
	for _, tasks := range s.Tasks {
		for _, t := range tasks {
			if t.ID == excludeTaskID || !t.Window().Overlaps(window) {
				continue
			}
			for _, w := range t.Workers {
				busy[w] = true
			}
		}
	}
	return busy
}

// EquipmentOfType 返回指定类型的可用设备，本线优先，其次 ID 字典序
func (s *Snapshot) EquipmentOfType(typ, lineID string) []*ProductionEquipment {
	var out []*ProductionEquipment
	for _, e := range s.Equipment {
		if e.Active && e.Type == typ && (e.LineID == lineID || e.Shared) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].LineID == lineID) != (out[j].LineID == lineID) {
			return out[i].LineID == lineID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// MoldsOfType 返回指定类型的可用模具，本线优先
func (s *Snapshot) MoldsOfType(typ, lineID string) []*ProductionMold {
	var out []*ProductionMold
	for _, m := range s.Molds {
		if m.Active && m.Type == typ && (m.LineID == lineID || m.Shared) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].LineID == lineID) != (out[j].LineID == lineID) {
			return out[i].LineID == lineID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ResourceBusy 判断设备/模具在区间内是否被其他任务占用
func (s *Snapshot) ResourceBusy(resourceID string, window TimeRange, excludeTaskID string, molds bool) bool {
	for _, tasks := range s.Tasks {
		for _, t := range tasks {
			if t.ID == excludeTaskID || !t.Window().Overlaps(window) {
				continue
			}
			ids := t.Equipment
			if molds {
				ids = t.Molds
			}
			for _, id := range ids {
				if id == resourceID {
					return true
				}
			}
		}
	}
	return false
}

// CategoryBefore 返回产线在 at 时刻之前最后生产的品类
func (s *Snapshot) CategoryBefore(lineID string, at time.Time, excludeTaskID string) string {
	return CategoryBefore(s.Tasks[lineID], at, excludeTaskID, s.lineCategory(lineID))
}

func (s *Snapshot) lineCategory(lineID string) string {
	if l, ok := s.Lines[lineID]; ok {
		return l.CurrentCategory
	}
	return ""
}

// CategoryBefore 在按开始时间排序的任务列表中查找 at 之前结束的最后一个任务的品类
func CategoryBefore(tasks []ScheduleTask, at time.Time, excludeTaskID, fallback string) string {
	cat := fallback
	var latest time.Time
	for _, t := range tasks {
		if t.ID == excludeTaskID || t.End.After(at) {
			continue
		}
		if latest.IsZero() || !t.End.Before(latest) {
			latest = t.End
			cat = t.ProductCategory
		}
	}
	return cat
}

// FindTask 按 ID 查找任务
func (s *Snapshot) FindTask(id string) (ScheduleTask, bool) {
	for _, tasks := range s.Tasks {
		for _, t := range tasks {
			if t.ID == id {
				return t, true
			}
		}
	}
	return ScheduleTask{}, false
}

// Without 返回去掉指定任务后的快照，实体映射共享，任务切片重建
func (s *Snapshot) Without(taskIDs ...string) *Snapshot {
	drop := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		drop[id] = true
	}
	cp := *s
	cp.Tasks = make(map[string][]ScheduleTask, len(s.Tasks))
	for lineID, tasks := range s.Tasks {
		kept := make([]ScheduleTask, 0, len(tasks))
		for _, t := range tasks {
			if !drop[t.ID] {
				kept = append(kept, t)
			}
		}
		cp.Tasks[lineID] = kept
	}
	return &cp
}

// Upsert 写入任务 (同 ID 先移除)，保持产线内按开始时间排序
func (s *Snapshot) Upsert(t ScheduleTask) {
	for lineID, tasks := range s.Tasks {
		for i := range tasks {
			if tasks[i].ID == t.ID {
				s.Tasks[lineID] = append(tasks[:i:i], tasks[i+1:]...)
				break
			}
		}
	}
	line := append(s.Tasks[t.LineID], t)
	sort.Slice(line, func(i, j int) bool {
		if !line[i].Start.Equal(line[j].Start) {
			return line[i].Start.Before(line[j].Start)
		}
		return line[i].ID < line[j].ID
	})
	s.Tasks[t.LineID] = line
}
