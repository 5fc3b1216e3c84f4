package types

import "time"

// TaskStatus 排程任务状态
type TaskStatus string

const (
	TaskPlanned    TaskStatus = "PLANNED"     // 已计划，可被调整
	TaskFrozen     TaskStatus = "FROZEN"      // 已确认下达，不再自动调整
	TaskInProgress TaskStatus = "IN_PROGRESS" // 执行中
	TaskCompleted  TaskStatus = "COMPLETED"   // 已完工
)

// ScheduleTask 已提交的排程任务，归属于其所在产线
// 时间区间 [Start, End) 包含开头的换线时间
type ScheduleTask struct {
	ID                string     `json:"id"`
	OrderID           string     `json:"order_id"`
	MergedOrderIDs    []string   `json:"merged_order_ids,omitempty"` // 混批任务包含的全部订单
	LineID            string     `json:"line_id"`
	ProductCategory   string     `json:"product_category"`
	Quantity          float64    `json:"quantity"`
	Start             time.Time  `json:"start"`
	End               time.Time  `json:"end"`
	ChangeoverMinutes float64    `json:"changeover_minutes"`
	ProductionMinutes float64    `json:"production_minutes"`
	Workers           []string   `json:"workers,omitempty"`   // 分配的工人 ID
	Equipment         []string   `json:"equipment,omitempty"` // 绑定的设备 ID
	Molds             []string   `json:"molds,omitempty"`     // 绑定的模具 ID
	SequenceOrder     int        `json:"sequence_order"`      // 产线内序号，从 1 开始
	Status            TaskStatus `json:"status"`
	// 以下字段从订单复制，便于冲突和影响分析
	Deadline           time.Time `json:"deadline"`
	PriorityTier       int       `json:"priority_tier"`
	Urgent             bool      `json:"urgent"`
	VIP                bool      `json:"vip"`
	RequiredSkillLevel int       `json:"required_skill_level"`
}

// Window 返回任务占用的时间区间
func (t *ScheduleTask) Window() TimeRange {
	return TimeRange{Start: t.Start, End: t.End}
}

// Movable 只有已计划状态的任务可以被自动调整
func (t *ScheduleTask) Movable() bool {
	return t.Status == "" || t.Status == TaskPlanned
}

// Duration 返回任务总时长
func (t *ScheduleTask) Duration() time.Duration {
	return t.End.Sub(t.Start)
}

// IsLate 任务结束时间是否超过交期
func (t *ScheduleTask) IsLate() bool {
	return !t.Deadline.IsZero() && t.End.After(t.Deadline)
}

// CriticalRatio 计算临界比 CR = 距交期剩余时间 / 剩余工作时间，CR < 1 表示已落后
func (t *ScheduleTask) CriticalRatio(now time.Time) float64 {
	work := t.End.Sub(t.Start)
	if now.After(t.Start) {
		work = t.End.Sub(now)
	}
	if work <= 0 {
		return 1e9
	}
	return t.Deadline.Sub(now).Minutes() / work.Minutes()
}

// OrderIDs 返回任务覆盖的全部订单
func (t *ScheduleTask) OrderIDs() []string {
	if len(t.MergedOrderIDs) > 0 {
		return t.MergedOrderIDs
	}
	return []string{t.OrderID}
}

// HasOrder 任务是否覆盖该订单
func (t *ScheduleTask) HasOrder(orderID string) bool {
	for _, id := range t.OrderIDs() {
		if id == orderID {
			return true
		}
	}
	return false
}

// Clone 返回任务的深拷贝
func (t ScheduleTask) Clone() ScheduleTask {
	t.MergedOrderIDs = append([]string(nil), t.MergedOrderIDs...)
	t.Workers = append([]string(nil), t.Workers...)
	t.Equipment = append([]string(nil), t.Equipment...)
	t.Molds = append([]string(nil), t.Molds...)
	return t
}

// Outranks 判断任务 t 的优先级是否高于 other
// 顺序：急单 > VIP > 优先级档位 > 开始时间早 > ID 字典序
func (t *ScheduleTask) Outranks(other *ScheduleTask) bool {
	if t.Urgent != other.Urgent {
		return t.Urgent
	}
	if t.VIP != other.VIP {
		return t.VIP
	}
	if t.PriorityTier != other.PriorityTier {
		return t.PriorityTier > other.PriorityTier
	}
	if !t.Start.Equal(other.Start) {
		return t.Start.Before(other.Start)
	}
	return t.ID < other.ID
}
