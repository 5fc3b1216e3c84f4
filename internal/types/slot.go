package types

import "time"

// ImpactLevel 插单影响等级
type ImpactLevel int

const (
	ImpactNone ImpactLevel = iota
	ImpactLow
	ImpactMedium
	ImpactHigh
	ImpactCritical
)

func (l ImpactLevel) String() string {
	switch l {
	case ImpactNone:
		return "none"
	case ImpactLow:
		return "low"
	case ImpactMedium:
		return "medium"
	case ImpactHigh:
		return "high"
	case ImpactCritical:
		return "critical"
	}
	return "unknown"
}

// MarshalText 以名称形式输出影响等级
func (l ImpactLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText 解析影响等级名称
func (l *ImpactLevel) UnmarshalText(b []byte) error {
	for lv := ImpactNone; lv <= ImpactCritical; lv++ {
		if lv.String() == string(b) {
			*l = lv
			return nil
		}
	}
	*l = ImpactNone
	return nil
}

// ScoreBreakdown 插单时间窗的五因子评分，各因子越高越好
type ScoreBreakdown struct {
	CapacityFactor   float64 `json:"capacity_factor"`
	WorkerFactor     float64 `json:"worker_factor"`
	DeadlineFactor   float64 `json:"deadline_factor"`
	ImpactFactor     float64 `json:"impact_factor"`
	SwitchCostFactor float64 `json:"switch_cost_factor"`
	Total            float64 `json:"total"`
}

// AffectedPlan 受插单影响的已排任务
type AffectedPlan struct {
	TaskID        string    `json:"task_id"`
	OrderID       string    `json:"order_id"`
	LineID        string    `json:"line_id"`
	OriginalStart time.Time `json:"original_start"`
	OriginalEnd   time.Time `json:"original_end"`
	NewStart      time.Time `json:"new_start"`
	NewEnd        time.Time `json:"new_end"`
	DelayMinutes  float64   `json:"delay_minutes"`
	Direct        bool      `json:"direct"` // 与插入窗口直接重叠
	Depth         int       `json:"depth"`  // 级联深度，直接冲突为 0
	VIP           bool      `json:"vip"`
	CriticalRatio float64   `json:"critical_ratio"`
	WasCritical   bool      `json:"was_critical"` // 插单前 CR < 1
	BecomesLate   bool      `json:"becomes_late"` // 插单后超交期
}

// ChainImpactResult 链式影响分析结果
type ChainImpactResult struct {
	DirectTaskIDs     []string       `json:"direct_task_ids"`
	CascadeTaskIDs    []string       `json:"cascade_task_ids"`
	Affected          []AffectedPlan `json:"affected"`
	TotalAffected     int            `json:"total_affected"`
	MaxDelayMinutes   float64        `json:"max_delay_minutes"`
	AvgDelayMinutes   float64        `json:"avg_delay_minutes"`
	TotalDelayMinutes float64        `json:"total_delay_minutes"`
	HasVIP            bool           `json:"has_vip"`
	HasCritical       bool           `json:"has_critical"`
	HasNewLate        bool           `json:"has_new_late"`
	HorizonReached    bool           `json:"horizon_reached"`
	ImpactLevel       ImpactLevel    `json:"impact_level"`
	ImpactScore       float64        `json:"impact_score"` // 0..100
	RequiresApproval  bool           `json:"requires_approval"`
	ApprovalReasons   []string       `json:"approval_reasons,omitempty"`
}

// SlotState 插单时间窗的生命周期状态
type SlotState string

const (
	SlotCandidate SlotState = "CANDIDATE_GENERATED"
	SlotLocked    SlotState = "LOCKED"
	SlotCommitted SlotState = "COMMITTED"
	SlotCancelled SlotState = "CANCELLED"
	SlotExpired   SlotState = "EXPIRED"
)

// SlotLock 时间窗锁，锁的有效性由 now < ExpireAt 判定
type SlotLock struct {
	SlotID   string    `json:"slot_id"`
	LineID   string    `json:"line_id"`
	Window   TimeRange `json:"window"`
	LockedBy string    `json:"locked_by"`
	Token    string    `json:"token"`
	ExpireAt time.Time `json:"expire_at"`
}

// ValidAt 锁在给定时间点是否仍然有效
func (l SlotLock) ValidAt(now time.Time) bool {
	return now.Before(l.ExpireAt)
}

// InsertSlot 急单插入候选时间窗
type InsertSlot struct {
	ID                string            `json:"id"`
	LineID            string            `json:"line_id"`
	Start             time.Time         `json:"start"`
	End               time.Time         `json:"end"`
	ChangeoverMinutes float64           `json:"changeover_minutes"`
	ProductionMinutes float64           `json:"production_minutes"`
	AvailableCapacity float64           `json:"available_capacity"`
	AvailableWorkers  int               `json:"available_workers"`
	LateMinutes       float64           `json:"late_minutes"` // 急单自身完工晚于交期的分钟数
	Score             ScoreBreakdown    `json:"score"`
	Impact            ChainImpactResult `json:"impact"`
	State             SlotState         `json:"state"`
	Lock              *SlotLock         `json:"lock,omitempty"`
}

// Window 返回时间窗区间
func (s *InsertSlot) Window() TimeRange {
	return TimeRange{Start: s.Start, End: s.End}
}

// InsertResult 急单插入结果
type InsertResult struct {
	Success          bool               `json:"success"`
	ProposalID       string             `json:"proposal_id,omitempty"`
	Slot             *InsertSlot        `json:"slot,omitempty"`
	Alternatives     []InsertSlot       `json:"alternatives,omitempty"`
	InsertedTask     *ScheduleTask      `json:"inserted_task,omitempty"`
	ShiftedTasks     []ScheduleTask     `json:"shifted_tasks,omitempty"`
	NewConflicts     []ScheduleConflict `json:"new_conflicts,omitempty"`
	RequiresApproval bool               `json:"requires_approval"`
	Message          string             `json:"message"`
}
