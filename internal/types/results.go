package types

import "time"

// StrategyScores 六个策略的原始子评分，均位于 [0,1]
type StrategyScores struct {
	EarliestDeadline float64 `json:"earliest_deadline"`
	ShortestProcess  float64 `json:"shortest_process"`
	MinChangeover    float64 `json:"min_changeover"`
	CapacityMatch    float64 `json:"capacity_match"`
	MaterialReady    float64 `json:"material_ready"`
	UrgencyFirst     float64 `json:"urgency_first"`
}

// LineCandidate 订单与产线的候选配对，不持久化，按需重新计算
type LineCandidate struct {
	LineID            string         `json:"line_id"`
	TotalScore        float64        `json:"total_score"`
	Scores            StrategyScores `json:"scores"`
	EstimatedMinutes  float64        `json:"estimated_minutes"` // 纯生产时长
	ChangeoverMinutes float64        `json:"changeover_minutes"`
	AvailableWorkers  int            `json:"available_workers"`
	EarliestStart     time.Time      `json:"earliest_start"`
	EarliestEnd       time.Time      `json:"earliest_end"`
}

// Rejection 记录某条产线被排除的原因
type Rejection struct {
	LineID string `json:"line_id"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// 候选产线排除原因
const (
	RejectCategory   = "category_incompatible"
	RejectSkill      = "skill_insufficient"
	RejectMaterial   = "material_shortage"
	RejectCapacity   = "capacity_exceeded"
	RejectEquipment  = "equipment_missing"
	RejectRule       = "rule_rejected"
	RejectInactive   = "line_inactive"
	RejectNoSlot     = "no_slot_before_deadline"
	RejectReconciled = "slot_taken_during_reconcile"
)

// ConflictType 资源冲突类型
type ConflictType string

const (
	ConflictLineOverlap         ConflictType = "LINE_OVERLAP"
	ConflictWorkerShortage      ConflictType = "WORKER_SHORTAGE"
	ConflictEquipment           ConflictType = "EQUIPMENT_CONFLICT"
	ConflictMold                ConflictType = "MOLD_CONFLICT"
	ConflictMaterialUnavailable ConflictType = "MATERIAL_UNAVAILABLE"
)

// Severity 冲突严重程度
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// MarshalText 以名称形式输出严重程度
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText 解析严重程度名称
func (s *Severity) UnmarshalText(b []byte) error {
	switch string(b) {
	case "LOW":
		*s = SeverityLow
	case "MEDIUM":
		*s = SeverityMedium
	case "HIGH":
		*s = SeverityHigh
	case "CRITICAL":
		*s = SeverityCritical
	default:
		*s = 0
	}
	return nil
}

// ScheduleConflict 一条资源冲突
type ScheduleConflict struct {
	ID             string       `json:"id"`
	Type           ConflictType `json:"type"`
	ResourceID     string       `json:"resource_id"`
	TaskIDs        []string     `json:"task_ids"`
	Severity       Severity     `json:"severity"`
	OverlapMinutes float64      `json:"overlap_minutes"`
	Description    string       `json:"description"`
	Resolved       bool         `json:"resolved"`
}

// MixBatchGroup 可合并生产的订单组
type MixBatchGroup struct {
	ID                     string    `json:"id"`
	ProductCategory        string    `json:"product_category"`
	OrderIDs               []string  `json:"order_ids"`
	SuggestedLineID        string    `json:"suggested_line_id"`
	TotalQuantity          float64   `json:"total_quantity"`
	SavedChangeoverMinutes float64   `json:"saved_changeover_minutes"`
	EarliestDeadline       time.Time `json:"earliest_deadline"`
	LatestDeadline         time.Time `json:"latest_deadline"`
}

// WorkerAssignment 工人到产线的分配建议
type WorkerAssignment struct {
	WorkerID   string `json:"worker_id"`
	FromLineID string `json:"from_line_id,omitempty"`
	LineID     string `json:"line_id"`
	Date       string `json:"date"`
	Reason     string `json:"reason"`
}

// TransferSuggestion 跨线调岗建议
type TransferSuggestion struct {
	FromLineID             string   `json:"from_line_id"`
	ToLineID               string   `json:"to_line_id"`
	WorkerCount            int      `json:"worker_count"`
	WorkerIDs              []string `json:"worker_ids,omitempty"`
	ExpectedEfficiencyGain float64  `json:"expected_efficiency_gain"`
	Reason                 string   `json:"reason"`
}

// ScheduledOrder 批量排产结果中已排订单
type ScheduledOrder struct {
	OrderID string    `json:"order_id"`
	TaskID  string    `json:"task_id"`
	LineID  string    `json:"line_id"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	OnTime  bool      `json:"on_time"`
}

// UnscheduledOrder 未能排产的订单及原因
type UnscheduledOrder struct {
	OrderID string      `json:"order_id"`
	Reason  string      `json:"reason"`
	Detail  string      `json:"detail,omitempty"`
	Rejects []Rejection `json:"rejections,omitempty"`
}

// SchedulingResult 批量排产/重排的汇总结果
type SchedulingResult struct {
	ScheduledOrders       []ScheduledOrder   `json:"scheduled_orders"`
	UnscheduledOrders     []UnscheduledOrder `json:"unscheduled_orders"`
	Conflicts             []ScheduleConflict `json:"conflicts"`
	MixBatchOpportunities []MixBatchGroup    `json:"mix_batch_opportunities,omitempty"`
	TotalOrders           int                `json:"total_orders"`
	LineUtilization       float64            `json:"line_utilization"`
	WorkerUtilization     float64            `json:"worker_utilization"`
	OnTimeRate            float64            `json:"on_time_rate"`
	ElapsedMs             int64              `json:"elapsed_ms"`
	Cancelled             bool               `json:"cancelled"`
	Message               string             `json:"message"`
}
