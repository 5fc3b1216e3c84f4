package types

import "time"

// OrderStatus 定义生产订单状态
type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"     // 待排产
	OrderScheduled  OrderStatus = "SCHEDULED"   // 已排产
	OrderInProgress OrderStatus = "IN_PROGRESS" // 生产中
	OrderCompleted  OrderStatus = "COMPLETED"   // 已完工
	OrderCancelled  OrderStatus = "CANCELLED"   // 已取消
)

// MaxPriorityTier 订单优先级档位上限，档位范围 1..MaxPriorityTier，数值越大越紧急
const MaxPriorityTier = 5

// ProductionOrder 表示一个生产订单
// 订单一旦排产即视为不可变，只有重排和插单流程可以改变其排程
type ProductionOrder struct {
	ID                 string      `json:"id" yaml:"id"`
	OrderNo            string      `json:"order_no,omitempty" yaml:"order_no"`
	CustomerID         string      `json:"customer_id,omitempty" yaml:"customer_id"`
	VIP                bool        `json:"vip" yaml:"vip"`                                         // 是否为 VIP 客户订单
	ProductCategory    string      `json:"product_category" yaml:"product_category"`               // 产品大类，决定换线时间
	ProductVariant     string      `json:"product_variant,omitempty" yaml:"product_variant"`       // 产品子规格，混批时可能需要小换型
	Quantity           float64     `json:"quantity" yaml:"quantity"`                               // 生产数量 (件/公斤)
	Deadline           time.Time   `json:"deadline" yaml:"deadline"`                               // 交期
	RequiredSkillLevel int         `json:"required_skill_level" yaml:"required_skill_level"`       // 所需最低技能等级
	RequiredEquipment  []string    `json:"required_equipment,omitempty" yaml:"required_equipment"` // 所需设备类型编码
	RequiredMolds      []string    `json:"required_molds,omitempty" yaml:"required_molds"`         // 所需模具类型编码
	MaterialReadyRatio float64     `json:"material_ready_ratio" yaml:"material_ready_ratio"`       // 物料齐套率 0..1
	MaterialArrivalAt  *time.Time  `json:"material_arrival_at,omitempty" yaml:"material_arrival_at"`
	PriorityTier       int         `json:"priority_tier" yaml:"priority_tier"` // 优先级档位 1..5
	Urgent             bool        `json:"urgent" yaml:"urgent"`               // 急单标记
	Splittable         bool        `json:"splittable" yaml:"splittable"`
	Mixable            bool        `json:"mixable" yaml:"mixable"`
	Status             OrderStatus `json:"status" yaml:"status"`
	CreatedAt          time.Time   `json:"created_at" yaml:"created_at"`
}

// IsPending 订单是否仍处于待排产状态
func (o *ProductionOrder) IsPending() bool {
	return o.Status == "" || o.Status == OrderPending
}

// ShiftWindow 定义每天重复的班次窗口，以距零点的分钟数表示
// EndMinute 可以超过 1440，表示跨零点的夜班
type ShiftWindow struct {
	Name        string `json:"name" yaml:"name" mapstructure:"name"`
	StartMinute int    `json:"start_minute" yaml:"start_minute" mapstructure:"start_minute"`
	EndMinute   int    `json:"end_minute" yaml:"end_minute" mapstructure:"end_minute"`
}

// ProductionLine 表示一条产线
type ProductionLine struct {
	ID                   string        `json:"id" yaml:"id"`
	Name                 string        `json:"name" yaml:"name"`
	StandardCapacity     float64       `json:"standard_capacity" yaml:"standard_capacity"` // 标准产能 (件/小时)
	MaxCapacity          float64       `json:"max_capacity" yaml:"max_capacity"`           // 最大产能 (件/小时)
	MaxBatchSize         float64       `json:"max_batch_size" yaml:"max_batch_size"`       // 单批最大数量，0 表示不限
	Efficiency           float64       `json:"efficiency" yaml:"efficiency"`               // 效率系数
	CurrentLoad          float64       `json:"current_load" yaml:"current_load"`           // 当前未完工负荷 (件)
	CurrentCategory      string        `json:"current_category" yaml:"current_category"`   // 当前/最近生产的品类
	CompatibleCategories []string      `json:"compatible_categories" yaml:"compatible_categories"`
	SkillLevel           int           `json:"skill_level" yaml:"skill_level"` // 在岗人员技能等级
	MinWorkers           int           `json:"min_workers" yaml:"min_workers"`
	MaxWorkers           int           `json:"max_workers" yaml:"max_workers"`
	Shifts               []ShiftWindow `json:"shifts,omitempty" yaml:"shifts"`           // 班次日历，为空表示 24 小时运行
	Maintenance          []TimeRange   `json:"maintenance,omitempty" yaml:"maintenance"` // 维护窗口
	Active               bool          `json:"active" yaml:"active"`
}

// Supports 判断产线是否兼容指定品类
func (l *ProductionLine) Supports(category string) bool {
	for _, c := range l.CompatibleCategories {
		if c == category {
			return true
		}
	}
	return false
}

// HourlyRate 返回考虑效率系数后的实际小时产出
func (l *ProductionLine) HourlyRate() float64 {
	eff := l.Efficiency
	if eff <= 0 {
		eff = 1
	}
	return l.StandardCapacity * eff
}

// ProductionWorker 产线工人
type ProductionWorker struct {
	ID         string `json:"id" yaml:"id"`
	Name       string `json:"name" yaml:"name"`
	SkillLevel int    `json:"skill_level" yaml:"skill_level"`
	LineID     string `json:"line_id" yaml:"line_id"` // 当前所属产线，空表示机动人员
	Active     bool   `json:"active" yaml:"active"`
}

// ProductionEquipment 设备
type ProductionEquipment struct {
	ID     string `json:"id" yaml:"id"`
	Type   string `json:"type" yaml:"type"`
	LineID string `json:"line_id" yaml:"line_id"` // 所在产线
	Shared bool   `json:"shared" yaml:"shared"`   // 是否可跨线借用
	Active bool   `json:"active" yaml:"active"`
}

// ProductionMold 模具
type ProductionMold struct {
	ID     string `json:"id" yaml:"id"`
	Type   string `json:"type" yaml:"type"`
	LineID string `json:"line_id" yaml:"line_id"`
	Shared bool   `json:"shared" yaml:"shared"`
	Active bool   `json:"active" yaml:"active"`
}

// ChangeoverEntry 换线矩阵中的一条记录，LineID 为空表示对所有产线生效
type ChangeoverEntry struct {
	FromCategory string  `json:"from_category" yaml:"from_category" mapstructure:"from_category"`
	ToCategory   string  `json:"to_category" yaml:"to_category" mapstructure:"to_category"`
	LineID       string  `json:"line_id,omitempty" yaml:"line_id" mapstructure:"line_id"`
	Minutes      float64 `json:"minutes" yaml:"minutes" mapstructure:"minutes"`
}
