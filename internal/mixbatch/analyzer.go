// Package mixbatch 分析可合并生产的订单组以节省换线时间
package mixbatch

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"food-aps/internal/schedule"
	"food-aps/internal/strategy"
	"food-aps/internal/types"
)

// Params 混批参数
type Params struct {
	MaxDeadlineGapHours    float64 `mapstructure:"max_deadline_gap_hours"`    // 组内交期最大跨度
	MinSwitchSavingMinutes float64 `mapstructure:"min_switch_saving_minutes"` // 节省换线时间低于该值的组被丢弃
	MaxOrdersPerGroup      int     `mapstructure:"max_orders_per_group"`
	MaxTotalQuantity       float64 `mapstructure:"max_total_quantity"`
	VariantSwitchMinutes   float64 `mapstructure:"variant_switch_minutes"` // 同品类不同规格之间的小换型时间
}

// DefaultParams 默认混批参数
func DefaultParams() Params {
	return Params{
		MaxDeadlineGapHours:    24,
		MinSwitchSavingMinutes: 20,
		MaxOrdersPerGroup:      5,
		MaxTotalQuantity:       5000,
		VariantSwitchMinutes:   5,
	}
}

// Analyzer 混批分析器
type Analyzer struct {
	matrix         schedule.Changeover
	params         Params
	capacityWindow time.Duration
	logger         *slog.Logger
}

// NewAnalyzer 创建混批分析器，零值参数使用默认值
func NewAnalyzer(matrix schedule.Changeover, params Params, capacityWindow time.Duration, logger *slog.Logger) *Analyzer {
	def := DefaultParams()
	if params.MaxDeadlineGapHours <= 0 {
		params.MaxDeadlineGapHours = def.MaxDeadlineGapHours
	}
	if params.MaxOrdersPerGroup < 2 {
		params.MaxOrdersPerGroup = def.MaxOrdersPerGroup
	}
	if params.MaxTotalQuantity <= 0 {
		params.MaxTotalQuantity = def.MaxTotalQuantity
	}
	if capacityWindow <= 0 {
		capacityWindow = 8 * time.Hour
	}
	return &Analyzer{matrix: matrix, params: params, capacityWindow: capacityWindow, logger: logger.With("component", "mix_batch")}
}

// Params 返回混批参数
func (a *Analyzer) Params() Params {
	return a.params
}

// Analyze 按品类、交期窗口贪心分组，返回满足节省阈值的混批组
func (a *Analyzer) Analyze(snap *types.Snapshot, orders []*types.ProductionOrder) []types.MixBatchGroup {
	byCategory := map[string][]*types.ProductionOrder{}
	for _, o := range orders {
		if !o.IsPending() || !(o.Mixable || o.Splittable) {
			continue
		}
		byCategory[o.ProductCategory] = append(byCategory[o.ProductCategory], o)
	}
	categories := make([]string, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	gap := time.Duration(a.params.MaxDeadlineGapHours * float64(time.Hour))
	var groups []types.MixBatchGroup
	for _, cat := range categories {
		list := byCategory[cat]
		sort.Slice(list, func(i, j int) bool {
			if !list[i].Deadline.Equal(list[j].Deadline) {
				return list[i].Deadline.Before(list[j].Deadline)
			}
			return list[i].ID < list[j].ID
		})

		var current []*types.ProductionOrder
		total := 0.0
		flush := func() {
			if g, ok := a.build(snap, cat, current); ok {
				groups = append(groups, g)
			}
			current, total = nil, 0
		}
		for _, o := range list {
			if o.Quantity > a.params.MaxTotalQuantity {
				continue
			}
			if len(current) > 0 {
				fits := o.Deadline.Sub(current[0].Deadline) <= gap &&
					len(current) < a.params.MaxOrdersPerGroup &&
					total+o.Quantity <= a.params.MaxTotalQuantity
				if !fits {
					flush()
				}
			}
			current = append(current, o)
			total += o.Quantity
		}
		flush()
	}
	a.logger.Info("混批分析完成", "orders", len(orders), "groups", len(groups))
	return groups
}

// build 为一组订单选择建议产线并计算节省的换线时间
func (a *Analyzer) build(snap *types.Snapshot, category string, orders []*types.ProductionOrder) (types.MixBatchGroup, bool) {
	if len(orders) < 2 {
		return types.MixBatchGroup{}, false
	}
	total := 0.0
	ids := make([]string, 0, len(orders))
	variants := map[string]bool{}
	for _, o := range orders {
		total += o.Quantity
		ids = append(ids, o.ID)
		variants[o.ProductVariant] = true
	}

	lineID, best := "", -1.0
	for _, id := range snap.LineIDs() {
		l := snap.Lines[id]
		if !l.Active || !l.Supports(category) || (l.MaxBatchSize > 0 && total > l.MaxBatchSize) {
			continue
		}
		score := strategy.CapacityMatchScore(strategy.FreeCapacity(l, snap.Now, a.capacityWindow), total)
		if score > best+1e-9 {
			lineID, best = id, score
		}
	}
	if lineID == "" {
		return types.MixBatchGroup{}, false
	}

	saved := float64(len(orders)-1)*a.matrix.Minutes(category, category, lineID) -
		float64(len(variants)-1)*a.params.VariantSwitchMinutes
	if saved < a.params.MinSwitchSavingMinutes {
		return types.MixBatchGroup{}, false
	}
	return types.MixBatchGroup{
		ID:                     fmt.Sprintf("MB-%s-%s", category, orders[0].ID),
		ProductCategory:        category,
		OrderIDs:               ids,
		SuggestedLineID:        lineID,
		TotalQuantity:          total,
		SavedChangeoverMinutes: saved,
		EarliestDeadline:       orders[0].Deadline,
		LatestDeadline:         orders[len(orders)-1].Deadline,
	}, true
}

// Plan 在建议产线上为混批组生成一个合并任务 (未分配 ID、未绑定资源)
// snap 中应已去掉组内订单原有的可调整任务；after 为组内最晚的物料可开工时间
func (a *Analyzer) Plan(snap *types.Snapshot, g types.MixBatchGroup, after time.Time, horizon time.Duration) (types.ScheduleTask, error) {
	line, ok := snap.Lines[g.SuggestedLineID]
	if !ok {
		return types.ScheduleTask{}, fmt.Errorf("line %s: %w", g.SuggestedLineID, types.ErrNotFound)
	}
	if line.MaxBatchSize > 0 && g.TotalQuantity > line.MaxBatchSize {
		return types.ScheduleTask{}, fmt.Errorf("%w: %.0f > %.0f", types.ErrCapacityExceeded, g.TotalQuantity, line.MaxBatchSize)
	}

	task := types.ScheduleTask{
		OrderID:         g.OrderIDs[0],
		MergedOrderIDs:  append([]string(nil), g.OrderIDs...),
		LineID:          line.ID,
		ProductCategory: g.ProductCategory,
		Quantity:        g.TotalQuantity,
		Status:          types.TaskPlanned,
		Deadline:        g.EarliestDeadline,
	}
	variants := map[string]bool{}
	for _, id := range g.OrderIDs {
		o, ok := snap.Orders[id]
		if !ok {
			return types.ScheduleTask{}, fmt.Errorf("order %s: %w", id, types.ErrNotFound)
		}
		variants[o.ProductVariant] = true
		task.VIP = task.VIP || o.VIP
		task.Urgent = task.Urgent || o.Urgent
		task.PriorityTier = max(task.PriorityTier, o.PriorityTier)
		task.RequiredSkillLevel = max(task.RequiredSkillLevel, o.RequiredSkillLevel)
	}

	production := g.TotalQuantity/line.HourlyRate()*60 + float64(len(variants)-1)*a.params.VariantSwitchMinutes
	if math.IsInf(production, 0) {
		return types.ScheduleTask{}, fmt.Errorf("%w: line %s has no capacity", types.ErrCapacityExceeded, line.ID)
	}
	p, ok := schedule.Place(line, snap.Tasks[line.ID], "", g.ProductCategory, production, a.matrix, after, snap.Now.Add(horizon), nil)
	if !ok || p.Window.End.After(g.EarliestDeadline) {
		return types.ScheduleTask{}, fmt.Errorf("%w: merged run on %s cannot finish before %s",
			types.ErrInfeasibleOrder, line.ID, g.EarliestDeadline.Format(time.RFC3339))
	}
	task.Start, task.End = p.Window.Start, p.Window.End
	task.ChangeoverMinutes = p.ChangeoverMinutes
	task.ProductionMinutes = production
	return task, nil
}
