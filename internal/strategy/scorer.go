package strategy

import (
	"math"
	"time"

	"food-aps/internal/changeover"
	"food-aps/internal/types"
)

// tieEpsilon 总分差小于该值视为平分
const tieEpsilon = 1e-9

// Input 一次 (订单, 产线) 评分的输入
type Input struct {
	Order          *types.ProductionOrder
	Line           *types.ProductionLine
	Now            time.Time
	FromCategory   string    // 插入位置之前的品类
	FreeCapacity   float64   // 产线剩余产能 (件)
	Features       []float64 // 外部特征向量，默认评分器不使用
	ProcessMinutes float64   // 预估生产时长，<=0 时按产能计算
}

// Scorer 可插拔的评分接口，默认实现为六因子加权评分
// 学习型模型可以实现同一接口替换默认评分器
type Scorer interface {
	Score(in Input, w Weights) (types.StrategyScores, float64)
}

// Params 评分归一化参数
type Params struct {
	MinDeadlineHorizon time.Duration `mapstructure:"min_deadline_horizon"` // 交期小于该值时紧迫度饱和为 1
	MaxDeadlineHorizon time.Duration `mapstructure:"max_deadline_horizon"` // 交期大于该值时紧迫度为 0
	MaxProcessMinutes  float64       `mapstructure:"max_process_minutes"`  // 生产时长归一化上限
	CapacityWindow     time.Duration `mapstructure:"capacity_window"`      // 剩余产能统计窗口
}

// DefaultParams 默认评分参数
func DefaultParams() Params {
	return Params{
		MinDeadlineHorizon: 2 * time.Hour,
		MaxDeadlineHorizon: 72 * time.Hour,
		MaxProcessMinutes:  480,
		CapacityWindow:     8 * time.Hour,
	}
}

// WeightedScorer 默认六因子加权评分器，纯函数，可并发调用
type WeightedScorer struct {
	matrix *changeover.Matrix
	params Params
}

// NewWeightedScorer 创建默认评分器
func NewWeightedScorer(matrix *changeover.Matrix, params Params) *WeightedScorer {
	def := DefaultParams()
	if params.MinDeadlineHorizon <= 0 {
		params.MinDeadlineHorizon = def.MinDeadlineHorizon
	}
	if params.MaxDeadlineHorizon <= params.MinDeadlineHorizon {
		params.MaxDeadlineHorizon = params.MinDeadlineHorizon + def.MaxDeadlineHorizon
	}
	if params.MaxProcessMinutes <= 0 {
		params.MaxProcessMinutes = def.MaxProcessMinutes
	}
	if params.CapacityWindow <= 0 {
		params.CapacityWindow = def.CapacityWindow
	}
	return &WeightedScorer{matrix: matrix, params: params}
}

// Params 返回评分参数
func (s *WeightedScorer) Params() Params {
	return s.params
}

// Score 计算六个子评分及加权总分
func (s *WeightedScorer) Score(in Input, w Weights) (types.StrategyScores, float64) {
	process := in.ProcessMinutes
	if process <= 0 {
		process = EstimateProductionMinutes(in.Order, in.Line)
	}
	scores := types.StrategyScores{
		EarliestDeadline: s.deadlineScore(in.Order.Deadline, in.Now),
		ShortestProcess:  clamp01(1 - process/s.params.MaxProcessMinutes),
		MinChangeover:    s.changeoverScore(in.FromCategory, in.Order.ProductCategory, in.Line.ID),
		CapacityMatch:    CapacityMatchScore(in.FreeCapacity, in.Order.Quantity),
		MaterialReady:    clamp01(in.Order.MaterialReadyRatio),
		UrgencyFirst:     UrgencyScore(in.Order),
	}
	return scores, w.Combine(scores)
}

func (s *WeightedScorer) deadlineScore(deadline, now time.Time) float64 {
	remaining := deadline.Sub(now)
	if remaining <= s.params.MinDeadlineHorizon {
		return 1
	}
	if remaining >= s.params.MaxDeadlineHorizon {
		return 0
	}
	span := float64(s.params.MaxDeadlineHorizon - s.params.MinDeadlineHorizon)
	return clamp01(1 - float64(remaining-s.params.MinDeadlineHorizon)/span)
}

func (s *WeightedScorer) changeoverScore(from, to, lineID string) float64 {
	ceiling := s.matrix.MaxMinutes()
	if ceiling <= 0 {
		return 1
	}
	return clamp01(1 - s.matrix.Minutes(from, to, lineID)/ceiling)
}

// EstimateProductionMinutes 预估生产时长 = 数量 / (标准产能 × 效率系数)，单位分钟
func EstimateProductionMinutes(o *types.ProductionOrder, l *types.ProductionLine) float64 {
	rate := l.HourlyRate()
	if rate <= 0 {
		return math.Inf(1)
	}
	return o.Quantity / rate * 60
}

// FreeCapacity 产线在 [now, now+window) 内还能承接的数量
func FreeCapacity(l *types.ProductionLine, now time.Time, window time.Duration) float64 {
	minutes := l.OperatingMinutes(now, now.Add(window))
	return math.Max(0, l.HourlyRate()*minutes/60-l.CurrentLoad)
}

// CapacityMatchScore 1 - |剩余产能 - 订单量| / max(剩余产能, 订单量)，奖励大小合适的产线
func CapacityMatchScore(free, qty float64) float64 {
	denom := math.Max(free, qty)
	if denom <= 0 {
		return 0
	}
	return clamp01(1 - math.Abs(free-qty)/denom)
}

// UrgencyScore 优先级档位归一化到 [0,1]，急单直接为 1
func UrgencyScore(o *types.ProductionOrder) float64 {
	if o.Urgent {
		return 1
	}
	if types.MaxPriorityTier <= 1 {
		return 0
	}
	return clamp01(float64(o.PriorityTier-1) / float64(types.MaxPriorityTier-1))
}

// Less 候选排序：总分高者优先，平分时齐套率高、换线短、产线 ID 字典序小者优先
func Less(a, b types.LineCandidate) bool {
	if math.Abs(a.TotalScore-b.TotalScore) > tieEpsilon {
		return a.TotalScore > b.TotalScore
	}
	if math.Abs(a.Scores.MaterialReady-b.Scores.MaterialReady) > tieEpsilon {
		return a.Scores.MaterialReady > b.Scores.MaterialReady
	}
	if math.Abs(a.ChangeoverMinutes-b.ChangeoverMinutes) > tieEpsilon {
		return a.ChangeoverMinutes < b.ChangeoverMinutes
	}
	return a.LineID < b.LineID
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
