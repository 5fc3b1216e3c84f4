// Package strategy 实现多策略候选评分
package strategy

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"food-aps/internal/types"
)

// 六个策略的权重键
const (
	EarliestDeadline = "earliest_deadline"
	ShortestProcess  = "shortest_process"
	MinChangeover    = "min_changeover"
	CapacityMatch    = "capacity_match"
	MaterialReady    = "material_ready"
	UrgencyFirst     = "urgency_first"
)

// WeightEpsilon 权重和允许的误差
const WeightEpsilon = 1e-6

// Keys 返回全部策略键，顺序固定
func Keys() []string {
	return []string{EarliestDeadline, ShortestProcess, MinChangeover, CapacityMatch, MaterialReady, UrgencyFirst}
}

// Weights 策略权重表
type Weights map[string]float64

// DefaultWeights 默认权重 0.25/0.20/0.20/0.15/0.10/0.10
func DefaultWeights() Weights {
	return Weights{
		EarliestDeadline: 0.25,
		ShortestProcess:  0.20,
		MinChangeover:    0.20,
		CapacityMatch:    0.15,
		MaterialReady:    0.10,
		UrgencyFirst:     0.10,
	}
}

// Validate 权重必须恰好包含六个键、均非负且和为 1 (误差 1e-6)
func (w Weights) Validate() error {
	known := map[string]bool{}
	for _, k := range Keys() {
		known[k] = true
	}
	unknown := make([]string, 0)
	for k := range w {
		if !known[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: unknown keys %v", types.ErrInvalidWeightConfig, unknown)
	}
	sum := 0.0
	for _, k := range Keys() {
		v, ok := w[k]
		if !ok {
			return fmt.Errorf("%w: missing key %s", types.ErrInvalidWeightConfig, k)
		}
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s=%v must be a non-negative number", types.ErrInvalidWeightConfig, k, v)
		}
		sum += v
	}
	if math.Abs(sum-1.0) > WeightEpsilon {
		return fmt.Errorf("%w: weights sum to %.9f, want 1.0", types.ErrInvalidWeightConfig, sum)
	}
	return nil
}

// Clone 返回权重副本
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Combine 按权重合成总分
func (w Weights) Combine(s types.StrategyScores) float64 {
	return w[EarliestDeadline]*s.EarliestDeadline +
		w[ShortestProcess]*s.ShortestProcess +
		w[MinChangeover]*s.MinChangeover +
		w[CapacityMatch]*s.CapacityMatch +
		w[MaterialReady]*s.MaterialReady +
		w[UrgencyFirst]*s.UrgencyFirst
}

// WeightSet 并发安全的权重持有者，更新前先校验
type WeightSet struct {
	mu      sync.RWMutex
	weights Weights
}

// NewWeightSet 以给定权重创建，权重非法时返回 ErrInvalidWeightConfig
func NewWeightSet(w Weights) (*WeightSet, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &WeightSet{weights: w.Clone()}, nil
}

// Get 返回当前权重的副本
func (s *WeightSet) Get() Weights {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.weights.Clone()
}

// Update 校验并整体替换权重，非法权重被拒绝且不修改当前值
func (s *WeightSet) Update(w Weights) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.weights = w.Clone()
	s.mu.Unlock()
	return nil
}
