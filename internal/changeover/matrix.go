// Package changeover 实现换线时间模型
package changeover

import (
	"fmt"
	"sync"

	"food-aps/internal/types"
)

// anyLine 表示对所有产线生效的矩阵记录
const anyLine = "*"

type key struct {
	from, to, line string
}

// Options 换线矩阵的默认值配置
type Options struct {
	DefaultMinutes      float64 `mapstructure:"default_minutes"`       // 矩阵缺失跨品类记录时的默认值
	InitialSetupMinutes float64 `mapstructure:"initial_setup_minutes"` // 空线 (无前序品类) 开线准备时间
}

// Matrix 换线时间矩阵，查找是有方向的 (from->to 与 to->from 可以不同)
// 查找顺序: (from,to,line) -> (from,to,*) -> 同品类为 0 -> 空线为开线准备时间 -> 默认值
type Matrix struct {
	mu      sync.RWMutex
	entries map[key]float64
	opts    Options
	max     float64
}

// NewMatrix 校验并构建换线矩阵，非法矩阵在配置阶段直接拒绝
func NewMatrix(entries []types.ChangeoverEntry, opts Options) (*Matrix, error) {
	if opts.DefaultMinutes < 0 || opts.InitialSetupMinutes < 0 {
		return nil, fmt.Errorf("%w: default minutes must be non-negative", types.ErrInvalidChangeoverMatrix)
	}
	m := &Matrix{entries: make(map[key]float64, len(entries)), opts: opts}
	for i, e := range entries {
		if e.FromCategory == "" || e.ToCategory == "" {
			return nil, fmt.Errorf("%w: entry %d has empty category", types.ErrInvalidChangeoverMatrix, i)
		}
		if e.Minutes < 0 {
			return nil, fmt.Errorf("%w: entry %s->%s has negative minutes", types.ErrInvalidChangeoverMatrix, e.FromCategory, e.ToCategory)
		}
		k := key{from: e.FromCategory, to: e.ToCategory, line: lineKey(e.LineID)}
		if prev, dup := m.entries[k]; dup && prev != e.Minutes {
			return nil, fmt.Errorf("%w: duplicate entry %s->%s on %s", types.ErrInvalidChangeoverMatrix, e.FromCategory, e.ToCategory, k.line)
		}
		m.entries[k] = e.Minutes
	}
	m.recomputeMax()
	return m, nil
}

func lineKey(lineID string) string {
	if lineID == "" {
		return anyLine
	}
	return lineID
}

func (m *Matrix) recomputeMax() {
	m.max = m.opts.DefaultMinutes
	if m.opts.InitialSetupMinutes > m.max {
		m.max = m.opts.InitialSetupMinutes
	}
	for _, v := range m.entries {
		if v > m.max {
			m.max = v
		}
	}
}

// Minutes 返回在 lineID 上从 from 品类切换到 to 品类所需的分钟数
func (m *Matrix) Minutes(from, to, lineID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if from != "" {
		if v, ok := m.entries[key{from, to, lineKey(lineID)}]; ok {
			return v
		}
		if v, ok := m.entries[key{from, to, anyLine}]; ok {
			return v
		}
		if from == to {
			return 0
		}
		return m.opts.DefaultMinutes
	}
	return m.opts.InitialSetupMinutes
}

// MaxMinutes 返回矩阵中的最大换线时间，用于归一化
func (m *Matrix) MaxMinutes() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.max
}

// Set 更新或新增一条矩阵记录
func (m *Matrix) Set(e types.ChangeoverEntry) error {
	if e.FromCategory == "" || e.ToCategory == "" || e.Minutes < 0 {
		return fmt.Errorf("%w: bad entry %+v", types.ErrInvalidChangeoverMatrix, e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key{e.FromCategory, e.ToCategory, lineKey(e.LineID)}] = e.Minutes
	m.recomputeMax()
	return nil
}

// Options 返回矩阵默认值配置
func (m *Matrix) Options() Options {
	return m.opts
}
