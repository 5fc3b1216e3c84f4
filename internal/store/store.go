// Package store 加载排产核心只读消费的主数据 (订单、产线、工人、设备、模具、换线矩阵)
package store

import (
	"context"
	"fmt"
	"os"

	"food-aps/internal/types"

	"gopkg.in/yaml.v3"
)

// Dataset 一份完整的主数据
type Dataset struct {
	Orders     []types.ProductionOrder     `yaml:"orders"`
	Lines      []types.ProductionLine      `yaml:"lines"`
	Workers    []types.ProductionWorker    `yaml:"workers"`
	Equipment  []types.ProductionEquipment `yaml:"equipment"`
	Molds      []types.ProductionMold      `yaml:"molds"`
	Changeover []types.ChangeoverEntry     `yaml:"changeover"`
}

// Source 主数据来源，排产核心只读取不回写
type Source interface {
	Load(ctx context.Context) (*Dataset, error)
}

// Validate 检查主键唯一和引用完整性
func (d *Dataset) Validate() error {
	lines := map[string]bool{}
	for _, l := range d.Lines {
		if l.ID == "" {
			return fmt.Errorf("line without id")
		}
		if lines[l.ID] {
			return fmt.Errorf("duplicate line %s", l.ID)
		}
		lines[l.ID] = true
	}
	orders := map[string]bool{}
	for _, o := range d.Orders {
		if o.ID == "" {
			return fmt.Errorf("order without id")
		}
		if orders[o.ID] {
			return fmt.Errorf("duplicate order %s", o.ID)
		}
		orders[o.ID] = true
	}
	for _, w := range d.Workers {
		if w.LineID != "" && !lines[w.LineID] {
			return fmt.Errorf("worker %s references unknown line %s", w.ID, w.LineID)
		}
	}
	for _, e := range d.Equipment {
		if e.LineID != "" && !lines[e.LineID] {
			return fmt.Errorf("equipment %s references unknown line %s", e.ID, e.LineID)
		}
	}
	for _, m := range d.Molds {
		if m.LineID != "" && !lines[m.LineID] {
			return fmt.Errorf("mold %s references unknown line %s", m.ID, m.LineID)
		}
	}
	return nil
}

// File 从 YAML 文件读取主数据，每次 Load 重新读取
type File struct {
	path string
}

// NewFile 创建文件数据源
func NewFile(path string) *File {
	return &File{path: path}
}

// Load 实现 Source
func (f *File) Load(context.Context) (*Dataset, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("读取主数据文件失败: %w", err)
	}
	return ParseYAML(data)
}

// ParseYAML 解析 YAML 主数据并校验
func ParseYAML(data []byte) (*Dataset, error) {
	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("解析主数据失败: %w", err)
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return &ds, nil
}

// Memory 内存数据源，用于测试和演示
type Memory struct {
	ds Dataset
}

// NewMemory 以给定数据创建内存数据源
func NewMemory(ds Dataset) *Memory {
	return &Memory{ds: ds}
}

// Load 实现 Source，返回数据副本
func (m *Memory) Load(context.Context) (*Dataset, error) {
	cp := Dataset{
		Orders:     append([]types.ProductionOrder(nil), m.ds.Orders...),
		Lines:      append([]types.ProductionLine(nil), m.ds.Lines...),
		Workers:    append([]types.ProductionWorker(nil), m.ds.Workers...),
		Equipment:  append([]types.ProductionEquipment(nil), m.ds.Equipment...),
		Molds:      append([]types.ProductionMold(nil), m.ds.Molds...),
		Changeover: append([]types.ChangeoverEntry(nil), m.ds.Changeover...),
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}
