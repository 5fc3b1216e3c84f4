package changeover

import (
	"fmt"
	"os"

	"food-aps/internal/types"

	"gopkg.in/yaml.v3"
)

// matrixFile 换线矩阵文件格式
type matrixFile struct {
	DefaultMinutes      *float64                `yaml:"default_minutes"`
	InitialSetupMinutes *float64                `yaml:"initial_setup_minutes"`
	Entries             []types.ChangeoverEntry `yaml:"entries"`
}

// LoadFile 从 YAML 文件读取换线矩阵，文件中的默认值覆盖 opts，文件记录追加在 extra 之后
func LoadFile(path string, opts Options, extra []types.ChangeoverEntry) (*Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取换线矩阵文件失败: %w", err)
	}
	var f matrixFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidChangeoverMatrix, err)
	}
	if f.DefaultMinutes != nil {
		opts.DefaultMinutes = *f.DefaultMinutes
	}
	if f.InitialSetupMinutes != nil {
		opts.InitialSetupMinutes = *f.InitialSetupMinutes
	}
	entries := append(append([]types.ChangeoverEntry(nil), extra...), f.Entries...)
	return NewMatrix(entries, opts)
}
