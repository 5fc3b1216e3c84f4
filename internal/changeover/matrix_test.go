package changeover

import (
	"os"
	"path/filepath"
	"testing"

	"food-aps/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seafoodMatrix(t *testing.T) *Matrix {
	t.Helper()
	m, err := NewMatrix([]types.ChangeoverEntry{
		{FromCategory: "SeafoodA", ToCategory: "SeafoodA", Minutes: 15},
		{FromCategory: "SeafoodA", ToCategory: "MeatB", Minutes: 45},
		{FromCategory: "MeatB", ToCategory: "SeafoodA", Minutes: 55},
		{FromCategory: "SeafoodA", ToCategory: "MeatB", LineID: "L2", Minutes: 35},
	}, Options{DefaultMinutes: 60, InitialSetupMinutes: 20})
	require.NoError(t, err)
	return m
}

func TestSameCategoryUsesMatrixValue(t *testing.T) {
	m := seafoodMatrix(t)
	assert.Equal(t, 15.0, m.Minutes("SeafoodA", "SeafoodA", "lineX"))
}

func TestCrossCategoryIsDirectional(t *testing.T) {
	m := seafoodMatrix(t)

	forward := m.Minutes("SeafoodA", "MeatB", "lineX")
	backward := m.Minutes("MeatB", "SeafoodA", "lineX")

	assert.Equal(t, 45.0, forward)
	assert.Equal(t, 55.0, backward)
	assert.GreaterOrEqual(t, forward, 30.0)
	assert.LessOrEqual(t, forward, 60.0)
}

func TestLineSpecificEntryWins(t *testing.T) {
	m := seafoodMatrix(t)
	assert.Equal(t, 35.0, m.Minutes("SeafoodA", "MeatB", "L2"))
}

func TestMissingEntriesFallBack(t *testing.T) {
	m := seafoodMatrix(t)

	assert.Equal(t, 60.0, m.Minutes("Dumpling", "MeatB", "L1"), "跨品类缺失记录使用默认值")
	assert.Equal(t, 0.0, m.Minutes("Dumpling", "Dumpling", "L1"), "同品类缺失记录不需要换线")
	assert.Equal(t, 20.0, m.Minutes("", "MeatB", "L1"), "空线使用开线准备时间")
	assert.Equal(t, 60.0, m.MaxMinutes())
}

func TestMalformedMatrixRejected(t *testing.T) {
	cases := map[string][]types.ChangeoverEntry{
		"negative":  {{FromCategory: "A", ToCategory: "B", Minutes: -1}},
		"empty":     {{FromCategory: "", ToCategory: "B", Minutes: 5}},
		"duplicate": {{FromCategory: "A", ToCategory: "B", Minutes: 5}, {FromCategory: "A", ToCategory: "B", Minutes: 6}},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewMatrix(entries, Options{DefaultMinutes: 60})
			assert.ErrorIs(t, err, types.ErrInvalidChangeoverMatrix)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "changeover.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
default_minutes: 50
entries:
  - from_category: Dumpling
    to_category: Bun
    minutes: 40
`), 0o644))

	m, err := LoadFile(path, Options{DefaultMinutes: 60, InitialSetupMinutes: 10}, []types.ChangeoverEntry{
		{FromCategory: "Bun", ToCategory: "Bun", Minutes: 12},
	})
	require.NoError(t, err)

	assert.Equal(t, 40.0, m.Minutes("Dumpling", "Bun", "L1"))
	assert.Equal(t, 12.0, m.Minutes("Bun", "Bun", "L1"))
	assert.Equal(t, 50.0, m.Minutes("Bun", "Dumpling", "L1"))
	assert.Equal(t, 10.0, m.Minutes("", "Bun", "L1"))
}
