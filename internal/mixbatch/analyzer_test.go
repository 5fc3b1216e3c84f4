package mixbatch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"food-aps/internal/changeover"
	"food-aps/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newAnalyzer(t *testing.T, p Params) *Analyzer {
	t.Helper()
	m, err := changeover.NewMatrix([]types.ChangeoverEntry{
		{FromCategory: "SeafoodA", ToCategory: "SeafoodA", Minutes: 15},
	}, changeover.Options{DefaultMinutes: 45, InitialSetupMinutes: 30})
	require.NoError(t, err)
	return NewAnalyzer(m, p, 8*time.Hour, slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func snapshot() *types.Snapshot {
	snap := types.NewSnapshot(now)
	snap.Lines["L1"] = &types.ProductionLine{ID: "L1", StandardCapacity: 600, Efficiency: 1, CompatibleCategories: []string{"SeafoodA"}, Active: true}
	snap.Lines["L2"] = &types.ProductionLine{ID: "L2", StandardCapacity: 200, Efficiency: 1, CompatibleCategories: []string{"SeafoodA"}, Active: true}
	return snap
}

func mixable(id string, dueIn time.Duration) *types.ProductionOrder {
	return &types.ProductionOrder{ID: id, ProductCategory: "SeafoodA", Quantity: 500, Deadline: now.Add(dueIn),
		MaterialReadyRatio: 1, PriorityTier: 2, Mixable: true}
}

func TestAnalyzeGroupsWithinDeadlineGap(t *testing.T) {
	a := newAnalyzer(t, DefaultParams())
	orders := []*types.ProductionOrder{
		mixable("O4", 40*time.Hour), mixable("O2", 10*time.Hour), mixable("O1", 5*time.Hour), mixable("O3", 20*time.Hour),
		{ID: "X1", ProductCategory: "SeafoodA", Quantity: 100, Deadline: now.Add(6 * time.Hour)},
	}

	groups := a.Analyze(snapshot(), orders)
	require.Len(t, groups, 1)
	g := groups[0]
	assert.Equal(t, []string{"O1", "O2", "O3"}, g.OrderIDs)
	assert.Equal(t, 1500.0, g.TotalQuantity)
	assert.Equal(t, 30.0, g.SavedChangeoverMinutes)
	assert.Equal(t, "L2", g.SuggestedLineID, "容量更贴合的产线")
	assert.Equal(t, now.Add(5*time.Hour), g.EarliestDeadline)
	assert.Equal(t, now.Add(20*time.Hour), g.LatestDeadline)
}

func TestAnalyzeGroupsSatisfyThresholds(t *testing.T) {
	p := DefaultParams()
	p.MaxTotalQuantity = 2200
	a := newAnalyzer(t, p)
	var orders []*types.ProductionOrder
	for i := 0; i < 12; i++ {
		orders = append(orders, mixable(fmt.Sprintf("O%02d", i), time.Duration(i+1)*time.Hour))
	}

	groups := a.Analyze(snapshot(), orders)
	require.NotEmpty(t, groups)
	for _, g := range groups {
		assert.GreaterOrEqual(t, g.SavedChangeoverMinutes, p.MinSwitchSavingMinutes)
		assert.LessOrEqual(t, g.TotalQuantity, p.MaxTotalQuantity)
		assert.LessOrEqual(t, len(g.OrderIDs), p.MaxOrdersPerGroup)
		assert.GreaterOrEqual(t, len(g.OrderIDs), 2)
	}
}

func TestAnalyzeDiscardsSmallSavings(t *testing.T) {
	a := newAnalyzer(t, DefaultParams())
	pair := []*types.ProductionOrder{mixable("O1", 5*time.Hour), mixable("O2", 6*time.Hour)}
	assert.Empty(t, a.Analyze(snapshot(), pair), "单次节省 15 分钟低于阈值")

	p := DefaultParams()
	p.VariantSwitchMinutes = 10
	three := append(pair, mixable("O3", 7*time.Hour))
	three[1].ProductVariant = "spicy"
	three[2].ProductVariant = "mild"
	assert.Empty(t, newAnalyzer(t, p).Analyze(snapshot(), three), "规格小换型抵消了节省")
}

func TestPlanBuildsMergedTask(t *testing.T) {
	a := newAnalyzer(t, DefaultParams())
	snap := snapshot()
	orders := []*types.ProductionOrder{mixable("O1", 12*time.Hour), mixable("O2", 13*time.Hour), mixable("O3", 14*time.Hour)}
	orders[1].VIP = true
	for _, o := range orders {
		snap.Orders[o.ID] = o
	}
	g := a.Analyze(snap, orders)[0]

	task, err := a.Plan(snap, g, now, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"O1", "O2", "O3"}, task.MergedOrderIDs)
	assert.True(t, task.VIP)
	assert.Equal(t, 30.0, task.ChangeoverMinutes)
	assert.Equal(t, 450.0, task.ProductionMinutes)
	assert.Equal(t, now.Add(480*time.Minute), task.End)

	g.EarliestDeadline = now.Add(2 * time.Hour)
	_, err = a.Plan(snap, g, now, 48*time.Hour)
	assert.True(t, errors.Is(err, types.ErrInfeasibleOrder))
}
