package candidate

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"food-aps/internal/changeover"
	"food-aps/internal/strategy"
	"food-aps/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newGenerator(t *testing.T, rules ...Rule) *Generator {
	t.Helper()
	m, err := changeover.NewMatrix(nil, changeover.Options{DefaultMinutes: 45, InitialSetupMinutes: 30})
	require.NoError(t, err)
	ws, err := strategy.NewWeightSet(strategy.DefaultWeights())
	require.NoError(t, err)
	g, err := NewGenerator(strategy.NewWeightedScorer(m, strategy.DefaultParams()), ws, m, nil, rules,
		Options{Horizon: 48 * time.Hour, MaterialThreshold: 0.8}, testLogger())
	require.NoError(t, err)
	return g
}

func fixture() *types.Snapshot {
	snap := types.NewSnapshot(now)
	snap.Lines["L1"] = &types.ProductionLine{ID: "L1", StandardCapacity: 600, Efficiency: 1, CurrentCategory: "A",
		CompatibleCategories: []string{"A", "B"}, SkillLevel: 3, MinWorkers: 1, MaxWorkers: 4, Active: true}
	snap.Lines["L2"] = &types.ProductionLine{ID: "L2", StandardCapacity: 400, Efficiency: 1,
		CompatibleCategories: []string{"A"}, SkillLevel: 2, MinWorkers: 1, MaxWorkers: 4, Active: true}
	snap.Workers["W1"] = &types.ProductionWorker{ID: "W1", SkillLevel: 3, LineID: "L1", Active: true}
	snap.Workers["W2"] = &types.ProductionWorker{ID: "W2", SkillLevel: 2, LineID: "L2", Active: true}
	return snap
}

func order(id string) *types.ProductionOrder {
	return &types.ProductionOrder{ID: id, ProductCategory: "A", Quantity: 500, Deadline: now.Add(4 * time.Hour),
		MaterialReadyRatio: 1, PriorityTier: 3}
}

func TestGenerateRanksRunningCategoryLineFirst(t *testing.T) {
	g := newGenerator(t)
	cands, rejects := g.Generate(context.Background(), fixture(), order("O1"))

	require.Len(t, cands, 2)
	assert.Empty(t, rejects)
	assert.Equal(t, "L1", cands[0].LineID)
	assert.InDelta(t, 50, cands[0].EstimatedMinutes, 1e-9)
	assert.Zero(t, cands[0].ChangeoverMinutes)
	assert.Equal(t, now.Add(50*time.Minute), cands[0].EarliestEnd)
	assert.Equal(t, 1, cands[0].AvailableWorkers)
	assert.Equal(t, 30.0, cands[1].ChangeoverMinutes, "冷启动产线使用首次准备时间")
}

func TestGenerateIsDeterministic(t *testing.T) {
	g := newGenerator(t)
	snap := fixture()
	first, _ := g.Generate(context.Background(), snap, order("O1"))
	for i := 0; i < 5; i++ {
		again, _ := g.Generate(context.Background(), snap, order("O1"))
		assert.Equal(t, first, again)
	}
}

func TestGenerateRecordsRejections(t *testing.T) {
	g := newGenerator(t, Rule{Name: "small_lines_only", Expr: "line.StandardCapacity < 500"})
	o := order("O2")
	o.RequiredSkillLevel = 3

	cands, rejects := g.Generate(context.Background(), fixture(), o)
	assert.Empty(t, cands)
	require.Len(t, rejects, 2)
	assert.Equal(t, types.Rejection{LineID: "L1", Reason: types.RejectRule, Detail: "small_lines_only"}, rejects[0])
	assert.Equal(t, "L2", rejects[1].LineID)
	assert.Equal(t, types.RejectSkill, rejects[1].Reason)
}

func TestGenerateRejectsCategoryAndEquipment(t *testing.T) {
	g := newGenerator(t)
	o := order("O3")
	o.ProductCategory = "B"
	o.RequiredMolds = []string{"TRAY-200"}

	cands, rejects := g.Generate(context.Background(), fixture(), o)
	assert.Empty(t, cands)
	reasons := map[string]string{}
	for _, r := range rejects {
		reasons[r.LineID] = r.Reason
	}
	assert.Equal(t, types.RejectEquipment, reasons["L1"])
	assert.Equal(t, types.RejectCategory, reasons["L2"])
}

func TestGenerateMaterialShortage(t *testing.T) {
	g := newGenerator(t)
	o := order("O4")
	o.MaterialReadyRatio = 0

	cands, rejects := g.Generate(context.Background(), fixture(), o)
	assert.Empty(t, cands)
	require.Len(t, rejects, 1)
	assert.Equal(t, types.RejectMaterial, rejects[0].Reason)
}

func TestGenerateWaitsForMaterialArrival(t *testing.T) {
	g := newGenerator(t)
	o := order("O5")
	arrival := now.Add(time.Hour)
	o.MaterialReadyRatio = 0.5
	o.MaterialArrivalAt = &arrival

	cands, _ := g.Generate(context.Background(), fixture(), o)
	require.NotEmpty(t, cands)
	assert.Equal(t, arrival, cands[0].EarliestStart)
}

func TestGenerateSkipsBusyTimeAndDeadline(t *testing.T) {
	g := newGenerator(t)
	snap := fixture()
	snap.Tasks["L1"] = []types.ScheduleTask{{ID: "T1", LineID: "L1", ProductCategory: "A", Start: now, End: now.Add(4 * time.Hour)}}

	cands, rejects := g.Generate(context.Background(), snap, order("O6"))
	require.Len(t, cands, 1)
	assert.Equal(t, "L2", cands[0].LineID)
	require.Len(t, rejects, 1)
	assert.Equal(t, types.RejectNoSlot, rejects[0].Reason)
}

func TestGenerateAllPreservesOrder(t *testing.T) {
	g := newGenerator(t)
	orders := []*types.ProductionOrder{order("O1"), order("O2"), order("O3")}
	orders[1].ProductCategory = "Z"

	props, err := g.GenerateAll(context.Background(), fixture(), orders)
	require.NoError(t, err)
	require.Len(t, props, 3)
	for i, p := range props {
		assert.Equal(t, orders[i].ID, p.Order.ID)
	}
	assert.Empty(t, props[1].Candidates)
	assert.NotEmpty(t, props[2].Candidates)
}

func TestGenerateAllCancelled(t *testing.T) {
	g := newGenerator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.GenerateAll(ctx, fixture(), []*types.ProductionOrder{order("O1")})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBadRuleFailsAtConstruction(t *testing.T) {
	m, err := changeover.NewMatrix(nil, changeover.Options{DefaultMinutes: 45})
	require.NoError(t, err)
	ws, err := strategy.NewWeightSet(strategy.DefaultWeights())
	require.NoError(t, err)
	_, err = NewGenerator(strategy.NewWeightedScorer(m, strategy.DefaultParams()), ws, m, nil,
		[]Rule{{Name: "broken", Expr: "order.Quantity +"}}, Options{}, testLogger())
	assert.Error(t, err)
}
