package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"food-aps/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func testAllocator() *Allocator {
	return NewAllocator(Options{}, slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func addWorkers(snap *types.Snapshot, lineID string, skill int, ids ...string) {
	for _, id := range ids {
		snap.Workers[id] = &types.ProductionWorker{ID: id, SkillLevel: skill, LineID: lineID, Active: true}
	}
}

func applyMoves(snap *types.Snapshot, moves []types.WorkerAssignment) {
	for _, m := range moves {
		snap.Workers[m.WorkerID].LineID = m.LineID
	}
}

func TestOptimizeKeepsActiveLinesWithinBounds(t *testing.T) {
	snap := types.NewSnapshot(now)
	snap.Lines["L1"] = &types.ProductionLine{ID: "L1", MinWorkers: 2, MaxWorkers: 3, Active: true}
	snap.Lines["L2"] = &types.ProductionLine{ID: "L2", MinWorkers: 2, MaxWorkers: 4, Active: true}
	snap.Lines["L3"] = &types.ProductionLine{ID: "L3", MinWorkers: 1, MaxWorkers: 2, Active: true}
	snap.Lines["L4"] = &types.ProductionLine{ID: "L4", MinWorkers: 1, MaxWorkers: 2, Active: false}
	addWorkers(snap, "L1", 2, "W1", "W2", "W3", "W4", "W5")
	addWorkers(snap, "L4", 2, "W6")

	moves := testAllocator().Optimize(snap, now)
	applyMoves(snap, moves)

	for _, st := range testAllocator().Staffing(snap) {
		if !st.Active {
			continue
		}
		assert.GreaterOrEqual(t, st.Assigned, st.MinWorkers, st.LineID)
		assert.LessOrEqual(t, st.Assigned, st.MaxWorkers, st.LineID)
	}
	assert.Len(t, moves, 5, "两人释放到机动池后全部重新分配，再从停线产线调一人")
	for _, m := range moves {
		assert.Equal(t, "2026-03-02", m.Date)
		assert.NotEmpty(t, m.Reason)
	}
}

func TestOptimizeTakesFromLeastLoadedSurplusLine(t *testing.T) {
	snap := types.NewSnapshot(now)
	snap.Lines["L1"] = &types.ProductionLine{ID: "L1", MinWorkers: 1, MaxWorkers: 4, Active: true}
	snap.Lines["L2"] = &types.ProductionLine{ID: "L2", MinWorkers: 1, MaxWorkers: 4, Active: true}
	snap.Lines["L3"] = &types.ProductionLine{ID: "L3", MinWorkers: 1, MaxWorkers: 4, Active: true}
	addWorkers(snap, "L1", 2, "A1", "A2")
	addWorkers(snap, "L2", 2, "B1", "B2")
	snap.Tasks["L1"] = []types.ScheduleTask{{ID: "T1", LineID: "L1", Start: now, End: now.Add(6 * time.Hour)}}
	snap.Tasks["L2"] = []types.ScheduleTask{{ID: "T2", LineID: "L2", Start: now, End: now.Add(time.Hour)}}

	moves := testAllocator().Optimize(snap, now)
	require.Len(t, moves, 1)
	assert.Equal(t, "L2", moves[0].FromLineID, "剩余工作量少的产线先出人")
	assert.Equal(t, "L3", moves[0].LineID)
}

func TestOptimizeRespectsSkill(t *testing.T) {
	snap := types.NewSnapshot(now)
	snap.Lines["L1"] = &types.ProductionLine{ID: "L1", MinWorkers: 1, MaxWorkers: 2, Active: true}
	addWorkers(snap, "", 1, "P1")
	addWorkers(snap, "", 3, "P2")
	snap.Tasks["L1"] = []types.ScheduleTask{{ID: "T1", LineID: "L1", Start: now, End: now.Add(time.Hour), RequiredSkillLevel: 3}}

	moves := testAllocator().Optimize(snap, now)
	require.Len(t, moves, 1)
	assert.Equal(t, "P2", moves[0].WorkerID)
}

func TestSuggestTransferRanksByEfficiencyGain(t *testing.T) {
	snap := types.NewSnapshot(now)
	snap.Lines["L1"] = &types.ProductionLine{ID: "L1", MinWorkers: 1, MaxWorkers: 6, Efficiency: 1, Active: true}
	snap.Lines["L2"] = &types.ProductionLine{ID: "L2", MinWorkers: 2, MaxWorkers: 4, Efficiency: 0.9, Active: true}
	snap.Lines["L3"] = &types.ProductionLine{ID: "L3", MinWorkers: 1, MaxWorkers: 4, Efficiency: 1.0, Active: true}
	addWorkers(snap, "L1", 2, "W1", "W2", "W3", "W4")

	got, err := testAllocator().SuggestTransfer(snap, "L1", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "L2", got[0].ToLineID)
	assert.Equal(t, 2, got[0].WorkerCount)
	assert.InDelta(t, 1.8, got[0].ExpectedEfficiencyGain, 1e-9)
	assert.Equal(t, "L3", got[1].ToLineID)
	assert.Equal(t, 1, got[1].WorkerCount)
}

func TestSuggestTransferCapped(t *testing.T) {
	snap := types.NewSnapshot(now)
	snap.Lines["SRC"] = &types.ProductionLine{ID: "SRC", Active: false}
	addWorkers(snap, "SRC", 1, "W1", "W2", "W3")
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("L%d", i)
		snap.Lines[id] = &types.ProductionLine{ID: id, MinWorkers: 1, MaxWorkers: 2, Efficiency: 1, Active: true}
	}
	got, err := testAllocator().SuggestTransfer(snap, "SRC", 3)
	require.NoError(t, err)
	assert.Len(t, got, 5)

	_, err = testAllocator().SuggestTransfer(snap, "nope", 1)
	assert.True(t, errors.Is(err, types.ErrNotFound))
}

func TestFindReplacementPrefersOwnLineThenPool(t *testing.T) {
	snap := types.NewSnapshot(now)
	snap.Lines["L1"] = &types.ProductionLine{ID: "L1", Active: true}
	snap.Lines["L2"] = &types.ProductionLine{ID: "L2", Active: true}
	addWorkers(snap, "L1", 2, "A1", "A2")
	addWorkers(snap, "", 2, "P1")
	addWorkers(snap, "L2", 2, "B1")
	window := types.TimeRange{Start: now, End: now.Add(time.Hour)}
	snap.Tasks["L1"] = []types.ScheduleTask{{ID: "T1", LineID: "L1", Start: now, End: now.Add(time.Hour), Workers: []string{"A1"}}}

	a := testAllocator()
	id, ok := a.FindReplacement(snap, "L1", window, 1, map[string]bool{"A1": true})
	require.True(t, ok)
	assert.Equal(t, "A2", id)

	id, ok = a.FindReplacement(snap, "L1", window, 1, map[string]bool{"A1": true, "A2": true})
	require.True(t, ok)
	assert.Equal(t, "P1", id)

	id, ok = a.FindReplacement(snap, "L1", window, 1, map[string]bool{"A1": true, "A2": true, "P1": true})
	require.True(t, ok)
	assert.Equal(t, "B1", id, "L2 在该时段空闲")

	_, ok = a.FindReplacement(snap, "L1", window, 3, nil)
	assert.False(t, ok)
}
