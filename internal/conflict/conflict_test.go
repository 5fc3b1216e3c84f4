package conflict

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"food-aps/internal/candidate"
	"food-aps/internal/changeover"
	"food-aps/internal/strategy"
	"food-aps/internal/types"
	"food-aps/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	m, err := changeover.NewMatrix(nil, changeover.Options{DefaultMinutes: 45, InitialSetupMinutes: 30})
	require.NoError(t, err)
	ws, err := strategy.NewWeightSet(strategy.DefaultWeights())
	require.NoError(t, err)
	gen, err := candidate.NewGenerator(strategy.NewWeightedScorer(m, strategy.DefaultParams()), ws, m, nil, nil,
		candidate.Options{Horizon: 48 * time.Hour, MaterialThreshold: 0.8}, testLogger())
	require.NoError(t, err)
	return NewResolver(gen, m, worker.NewAllocator(worker.Options{}, testLogger()), 48*time.Hour, testLogger())
}

func snapshot() *types.Snapshot {
	snap := types.NewSnapshot(now)
	for _, id := range []string{"L1", "L2"} {
		snap.Lines[id] = &types.ProductionLine{ID: id, StandardCapacity: 600, Efficiency: 1, CurrentCategory: "A",
			CompatibleCategories: []string{"A"}, SkillLevel: 3, MinWorkers: 1, MaxWorkers: 3, Active: true}
	}
	return snap
}

func addTask(snap *types.Snapshot, id, lineID string, start, end time.Time, tier int, deadline time.Time) *types.ScheduleTask {
	orderID := "O" + id[1:]
	snap.Orders[orderID] = &types.ProductionOrder{ID: orderID, ProductCategory: "A", Quantity: end.Sub(start).Minutes() * 10,
		Deadline: deadline, MaterialReadyRatio: 1, PriorityTier: tier}
	t := types.ScheduleTask{ID: id, OrderID: orderID, LineID: lineID, ProductCategory: "A", Start: start, End: end,
		ProductionMinutes: end.Sub(start).Minutes(), PriorityTier: tier, Deadline: deadline, Status: types.TaskPlanned}
	snap.Upsert(t)
	tasks := snap.Tasks[lineID]
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i]
		}
	}
	return nil
}

func TestDetectLineOverlap(t *testing.T) {
	snap := snapshot()
	addTask(snap, "T1", "L1", at(8, 0), at(9, 0), 5, at(20, 0))
	addTask(snap, "T2", "L1", at(8, 50), at(9, 30), 1, at(20, 0))
	addTask(snap, "T3", "L1", at(9, 30), at(10, 0), 1, at(20, 0))

	d := NewDetector(Options{MaterialThreshold: 0.8}, testLogger())
	got := d.Detect(snap, snap.AllTasks())
	require.Len(t, got, 1, "首尾相接不算冲突")
	assert.Equal(t, types.ConflictLineOverlap, got[0].Type)
	assert.Equal(t, []string{"T1", "T2"}, got[0].TaskIDs)
	assert.Equal(t, types.SeverityLow, got[0].Severity)
	assert.InDelta(t, 10, got[0].OverlapMinutes, 1e-9)
}

func TestSeverityEscalatesForVIPAndCritical(t *testing.T) {
	plain := &types.ScheduleTask{Start: at(8, 0), End: at(9, 0), Deadline: at(20, 0)}
	vip := &types.ScheduleTask{Start: at(8, 0), End: at(9, 0), Deadline: at(20, 0), VIP: true}
	behind := &types.ScheduleTask{Start: at(8, 0), End: at(10, 0), Deadline: at(9, 0)}

	assert.Equal(t, types.SeverityMedium, Severity(30*time.Minute, now, plain))
	assert.Equal(t, types.SeverityHigh, Severity(30*time.Minute, now, plain, vip))
	assert.Equal(t, types.SeverityCritical, Severity(2*time.Hour, now, behind))
}

func TestDetectSharedResourcesAndMaterial(t *testing.T) {
	snap := snapshot()
	t1 := addTask(snap, "T1", "L1", at(8, 0), at(9, 0), 3, at(20, 0))
	t1.Workers, t1.Equipment, t1.Molds = []string{"W1"}, []string{"E1"}, []string{"M1"}
	t2 := addTask(snap, "T2", "L2", at(8, 30), at(9, 30), 3, at(20, 0))
	t2.Workers, t2.Equipment, t2.Molds = []string{"W1"}, []string{"E1"}, []string{"M1"}
	arrival := at(10, 0)
	snap.Orders["O2"].MaterialReadyRatio = 0.5
	snap.Orders["O2"].MaterialArrivalAt = &arrival

	got := NewDetector(Options{MaterialThreshold: 0.8}, testLogger()).Detect(snap, snap.AllTasks())
	assert.Equal(t, 1, CountByType(got, types.ConflictWorkerShortage))
	assert.Equal(t, 1, CountByType(got, types.ConflictEquipment))
	assert.Equal(t, 1, CountByType(got, types.ConflictMold))
	assert.Equal(t, 1, CountByType(got, types.ConflictMaterialUnavailable))
	assert.Equal(t, 0, CountByType(got, types.ConflictLineOverlap))
	assert.Equal(t, types.SeverityHigh, got[0].Severity, "物料等待 90 分钟排在最前")
}

func TestResolveLineOverlapPushesLowerPriorityOnSameLine(t *testing.T) {
	snap := snapshot()
	addTask(snap, "T1", "L1", at(8, 0), at(9, 0), 5, at(20, 0))
	addTask(snap, "T2", "L1", at(8, 30), at(9, 30), 1, at(20, 0))
	c := NewDetector(Options{}, testLogger()).Detect(snap, snap.AllTasks())[0]

	out, err := newResolver(t).Resolve(context.Background(), snap, c)
	require.NoError(t, err)
	require.True(t, out.Resolved)
	require.Len(t, out.Changed, 1)
	moved := out.Changed[0]
	assert.Equal(t, "T2", moved.ID)
	assert.Equal(t, "L1", moved.LineID)
	assert.Equal(t, at(9, 0), moved.Start)
	assert.Equal(t, at(10, 0), moved.End)
}

func TestResolveLineOverlapMovesToOtherLineWhenLate(t *testing.T) {
	snap := snapshot()
	addTask(snap, "T1", "L1", at(8, 0), at(9, 0), 5, at(20, 0))
	addTask(snap, "T2", "L1", at(8, 30), at(9, 30), 1, at(9, 45))
	c := NewDetector(Options{}, testLogger()).Detect(snap, snap.AllTasks())[0]

	out, err := newResolver(t).Resolve(context.Background(), snap, c)
	require.NoError(t, err)
	require.True(t, out.Resolved)
	assert.Equal(t, "L2", out.Changed[0].LineID)
	assert.Equal(t, at(8, 0), out.Changed[0].Start)
}

func TestResolveFrozenPairFails(t *testing.T) {
	snap := snapshot()
	a := addTask(snap, "T1", "L1", at(8, 0), at(9, 0), 5, at(20, 0))
	a.Status = types.TaskFrozen
	b := addTask(snap, "T2", "L1", at(8, 30), at(9, 30), 1, at(20, 0))
	b.Status = types.TaskInProgress
	c := NewDetector(Options{}, testLogger()).Detect(snap, snap.AllTasks())[0]

	out, err := newResolver(t).Resolve(context.Background(), snap, c)
	require.NoError(t, err)
	assert.False(t, out.Resolved)
}

func TestResolveWorkerShortageUsesReplacement(t *testing.T) {
	snap := snapshot()
	snap.Workers["W1"] = &types.ProductionWorker{ID: "W1", SkillLevel: 3, LineID: "L1", Active: true}
	snap.Workers["W2"] = &types.ProductionWorker{ID: "W2", SkillLevel: 3, LineID: "L2", Active: true}
	addTask(snap, "T1", "L1", at(8, 0), at(9, 0), 5, at(20, 0)).Workers = []string{"W1"}
	addTask(snap, "T2", "L2", at(8, 0), at(9, 0), 1, at(20, 0)).Workers = []string{"W1"}
	conflicts := NewDetector(Options{}, testLogger()).Detect(snap, snap.AllTasks())
	require.Len(t, conflicts, 1)

	out, err := newResolver(t).Resolve(context.Background(), snap, conflicts[0])
	require.NoError(t, err)
	require.True(t, out.Resolved)
	assert.Equal(t, "T2", out.Changed[0].ID)
	assert.Equal(t, []string{"W2"}, out.Changed[0].Workers)
}

func TestResolveEquipmentBorrowsThenSerializes(t *testing.T) {
	snap := snapshot()
	snap.Equipment["E1"] = &types.ProductionEquipment{ID: "E1", Type: "FRY", LineID: "L1", Shared: true, Active: true}
	addTask(snap, "T1", "L1", at(8, 0), at(9, 0), 5, at(20, 0)).Equipment = []string{"E1"}
	addTask(snap, "T2", "L2", at(8, 30), at(9, 30), 1, at(20, 0)).Equipment = []string{"E1"}
	c := NewDetector(Options{}, testLogger()).Detect(snap, snap.AllTasks())[0]
	r := newResolver(t)

	out, err := r.Resolve(context.Background(), snap, c)
	require.NoError(t, err)
	require.True(t, out.Resolved)
	assert.Equal(t, at(9, 0), out.Changed[0].Start, "没有可借用的设备时串行化")
	assert.Equal(t, []string{"E1"}, out.Changed[0].Equipment)

	snap.Equipment["E2"] = &types.ProductionEquipment{ID: "E2", Type: "FRY", LineID: "L2", Active: true}
	out, err = r.Resolve(context.Background(), snap, c)
	require.NoError(t, err)
	require.True(t, out.Resolved)
	assert.Equal(t, at(8, 30), out.Changed[0].Start)
	assert.Equal(t, []string{"E2"}, out.Changed[0].Equipment)
}

func TestResolveMaterialDelaysToArrival(t *testing.T) {
	snap := snapshot()
	addTask(snap, "T1", "L1", at(8, 0), at(9, 0), 3, at(20, 0))
	arrival := at(11, 0)
	snap.Orders["O1"].MaterialReadyRatio = 0.3
	snap.Orders["O1"].MaterialArrivalAt = &arrival
	c := NewDetector(Options{MaterialThreshold: 0.8}, testLogger()).Detect(snap, snap.AllTasks())[0]
	require.Equal(t, types.ConflictMaterialUnavailable, c.Type)

	r := newResolver(t)
	out, err := r.Resolve(context.Background(), snap, c)
	require.NoError(t, err)
	require.True(t, out.Resolved)
	assert.Equal(t, arrival, out.Changed[0].Start)

	snap.Orders["O1"].MaterialArrivalAt = nil
	out, err = r.Resolve(context.Background(), snap, c)
	require.NoError(t, err)
	assert.False(t, out.Resolved, "无到货时间需要人工处理")

	late := at(19, 30)
	snap.Orders["O1"].MaterialArrivalAt = &late
	out, err = r.Resolve(context.Background(), snap, c)
	require.NoError(t, err)
	assert.False(t, out.Resolved, "到货后已赶不上交期")
}
