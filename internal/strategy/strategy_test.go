package strategy

import (
	"sort"
	"testing"
	"time"

	"food-aps/internal/changeover"
	"food-aps/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func testScorer(t *testing.T) *WeightedScorer {
	t.Helper()
	m, err := changeover.NewMatrix(nil, changeover.Options{DefaultMinutes: 60, InitialSetupMinutes: 15})
	require.NoError(t, err)
	return NewWeightedScorer(m, DefaultParams())
}

func TestUpdateWeightsRejectsBadSums(t *testing.T) {
	set, err := NewWeightSet(DefaultWeights())
	require.NoError(t, err)

	bad := DefaultWeights()
	bad[UrgencyFirst] = 0.1 + 2e-6
	assert.ErrorIs(t, set.Update(bad), types.ErrInvalidWeightConfig)

	negative := DefaultWeights()
	negative[UrgencyFirst] = -0.1
	negative[MaterialReady] = 0.3
	assert.ErrorIs(t, set.Update(negative), types.ErrInvalidWeightConfig)

	unknown := DefaultWeights()
	unknown["profit"] = 0
	assert.ErrorIs(t, set.Update(unknown), types.ErrInvalidWeightConfig)

	missing := DefaultWeights()
	delete(missing, CapacityMatch)
	missing[EarliestDeadline] = 0.40
	assert.ErrorIs(t, set.Update(missing), types.ErrInvalidWeightConfig)

	assert.Equal(t, DefaultWeights(), set.Get(), "拒绝后权重保持不变")
}

func TestUpdateWeightsAcceptsWithinEpsilon(t *testing.T) {
	set, err := NewWeightSet(DefaultWeights())
	require.NoError(t, err)

	w := Weights{
		EarliestDeadline: 0.5, ShortestProcess: 0.1, MinChangeover: 0.1,
		CapacityMatch: 0.1, MaterialReady: 0.1, UrgencyFirst: 0.1 + 5e-7,
	}
	require.NoError(t, set.Update(w))
	assert.Equal(t, 0.5, set.Get()[EarliestDeadline])
}

func TestEstimateProductionDuration(t *testing.T) {
	order := &types.ProductionOrder{Quantity: 500}
	line := &types.ProductionLine{StandardCapacity: 600, Efficiency: 1.0}
	assert.InDelta(t, 50.0, EstimateProductionMinutes(order, line), 1e-9)
}

func TestRunningSameCategoryLineRanksFirst(t *testing.T) {
	s := testScorer(t)
	w := DefaultWeights()
	order := &types.ProductionOrder{
		ID: "O1", ProductCategory: "A", Quantity: 500, Deadline: now.Add(4 * time.Hour),
		MaterialReadyRatio: 1, PriorityTier: 3,
	}
	l1 := &types.ProductionLine{ID: "L1", StandardCapacity: 600, Efficiency: 1, CurrentCategory: "A"}
	l2 := &types.ProductionLine{ID: "L2", StandardCapacity: 400, Efficiency: 1}

	var cands []types.LineCandidate
	for _, l := range []*types.ProductionLine{l2, l1} {
		in := Input{Order: order, Line: l, Now: now, FromCategory: l.CurrentCategory, FreeCapacity: FreeCapacity(l, now, s.Params().CapacityWindow)}
		scores, total := s.Score(in, w)
		cands = append(cands, types.LineCandidate{LineID: l.ID, Scores: scores, TotalScore: total})
	}
	sort.SliceStable(cands, func(i, j int) bool { return Less(cands[i], cands[j]) })

	assert.Equal(t, "L1", cands[0].LineID)
	assert.Equal(t, 1.0, cands[0].Scores.MinChangeover)
	assert.Less(t, cands[1].Scores.MinChangeover, 1.0)
}

func TestScoreIsDeterministic(t *testing.T) {
	s := testScorer(t)
	order := &types.ProductionOrder{ProductCategory: "A", Quantity: 300, Deadline: now.Add(10 * time.Hour), MaterialReadyRatio: 0.5, PriorityTier: 2}
	line := &types.ProductionLine{ID: "L1", StandardCapacity: 200, Efficiency: 0.9, CurrentCategory: "B"}
	in := Input{Order: order, Line: line, Now: now, FromCategory: "B", FreeCapacity: 1000}

	s1, t1 := s.Score(in, DefaultWeights())
	s2, t2 := s.Score(in, DefaultWeights())
	assert.Equal(t, s1, s2)
	assert.Equal(t, t1, t2)
}

func TestSubScores(t *testing.T) {
	s := testScorer(t)

	t.Run("deadline saturates inside min horizon", func(t *testing.T) {
		assert.Equal(t, 1.0, s.deadlineScore(now.Add(time.Hour), now))
		assert.Equal(t, 0.0, s.deadlineScore(now.Add(100*time.Hour), now))
	})
	t.Run("capacity match rewards right-sized lines", func(t *testing.T) {
		assert.Equal(t, 1.0, CapacityMatchScore(500, 500))
		assert.InDelta(t, 0.5, CapacityMatchScore(1000, 500), 1e-9)
		assert.InDelta(t, 0.5, CapacityMatchScore(250, 500), 1e-9)
		assert.Equal(t, 0.0, CapacityMatchScore(0, 0))
	})
	t.Run("urgent orders saturate urgency", func(t *testing.T) {
		assert.Equal(t, 1.0, UrgencyScore(&types.ProductionOrder{Urgent: true, PriorityTier: 1}))
		assert.Equal(t, 0.0, UrgencyScore(&types.ProductionOrder{PriorityTier: 1}))
		assert.Equal(t, 0.5, UrgencyScore(&types.ProductionOrder{PriorityTier: 3}))
	})
}

func TestLessTieBreaks(t *testing.T) {
	a := types.LineCandidate{LineID: "L2", TotalScore: 0.5, ChangeoverMinutes: 10}
	b := types.LineCandidate{LineID: "L1", TotalScore: 0.5, ChangeoverMinutes: 20}
	c := types.LineCandidate{LineID: "L0", TotalScore: 0.5, ChangeoverMinutes: 10}

	assert.True(t, Less(a, b), "换线时间短者优先")
	assert.True(t, Less(c, a), "产线 ID 字典序")
}
