package schedule

import (
	"sync"
	"testing"
	"time"

	"food-aps/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day0.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

type flatChangeover struct{ cross float64 }

func (f flatChangeover) Minutes(from, to, _ string) float64 {
	if from == to {
		return 0
	}
	return f.cross
}

func TestFindSlotSkipsBusyIntervals(t *testing.T) {
	line := &types.ProductionLine{ID: "L1"}
	busy := []types.TimeRange{
		{Start: at(8, 0), End: at(9, 0)},
		{Start: at(9, 30), End: at(10, 0)},
	}

	slot, ok := FindSlot(line, busy, at(8, 0), 45*time.Minute, at(24, 0))
	require.True(t, ok)
	assert.Equal(t, at(10, 0), slot.Start)

	slot, ok = FindSlot(line, busy, at(8, 0), 30*time.Minute, at(24, 0))
	require.True(t, ok)
	assert.Equal(t, at(9, 0), slot.Start, "刚好放得下的空隙")
}

func TestFindSlotRespectsShiftBoundary(t *testing.T) {
	line := &types.ProductionLine{ID: "L1", Shifts: []types.ShiftWindow{{Name: "白班", StartMinute: 8 * 60, EndMinute: 16 * 60}}}

	slot, ok := FindSlot(line, nil, at(15, 0), 2*time.Hour, at(48, 0))
	require.True(t, ok)
	assert.Equal(t, at(32, 0), slot.Start, "当班放不下时顺延到次日班次")

	_, ok = FindSlot(line, nil, at(8, 0), 9*time.Hour, at(48, 0))
	assert.False(t, ok, "超过单个班次长度的任务没有可用时间窗")
}

func TestPlaceRecomputesChangeoverFromActualPredecessor(t *testing.T) {
	line := &types.ProductionLine{ID: "L1", CurrentCategory: "A"}
	tasks := []types.ScheduleTask{{ID: "T1", LineID: "L1", ProductCategory: "B", Start: at(8, 0), End: at(9, 0)}}

	p, ok := Place(line, tasks, "", "A", 60, flatChangeover{cross: 45}, at(8, 0), at(24, 0), nil)
	require.True(t, ok)
	assert.Equal(t, "B", p.PrevCategory)
	assert.Equal(t, 45.0, p.ChangeoverMinutes)
	assert.Equal(t, types.TimeRange{Start: at(9, 0), End: at(10, 45)}, p.Window)
}

func TestPlaceExcludesOwnTask(t *testing.T) {
	line := &types.ProductionLine{ID: "L1", CurrentCategory: "A"}
	tasks := []types.ScheduleTask{{ID: "T1", LineID: "L1", ProductCategory: "A", Start: at(8, 0), End: at(9, 0)}}

	p, ok := Place(line, tasks, "T1", "A", 60, flatChangeover{cross: 45}, at(8, 0), at(24, 0), nil)
	require.True(t, ok)
	assert.Equal(t, at(8, 0), p.Window.Start)
}

func TestMinutesRoundsToSeconds(t *testing.T) {
	assert.Equal(t, 50*time.Minute, Minutes(50))
	assert.Equal(t, 90*time.Second, Minutes(1.5))
	assert.Equal(t, time.Second, Minutes(1.0/60+1e-9))
}

func TestBoardIndexesByLine(t *testing.T) {
	b := NewBoard()
	b.Put(types.ScheduleTask{ID: "T2", OrderID: "O2", LineID: "L1", Start: at(10, 0), End: at(11, 0)})
	b.Put(types.ScheduleTask{ID: "T1", OrderID: "O1", LineID: "L1", Start: at(8, 0), End: at(9, 0)})
	b.Put(types.ScheduleTask{ID: "T3", OrderID: "O3", MergedOrderIDs: []string{"O3", "O4"}, LineID: "L2", Start: at(8, 0), End: at(9, 0)})

	line := b.LineTasks("L1")
	require.Len(t, line, 2)
	assert.Equal(t, "T1", line[0].ID)

	b.Renumber("L1")
	t2, _ := b.Get("T2")
	assert.Equal(t, 2, t2.SequenceOrder)

	task, ok := b.TaskForOrder("O4")
	require.True(t, ok)
	assert.Equal(t, "T3", task.ID)
	assert.Len(t, b.ScheduledOrderIDs(), 4)

	removed, ok := b.Remove("T1")
	require.True(t, ok)
	assert.Equal(t, "O1", removed.OrderID)
	assert.Equal(t, 2, b.Len())
}

func TestBoardReturnsCopies(t *testing.T) {
	b := NewBoard()
	b.Put(types.ScheduleTask{ID: "T1", LineID: "L1", Workers: []string{"W1"}})
	got, _ := b.Get("T1")
	got.Workers[0] = "W9"
	again, _ := b.Get("T1")
	assert.Equal(t, "W1", again.Workers[0])
}

func TestLockLinesSerializesWriters(t *testing.T) {
	b := NewBoard()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids := []string{"L1", "L2"}
			if i%2 == 0 {
				ids = []string{"L2", "L1", "L2"}
			}
			unlock := b.LockLines(ids...)
			defer unlock()
			counter++
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}
