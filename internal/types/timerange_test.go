package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var day0 = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return day0.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func TestTimeRangeOverlap(t *testing.T) {
	a := TimeRange{Start: at(8, 0), End: at(10, 0)}
	b := TimeRange{Start: at(9, 30), End: at(11, 0)}
	c := TimeRange{Start: at(10, 0), End: at(11, 0)}

	assert.True(t, a.Overlaps(b))
	assert.False(t, a.Overlaps(c), "半开区间首尾相接不算重叠")
	assert.Equal(t, 30*time.Minute, a.OverlapDuration(b))
	assert.Equal(t, time.Duration(0), a.OverlapDuration(c))
	assert.True(t, a.Contains(at(8, 0)))
	assert.False(t, a.Contains(at(10, 0)))
}

func TestOperatingWindowsMergesShiftsAndSubtractsMaintenance(t *testing.T) {
	line := &ProductionLine{
		ID: "L1",
		Shifts: []ShiftWindow{
			{Name: "早班", StartMinute: 6 * 60, EndMinute: 14 * 60},
			{Name: "中班", StartMinute: 14 * 60, EndMinute: 22 * 60},
		},
		Maintenance: []TimeRange{{Start: at(12, 0), End: at(13, 0)}},
	}

	windows := line.OperatingWindows(at(0, 0), at(24, 0))

	assert.Equal(t, []TimeRange{
		{Start: at(6, 0), End: at(12, 0)},
		{Start: at(13, 0), End: at(22, 0)},
	}, windows)
	assert.InDelta(t, 15*60, line.OperatingMinutes(at(0, 0), at(24, 0)), 1e-9)
	assert.True(t, line.WithinCalendar(TimeRange{Start: at(13, 0), End: at(15, 0)}))
	assert.False(t, line.WithinCalendar(TimeRange{Start: at(11, 0), End: at(13, 30)}))
	assert.False(t, line.WithinCalendar(TimeRange{Start: at(21, 0), End: at(23, 0)}))
}

func TestOperatingWindowsNightShiftCrossesMidnight(t *testing.T) {
	line := &ProductionLine{Shifts: []ShiftWindow{{Name: "夜班", StartMinute: 22 * 60, EndMinute: 30 * 60}}}

	windows := line.OperatingWindows(at(0, 0), at(24, 0))

	assert.Equal(t, []TimeRange{
		{Start: at(0, 0), End: at(6, 0)},
		{Start: at(22, 0), End: at(24, 0)},
	}, windows)
}

func TestLineWithoutShiftsRunsAroundTheClock(t *testing.T) {
	line := &ProductionLine{}
	assert.True(t, line.WithinCalendar(TimeRange{Start: at(23, 0), End: at(26, 0)}))
}

func TestTaskOutranks(t *testing.T) {
	urgent := &ScheduleTask{ID: "a", Urgent: true, PriorityTier: 1}
	vip := &ScheduleTask{ID: "b", VIP: true, PriorityTier: 5}
	normal := &ScheduleTask{ID: "c", PriorityTier: 5}

	assert.True(t, urgent.Outranks(vip))
	assert.True(t, vip.Outranks(normal))
	assert.False(t, normal.Outranks(vip))
}
