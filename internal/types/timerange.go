package types

import (
	"sort"
	"time"
)

// TimeRange 半开时间区间 [Start, End)
type TimeRange struct {
	Start time.Time `json:"start" yaml:"start"`
	End   time.Time `json:"end" yaml:"end"`
}

// Duration 返回区间时长
func (tr TimeRange) Duration() time.Duration {
	return tr.End.Sub(tr.Start)
}

// Overlaps 检查两个区间是否重叠
func (tr TimeRange) Overlaps(other TimeRange) bool {
	return tr.Start.Before(other.End) && other.Start.Before(tr.End)
}

// Contains 检查区间是否包含某个时间点
func (tr TimeRange) Contains(t time.Time) bool {
	return !t.Before(tr.Start) && t.Before(tr.End)
}

// Covers 检查 other 是否完整落在区间内
func (tr TimeRange) Covers(other TimeRange) bool {
	return !other.Start.Before(tr.Start) && !other.End.After(tr.End)
}

// OverlapDuration 返回两个区间的重叠时长
func (tr TimeRange) OverlapDuration(other TimeRange) time.Duration {
	start := tr.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := tr.End
	if other.End.Before(end) {
		end = other.End
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// mergeRanges 按开始时间排序并合并相邻或重叠的区间
func mergeRanges(ranges []TimeRange) []TimeRange {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start.Before(ranges[j].Start) })
	merged := []TimeRange{ranges[0]}
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if !r.Start.After(last.End) {
			if r.End.After(last.End) {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// subtractRange 从区间列表中扣除一个区间
func subtractRange(ranges []TimeRange, cut TimeRange) []TimeRange {
	var out []TimeRange
	for _, r := range ranges {
		if !r.Overlaps(cut) {
			out = append(out, r)
			continue
		}
		if r.Start.Before(cut.Start) {
			out = append(out, TimeRange{Start: r.Start, End: cut.Start})
		}
		if r.End.After(cut.End) {
			out = append(out, TimeRange{Start: cut.End, End: r.End})
		}
	}
	return out
}

// OperatingWindows 返回产线在 [from, to) 内的可用生产窗口
// 相邻班次合并为一个连续窗口，维护窗口被扣除
func (l *ProductionLine) OperatingWindows(from, to time.Time) []TimeRange {
	if !to.After(from) {
		return nil
	}
	var windows []TimeRange
	if len(l.Shifts) == 0 {
		windows = []TimeRange{{Start: from, End: to}}
	} else {
		loc := from.Location()
		day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -1)
		for !day.After(to) {
			for _, s := range l.Shifts {
				if s.EndMinute <= s.StartMinute {
					continue
				}
				w := TimeRange{
					Start: day.Add(time.Duration(s.StartMinute) * time.Minute),
					End:   day.Add(time.Duration(s.EndMinute) * time.Minute),
				}
				if w.Start.Before(from) {
					w.Start = from
				}
				if w.End.After(to) {
					w.End = to
				}
				if w.End.After(w.Start) {
					windows = append(windows, w)
				}
			}
			day = day.AddDate(0, 0, 1)
		}
		windows = mergeRanges(windows)
	}
	for _, m := range l.Maintenance {
		windows = subtractRange(windows, m)
	}
	return windows
}

// OperatingMinutes 返回 [from, to) 内的可用生产分钟数
func (l *ProductionLine) OperatingMinutes(from, to time.Time) float64 {
	total := 0.0
	for _, w := range l.OperatingWindows(from, to) {
		total += w.Duration().Minutes()
	}
	return total
}

// WithinCalendar 判断区间是否完整落在某个可用窗口内
func (l *ProductionLine) WithinCalendar(tr TimeRange) bool {
	for _, w := range l.OperatingWindows(tr.Start, tr.End) {
		if w.Covers(tr) {
			return true
		}
	}
	return false
}
