// Package worker 计算各产线缺员/富余并给出调岗建议
package worker

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"food-aps/internal/types"
)

// Options 人员调配参数
type Options struct {
	MaxSuggestions int `mapstructure:"max_suggestions"` // 调岗建议返回上限
}

// LineStaffing 一条产线的人员配置情况
type LineStaffing struct {
	LineID           string  `json:"line_id"`
	Assigned         int     `json:"assigned"`
	MinWorkers       int     `json:"min_workers"`
	MaxWorkers       int     `json:"max_workers"`
	Shortfall        int     `json:"shortfall"` // 负数表示富余
	RemainingMinutes float64 `json:"remaining_minutes"`
	RequiredSkill    int     `json:"required_skill"`
	Active           bool    `json:"active"`
}

// Allocator 人员调配器，无内部状态，只根据快照给出建议
type Allocator struct {
	opts   Options
	logger *slog.Logger
}

// NewAllocator 创建人员调配器
func NewAllocator(opts Options, logger *slog.Logger) *Allocator {
	if opts.MaxSuggestions <= 0 {
		opts.MaxSuggestions = 5
	}
	return &Allocator{opts: opts, logger: logger.With("component", "worker_allocator")}
}

// Staffing 统计每条产线的人员情况，按产线 ID 排序
func (a *Allocator) Staffing(snap *types.Snapshot) []LineStaffing {
	return a.staffing(snap, currentRoster(snap))
}

func currentRoster(snap *types.Snapshot) map[string]string {
	roster := make(map[string]string, len(snap.Workers))
	for id, w := range snap.Workers {
		if w.Active {
			roster[id] = w.LineID
		}
	}
	return roster
}

func (a *Allocator) staffing(snap *types.Snapshot, roster map[string]string) []LineStaffing {
	counts := map[string]int{}
	for _, lineID := range roster {
		counts[lineID]++
	}
	out := make([]LineStaffing, 0, len(snap.Lines))
	for _, id := range snap.LineIDs() {
		l := snap.Lines[id]
		st := LineStaffing{
			LineID:     id,
			Assigned:   counts[id],
			MinWorkers: l.MinWorkers,
			MaxWorkers: l.MaxWorkers,
			Active:     l.Active,
		}
		st.Shortfall = l.MinWorkers - st.Assigned
		for _, t := range snap.Tasks[id] {
			if t.Status == types.TaskCompleted || !t.End.After(snap.Now) {
				continue
			}
			start := t.Start
			if snap.Now.After(start) {
				start = snap.Now
			}
			st.RemainingMinutes += t.End.Sub(start).Minutes()
			if t.RequiredSkillLevel > st.RequiredSkill {
				st.RequiredSkill = t.RequiredSkillLevel
			}
		}
		out = append(out, st)
	}
	return out
}

// Optimize 贪心平衡各产线人数
// 先把超过 MaxWorkers 的人员释放到机动池，再按缺员从大到小补足
// 人员来源依次为：机动池、停线产线、剩余工作量最少的富余产线
func (a *Allocator) Optimize(snap *types.Snapshot, date time.Time) []types.WorkerAssignment {
	roster := currentRoster(snap)
	day := date.Format("2006-01-02")
	var moves []types.WorkerAssignment
	move := func(workerID, to, reason string) {
		moves = append(moves, types.WorkerAssignment{WorkerID: workerID, FromLineID: roster[workerID], LineID: to, Date: day, Reason: reason})
		roster[workerID] = to
	}

	for _, st := range a.staffing(snap, roster) {
		if !st.Active || st.MaxWorkers <= 0 || st.Assigned <= st.MaxWorkers {
			continue
		}
		ids := workersOn(roster, st.LineID)
		sortBySkill(snap, ids)
		for _, id := range ids[:st.Assigned-st.MaxWorkers] {
			move(id, "", fmt.Sprintf("产线 %s 超过最大人数 %d", st.LineID, st.MaxWorkers))
		}
	}

	staffing := a.staffing(snap, roster)
	receivers := make([]LineStaffing, 0)
	for _, st := range staffing {
		if st.Active && st.Shortfall > 0 {
			receivers = append(receivers, st)
		}
	}
	sort.SliceStable(receivers, func(i, j int) bool {
		if receivers[i].Shortfall != receivers[j].Shortfall {
			return receivers[i].Shortfall > receivers[j].Shortfall
		}
		return receivers[i].LineID < receivers[j].LineID
	})

	for _, recv := range receivers {
		for need := recv.Shortfall; need > 0; need-- {
			id, reason, ok := a.pickDonor(snap, roster, recv)
			if !ok {
				a.logger.Warn("产线缺员无法补足", "line_id", recv.LineID, "missing", need)
				break
			}
			move(id, recv.LineID, reason)
		}
	}
	a.logger.Info("人员调配完成", "date", day, "moves", len(moves))
	return moves
}

// pickDonor 按 机动池 > 停线产线 > 富余产线 的顺序挑选一个满足技能要求的工人
func (a *Allocator) pickDonor(snap *types.Snapshot, roster map[string]string, recv LineStaffing) (string, string, bool) {
	staffing := a.staffing(snap, roster)
	byLine := map[string]LineStaffing{}
	for _, st := range staffing {
		byLine[st.LineID] = st
	}

	var pool, idle []string
	for id, lineID := range roster {
		if snap.Workers[id].SkillLevel < recv.RequiredSkill {
			continue
		}
		st, known := byLine[lineID]
		switch {
		case lineID == "" || !known:
			pool = append(pool, id)
		case !st.Active:
			idle = append(idle, id)
		}
	}
	if len(pool) > 0 {
		sortBySkill(snap, pool)
		return pool[0], "机动人员补充缺员", true
	}
	if len(idle) > 0 {
		sortBySkill(snap, idle)
		return idle[0], "停线产线人员支援", true
	}

	donors := make([]LineStaffing, 0)
	for _, st := range staffing {
		if st.Active && st.LineID != recv.LineID && st.Shortfall < 0 {
			donors = append(donors, st)
		}
	}
	sort.SliceStable(donors, func(i, j int) bool {
		if donors[i].RemainingMinutes != donors[j].RemainingMinutes {
			return donors[i].RemainingMinutes < donors[j].RemainingMinutes
		}
		if donors[i].Shortfall != donors[j].Shortfall {
			return donors[i].Shortfall < donors[j].Shortfall
		}
		return donors[i].LineID < donors[j].LineID
	})
	for _, d := range donors {
		var eligible []string
		for _, id := range workersOn(roster, d.LineID) {
			if snap.Workers[id].SkillLevel >= recv.RequiredSkill {
				eligible = append(eligible, id)
			}
		}
		if len(eligible) == 0 {
			continue
		}
		sortBySkill(snap, eligible)
		return eligible[0], fmt.Sprintf("产线 %s 富余人员支援", d.LineID), true
	}
	return "", "", false
}

// SuggestTransfer 为富余产线的 count 名工人推荐去向，按预期效率增益排序
func (a *Allocator) SuggestTransfer(snap *types.Snapshot, fromLineID string, count int) ([]types.TransferSuggestion, error) {
	from, ok := snap.Lines[fromLineID]
	if !ok {
		return nil, fmt.Errorf("line %s: %w", fromLineID, types.ErrNotFound)
	}
	if count <= 0 {
		return nil, nil
	}
	roster := currentRoster(snap)
	ids := workersOn(roster, fromLineID)
	available := len(ids)
	if from.Active {
		available -= from.MinWorkers
	}
	if available > count {
		available = count
	}
	if available <= 0 {
		return nil, nil
	}
	sortBySkill(snap, ids)

	var out []types.TransferSuggestion
	for _, st := range a.staffing(snap, roster) {
		if st.LineID == fromLineID || !st.Active || st.Shortfall <= 0 {
			continue
		}
		var eligible []string
		for _, id := range ids {
			if snap.Workers[id].SkillLevel >= st.RequiredSkill {
				eligible = append(eligible, id)
			}
		}
		reduction := min(available, st.Shortfall, len(eligible))
		if reduction == 0 {
			continue
		}
		eff := snap.Lines[st.LineID].Efficiency
		if eff <= 0 {
			eff = 1
		}
		out = append(out, types.TransferSuggestion{
			FromLineID:             fromLineID,
			ToLineID:               st.LineID,
			WorkerCount:            reduction,
			WorkerIDs:              eligible[:reduction],
			ExpectedEfficiencyGain: float64(reduction) * eff,
			Reason:                 fmt.Sprintf("产线 %s 缺员 %d 人", st.LineID, st.Shortfall),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ExpectedEfficiencyGain != out[j].ExpectedEfficiencyGain {
			return out[i].ExpectedEfficiencyGain > out[j].ExpectedEfficiencyGain
		}
		return out[i].ToLineID < out[j].ToLineID
	})
	if len(out) > a.opts.MaxSuggestions {
		out = out[:a.opts.MaxSuggestions]
	}
	return out, nil
}

// FindReplacement 为 window 内的任务寻找一名空闲替补
// 顺序：本线空闲 > 机动池 > 当时无任务的产线
func (a *Allocator) FindReplacement(snap *types.Snapshot, lineID string, window types.TimeRange, minSkill int, exclude map[string]bool) (string, bool) {
	busy := snap.BusyWorkers(window, "")
	idleLine := func(id string) bool {
		for _, t := range snap.Tasks[id] {
			if t.Window().Overlaps(window) {
				return false
			}
		}
		return true
	}
	best, bestRank := "", 99
	for id, w := range snap.Workers {
		if !w.Active || exclude[id] || busy[id] || w.SkillLevel < minSkill {
			continue
		}
		rank := 99
		switch {
		case w.LineID == lineID:
			rank = 0
		case w.LineID == "":
			rank = 1
		case idleLine(w.LineID):
			rank = 2
		default:
			continue
		}
		if rank < bestRank || (rank == bestRank && id < best) {
			best, bestRank = id, rank
		}
	}
	return best, best != ""
}

func workersOn(roster map[string]string, lineID string) []string {
	var ids []string
	for id, l := range roster {
		if l == lineID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// sortBySkill 技能低者在前，保留高技能人员在原岗位
func sortBySkill(snap *types.Snapshot, ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := snap.Workers[ids[i]], snap.Workers[ids[j]]
		if a.SkillLevel != b.SkillLevel {
			return a.SkillLevel < b.SkillLevel
		}
		return a.ID < b.ID
	})
}
