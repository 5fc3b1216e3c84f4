package web

import (
	"sort"
	"sync"
	"time"

	"food-aps/internal/types"
)

// TaskState 看板上展示的任务视图
type TaskState struct {
	ID              string           `json:"id"`
	OrderIDs        []string         `json:"order_ids"`
	Category        string           `json:"category"`
	Quantity        float64          `json:"quantity"`
	Start           time.Time        `json:"start"`
	End             time.Time        `json:"end"`
	Sequence        int              `json:"sequence"`
	Status          types.TaskStatus `json:"status"`
	Urgent          bool             `json:"urgent"`
	Late            bool             `json:"late"`
	ChangeoverMins  float64          `json:"changeover_minutes"`
	AssignedWorkers int              `json:"assigned_workers"`
}

// LineBoard 一条产线的看板
type LineBoard struct {
	LineID string      `json:"line_id"`
	Tasks  []TaskState `json:"tasks"`
}

// BoardState 整个车间的实时排程看板
type BoardState struct {
	Lines     map[string]LineBoard `json:"lines"`
	Conflicts int                  `json:"open_conflicts"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// BoardTracker 根据排程事件维护按产线分组的看板，并通知前端更新
type BoardTracker struct {
	mu        sync.RWMutex
	tasks     map[string]TaskState // 任务 ID -> 状态
	lineOf    map[string]string    // 任务 ID -> 产线 ID
	conflicts map[string]bool      // 未消解的冲突 ID
	hub       *Hub
	now       func() time.Time
}

// NewBoardTracker 创建看板追踪器，hub 为空时只维护状态不广播
func NewBoardTracker(hub *Hub) *BoardTracker {
	return &BoardTracker{
		tasks:     make(map[string]TaskState),
		lineOf:    make(map[string]string),
		conflicts: make(map[string]bool),
		hub:       hub,
		now:       time.Now,
	}
}

// UpdateTask 写入或更新一个任务，并广播最新看板
func (bt *BoardTracker) UpdateTask(t types.ScheduleTask) {
	bt.mu.Lock()
	bt.tasks[t.ID] = TaskState{
		ID:              t.ID,
		OrderIDs:        append([]string(nil), t.OrderIDs()...),
		Category:        t.ProductCategory,
		Quantity:        t.Quantity,
		Start:           t.Start,
		End:             t.End,
		Sequence:        t.SequenceOrder,
		Status:          t.Status,
		Urgent:          t.Urgent,
		Late:            t.IsLate(),
		ChangeoverMins:  t.ChangeoverMinutes,
		AssignedWorkers: len(t.Workers),
	}
	bt.lineOf[t.ID] = t.LineID
	bt.mu.Unlock()
	bt.publish()
}

// RemoveTask 从看板移除任务
func (bt *BoardTracker) RemoveTask(id string) {
	bt.mu.Lock()
	delete(bt.tasks, id)
	delete(bt.lineOf, id)
	bt.mu.Unlock()
	bt.publish()
}

// SetConflict 记录冲突的打开或消解
func (bt *BoardTracker) SetConflict(id string, open bool) {
	bt.mu.Lock()
	if open {
		bt.conflicts[id] = true
	} else {
		delete(bt.conflicts, id)
	}
	bt.mu.Unlock()
	bt.publish()
}

// Reset 用完整排程替换看板，用于启动恢复后
func (bt *BoardTracker) Reset(tasks []types.ScheduleTask) {
	bt.mu.Lock()
	bt.tasks = make(map[string]TaskState, len(tasks))
	bt.lineOf = make(map[string]string, len(tasks))
	bt.conflicts = make(map[string]bool)
	bt.mu.Unlock()
	for _, t := range tasks {
		bt.UpdateTask(t)
	}
}

// Snapshot 返回当前看板的深拷贝，各产线任务按开始时间排序
// 用于新客户端连接时获取一次全量数据
func (bt *BoardTracker) Snapshot() BoardState {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	state := BoardState{Lines: make(map[string]LineBoard), Conflicts: len(bt.conflicts), UpdatedAt: bt.now()}
	for id, ts := range bt.tasks {
		lineID := bt.lineOf[id]
		lb := state.Lines[lineID]
		lb.LineID = lineID
		ts.OrderIDs = append([]string(nil), ts.OrderIDs...)
		lb.Tasks = append(lb.Tasks, ts)
		state.Lines[lineID] = lb
	}
	for id, lb := range state.Lines {
		sort.Slice(lb.Tasks, func(i, j int) bool {
			if !lb.Tasks[i].Start.Equal(lb.Tasks[j].Start) {
				return lb.Tasks[i].Start.Before(lb.Tasks[j].Start)
			}
			return lb.Tasks[i].ID < lb.Tasks[j].ID
		})
		state.Lines[id] = lb
	}
	return state
}

func (bt *BoardTracker) publish() {
	if bt.hub == nil {
		return
	}
	bt.hub.BroadcastState(bt.Snapshot())
}
