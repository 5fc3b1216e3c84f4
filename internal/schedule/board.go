// Package schedule 维护实时排程 (按产线索引的任务集合) 以及时间窗查找
package schedule

import (
	"sort"
	"sync"

	"food-aps/internal/types"
)

// Board 实时排程，任务按产线索引
// mu 保护映射本身的并发访问；产线写锁 (LockLines) 用于串行化同一产线上的"检查-提交"
type Board struct {
	mu    sync.RWMutex
	tasks map[string]types.ScheduleTask

	locksMu   sync.Mutex
	lineLocks map[string]*sync.Mutex
}

// NewBoard 创建空排程
func NewBoard() *Board {
	return &Board{
		tasks:     make(map[string]types.ScheduleTask),
		lineLocks: make(map[string]*sync.Mutex),
	}
}

func (b *Board) lineLock(lineID string) *sync.Mutex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	l, ok := b.lineLocks[lineID]
	if !ok {
		l = &sync.Mutex{}
		b.lineLocks[lineID] = l
	}
	return l
}

// LockLines 按 ID 排序依次获取多条产线的写锁，返回释放函数
// 固定加锁顺序避免跨线操作之间的死锁
func (b *Board) LockLines(lineIDs ...string) func() {
	ids := append([]string(nil), lineIDs...)
	sort.Strings(ids)
	var held []*sync.Mutex
	prev := ""
	for i, id := range ids {
		if i > 0 && id == prev {
			continue
		}
		prev = id
		l := b.lineLock(id)
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

// Put 新增或覆盖一个任务
func (b *Board) Put(t types.ScheduleTask) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks[t.ID] = t.Clone()
}

// Remove 删除任务
func (b *Board) Remove(id string) (types.ScheduleTask, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if ok {
		delete(b.tasks, id)
	}
	return t, ok
}

// Get 按 ID 读取任务副本
func (b *Board) Get(id string) (types.ScheduleTask, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[id]
	if !ok {
		return types.ScheduleTask{}, false
	}
	return t.Clone(), true
}

// Len 返回任务总数
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tasks)
}

// LineTasks 返回某产线的任务，按开始时间排序
func (b *Board) LineTasks(lineID string) []types.ScheduleTask {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []types.ScheduleTask
	for _, t := range b.tasks {
		if t.LineID == lineID {
			out = append(out, t.Clone())
		}
	}
	SortTasks(out)
	return out
}

// All 返回全部任务，按产线、开始时间排序
func (b *Board) All() []types.ScheduleTask {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.ScheduleTask, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LineID != out[j].LineID {
			return out[i].LineID < out[j].LineID
		}
		return taskBefore(out[i], out[j])
	})
	return out
}

// ByLine 返回按产线分组的任务
func (b *Board) ByLine() map[string][]types.ScheduleTask {
	out := map[string][]types.ScheduleTask{}
	for _, t := range b.All() {
		out[t.LineID] = append(out[t.LineID], t)
	}
	return out
}

// TaskForOrder 查找包含该订单的任务
func (b *Board) TaskForOrder(orderID string) (types.ScheduleTask, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, t := range b.tasks {
		for _, id := range t.OrderIDs() {
			if id == orderID {
				return t.Clone(), true
			}
		}
	}
	return types.ScheduleTask{}, false
}

// ScheduledOrderIDs 返回所有已排产订单 ID
func (b *Board) ScheduledOrderIDs() map[string]bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]bool, len(b.tasks))
	for _, t := range b.tasks {
		for _, id := range t.OrderIDs() {
			out[id] = true
		}
	}
	return out
}

// Renumber 按开始时间重新编排产线内序号
func (b *Board) Renumber(lineID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var line []types.ScheduleTask
	for _, t := range b.tasks {
		if t.LineID == lineID {
			line = append(line, t)
		}
	}
	SortTasks(line)
	for i, t := range line {
		t.SequenceOrder = i + 1
		b.tasks[t.ID] = t
	}
}

// SortTasks 按开始时间、ID 排序
func SortTasks(tasks []types.ScheduleTask) {
	sort.Slice(tasks, func(i, j int) bool { return taskBefore(tasks[i], tasks[j]) })
}

func taskBefore(a, b types.ScheduleTask) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.Before(b.Start)
	}
	return a.ID < b.ID
}
