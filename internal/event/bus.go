package event

import (
	"sync"

	"food-aps/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 排程相关的业务事件
const (
	TaskCommitted     EventType = "TaskCommitted"     // 新任务写入排程
	TaskShifted       EventType = "TaskShifted"       // 已有任务被调整 (顺延、换线、换资源)
	TaskRemoved       EventType = "TaskRemoved"       // 任务从排程中移除 (重排、混批合并)
	OrderUnscheduled  EventType = "OrderUnscheduled"  // 订单本轮无法排产
	ConflictDetected  EventType = "ConflictDetected"  // 检测到资源冲突
	ConflictResolved  EventType = "ConflictResolved"  // 冲突被自动消解
	UrgentInserted    EventType = "UrgentInserted"    // 急单插入结束 (成功、待审批或失败)
	BatchCompleted    EventType = "BatchCompleted"    // 批量排产/重排结束
	WorkersReassigned EventType = "WorkersReassigned" // 人员调配已应用
)

// 急单插入结果分类，用于 UrgentInserted 事件和指标标签
const (
	OutcomeCommitted       = "committed"
	OutcomePendingApproval = "pending_approval"
	OutcomeRejected        = "rejected"
	OutcomeCancelled       = "cancelled"
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type        EventType
	TraceID     string
	Task        *types.ScheduleTask      // 任务相关事件
	Order       *types.UnscheduledOrder  // OrderUnscheduled
	Conflict    *types.ScheduleConflict  // 冲突相关事件
	Result      *types.SchedulingResult  // BatchCompleted
	Insert      *types.InsertResult      // UrgentInserted
	Assignments []types.WorkerAssignment // WorkersReassigned
	Outcome     string                   // UrgentInserted 的结果分类
	Seconds     float64                  // BatchCompleted 的耗时
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
// 处理器异步执行，排产写路径不会被看板推送或日志阻塞
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, handler := range b.handlers[e.Type] {
		go handler(e)
	}
}
