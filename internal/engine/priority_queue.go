package engine

import (
	"food-aps/internal/candidate"
)

// Item 是优先级队列中的元素，包装了一个订单的候选生成结果
type Item struct {
	Proposal candidate.Proposal // 候选产线及排除原因
	Urgency  float64            // urgency_first 评分
	index    int                // 元素在堆中的索引
}

// PriorityQueue 实现了 heap.Interface 接口
// 批量排产的提交阶段按紧迫度从高到低出队
type PriorityQueue []*Item

func (pq PriorityQueue) Len() int { return len(pq) }

// Less 定义了元素的排序规则
// 紧迫度高者先出，平手时交期早者先出，再按订单 ID
func (pq PriorityQueue) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	if a.Urgency != b.Urgency {
		return a.Urgency > b.Urgency
	}
	if !a.Proposal.Order.Deadline.Equal(b.Proposal.Order.Deadline) {
		return a.Proposal.Order.Deadline.Before(b.Proposal.Order.Deadline)
	}
	return a.Proposal.Order.ID < b.Proposal.Order.ID
}

// Swap 交换两个元素的位置
func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

// Push 向队列中添加元素
func (pq *PriorityQueue) Push(x interface{}) {
	n := len(*pq)
	item := x.(*Item)
	item.index = n
	*pq = append(*pq, item)
}

// Pop 从队列中移除并返回紧迫度最高的元素
func (pq *PriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // 避免内存泄漏
	item.index = -1
	*pq = old[0 : n-1]
	return item
}
