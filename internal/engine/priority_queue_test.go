package engine

import (
	"container/heap"
	"testing"
	"time"

	"food-aps/internal/candidate"
	"food-aps/internal/types"

	"github.com/stretchr/testify/assert"
)

func item(id string, urgency float64, deadline time.Duration) *Item {
	return &Item{Proposal: candidate.Proposal{Order: &types.ProductionOrder{ID: id, Deadline: now.Add(deadline)}}, Urgency: urgency}
}

func TestPriorityQueueOrder(t *testing.T) {
	pq := PriorityQueue{
		item("C", 0.2, time.Hour),
		item("B", 0.9, 5*time.Hour),
		item("A2", 0.5, 2*time.Hour),
		item("A1", 0.5, 2*time.Hour),
		item("D", 0.5, time.Hour),
	}
	heap.Init(&pq)
	heap.Push(&pq, item("E", 1, 10*time.Hour))

	var got []string
	for pq.Len() > 0 {
		got = append(got, heap.Pop(&pq).(*Item).Proposal.Order.ID)
	}
	assert.Equal(t, []string{"E", "B", "D", "A1", "A2", "C"}, got)
}
