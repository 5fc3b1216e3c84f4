package event

import (
	"sync"
	"testing"
	"time"

	"food-aps/internal/types"

	"github.com/stretchr/testify/assert"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	got := map[string]int{}
	for _, name := range []string{"metrics", "board"} {
		bus.Subscribe(TaskCommitted, func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			got[name+":"+e.Task.ID]++
		})
	}
	bus.Subscribe(TaskRemoved, func(Event) { t.Error("unexpected TaskRemoved delivery") })

	bus.Publish(Event{Type: TaskCommitted, Task: &types.ScheduleTask{ID: "T1"}})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got["metrics:T1"] == 1 && got["board:T1"] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPublishOnNilBusIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(Event{Type: BatchCompleted}) })
}
