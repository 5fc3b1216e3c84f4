package persistence

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"food-aps/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverReplaysLatestState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aps.wal")
	wal, err := NewWAL(path)
	require.NoError(t, err)

	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	t1 := types.ScheduleTask{ID: "T1", OrderID: "O1", LineID: "L1", Start: base, End: base.Add(time.Hour)}
	t2 := types.ScheduleTask{ID: "T2", OrderID: "O2", LineID: "L1", Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)}
	t3 := types.ScheduleTask{ID: "T3", OrderID: "O3", LineID: "L2", Start: base, End: base.Add(time.Hour)}
	require.NoError(t, wal.Append(t1))
	require.NoError(t, wal.Append(t2))
	require.NoError(t, wal.Append(t3))

	shifted := t1
	shifted.Start, shifted.End = base.Add(3*time.Hour), base.Add(4*time.Hour)
	require.NoError(t, wal.Append(shifted))
	require.NoError(t, wal.Remove("T2"))
	require.NoError(t, wal.Close())

	reopened, err := NewWAL(path)
	require.NoError(t, err)
	defer reopened.Close()
	tasks, err := reopened.Recover()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "T1", tasks[0].ID)
	assert.True(t, tasks[0].Start.Equal(shifted.Start))
	assert.Equal(t, "T3", tasks[1].ID)

	// 回放后可以继续追加
	require.NoError(t, reopened.Remove("T3"))
	tasks, err = reopened.Recover()
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestRecoverSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aps.wal")
	content := `{"type":"TASK","task":{"id":"T1","line_id":"L1"}}
not-json
{"type":"TASK","task":{"id":"T2","line_id":"L1"}}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	wal, err := NewWAL(path)
	require.NoError(t, err)
	defer wal.Close()

	tasks, err := wal.Recover()
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestCompactKeepsOnlyLiveTasks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aps.wal")
	wal, err := NewWAL(path)
	require.NoError(t, err)
	defer wal.Close()

	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"T1", "T2", "T3"} {
		require.NoError(t, wal.Append(types.ScheduleTask{ID: id, LineID: "L1",
			Start: base.Add(time.Duration(i) * time.Hour), End: base.Add(time.Duration(i+1) * time.Hour)}))
	}
	require.NoError(t, wal.Remove("T2"))
	require.NoError(t, wal.Remove("T3"))

	live, err := wal.Recover()
	require.NoError(t, err)
	require.NoError(t, wal.Compact(live))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))

	// 压缩后继续追加写入同一个文件
	require.NoError(t, wal.Append(types.ScheduleTask{ID: "T4", LineID: "L2", Start: base, End: base.Add(time.Hour)}))
	tasks, err := wal.Recover()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "T1", tasks[0].ID)
	assert.Equal(t, "T4", tasks[1].ID)
}
