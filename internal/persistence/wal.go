package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"food-aps/internal/types"
)

// 日志记录类型
const (
	EntryTask   = "TASK"   // 任务写入或调整，记录完整任务
	EntryRemove = "REMOVE" // 任务从排程中移除
)

// LogEntry 代表 WAL 文件中的一条日志记录
type LogEntry struct {
	Type   string              `json:"type"`              // 日志类型: "TASK" 或 "REMOVE"
	Task   *types.ScheduleTask `json:"task,omitempty"`    // 写入/调整时包含完整的任务数据
	TaskID string              `json:"task_id,omitempty"` // 移除时只包含任务 ID
}

// WAL (Write-Ahead Log) 排程任务的预写日志
// 每次提交、顺延、移除都追加一条记录，启动时按顺序回放得到最新排程
type WAL struct {
	path string
	file *os.File   // 日志文件句柄
	mu   sync.Mutex // 互斥锁，保证文件写入的原子性
}

// NewWAL 创建或打开一个 WAL 文件
func NewWAL(path string) (*WAL, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &WAL{path: path, file: file}, nil
}

// Append 将任务的最新状态写入日志
func (w *WAL) Append(task types.ScheduleTask) error {
	return w.write(LogEntry{Type: EntryTask, Task: &task})
}

// Remove 在日志中标记任务已移除
func (w *WAL) Remove(taskID string) error {
	return w.write(LogEntry{Type: EntryRemove, TaskID: taskID})
}

func (w *WAL) write(entry LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return writeEntry(w.file, entry)
}

func writeEntry(f *os.File, entry LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	// 写入数据并在末尾添加换行符
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，防止数据丢失
	return f.Sync()
}

// Recover 回放日志，返回仍在排程中的任务，按产线、开始时间排序
// 在系统启动时调用
func (w *WAL) Recover() ([]types.ScheduleTask, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// 将文件指针移动到开头以进行读取
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	live := make(map[string]types.ScheduleTask)
	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行
			continue
		}
		switch entry.Type {
		case EntryTask:
			if entry.Task != nil {
				live[entry.Task.ID] = *entry.Task
			}
		case EntryRemove:
			delete(live, entry.TaskID)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	recovered := make([]types.ScheduleTask, 0, len(live))
	for _, t := range live {
		recovered = append(recovered, t)
	}
	sort.Slice(recovered, func(i, j int) bool {
		if recovered[i].LineID != recovered[j].LineID {
			return recovered[i].LineID < recovered[j].LineID
		}
		if !recovered[i].Start.Equal(recovered[j].Start) {
			return recovered[i].Start.Before(recovered[j].Start)
		}
		return recovered[i].ID < recovered[j].ID
	})

	// 恢复文件指针到末尾，以便后续追加写入
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return recovered, nil
}

// Compact 用当前排程重写日志，丢弃已被覆盖或移除的历史记录
// 先写临时文件再原子替换，中途失败时原日志保持不变
func (w *WAL) Compact(tasks []types.ScheduleTask) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	tmpPath := w.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("创建压缩文件失败: %w", err)
	}
	for i := range tasks {
		if err := writeEntry(tmp, LogEntry{Type: EntryTask, Task: &tasks[i]}); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("写入压缩文件失败: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("替换 WAL 文件失败: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	w.file.Close()
	w.file = file
	return nil
}

// Close 关闭 WAL 文件
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
