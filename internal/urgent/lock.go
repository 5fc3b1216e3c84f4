package urgent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"food-aps/internal/types"

	"github.com/google/uuid"
)

// LockStore 时间窗锁存储
// 锁只是咨询性的：提交时仍会基于最新排程重新校验
type LockStore interface {
	// Acquire 加锁并返回带令牌的锁；同一时间窗或同产线重叠时间窗被他人持有有效锁时返回 ErrLockContention
	Acquire(ctx context.Context, lock types.SlotLock) (types.SlotLock, error)
	// Release 按令牌释放锁，锁不存在或令牌不匹配时不做任何事
	Release(ctx context.Context, lock types.SlotLock) error
	// Holders 返回与给定时间窗冲突的全部有效锁
	Holders(ctx context.Context, lineID, slotID string, window types.TimeRange) ([]types.SlotLock, error)
}

func lockConflicts(held types.SlotLock, lineID, slotID string, window types.TimeRange) bool {
	return held.SlotID == slotID || (held.LineID == lineID && held.Window.Overlaps(window))
}

func contention(held types.SlotLock) error {
	return fmt.Errorf("slot %s on %s held by %s until %s: %w",
		held.SlotID, held.LineID, held.LockedBy, held.ExpireAt.Format(time.RFC3339), types.ErrLockContention)
}

// MemoryLockStore 进程内锁存储，过期的锁在访问时惰性清除
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[string]types.SlotLock // slotID -> lock
	now   func() time.Time
}

// NewMemoryLockStore 创建进程内锁存储
func NewMemoryLockStore(now func() time.Time) *MemoryLockStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryLockStore{locks: make(map[string]types.SlotLock), now: now}
}

// Acquire 实现 LockStore
func (s *MemoryLockStore) Acquire(ctx context.Context, lock types.SlotLock) (types.SlotLock, error) {
	if err := ctx.Err(); err != nil {
		return types.SlotLock{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !lock.ValidAt(now) {
		return types.SlotLock{}, fmt.Errorf("lock for slot %s expires in the past: %w", lock.SlotID, types.ErrStaleLock)
	}
	for id, held := range s.locks {
		if !held.ValidAt(now) {
			delete(s.locks, id)
			continue
		}
		if held.LockedBy != lock.LockedBy && lockConflicts(held, lock.LineID, lock.SlotID, lock.Window) {
			return types.SlotLock{}, contention(held)
		}
	}
	if lock.Token == "" {
		lock.Token = uuid.NewString()
	}
	s.locks[lock.SlotID] = lock
	return lock, nil
}

// Release 实现 LockStore
func (s *MemoryLockStore) Release(_ context.Context, lock types.SlotLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.locks[lock.SlotID]; ok && held.Token == lock.Token {
		delete(s.locks, lock.SlotID)
	}
	return nil
}

// Holders 实现 LockStore
func (s *MemoryLockStore) Holders(_ context.Context, lineID, slotID string, window types.TimeRange) ([]types.SlotLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []types.SlotLock
	for id, held := range s.locks {
		if !held.ValidAt(now) {
			delete(s.locks, id)
			continue
		}
		if lockConflicts(held, lineID, slotID, window) {
			out = append(out, held)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotID < out[j].SlotID })
	return out, nil
}
