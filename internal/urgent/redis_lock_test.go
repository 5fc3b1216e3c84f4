package urgent

import (
	"context"
	"sync"
	"testing"
	"time"

	"food-aps/internal/fsm"
	"food-aps/internal/types"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, clock *testClock) (*RedisLockStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLockStore(rdb, "test:slot-locks:", clock.Now), mr
}

func slotLock(slotID, lineID, owner string, start, end time.Time, ttl time.Duration) types.SlotLock {
	return types.SlotLock{SlotID: slotID, LineID: lineID, LockedBy: owner,
		Window: types.TimeRange{Start: start, End: end}, ExpireAt: now.Add(ttl)}
}

func TestRedisLockStoreSameSlotTwoOwners(t *testing.T) {
	clock := &testClock{t: now}
	s, _ := newRedisStore(t, clock)
	ctx := context.Background()

	first, err := s.Acquire(ctx, slotLock("S1", "L1", "alice", at(8, 0), at(9, 0), time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, first.Token)

	_, err = s.Acquire(ctx, slotLock("S1", "L1", "bob", at(8, 0), at(9, 0), time.Minute))
	require.ErrorIs(t, err, types.ErrLockContention)
	assert.Contains(t, err.Error(), "alice")

	again, err := s.Acquire(ctx, slotLock("S1", "L1", "alice", at(8, 0), at(9, 0), 2*time.Minute))
	require.NoError(t, err, "持有人可以续期")
	assert.NotEqual(t, first.Token, again.Token)
}

func TestRedisLockStoreOverlappingWindows(t *testing.T) {
	clock := &testClock{t: now}
	s, _ := newRedisStore(t, clock)
	ctx := context.Background()

	_, err := s.Acquire(ctx, slotLock("S1", "L1", "alice", at(8, 0), at(9, 0), time.Minute))
	require.NoError(t, err)

	_, err = s.Acquire(ctx, slotLock("S2", "L1", "bob", at(8, 30), at(9, 30), time.Minute))
	assert.ErrorIs(t, err, types.ErrLockContention, "同产线重叠时间窗")

	_, err = s.Acquire(ctx, slotLock("S3", "L1", "bob", at(9, 0), at(10, 0), time.Minute))
	assert.NoError(t, err, "首尾相接不算重叠")

	_, err = s.Acquire(ctx, slotLock("S4", "L2", "bob", at(8, 30), at(9, 30), time.Minute))
	assert.NoError(t, err, "不同产线互不影响")

	holders, err := s.Holders(ctx, "L1", "S9", types.TimeRange{Start: at(8, 45), End: at(9, 15)})
	require.NoError(t, err)
	require.Len(t, holders, 2)
	assert.Equal(t, "S1", holders[0].SlotID)
	assert.Equal(t, "S3", holders[1].SlotID)
	assert.Equal(t, at(8, 0), holders[0].Window.Start)
}

func TestRedisLockStoreExpiry(t *testing.T) {
	clock := &testClock{t: now}
	s, mr := newRedisStore(t, clock)
	ctx := context.Background()

	_, err := s.Acquire(ctx, slotLock("S1", "L1", "alice", at(8, 0), at(9, 0), time.Minute))
	require.NoError(t, err)

	_, err = s.Acquire(ctx, types.SlotLock{SlotID: "S0", LineID: "L1", LockedBy: "bob",
		Window: types.TimeRange{Start: at(8, 0), End: at(9, 0)}, ExpireAt: now.Add(-time.Second)})
	assert.ErrorIs(t, err, types.ErrStaleLock)

	clock.Advance(2 * time.Minute)
	holders, err := s.Holders(ctx, "L1", "S1", types.TimeRange{Start: at(8, 0), End: at(9, 0)})
	require.NoError(t, err)
	assert.Empty(t, holders, "过期的锁不再返回")

	bob := slotLock("S2", "L1", "bob", at(8, 30), at(9, 30), 3*time.Minute)
	_, err = s.Acquire(ctx, bob)
	require.NoError(t, err, "过期的锁在加锁时被清理")
	assert.Empty(t, mr.HGet("test:slot-locks:L1", "S1"), "alice 的条目已删除")
	assert.NotEmpty(t, mr.HGet("test:slot-locks:L1", "S2"))

	// 产线哈希整体过期后不留下任何条目
	mr.FastForward(5 * time.Minute)
	assert.False(t, mr.Exists("test:slot-locks:L1"))
}

func TestRedisLockStoreReleaseNeedsToken(t *testing.T) {
	clock := &testClock{t: now}
	s, _ := newRedisStore(t, clock)
	ctx := context.Background()

	held, err := s.Acquire(ctx, slotLock("S1", "L1", "alice", at(8, 0), at(9, 0), time.Minute))
	require.NoError(t, err)

	forged := held
	forged.Token = "not-the-token"
	require.NoError(t, s.Release(ctx, forged))
	holders, err := s.Holders(ctx, "L1", "S1", held.Window)
	require.NoError(t, err)
	require.Len(t, holders, 1, "令牌不匹配时锁保持不变")
	assert.Equal(t, held.Token, holders[0].Token)

	require.NoError(t, s.Release(ctx, held))
	holders, err = s.Holders(ctx, "L1", "S1", held.Window)
	require.NoError(t, err)
	assert.Empty(t, holders)

	require.NoError(t, s.Release(ctx, held), "重复释放不报错")
}

func TestRedisBackedEngineLocksOnce(t *testing.T) {
	clock := &testClock{t: now}
	e := newEngine(t, clock)
	store, _ := newRedisStore(t, clock)
	e.locks = store
	ctx := context.Background()
	p, err := e.Propose(ctx, chainSnapshot(), urgentOrder())
	require.NoError(t, err)
	slot := p.Best()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Lock(ctx, p.ID, slot.ID, string(rune('a'+i)))
		}()
	}
	wg.Wait()
	won := 0
	for _, err := range errs {
		if err == nil {
			won++
		}
	}
	assert.Equal(t, 1, won)

	owner := p.Lock().LockedBy
	require.NoError(t, e.Cancel(ctx, p.ID, owner))
	assert.Equal(t, fsm.StateCancelled, p.State())
	holders, err := store.Holders(ctx, slot.LineID, slot.ID, slot.Window())
	require.NoError(t, err)
	assert.Empty(t, holders, "取消后远程锁已释放")
}
