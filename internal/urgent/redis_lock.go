package urgent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"food-aps/internal/types"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// acquireScript 在一个产线哈希内原子地清理过期锁、检查冲突并写入新锁
// KEYS[1] 产线哈希；ARGV: slotID, owner, payload, startMs, endMs, nowMs, ttlMs
var acquireScript = redis.NewScript(`
local now = tonumber(ARGV[6])
local entries = redis.call('HGETALL', KEYS[1])
for i = 1, #entries, 2 do
  local id = entries[i]
  local held = cjson.decode(entries[i + 1])
  if tonumber(held.expire_ms) <= now then
    redis.call('HDEL', KEYS[1], id)
  elseif held.locked_by ~= ARGV[2] and (id == ARGV[1] or (tonumber(held.start_ms) < tonumber(ARGV[5]) and tonumber(ARGV[4]) < tonumber(held.end_ms))) then
    return entries[i + 1]
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
local ttl = tonumber(ARGV[7])
if redis.call('PTTL', KEYS[1]) < ttl then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return ''
`)

// releaseScript 令牌匹配时删除锁
var releaseScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then return 0 end
if cjson.decode(raw).token ~= ARGV[2] then return 0 end
return redis.call('HDEL', KEYS[1], ARGV[1])
`)

// redisLock 锁在 Redis 中的存储形式，时间以毫秒保存便于脚本比较
type redisLock struct {
	SlotID   string `json:"slot_id"`
	LineID   string `json:"line_id"`
	LockedBy string `json:"locked_by"`
	Token    string `json:"token"`
	StartMs  int64  `json:"start_ms"`
	EndMs    int64  `json:"end_ms"`
	ExpireMs int64  `json:"expire_ms"`
}

func toRedisLock(l types.SlotLock) redisLock {
	return redisLock{
		SlotID: l.SlotID, LineID: l.LineID, LockedBy: l.LockedBy, Token: l.Token,
		StartMs: l.Window.Start.UnixMilli(), EndMs: l.Window.End.UnixMilli(), ExpireMs: l.ExpireAt.UnixMilli(),
	}
}

func (r redisLock) slotLock() types.SlotLock {
	return types.SlotLock{
		SlotID: r.SlotID, LineID: r.LineID, LockedBy: r.LockedBy, Token: r.Token,
		Window:   types.TimeRange{Start: time.UnixMilli(r.StartMs).UTC(), End: time.UnixMilli(r.EndMs).UTC()},
		ExpireAt: time.UnixMilli(r.ExpireMs).UTC(),
	}
}

// RedisLockStore 基于 Redis 的跨实例时间窗锁，每条产线一个哈希
type RedisLockStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisLockStore 创建 Redis 锁存储
func NewRedisLockStore(rdb redis.UniversalClient, prefix string, now func() time.Time) *RedisLockStore {
	if prefix == "" {
		prefix = "aps:slot-locks:"
	}
	if now == nil {
		now = time.Now
	}
	return &RedisLockStore{rdb: rdb, prefix: prefix, now: now}
}

// NewRedisClient 按 URL 创建 Redis 客户端
func NewRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

func (s *RedisLockStore) key(lineID string) string { return s.prefix + lineID }

// Acquire 实现 LockStore
func (s *RedisLockStore) Acquire(ctx context.Context, lock types.SlotLock) (types.SlotLock, error) {
	now := s.now()
	if !lock.ValidAt(now) {
		return types.SlotLock{}, fmt.Errorf("lock for slot %s expires in the past: %w", lock.SlotID, types.ErrStaleLock)
	}
	if lock.Token == "" {
		lock.Token = uuid.NewString()
	}
	rl := toRedisLock(lock)
	payload, err := json.Marshal(rl)
	if err != nil {
		return types.SlotLock{}, err
	}
	held, err := acquireScript.Run(ctx, s.rdb, []string{s.key(lock.LineID)},
		lock.SlotID, lock.LockedBy, string(payload), rl.StartMs, rl.EndMs, now.UnixMilli(),
		lock.ExpireAt.Sub(now).Milliseconds()).Text()
	if err != nil {
		return types.SlotLock{}, fmt.Errorf("acquire slot lock %s: %w", lock.SlotID, err)
	}
	if held != "" {
		var other redisLock
		if err := json.Unmarshal([]byte(held), &other); err != nil {
			return types.SlotLock{}, fmt.Errorf("decode held lock: %w", err)
		}
		return types.SlotLock{}, contention(other.slotLock())
	}
	return lock, nil
}

// Release 实现 LockStore
func (s *RedisLockStore) Release(ctx context.Context, lock types.SlotLock) error {
	err := releaseScript.Run(ctx, s.rdb, []string{s.key(lock.LineID)}, lock.SlotID, lock.Token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lock %s: %w", lock.SlotID, err)
	}
	return nil
}

// Holders 实现 LockStore；过期条目只被忽略，由下一次 Acquire 清理
func (s *RedisLockStore) Holders(ctx context.Context, lineID, slotID string, window types.TimeRange) ([]types.SlotLock, error) {
	entries, err := s.rdb.HGetAll(ctx, s.key(lineID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list slot locks on %s: %w", lineID, err)
	}
	now := s.now()
	var out []types.SlotLock
	for _, raw := range entries {
		var rl redisLock
		if err := json.Unmarshal([]byte(raw), &rl); err != nil {
			return nil, fmt.Errorf("decode slot lock: %w", err)
		}
		held := rl.slotLock()
		if held.ValidAt(now) && lockConflicts(held, lineID, slotID, window) {
			out = append(out, held)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotID < out[j].SlotID })
	return out, nil
}
