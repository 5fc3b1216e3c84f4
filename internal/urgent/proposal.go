package urgent

import (
	"sort"
	"sync"
	"time"

	"food-aps/internal/fsm"
	"food-aps/internal/types"
)

// Proposal 一次急单插入尝试：候选时间窗、可选的锁和生命周期状态
type Proposal struct {
	ID        string
	Order     *types.ProductionOrder
	CreatedAt time.Time
	ExpireAt  time.Time

	mu       sync.Mutex
	slots    []types.InsertSlot // 按评分从高到低
	selected string             // 被加锁或提交的时间窗
	lock     *types.SlotLock
	state    *fsm.FSM
}

// State 返回当前生命周期状态
func (p *Proposal) State() fsm.State {
	return p.state.Current()
}

// Slots 返回候选时间窗副本，State 字段反映各时间窗当前状态
func (p *Proposal) Slots() []types.InsertSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.state.Current()
	out := make([]types.InsertSlot, len(p.slots))
	for i, s := range p.slots {
		switch {
		case s.ID == p.selected:
			s.State = types.SlotState(cur)
		case cur == fsm.StateCancelled || cur == fsm.StateExpired:
			s.State = types.SlotState(cur)
		default:
			s.State = types.SlotCandidate
		}
		if s.ID == p.selected && p.lock != nil {
			l := *p.lock
			s.Lock = &l
		}
		out[i] = s
	}
	return out
}

// Slot 按 ID 查找候选时间窗
func (p *Proposal) Slot(id string) (types.InsertSlot, bool) {
	for _, s := range p.Slots() {
		if s.ID == id {
			return s, true
		}
	}
	return types.InsertSlot{}, false
}

// Best 返回评分最高的时间窗
func (p *Proposal) Best() types.InsertSlot {
	return p.Slots()[0]
}

// Lock 返回当前持有的锁
func (p *Proposal) Lock() *types.SlotLock {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lock == nil {
		return nil
	}
	l := *p.lock
	return &l
}

func (p *Proposal) setLock(l *types.SlotLock, slotID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lock = l
	p.selected = slotID
}

func (p *Proposal) replaceSlot(s types.InsertSlot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if p.slots[i].ID == s.ID {
			p.slots[i] = s
		}
	}
	p.selected = s.ID
}

// ProposalStore 带过期时间的提案存储
type ProposalStore struct {
	mu    sync.Mutex
	items map[string]*Proposal
	grace time.Duration // 过期后保留的时间，便于查询最终状态
}

// NewProposalStore 创建提案存储
func NewProposalStore(grace time.Duration) *ProposalStore {
	return &ProposalStore{items: make(map[string]*Proposal), grace: grace}
}

// Put 保存提案
func (s *ProposalStore) Put(p *Proposal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[p.ID] = p
}

// Get 按 ID 查找提案
func (s *ProposalStore) Get(id string) (*Proposal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[id]
	return p, ok
}

// Expired 返回已过期但尚未进入终态的提案
func (s *ProposalStore) Expired(now time.Time) []*Proposal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Proposal
	for _, p := range s.items {
		if !now.Before(p.ExpireAt) && !p.state.Terminal() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Evict 删除过期超过保留时间的提案，返回删除数量
func (s *ProposalStore) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.items {
		if now.After(p.ExpireAt.Add(s.grace)) {
			delete(s.items, id)
			n++
		}
	}
	return n
}

// Len 返回提案数量
func (s *ProposalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
