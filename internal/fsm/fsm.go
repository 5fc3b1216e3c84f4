// Package fsm 急单插入尝试的生命周期状态机
package fsm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// State 定义状态类型
type State string

// Event 定义事件类型
type Event string

const (
	StateCandidate State = "CANDIDATE_GENERATED"
	StateLocked    State = "LOCKED"
	StateCommitted State = "COMMITTED"
	StateCancelled State = "CANCELLED"
	StateExpired   State = "EXPIRED"
)

const (
	EventLock   Event = "LOCK"
	EventCommit Event = "COMMIT"
	EventCancel Event = "CANCEL"
	EventExpire Event = "EXPIRE"
)

// ErrInvalidTransition 当前状态不接受该事件
var ErrInvalidTransition = errors.New("invalid transition")

// FSM 有限状态机
type FSM struct {
	mu      sync.Mutex
	current State
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[State]map[Event]State
	// callbacks 定义进入状态后的回调: State -> func()
	callbacks map[State]func(targetID string)
	TargetID  string // 关联的插单提案 ID
	logger    *slog.Logger
}

// NewFSM 创建处于 CANDIDATE_GENERATED 状态的状态机
func NewFSM(targetID string, logger *slog.Logger) *FSM {
	f := &FSM{
		current:     StateCandidate,
		TargetID:    targetID,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]func(string)),
		logger:      logger.With("component", "fsm", "target_id", targetID),
	}
	f.initTransitions()
	return f
}

func (f *FSM) initTransitions() {
	f.addTransition(StateCandidate, EventLock, StateLocked)
	f.addTransition(StateCandidate, EventCommit, StateCommitted) // 未加锁直接提交 (乐观校验)
	f.addTransition(StateCandidate, EventCancel, StateCancelled)
	f.addTransition(StateCandidate, EventExpire, StateExpired)

	f.addTransition(StateLocked, EventLock, StateLocked) // 同一持有人续锁或改锁其他时间窗
	f.addTransition(StateLocked, EventCommit, StateCommitted)
	f.addTransition(StateLocked, EventCancel, StateCancelled)
	f.addTransition(StateLocked, EventExpire, StateExpired)
}

func (f *FSM) addTransition(from State, event Event, to State) {
	if _, ok := f.transitions[from]; !ok {
		f.transitions[from] = make(map[Event]State)
	}
	f.transitions[from][event] = to
}

// RegisterCallback 注册状态进入时的回调
func (f *FSM) RegisterCallback(state State, callback func(targetID string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[state] = callback
}

// Current 返回当前状态
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Can 当前状态是否接受该事件
func (f *FSM) Can(event Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.transitions[f.current][event]
	return ok
}

// Terminal 是否已进入终态
func (f *FSM) Terminal() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transitions[f.current]) == 0
}

// Fire 触发事件
func (f *FSM) Fire(event Event) error {
	f.mu.Lock()
	nextState, ok := f.transitions[f.current][event]
	if !ok {
		cur := f.current
		f.mu.Unlock()
		return fmt.Errorf("%w: cannot fire event %s from state %s", ErrInvalidTransition, event, cur)
	}
	prevState := f.current
	f.current = nextState
	cb := f.callbacks[nextState]
	f.mu.Unlock()

	f.logger.Debug("状态转移", "from", prevState, "to", nextState, "event", event)

	// 回调在锁外执行，回调中可以再次查询状态
	if cb != nil {
		cb(f.TargetID)
	}
	return nil
}
