package types

import (
	"errors"
	"fmt"
	"strings"
)

// 排产核心的错误分类
var (
	ErrInfeasibleOrder         = errors.New("infeasible order: no candidate line")
	ErrConflictUnresolved      = errors.New("conflict unresolved")
	ErrLockContention          = errors.New("slot already locked")
	ErrStaleLock               = errors.New("slot lock expired")
	ErrInvalidWeightConfig     = errors.New("invalid strategy weight config")
	ErrInvalidChangeoverMatrix = errors.New("invalid changeover matrix")
	ErrMaterialShortage        = errors.New("material shortage")
	ErrCapacityExceeded        = errors.New("capacity exceeded")
	ErrNotFound                = errors.New("not found")
	ErrSlotInvalidated         = errors.New("slot no longer feasible")
	ErrInvalidOrder            = errors.New("invalid order")
	ErrDuplicateOrder          = errors.New("order already exists")
	ErrOrderNotPending         = errors.New("order is not pending")
)

// InfeasibleError 携带订单被所有产线排除的原因
type InfeasibleError struct {
	OrderID    string
	Rejections []Rejection
}

func (e *InfeasibleError) Error() string {
	reasons := make([]string, 0, len(e.Rejections))
	for _, r := range e.Rejections {
		reasons = append(reasons, r.LineID+":"+r.Reason)
	}
	return fmt.Sprintf("order %s: %v [%s]", e.OrderID, ErrInfeasibleOrder, strings.Join(reasons, ", "))
}

func (e *InfeasibleError) Unwrap() error { return ErrInfeasibleOrder }

// DominantReason 返回出现次数最多的排除原因
func (e *InfeasibleError) DominantReason() string {
	counts := map[string]int{}
	best := ""
	for _, r := range e.Rejections {
		counts[r.Reason]++
		if best == "" || counts[r.Reason] > counts[best] || (counts[r.Reason] == counts[best] && r.Reason < best) {
			best = r.Reason
		}
	}
	if best == "" {
		return RejectCategory
	}
	return best
}
