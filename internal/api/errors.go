package api

import (
	"errors"
	"net/http"

	"food-aps/internal/fsm"
	"food-aps/internal/types"

	"github.com/go-chi/render"
)

// errorResponse 错误响应体
type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
	// Rejections 订单无法排产时各产线的排除原因
	Rejections []types.Rejection `json:"rejections,omitempty"`
}

// statusFor 把领域错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrLockContention):
		return http.StatusConflict
	case errors.Is(err, types.ErrStaleLock):
		return http.StatusGone
	case errors.Is(err, types.ErrInvalidWeightConfig),
		errors.Is(err, types.ErrInvalidOrder),
		errors.Is(err, types.ErrInvalidChangeoverMatrix):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrInfeasibleOrder),
		errors.Is(err, types.ErrMaterialShortage),
		errors.Is(err, types.ErrCapacityExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrSlotInvalidated),
		errors.Is(err, types.ErrConflictUnresolved),
		errors.Is(err, types.ErrOrderNotPending),
		errors.Is(err, types.ErrDuplicateOrder),
		errors.Is(err, fsm.ErrInvalidTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// fail 渲染错误响应
func (h *handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var inf *types.InfeasibleError
	if errors.As(err, &inf) {
		resp.Reason = inf.DominantReason()
		resp.Rejections = inf.Rejections
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("请求处理失败", "op", op, "error", err)
	} else {
		h.logger.Warn("请求被拒绝", "op", op, "status", status, "error", err)
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}

// badRequest 渲染参数错误
func (h *handler) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, errorResponse{Error: msg})
}
