package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"food-aps/internal/fsm"
	"food-aps/internal/strategy"
	"food-aps/internal/types"
	"food-aps/internal/urgent"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

func decode(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func (h *handler) board(snapshot func() interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, snapshot())
	}
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.svc.GetSchedulingStats())
}

// --- 订单 ---

func (h *handler) listOrders(w http.ResponseWriter, r *http.Request) {
	orders := h.svc.Orders()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if string(o.Status) == status {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	render.JSON(w, r, orders)
}

func (h *handler) addOrder(w http.ResponseWriter, r *http.Request) {
	const op = "api.addOrder"
	var o types.ProductionOrder
	if err := decode(r, &o); err != nil {
		h.badRequest(w, r, "invalid order payload: "+err.Error())
		return
	}
	if err := h.svc.AddOrder(o); err != nil {
		h.fail(w, r, op, err)
		return
	}
	created, err := h.svc.Order(o.ID)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, created)
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.Order(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "api.getOrder", err)
		return
	}
	render.JSON(w, r, o)
}

func (h *handler) scheduleOrder(w http.ResponseWriter, r *http.Request) {
	const op = "api.scheduleOrder"
	id := chi.URLParam(r, "id")
	cands, err := h.svc.ScheduleOrder(r.Context(), id)
	if err != nil {
		h.fail(w, r, op, err)
		return
	}
	resp := map[string]any{"candidates": cands}
	for _, t := range h.svc.Tasks() {
		if t.OrderID == id {
			resp["task"] = t
			break
		}
	}
	render.JSON(w, r, resp)
}

func (h *handler) estimateDuration(w http.ResponseWriter, r *http.Request) {
	lineID := r.URL.Query().Get("line_id")
	if lineID == "" {
		h.badRequest(w, r, "line_id is required")
		return
	}
	minutes, err := h.svc.EstimateProductionDuration(chi.URLParam(r, "id"), lineID)
	if err != nil {
		h.fail(w, r, "api.estimateDuration", err)
		return
	}
	render.JSON(w, r, map[string]any{"order_id": chi.URLParam(r, "id"), "line_id": lineID, "minutes": minutes})
}

// --- 产线与任务 ---

func (h *handler) listLines(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.svc.Lines())
}

type sequenceRequest struct {
	TaskIDs []string `json:"task_ids"`
}

func (h *handler) optimizeSequence(w http.ResponseWriter, r *http.Request) {
	var req sequenceRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.badRequest(w, r, "invalid sequence payload: "+err.Error())
			return
		}
	}
	tasks, err := h.svc.OptimizeSequence(r.Context(), chi.URLParam(r, "id"), req.TaskIDs)
	if err != nil {
		h.fail(w, r, "api.optimizeSequence", err)
		return
	}
	render.JSON(w, r, tasks)
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.svc.Tasks()
	if lineID := r.URL.Query().Get("line_id"); lineID != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.LineID == lineID {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	render.JSON(w, r, tasks)
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Task(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "api.getTask", err)
		return
	}
	render.JSON(w, r, t)
}

// --- 批量排产 ---

type batchRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (h *handler) batchSchedule(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.badRequest(w, r, "invalid batch payload: "+err.Error())
			return
		}
	}
	res, err := h.svc.BatchSchedule(r.Context(), req.Start, req.End)
	if err != nil && (res == nil || !res.Cancelled) {
		h.fail(w, r, "api.batchSchedule", err)
		return
	}
	render.JSON(w, r, res)
}

type rescheduleRequest struct {
	From time.Time `json:"from"`
}

func (h *handler) reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := decode(r, &req); err != nil || req.From.IsZero() {
		h.badRequest(w, r, "from is required")
		return
	}
	res, err := h.svc.Reschedule(r.Context(), req.From)
	if err != nil && (res == nil || !res.Cancelled) {
		h.fail(w, r, "api.reschedule", err)
		return
	}
	render.JSON(w, r, res)
}

// --- 急单插入 ---

// proposalView 插单提案的对外视图
type proposalView struct {
	ID        string             `json:"id"`
	OrderID   string             `json:"order_id"`
	State     fsm.State          `json:"state"`
	CreatedAt time.Time          `json:"created_at"`
	ExpireAt  time.Time          `json:"expire_at"`
	Slots     []types.InsertSlot `json:"slots"`
	Lock      *types.SlotLock    `json:"lock,omitempty"`
}

func viewOf(p *urgent.Proposal) proposalView {
	return proposalView{
		ID:        p.ID,
		OrderID:   p.Order.ID,
		State:     p.State(),
		CreatedAt: p.CreatedAt,
		ExpireAt:  p.ExpireAt,
		Slots:     p.Slots(),
		Lock:      p.Lock(),
	}
}

func (h *handler) insertUrgent(w http.ResponseWriter, r *http.Request) {
	var o types.ProductionOrder
	if err := decode(r, &o); err != nil {
		h.badRequest(w, r, "invalid order payload: "+err.Error())
		return
	}
	res, err := h.svc.InsertUrgentOrder(r.Context(), o)
	if err != nil {
		h.fail(w, r, "api.insertUrgent", err)
		return
	}
	if res.RequiresApproval {
		render.Status(r, http.StatusAccepted)
	}
	render.JSON(w, r, res)
}

func (h *handler) getProposal(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Proposal(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "api.getProposal", err)
		return
	}
	render.JSON(w, r, viewOf(p))
}

type slotRequest struct {
	SlotID string `json:"slot_id"`
	Owner  string `json:"owner"`
}

func (h *handler) decodeSlot(w http.ResponseWriter, r *http.Request) (slotRequest, bool) {
	var req slotRequest
	if err := decode(r, &req); err != nil || req.SlotID == "" || req.Owner == "" {
		h.badRequest(w, r, "slot_id and owner are required")
		return req, false
	}
	return req, true
}

func (h *handler) lockSlot(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSlot(w, r)
	if !ok {
		return
	}
	lock, err := h.svc.LockSlot(r.Context(), chi.URLParam(r, "id"), req.SlotID, req.Owner)
	if err != nil {
		h.fail(w, r, "api.lockSlot", err)
		return
	}
	render.JSON(w, r, lock)
}

func (h *handler) commitSlot(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSlot(w, r)
	if !ok {
		return
	}
	res, err := h.svc.CommitSlot(r.Context(), chi.URLParam(r, "id"), req.SlotID, req.Owner)
	if err != nil {
		h.fail(w, r, "api.commitSlot", err)
		return
	}
	render.JSON(w, r, res)
}

func (h *handler) cancelInsertion(w http.ResponseWriter, r *http.Request) {
	var req slotRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.badRequest(w, r, "invalid cancel payload: "+err.Error())
			return
		}
	}
	id := chi.URLParam(r, "id")
	if err := h.svc.CancelInsertion(r.Context(), id, req.Owner); err != nil {
		h.fail(w, r, "api.cancelInsertion", err)
		return
	}
	render.JSON(w, r, map[string]any{"proposal_id": id, "state": fsm.StateCancelled})
}

// --- 冲突与混批 ---

func (h *handler) detectConflicts(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.svc.DetectConflicts(nil))
}

func (h *handler) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var c types.ScheduleConflict
	if err := decode(r, &c); err != nil || c.ID == "" {
		h.badRequest(w, r, "conflict id is required")
		return
	}
	resolved, err := h.svc.ResolveConflict(r.Context(), c)
	if err != nil {
		h.fail(w, r, "api.resolveConflict", err)
		return
	}
	render.JSON(w, r, map[string]any{"conflict_id": c.ID, "resolved": resolved})
}

func (h *handler) analyzeMixBatch(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if raw := r.URL.Query().Get("order_ids"); raw != "" {
		ids = strings.Split(raw, ",")
	}
	groups, err := h.svc.AnalyzeMixBatchOpportunities(ids)
	if err != nil {
		h.fail(w, r, "api.analyzeMixBatch", err)
		return
	}
	render.JSON(w, r, groups)
}

func (h *handler) mergeMixBatch(w http.ResponseWriter, r *http.Request) {
	var g types.MixBatchGroup
	if err := decode(r, &g); err != nil {
		h.badRequest(w, r, "invalid mix batch payload: "+err.Error())
		return
	}
	task, err := h.svc.MergeMixBatch(r.Context(), g)
	if err != nil {
		h.fail(w, r, "api.mergeMixBatch", err)
		return
	}
	render.JSON(w, r, task)
}

// --- 人员 ---

func (h *handler) staffing(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.svc.Staffing())
}

type optimizeWorkersRequest struct {
	Date string `json:"date"` // YYYY-MM-DD，缺省为今天
}

func (h *handler) optimizeWorkers(w http.ResponseWriter, r *http.Request) {
	var req optimizeWorkersRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			h.badRequest(w, r, "invalid payload: "+err.Error())
			return
		}
	}
	date := time.Now()
	if req.Date != "" {
		d, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			h.badRequest(w, r, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}
	render.JSON(w, r, h.svc.OptimizeWorkerAssignment(r.Context(), date))
}

func (h *handler) suggestTransfer(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from_line_id")
	count, err := strconv.Atoi(r.URL.Query().Get("count"))
	if from == "" || err != nil {
		h.badRequest(w, r, "from_line_id and integer count are required")
		return
	}
	out, err := h.svc.SuggestWorkerTransfer(from, count)
	if err != nil {
		h.fail(w, r, "api.suggestTransfer", err)
		return
	}
	render.JSON(w, r, out)
}

func (h *handler) applyTransfer(w http.ResponseWriter, r *http.Request) {
	var sug types.TransferSuggestion
	if err := decode(r, &sug); err != nil {
		h.badRequest(w, r, "invalid transfer payload: "+err.Error())
		return
	}
	moves, err := h.svc.ApplyTransfer(r.Context(), sug)
	if err != nil {
		h.fail(w, r, "api.applyTransfer", err)
		return
	}
	render.JSON(w, r, moves)
}

// --- 换线与策略 ---

func (h *handler) changeover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, lineID := q.Get("from"), q.Get("to"), q.Get("line_id")
	if to == "" {
		h.badRequest(w, r, "to is required")
		return
	}
	render.JSON(w, r, map[string]any{
		"from": from, "to": to, "line_id": lineID,
		"minutes": h.svc.CalculateChangeoverTime(from, to, lineID),
	})
}

func (h *handler) getWeights(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.svc.GetStrategyWeights())
}

func (h *handler) updateWeights(w http.ResponseWriter, r *http.Request) {
	var weights strategy.Weights
	if err := decode(r, &weights); err != nil {
		h.badRequest(w, r, "invalid weights payload: "+err.Error())
		return
	}
	if err := h.svc.UpdateStrategyWeights(weights); err != nil {
		h.fail(w, r, "api.updateWeights", err)
		return
	}
	render.JSON(w, r, h.svc.GetStrategyWeights())
}
