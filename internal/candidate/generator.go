// Package candidate 为订单枚举可行产线并按综合评分排序
package candidate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"food-aps/internal/feature"
	"food-aps/internal/schedule"
	"food-aps/internal/strategy"
	"food-aps/internal/types"
	"food-aps/internal/util"

	"golang.org/x/sync/errgroup"
)

// Options 候选生成参数
type Options struct {
	Horizon           time.Duration // 排产视野，超出视野的时间窗不考虑
	CapacityWindow    time.Duration // 剩余产能统计窗口
	MaterialThreshold float64       // 齐套率低于该值时需等待物料到货
	Parallelism       int           // 并发生成候选的最大 goroutine 数
}

// Proposal 一个订单的候选生成结果
type Proposal struct {
	Order      *types.ProductionOrder
	Candidates []types.LineCandidate
	Rejections []types.Rejection
}

// Generator 候选产线生成器
// 只读取快照，不修改任何状态，可以并发调用
type Generator struct {
	scorer   strategy.Scorer
	weights  *strategy.WeightSet
	matrix   schedule.Changeover
	features feature.Provider
	rules    []compiledRule
	opts     Options
	logger   *slog.Logger
}

// NewGenerator 创建候选生成器，规则表达式在此编译
func NewGenerator(scorer strategy.Scorer, weights *strategy.WeightSet, matrix schedule.Changeover,
	features feature.Provider, rules []Rule, opts Options, logger *slog.Logger) (*Generator, error) {
	compiled, err := compileRules(rules)
	if err != nil {
		return nil, err
	}
	if opts.Horizon <= 0 {
		opts.Horizon = 7 * 24 * time.Hour
	}
	if opts.CapacityWindow <= 0 {
		opts.CapacityWindow = 8 * time.Hour
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	if features == nil {
		features = feature.ZeroProvider{}
	}
	return &Generator{
		scorer:   scorer,
		weights:  weights,
		matrix:   matrix,
		features: features,
		rules:    compiled,
		opts:     opts,
		logger:   logger.With("component", "candidate_generator"),
	}, nil
}

// Options 返回生成参数
func (g *Generator) Options() Options {
	return g.opts
}

// EarliestStart 订单在某产线上最早可开工时间：齐套率不足时等待物料到货
func (g *Generator) EarliestStart(o *types.ProductionOrder, now time.Time) time.Time {
	if o.MaterialReadyRatio < g.opts.MaterialThreshold && o.MaterialArrivalAt != nil && o.MaterialArrivalAt.After(now) {
		return *o.MaterialArrivalAt
	}
	return now
}

// Generate 为单个订单生成排序后的候选产线，空列表表示本轮不可排
func (g *Generator) Generate(ctx context.Context, snap *types.Snapshot, o *types.ProductionOrder) ([]types.LineCandidate, []types.Rejection) {
	logger := g.logger.With("order_id", o.ID)
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}

	var rejections []types.Rejection
	if Shortage(o) {
		rejections = append(rejections, types.Rejection{LineID: "*", Reason: types.RejectMaterial, Detail: "物料未备齐且交期前无到货"})
		logger.Debug("订单物料短缺，不生成候选")
		return nil, rejections
	}

	w := g.weights.Get()
	after := g.EarliestStart(o, snap.Now)
	horizonEnd := snap.Now.Add(g.opts.Horizon)

	var candidates []types.LineCandidate
	for _, id := range snap.LineIDs() {
		l := snap.Lines[id]
		if reason, detail := g.hardCheck(snap, o, l); reason != "" {
			rejections = append(rejections, types.Rejection{LineID: l.ID, Reason: reason, Detail: detail})
			continue
		}
		process := strategy.EstimateProductionMinutes(o, l)
		place, ok := schedule.Place(l, snap.Tasks[l.ID], "", o.ProductCategory, process, g.matrix, after, horizonEnd, nil)
		if !ok || place.Window.End.After(o.Deadline) {
			rejections = append(rejections, types.Rejection{LineID: l.ID, Reason: types.RejectNoSlot,
				Detail: fmt.Sprintf("预估 %.0f 分钟，交期前无可用时间窗", process)})
			continue
		}

		scores, total := g.scorer.Score(strategy.Input{
			Order:          o,
			Line:           l,
			Now:            snap.Now,
			FromCategory:   place.PrevCategory,
			FreeCapacity:   strategy.FreeCapacity(l, snap.Now, g.opts.CapacityWindow),
			Features:       g.features.Vector(ctx, o, l),
			ProcessMinutes: process,
		}, w)
		candidates = append(candidates, types.LineCandidate{
			LineID:            l.ID,
			TotalScore:        total,
			Scores:            scores,
			EstimatedMinutes:  process,
			ChangeoverMinutes: place.ChangeoverMinutes,
			AvailableWorkers:  availableWorkers(snap, l.ID, place.Window),
			EarliestStart:     place.Window.Start,
			EarliestEnd:       place.Window.End,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return strategy.Less(candidates[i], candidates[j]) })
	logger.Debug("候选生成完成", "candidates", len(candidates), "rejections", len(rejections))
	return candidates, rejections
}

// Shortage 物料完全未备齐且交期前没有到货
func Shortage(o *types.ProductionOrder) bool {
	return o.MaterialReadyRatio <= 0 && (o.MaterialArrivalAt == nil || !o.MaterialArrivalAt.Before(o.Deadline))
}

// Feasible 检查订单在产线上的硬约束，可行时返回空原因
func (g *Generator) Feasible(snap *types.Snapshot, o *types.ProductionOrder, l *types.ProductionLine) (reason, detail string) {
	return g.hardCheck(snap, o, l)
}

// hardCheck 检查硬约束，返回排除原因
func (g *Generator) hardCheck(snap *types.Snapshot, o *types.ProductionOrder, l *types.ProductionLine) (string, string) {
	if !l.Active {
		return types.RejectInactive, ""
	}
	if !l.Supports(o.ProductCategory) {
		return types.RejectCategory, o.ProductCategory
	}
	if o.RequiredSkillLevel > l.SkillLevel {
		return types.RejectSkill, fmt.Sprintf("需要 %d，产线 %d", o.RequiredSkillLevel, l.SkillLevel)
	}
	if l.MaxBatchSize > 0 && o.Quantity > l.MaxBatchSize && !o.Splittable {
		return types.RejectCapacity, fmt.Sprintf("数量 %.0f 超过单批上限 %.0f", o.Quantity, l.MaxBatchSize)
	}
	if l.HourlyRate() <= 0 {
		return types.RejectCapacity, "产线产能为 0"
	}
	for _, typ := range o.RequiredEquipment {
		if len(snap.EquipmentOfType(typ, l.ID)) == 0 {
			return types.RejectEquipment, "设备 " + typ
		}
	}
	for _, typ := range o.RequiredMolds {
		if len(snap.MoldsOfType(typ, l.ID)) == 0 {
			return types.RejectEquipment, "模具 " + typ
		}
	}
	name, err := evaluate(g.rules, o, l)
	if err != nil {
		g.logger.Error("规则引擎评估失败", "error", err, "order_id", o.ID, "line_id", l.ID)
		return types.RejectRule, name
	}
	if name != "" {
		return types.RejectRule, name
	}
	return "", ""
}

func availableWorkers(snap *types.Snapshot, lineID string, window types.TimeRange) int {
	busy := snap.BusyWorkers(window, "")
	n := 0
	for _, w := range snap.LineWorkers(lineID) {
		if !busy[w.ID] {
			n++
		}
	}
	return n
}

// GenerateAll 并发为多个订单生成候选，结果顺序与输入一致
// ctx 取消时返回已生成的部分结果和 ctx.Err()
func (g *Generator) GenerateAll(ctx context.Context, snap *types.Snapshot, orders []*types.ProductionOrder) ([]Proposal, error) {
	proposals := make([]Proposal, len(orders))
	done := make([]bool, len(orders))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.opts.Parallelism)
	for i, o := range orders {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			cands, rejects := g.Generate(egCtx, snap, o)
			proposals[i] = Proposal{Order: o, Candidates: cands, Rejections: rejects}
			done[i] = true
			return nil
		})
	}
	err := eg.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		var partial []Proposal
		for i, p := range proposals {
			if done[i] {
				partial = append(partial, p)
			}
		}
		return partial, err
	}
	return proposals, nil
}
