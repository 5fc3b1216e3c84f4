// Package feature 对接外部特征向量服务
package feature

import (
	"context"

	"food-aps/internal/types"
)

// Dimension 特征向量维度
const Dimension = 128

// Provider 为 (订单, 产线) 构建特征向量的外部协作方
// 实现必须在超时后返回零向量，不能阻塞排产
type Provider interface {
	Vector(ctx context.Context, o *types.ProductionOrder, l *types.ProductionLine) []float64
}

// ZeroProvider 始终返回零向量，未配置特征服务时使用
type ZeroProvider struct{}

// Vector 返回零向量
func (ZeroProvider) Vector(context.Context, *types.ProductionOrder, *types.ProductionLine) []float64 {
	return Zero()
}

// Zero 返回一个新的零向量
func Zero() []float64 {
	return make([]float64, Dimension)
}
