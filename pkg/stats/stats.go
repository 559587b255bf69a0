// Package stats 提供 perf 与 impact 共用的基础统计工具
// 刻意保持"简单可审计"：均值、标准差、最小二乘回归，不引入任何 ML 预测
package stats

import "math"

// Mean 算术平均。空切片返回 0
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev 样本标准差 (n-1)。少于 2 个样本返回 0
func StdDev(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1))
}

// CoefficientOfVariation 变异系数 stdev/mean
// mean == 0 时返回 0 (避免除零；此时波动性无意义)
func CoefficientOfVariation(xs []float64) float64 {
	m := Mean(xs)
	if m == 0 {
		return 0
	}
	return StdDev(xs) / m
}

// OLSResult 一元最小二乘回归的结果
type OLSResult struct {
	Slope float64
	// StdErr 残差的样本标准差，用于构造 slope ± 2*StdErr 的置信区间
	StdErr float64
}

// OLS 对 (x, y) 做一元线性回归
// x 全部相同 (分母为 0) 时 slope 为 0。要求 len(x) == len(y) 且 >= 2
func OLS(x, y []float64) OLSResult {
	n := len(x)
	if n < 2 || n != len(y) {
		return OLSResult{}
	}

	xMean := Mean(x)
	yMean := Mean(y)

	var num, den float64
	for i := range x {
		num += (x[i] - xMean) * (y[i] - yMean)
		den += (x[i] - xMean) * (x[i] - xMean)
	}

	var slope float64
	if den != 0 {
		slope = num / den
	}

	// 残差标准差 (n > 2 才有意义，n == 2 时残差恒为 0)
	var stdErr float64
	if n > 2 {
		residuals := make([]float64, n)
		for i := range x {
			pred := yMean + slope*(x[i]-xMean)
			residuals[i] = y[i] - pred
		}
		stdErr = StdDev(residuals)
	}

	return OLSResult{Slope: slope, StdErr: stdErr}
}
