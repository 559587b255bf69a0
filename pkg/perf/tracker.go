// Package perf 聚合执行遥测并回答"这个版本表现如何"
package perf

import (
	"context"
	"errors"
	"sort"
	"time"

	"promptvault/pkg/errdef"
	"promptvault/pkg/meta"
	"promptvault/pkg/stats"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("promptvault/pkg/perf")

// Metric 快照上可被趋势/对比分析的指标
type Metric string

const (
	MetricAverageScore        Metric = "average_score"
	MetricSuccessRate         Metric = "success_rate"
	MetricAverageTokens       Metric = "average_tokens"
	MetricAverageCost         Metric = "average_cost"
	MetricAverageResponseTime Metric = "average_response_time"
)

// AllMetrics 按对比固定顺序排列 (影响分析遍历用)
var AllMetrics = []Metric{
	MetricAverageScore,
	MetricSuccessRate,
	MetricAverageTokens,
	MetricAverageCost,
	MetricAverageResponseTime,
}

// metricWeights 各指标在总体影响里的权重
// 质量最重，可靠性其次，成本、速度、token 依次递减
var metricWeights = map[Metric]float64{
	MetricAverageScore:        0.4,
	MetricSuccessRate:         0.3,
	MetricAverageCost:         0.2,
	MetricAverageResponseTime: 0.1,
	MetricAverageTokens:       0.05,
}

func (m Metric) Valid() bool {
	_, ok := metricWeights[m]
	return ok
}

// Value 从快照中取出本指标的值
func (m Metric) Value(s *meta.SnapshotModel) float64 {
	switch m {
	case MetricAverageScore:
		return s.AverageScore
	case MetricSuccessRate:
		return s.SuccessRate
	case MetricAverageTokens:
		return s.AverageTokens
	case MetricAverageCost:
		return s.AverageCost
	case MetricAverageResponseTime:
		return s.AverageResponseTime
	}
	return 0
}

// LowerIsBetter 成本类指标越低越好 (排行榜排序方向用)
func (m Metric) LowerIsBetter() bool {
	switch m {
	case MetricAverageTokens, MetricAverageCost, MetricAverageResponseTime:
		return true
	}
	return false
}

const (
	// significanceThreshold 单指标变化超过 ±10% 视为显著
	significanceThreshold = 10.0

	// weightedImpactThreshold 加权总分超过 ±5 判定总体正/负
	weightedImpactThreshold = 5.0

	// defaultTrendWindowDays 趋势分析默认回看窗口
	defaultTrendWindowDays = 30
)

// Tracker 性能追踪服务
type Tracker struct {
	repo      *meta.Repository
	snapshots SnapshotReader

	// invalidate 执行上报后清掉过期缓存；无缓存部署时为 nil
	invalidate func(ctx context.Context, versionID string)
}

// NewTracker 无缓存模式 (快照直查数据库)
func NewTracker(repo *meta.Repository) *Tracker {
	return &Tracker{repo: repo, snapshots: repo}
}

// NewCachedTracker 快照读取走 Redis 装饰器
func NewCachedTracker(repo *meta.Repository, cache *CachedSnapshots) *Tracker {
	return &Tracker{repo: repo, snapshots: cache, invalidate: cache.Invalidate}
}

// -----------------------------------------------------------------------------
// 执行上报
// -----------------------------------------------------------------------------

// ExecutionReport 执行层上报的一次运行结果
type ExecutionReport struct {
	Success bool

	// QualityScore 可选评估得分，范围 [0, 1]
	QualityScore *float64

	TokensUsed    int64
	Cost          float64
	ExecutionTime float64 // 秒
	ExecutedAt    time.Time
}

// RecordExecution 记录一次执行并同步重算该版本的聚合快照
func (t *Tracker) RecordExecution(ctx context.Context, versionID string, report ExecutionReport) error {
	ctx, span := tracer.Start(ctx, "perf.Tracker.RecordExecution")
	defer span.End()

	if report.QualityScore != nil && (*report.QualityScore < 0 || *report.QualityScore > 1) {
		return errdef.Validationf("quality score %f out of range [0, 1]", *report.QualityScore)
	}
	if report.TokensUsed < 0 || report.Cost < 0 || report.ExecutionTime < 0 {
		return errdef.Validationf("tokens/cost/execution time must be non-negative")
	}

	// 版本必须存在，拒绝孤儿遥测
	if _, err := t.repo.GetVersion(ctx, versionID); err != nil {
		return err
	}

	executedAt := report.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}

	err := t.repo.RecordExecution(ctx, &meta.ExecutionModel{
		ID:            uuid.NewString(),
		VersionID:     versionID,
		Success:       report.Success,
		QualityScore:  report.QualityScore,
		TokensUsed:    report.TokensUsed,
		Cost:          report.Cost,
		ExecutionTime: report.ExecutionTime,
		ExecutedAt:    executedAt,
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	if t.invalidate != nil {
		t.invalidate(ctx, versionID)
	}
	return nil
}

// GetVersionPerformance 返回版本的聚合快照；没有执行记录时返回 (nil, nil)
func (t *Tracker) GetVersionPerformance(ctx context.Context, versionID string) (*meta.SnapshotModel, error) {
	ctx, span := tracer.Start(ctx, "perf.Tracker.GetVersionPerformance")
	defer span.End()
	return t.snapshots.GetSnapshot(ctx, versionID)
}

// -----------------------------------------------------------------------------
// 版本间影响分析
// -----------------------------------------------------------------------------

// MetricChange 单指标在两个版本之间的变化
type MetricChange struct {
	Metric        Metric
	OldValue      float64
	NewValue      float64
	ChangePercent float64
	Significant   bool
}

// Verdict 总体影响判定
type Verdict string

const (
	VerdictPositive Verdict = "positive"
	VerdictNegative Verdict = "negative"
	VerdictNeutral  Verdict = "neutral"
)

// Impact 两个版本间的性能影响
type Impact struct {
	OldVersionID string
	NewVersionID string

	// Changes 只包含旧值 > 0 的指标 (变化率对 0 基线无定义)
	Changes []MetricChange

	Overall Verdict

	// WeightedScore 显著变化按权重累加的总分
	WeightedScore float64

	// SignificanceScore 显著变化的指标占比 [0, 1]
	SignificanceScore float64
}

// AnalyzeImpact 对比两个版本的快照
// 仓储层对缺失快照返回 (nil, nil)，这里刻意收紧为 ErrNotFound 而不是返回空结果：
// 没有数据就没有结论，调用方用 errors.Is(err, errdef.ErrNotFound) 区分"缺数据"和真正的故障
func (t *Tracker) AnalyzeImpact(ctx context.Context, oldVersionID, newVersionID string) (*Impact, error) {
	ctx, span := tracer.Start(ctx, "perf.Tracker.AnalyzeImpact")
	defer span.End()

	oldSnap, err := t.snapshots.GetSnapshot(ctx, oldVersionID)
	if err != nil {
		return nil, err
	}
	newSnap, err := t.snapshots.GetSnapshot(ctx, newVersionID)
	if err != nil {
		return nil, err
	}
	if oldSnap == nil {
		return nil, errdef.NotFoundf("no performance data for version %s", oldVersionID)
	}
	if newSnap == nil {
		return nil, errdef.NotFoundf("no performance data for version %s", newVersionID)
	}

	impact := &Impact{OldVersionID: oldVersionID, NewVersionID: newVersionID}

	significant := 0
	for _, m := range AllMetrics {
		oldVal := m.Value(oldSnap)
		newVal := m.Value(newSnap)
		if oldVal <= 0 {
			continue // 变化率对 0 基线无定义
		}

		change := MetricChange{
			Metric:        m,
			OldValue:      oldVal,
			NewValue:      newVal,
			ChangePercent: (newVal - oldVal) / oldVal * 100,
		}
		if change.ChangePercent > significanceThreshold || change.ChangePercent < -significanceThreshold {
			change.Significant = true
			significant++
			impact.WeightedScore += change.ChangePercent * metricWeights[m]
		}
		impact.Changes = append(impact.Changes, change)
	}

	impact.Overall = VerdictNeutral
	switch {
	case impact.WeightedScore > weightedImpactThreshold:
		impact.Overall = VerdictPositive
	case impact.WeightedScore < -weightedImpactThreshold:
		impact.Overall = VerdictNegative
	}
	impact.SignificanceScore = float64(significant) / float64(len(AllMetrics))

	return impact, nil
}

// -----------------------------------------------------------------------------
// 趋势分析
// -----------------------------------------------------------------------------

// TrendDirection 趋势方向
type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendDeclining TrendDirection = "declining"
	TrendStable    TrendDirection = "stable"
	TrendVolatile  TrendDirection = "volatile"
)

// Trend 某指标随时间的走向
type Trend struct {
	Metric    Metric
	Direction TrendDirection

	// Strength 趋势强度 [0, 1]
	Strength float64

	// Slope 每天的回归斜率
	Slope float64

	// ConfidenceLow/High 斜率的 ±2 标准误区间
	ConfidenceLow  float64
	ConfidenceHigh float64

	SampleCount int
	WindowDays  int
}

// GetTrend 对窗口内各版本的快照值做线性回归
// 数据点不足 2 个时返回 (nil, nil)：没有趋势可言
func (t *Tracker) GetTrend(ctx context.Context, artifactID string, metric Metric, windowDays int) (*Trend, error) {
	ctx, span := tracer.Start(ctx, "perf.Tracker.GetTrend")
	defer span.End()

	if !metric.Valid() {
		return nil, errdef.Validationf("unknown metric %q", metric)
	}
	if windowDays <= 0 {
		windowDays = defaultTrendWindowDays
	}

	since := time.Now().AddDate(0, 0, -windowDays)
	points, err := t.repo.TrendPoints(ctx, artifactID, string(metric), since)
	if err != nil {
		return nil, err
	}
	if len(points) < 2 {
		return nil, nil
	}

	// x 轴：距第一个点的天数 (小数，同一天内的多次发布也能区分先后)
	start := points[0].OccurredAt
	x := make([]float64, len(points))
	y := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.OccurredAt.Sub(start).Hours() / 24
		y[i] = p.MetricValue
	}

	ols := stats.OLS(x, y)

	trend := &Trend{
		Metric:      metric,
		Slope:       ols.Slope,
		SampleCount: len(points),
		WindowDays:  windowDays,
	}

	absSlope := ols.Slope
	if absSlope < 0 {
		absSlope = -absSlope
	}
	switch {
	case absSlope < 0.01:
		trend.Direction = TrendStable
	case ols.Slope > 0:
		trend.Direction = TrendImproving
		trend.Strength = min(1.0, absSlope*10)
	default:
		trend.Direction = TrendDeclining
		trend.Strength = min(1.0, absSlope*10)
	}

	// ±2 标准误；样本太少时退化为点估计
	trend.ConfidenceLow = ols.Slope - 2*ols.StdErr
	trend.ConfidenceHigh = ols.Slope + 2*ols.StdErr

	// 高波动覆盖方向判定：抖动太大时斜率不可信
	if len(y) > 3 && stats.CoefficientOfVariation(y) > 0.3 {
		trend.Direction = TrendVolatile
	}

	return trend, nil
}

// -----------------------------------------------------------------------------
// 历史与排行
// -----------------------------------------------------------------------------

// VersionPerformance 历史条目：版本 + 可选快照
type VersionPerformance struct {
	Version  meta.VersionModel
	Snapshot *meta.SnapshotModel
}

// GetPerformanceHistory 按时间倒序返回最近 limit 个版本及其快照
func (t *Tracker) GetPerformanceHistory(ctx context.Context, artifactID string, limit int) ([]VersionPerformance, error) {
	ctx, span := tracer.Start(ctx, "perf.Tracker.GetPerformanceHistory")
	defer span.End()

	versions, err := t.repo.ListVersions(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(versions) > limit {
		versions = versions[:limit]
	}

	ids := make([]string, len(versions))
	for i, v := range versions {
		ids[i] = v.VersionID
	}
	snapshots, err := t.repo.GetSnapshots(ctx, ids)
	if err != nil {
		return nil, err
	}

	history := make([]VersionPerformance, len(versions))
	for i, v := range versions {
		entry := VersionPerformance{Version: v}
		if snap, ok := snapshots[v.VersionID]; ok {
			snapCopy := snap
			entry.Snapshot = &snapCopy
		}
		history[i] = entry
	}
	return history, nil
}

// minRankedExecutions 样本太少的快照不可信，不参与排行
const minRankedExecutions = 3

// ListTopPerforming 按某指标对有足够执行样本的版本排行
// 成本类指标升序 (低者优)，质量类指标降序 (高者优)
func (t *Tracker) ListTopPerforming(ctx context.Context, artifactID string, metric Metric, limit int) ([]VersionPerformance, error) {
	ctx, span := tracer.Start(ctx, "perf.Tracker.ListTopPerforming")
	defer span.End()

	if !metric.Valid() {
		return nil, errdef.Validationf("unknown metric %q", metric)
	}

	history, err := t.GetPerformanceHistory(ctx, artifactID, 0)
	if err != nil {
		return nil, err
	}

	var ranked []VersionPerformance
	for _, entry := range history {
		if entry.Snapshot != nil && entry.Snapshot.TotalExecutions >= minRankedExecutions {
			ranked = append(ranked, entry)
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		vi := metric.Value(ranked[i].Snapshot)
		vj := metric.Value(ranked[j].Snapshot)
		if metric.LowerIsBetter() {
			return vi < vj
		}
		return vi > vj
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// -----------------------------------------------------------------------------
// 综合报告
// -----------------------------------------------------------------------------

// Report 单版本的综合性能报告
type Report struct {
	VersionID   string
	GeneratedAt time.Time

	Snapshot *meta.SnapshotModel

	// ParentImpact 与 parent 版本的对比；无 parent 或无数据时为 nil
	ParentImpact *Impact

	// Trends 所属 Artifact 在默认窗口内的各指标趋势
	Trends []Trend

	Recommendations []string
}

// VersionReport 汇总快照、与 parent 的对比、全指标趋势和改进建议
// 五个指标的趋势查询相互独立，并发取数
func (t *Tracker) VersionReport(ctx context.Context, versionID string) (*Report, error) {
	ctx, span := tracer.Start(ctx, "perf.Tracker.VersionReport")
	defer span.End()

	version, err := t.repo.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	report := &Report{VersionID: versionID, GeneratedAt: time.Now()}

	report.Snapshot, err = t.snapshots.GetSnapshot(ctx, versionID)
	if err != nil {
		return nil, err
	}

	if version.ParentVersionID != nil {
		impact, err := t.AnalyzeImpact(ctx, *version.ParentVersionID, versionID)
		if err != nil && !errors.Is(err, errdef.ErrNotFound) {
			return nil, err
		}
		report.ParentImpact = impact
	}

	g, gctx := errgroup.WithContext(ctx)
	trends := make([]*Trend, len(AllMetrics))
	for i, m := range AllMetrics {
		g.Go(func() error {
			trend, err := t.GetTrend(gctx, version.ArtifactID, m, 0)
			if err != nil {
				return err
			}
			trends[i] = trend
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, trend := range trends {
		if trend != nil {
			report.Trends = append(report.Trends, *trend)
		}
	}

	report.Recommendations = recommend(report)
	return report, nil
}

// recommend 基于报告数据生成改进建议
func recommend(report *Report) []string {
	if report.Snapshot == nil {
		return []string{"Insufficient data for recommendations. Execute more tests to gather performance metrics."}
	}

	var out []string
	snap := report.Snapshot

	if snap.AverageScore < 0.7 {
		out = append(out, "Consider improving prompt quality - average score is below 70%")
	}
	if snap.SuccessRate < 0.9 {
		out = append(out, "Success rate is below 90% - review error patterns and improve prompt reliability")
	}
	if snap.AverageCost > 0.1 {
		out = append(out, "High average cost detected - consider optimizing prompt length or model selection")
	}
	if snap.AverageTokens > 2000 {
		out = append(out, "High token usage - consider breaking down complex prompts or using more efficient phrasing")
	}

	if report.ParentImpact != nil {
		switch report.ParentImpact.Overall {
		case VerdictNegative:
			out = append(out, "Performance regression detected compared to previous version - consider reverting changes")
		case VerdictPositive:
			out = append(out, "Performance improvement detected - consider applying similar changes to other prompts")
		}
	}

	for _, trend := range report.Trends {
		if trend.Direction == TrendDeclining && trend.Strength > 0.5 {
			out = append(out, string(trend.Metric)+" shows a strong declining trend - investigate recent changes")
		}
	}
	return out
}
