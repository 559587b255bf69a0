// Package impact 把性能对比结果解读成回归/改进/异常/告警
package impact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"promptvault/pkg/errdef"
	"promptvault/pkg/meta"
	"promptvault/pkg/perf"
	"promptvault/pkg/stats"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("promptvault/pkg/impact")

// Severity 影响严重程度，按变化幅度分档
type Severity string

const (
	SeverityCritical Severity = "critical" // >50% 变化
	SeverityHigh     Severity = "high"     // 25-50%
	SeverityMedium   Severity = "medium"   // 10-25%
	SeverityLow      Severity = "low"      // 5-10%
	SeverityMinimal  Severity = "minimal"  // <5%
)

// SeverityFromRatio 按变化比例 (0.5 == 50%) 分档
func SeverityFromRatio(ratio float64) Severity {
	if ratio < 0 {
		ratio = -ratio
	}
	switch {
	case ratio >= 0.5:
		return SeverityCritical
	case ratio >= 0.25:
		return SeverityHigh
	case ratio >= 0.10:
		return SeverityMedium
	case ratio >= 0.05:
		return SeverityLow
	default:
		return SeverityMinimal
	}
}

const (
	// regressionThreshold 单指标劣化超过 10% 视为回归
	regressionThreshold = 10.0

	// improvementThreshold 单指标好转超过 5% 视为改进
	improvementThreshold = 5.0

	// anomalyHistoryLimit 异常检测回看的版本数
	anomalyHistoryLimit = 20
)

// Regression 版本间的性能回归
type Regression struct {
	FromVersionID string
	ToVersionID   string

	// Metrics 劣化的指标及其变化百分比
	Metrics map[perf.Metric]float64

	Severity Severity

	PotentialCauses []string
	Mitigations     []string
}

// Improvement 版本间的性能改进
type Improvement struct {
	FromVersionID string
	ToVersionID   string

	Metrics map[perf.Metric]float64

	// Magnitude 改进指标变化幅度的平均值
	Magnitude float64

	SuccessFactors         []string
	ReplicationSuggestions []string
}

// Recommendation 告警建议的处置动作
type Recommendation string

const (
	RecommendRollback    Recommendation = "rollback"
	RecommendInvestigate Recommendation = "investigate"
)

// Alert 需要人工关注的回归告警 (仅 critical/high 级别产生)
type Alert struct {
	VersionID       string
	Severity        Severity
	AffectedMetrics []perf.Metric
	Summary         string
	Recommendation  Recommendation
}

// Anomaly 统计意义上的离群点 (偏离均值超过 2 个标准差)
type Anomaly struct {
	VersionID string
	Metric    perf.Metric

	// Type "spike" (高于均值) 或 "drop" (低于均值)
	Type string

	Severity         Severity
	Value            float64
	ExpectedLow      float64
	ExpectedHigh     float64
	DeviationPercent float64
	OccurredAt       time.Time
}

// Analyzer 影响分析服务
type Analyzer struct {
	repo    *meta.Repository
	tracker *perf.Tracker
}

func NewAnalyzer(repo *meta.Repository, tracker *perf.Tracker) *Analyzer {
	return &Analyzer{repo: repo, tracker: tracker}
}

// -----------------------------------------------------------------------------
// 回归 / 改进检测 (纯函数，直接喂 Impact 即可测试)
// -----------------------------------------------------------------------------

// DetectRegression 从影响分析中挑出劣化的指标
// 方向敏感：质量类指标下跌是回归，成本类指标上涨是回归
func DetectRegression(impact *perf.Impact) *Regression {
	regressed := map[perf.Metric]float64{}
	for _, change := range impact.Changes {
		if change.Metric.LowerIsBetter() {
			if change.ChangePercent > regressionThreshold {
				regressed[change.Metric] = change.ChangePercent
			}
		} else if change.ChangePercent < -regressionThreshold {
			regressed[change.Metric] = change.ChangePercent
		}
	}
	if len(regressed) == 0 {
		return nil
	}

	worst := maxAbs(regressed)

	return &Regression{
		FromVersionID: impact.OldVersionID,
		ToVersionID:   impact.NewVersionID,
		Metrics:       regressed,
		Severity:      SeverityFromRatio(worst / 100),
		PotentialCauses: []string{
			"Prompt content changes affecting model performance",
			"Parameter adjustments (temperature, max_tokens) impacting output quality",
			"Model version changes or API updates",
			"Test data or evaluation criteria changes",
		},
		Mitigations: mitigations(regressed),
	}
}

// DetectImprovement 对称逻辑，阈值更宽松 (5%)
func DetectImprovement(impact *perf.Impact) *Improvement {
	improved := map[perf.Metric]float64{}
	for _, change := range impact.Changes {
		if change.Metric.LowerIsBetter() {
			if change.ChangePercent < -improvementThreshold {
				improved[change.Metric] = change.ChangePercent
			}
		} else if change.ChangePercent > improvementThreshold {
			improved[change.Metric] = change.ChangePercent
		}
	}
	if len(improved) == 0 {
		return nil
	}

	total := 0.0
	for _, change := range improved {
		if change < 0 {
			change = -change
		}
		total += change
	}

	return &Improvement{
		FromVersionID:  impact.OldVersionID,
		ToVersionID:    impact.NewVersionID,
		Metrics:        improved,
		Magnitude:      total / float64(len(improved)),
		SuccessFactors: successFactors(improved),
		ReplicationSuggestions: []string{
			"Document the specific changes that led to improvement",
			"Apply similar optimization patterns to other prompts",
			"Establish this version as a performance baseline",
		},
	}
}

// BuildAlert 只为 critical/high 级别的回归生成告警
// critical 建议回滚，high 建议先调查
func BuildAlert(versionID string, regression *Regression) *Alert {
	if regression == nil {
		return nil
	}
	if regression.Severity != SeverityCritical && regression.Severity != SeverityHigh {
		return nil
	}

	affected := sortedMetrics(regression.Metrics)
	names := make([]string, len(affected))
	for i, m := range affected {
		names[i] = string(m)
	}

	recommendation := RecommendInvestigate
	if regression.Severity == SeverityCritical {
		recommendation = RecommendRollback
	}

	return &Alert{
		VersionID:       versionID,
		Severity:        regression.Severity,
		AffectedMetrics: affected,
		Summary: fmt.Sprintf("Performance regression detected: %.1f%% degradation in %s",
			maxAbs(regression.Metrics), strings.Join(names, ", ")),
		Recommendation: recommendation,
	}
}

// -----------------------------------------------------------------------------
// 异常检测
// -----------------------------------------------------------------------------

// anomalyMetrics token 用量噪声太大，不参与异常检测
var anomalyMetrics = []perf.Metric{
	perf.MetricAverageScore,
	perf.MetricSuccessRate,
	perf.MetricAverageCost,
	perf.MetricAverageResponseTime,
}

// DetectAnomalies 在最近的版本快照里找统计离群点
// 每个指标独立评估：非零样本不足 3 个或方差为 0 时跳过该指标
func (a *Analyzer) DetectAnomalies(ctx context.Context, artifactID string) ([]Anomaly, error) {
	ctx, span := tracer.Start(ctx, "impact.Analyzer.DetectAnomalies")
	defer span.End()

	history, err := a.tracker.GetPerformanceHistory(ctx, artifactID, anomalyHistoryLimit)
	if err != nil {
		return nil, err
	}
	if len(history) < 3 {
		return nil, nil
	}

	var anomalies []Anomaly
	for _, metric := range anomalyMetrics {
		type sample struct {
			versionID string
			value     float64
			at        time.Time
		}
		var samples []sample
		for _, entry := range history {
			if entry.Snapshot == nil {
				continue
			}
			value := metric.Value(entry.Snapshot)
			if value > 0 {
				samples = append(samples, sample{entry.Version.VersionID, value, entry.Version.CreatedAt})
			}
		}
		if len(samples) < 3 {
			continue
		}

		values := make([]float64, len(samples))
		for i, s := range samples {
			values[i] = s.value
		}
		mean := stats.Mean(values)
		stdDev := stats.StdDev(values)
		if stdDev == 0 {
			continue // 全部相同，不可能有离群点
		}
		threshold := 2 * stdDev

		for _, s := range samples {
			deviation := s.value - mean
			abs := deviation
			if abs < 0 {
				abs = -abs
			}
			if abs <= threshold {
				continue
			}

			anomalyType := "drop"
			if deviation > 0 {
				anomalyType = "spike"
			}
			anomalies = append(anomalies, Anomaly{
				VersionID:        s.versionID,
				Metric:           metric,
				Type:             anomalyType,
				Severity:         SeverityFromRatio(abs / mean),
				Value:            s.value,
				ExpectedLow:      mean - threshold,
				ExpectedHigh:     mean + threshold,
				DeviationPercent: deviation / mean * 100,
				OccurredAt:       s.at,
			})
		}
	}
	return anomalies, nil
}

// -----------------------------------------------------------------------------
// 综合分析
// -----------------------------------------------------------------------------

// Analysis 单版本的综合影响分析
type Analysis struct {
	VersionID   string
	GeneratedAt time.Time

	// Impact 与 parent 的对比；根版本或无数据时为 nil
	Impact      *perf.Impact
	Regression  *Regression
	Improvement *Improvement
	Alert       *Alert

	Trends []perf.Trend

	Recommendations []string
}

// AnalyzeVersionImpact 对一个版本做完整体检：
// 与 parent 对比、回归/改进判定、告警、全指标趋势、处置建议
func (a *Analyzer) AnalyzeVersionImpact(ctx context.Context, versionID string) (*Analysis, error) {
	ctx, span := tracer.Start(ctx, "impact.Analyzer.AnalyzeVersionImpact")
	defer span.End()

	version, err := a.repo.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	analysis := &Analysis{VersionID: versionID, GeneratedAt: time.Now()}

	if version.ParentVersionID != nil {
		impact, err := a.tracker.AnalyzeImpact(ctx, *version.ParentVersionID, versionID)
		if err != nil && !errors.Is(err, errdef.ErrNotFound) {
			return nil, err
		}
		if impact != nil {
			analysis.Impact = impact
			analysis.Regression = DetectRegression(impact)
			analysis.Improvement = DetectImprovement(impact)
			analysis.Alert = BuildAlert(versionID, analysis.Regression)
		}
	}

	// 五个指标的趋势相互独立，并发取数
	g, gctx := errgroup.WithContext(ctx)
	trends := make([]*perf.Trend, len(perf.AllMetrics))
	for i, m := range perf.AllMetrics {
		g.Go(func() error {
			trend, err := a.tracker.GetTrend(gctx, version.ArtifactID, m, 0)
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
			analysis.Trends = append(analysis.Trends, *trend)
		}
	}

	analysis.Recommendations = recommend(analysis)
	return analysis, nil
}

// recommend 处置建议按优先级排列：紧急回滚 > 调查 > 记录改进 > 监控趋势 > 一切正常
func recommend(analysis *Analysis) []string {
	var out []string

	if analysis.Regression != nil {
		switch analysis.Regression.Severity {
		case SeverityCritical:
			out = append(out, "URGENT: Critical performance regression detected - consider immediate rollback")
		case SeverityHigh:
			out = append(out, "High impact regression detected - investigate and consider rollback")
		}
	}

	if analysis.Improvement != nil {
		out = append(out, "Performance improvement detected - document changes for future reference")
	}

	var declining []string
	for _, trend := range analysis.Trends {
		if trend.Direction == perf.TrendDeclining {
			declining = append(declining, string(trend.Metric))
		}
	}
	if len(declining) > 0 {
		out = append(out, fmt.Sprintf("Declining trends detected in: %s - monitor closely", strings.Join(declining, ", ")))
	}

	if len(out) == 0 {
		out = append(out, "Performance impact within acceptable ranges - continue monitoring")
	}
	return out
}

// -----------------------------------------------------------------------------
// 内部工具
// -----------------------------------------------------------------------------

func maxAbs(metrics map[perf.Metric]float64) float64 {
	worst := 0.0
	for _, change := range metrics {
		if change < 0 {
			change = -change
		}
		if change > worst {
			worst = change
		}
	}
	return worst
}

func sortedMetrics(metrics map[perf.Metric]float64) []perf.Metric {
	out := make([]perf.Metric, 0, len(metrics))
	for m := range metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func mitigations(regressed map[perf.Metric]float64) []string {
	var out []string
	if _, ok := regressed[perf.MetricAverageScore]; ok {
		out = append(out, "Review prompt content changes and consider reverting problematic modifications")
	}
	if _, ok := regressed[perf.MetricSuccessRate]; ok {
		out = append(out, "Investigate error patterns and improve prompt reliability")
	}
	if _, ok := regressed[perf.MetricAverageCost]; ok {
		out = append(out, "Optimize prompt length or consider alternative model configurations")
	}
	out = append(out,
		"Compare with previous high-performing versions to identify successful patterns",
		"Consider gradual rollback or A/B testing to validate fixes")
	return out
}

func successFactors(improved map[perf.Metric]float64) []string {
	var out []string
	if _, ok := improved[perf.MetricAverageScore]; ok {
		out = append(out, "Prompt content optimization improved output quality")
	}
	if _, ok := improved[perf.MetricSuccessRate]; ok {
		out = append(out, "Enhanced error handling or prompt reliability")
	}
	if _, ok := improved[perf.MetricAverageCost]; ok {
		out = append(out, "More efficient prompt structure or parameter tuning")
	}
	out = append(out, "Systematic testing and iteration approach")
	return out
}
