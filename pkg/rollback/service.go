// Package rollback 实现带安全检查的回滚编排：先出计划，审阅后再执行
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"promptvault/pkg/diff"
	"promptvault/pkg/errdef"
	"promptvault/pkg/impact"
	"promptvault/pkg/meta"
	"promptvault/pkg/perf"
	"promptvault/pkg/types"
	"promptvault/pkg/version"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"gorm.io/datatypes"
)

var tracer = otel.Tracer("promptvault/pkg/rollback")

// Reason 回滚动机，进入审计日志
type Reason string

const (
	ReasonPerformanceDegradation Reason = "performance_degradation"
	ReasonFunctionalityIssue     Reason = "functionality_issue"
	ReasonUserRequest            Reason = "user_request"
	ReasonSecurityConcern        Reason = "security_concern"
	ReasonTestingFailure         Reason = "testing_failure"
	ReasonManualRevert           Reason = "manual_revert"
)

var validReasons = map[Reason]struct{}{
	ReasonPerformanceDegradation: {},
	ReasonFunctionalityIssue:     {},
	ReasonUserRequest:            {},
	ReasonSecurityConcern:        {},
	ReasonTestingFailure:         {},
	ReasonManualRevert:           {},
}

// ParseReason 校验并转换外部输入的回滚原因
func ParseReason(s string) (Reason, error) {
	r := Reason(s)
	if _, ok := validReasons[r]; !ok {
		return "", errdef.Validationf("unknown rollback reason %q", s)
	}
	return r, nil
}

// State 计划状态机：drafted -> executable -> executed，或 drafted -> blocked
type State string

const (
	StateDrafted    State = "drafted"
	StateExecutable State = "executable"
	StateBlocked    State = "blocked"
	StateExecuted   State = "executed"
)

// RiskLevel 回滚内容变更的风险分档
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ImpactAnalysis 回滚会把内容/元数据改成什么样
type ImpactAnalysis struct {
	// ContentDelta 当前内容长度减目标内容长度
	ContentDelta      int                            `json:"content_delta"`
	SignificantChange bool                           `json:"significant_change"`
	MetadataChanges   map[string]diff.MetadataChange `json:"metadata_changes,omitempty"`
	RiskLevel         RiskLevel                      `json:"risk_level"`
}

// Plan 回滚计划：先生成、审阅，再执行
// 计划是建议性快照；执行时会重新读取数据库里的最新状态
type Plan struct {
	ArtifactID       string         `json:"artifact_id"`
	Branch           string         `json:"branch"`
	TargetVersionID  string         `json:"target_version_id"`
	CurrentVersionID string         `json:"current_version_id"`
	Reason           Reason         `json:"reason"`
	State            State          `json:"state"`
	Impact           ImpactAnalysis `json:"impact_analysis"`
	SafetyChecks     []string       `json:"safety_checks"`
	Warnings         []string       `json:"warnings,omitempty"`
	CanRollback      bool           `json:"can_rollback"`
	Message          string         `json:"message"`
	CreatedBy        string         `json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Result 回滚执行结果
type Result struct {
	Success      bool
	NewVersionID string
	RolledBackTo string
	Message      string
	Warnings     []string

	// PerformanceImpact 各指标从当前版本到目标版本的变化百分比
	PerformanceImpact map[perf.Metric]float64

	CreatedAt time.Time
}

// Candidate 可回滚到的版本及其性能快照
type Candidate struct {
	Version  meta.VersionModel
	Snapshot *meta.SnapshotModel
}

// -----------------------------------------------------------------------------
// 安全策略
// -----------------------------------------------------------------------------

// Policy 评估计划是否允许执行
// 返回追加到计划上的警告，以及是否阻断
type Policy interface {
	Evaluate(ctx context.Context, plan *Plan) (warnings []string, blocked bool, err error)
}

// DefaultPolicy 默认阻断规则：
// 在 main 分支上，且性能分析判定"回到目标版本本身就是一次 critical 级回归"
// (目标版本比当前版本差太多)，则拒绝执行
type DefaultPolicy struct {
	tracker *perf.Tracker
}

func NewDefaultPolicy(tracker *perf.Tracker) *DefaultPolicy {
	return &DefaultPolicy{tracker: tracker}
}

func (p *DefaultPolicy) Evaluate(ctx context.Context, plan *Plan) ([]string, bool, error) {
	if plan.Branch != types.MainBranch {
		return nil, false, nil
	}

	perfImpact, err := p.tracker.AnalyzeImpact(ctx, plan.CurrentVersionID, plan.TargetVersionID)
	if err != nil {
		// 任一侧没有性能数据就没有判断依据，放行
		if errors.Is(err, errdef.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	regression := impact.DetectRegression(perfImpact)
	if regression == nil || regression.Severity != impact.SeverityCritical {
		return nil, false, nil
	}

	metrics := make([]string, 0, len(regression.Metrics))
	for m := range regression.Metrics {
		metrics = append(metrics, string(m))
	}
	warning := fmt.Sprintf(
		"critical regression risk: rolling back to %s would severely degrade %s",
		plan.TargetVersionID, strings.Join(metrics, ", "))
	return []string{warning}, true, nil
}

// -----------------------------------------------------------------------------
// 服务
// -----------------------------------------------------------------------------

const (
	// contentRiskMedium / contentRiskHigh 内容长度变化的风险阈值 (字符)
	contentRiskMedium = 100
	contentRiskHigh   = 500

	// recentExecutionWarning 当前版本 24h 内执行数超过它就值得提醒
	recentExecutionWarning = 10

	// staleDays / ancientDays 目标版本年龄的警告阈值
	staleDays   = 30
	ancientDays = 90
)

// Service 回滚编排服务
type Service struct {
	repo    *meta.Repository
	vcs     *version.Service
	tracker *perf.Tracker
	policy  Policy
}

// NewService policy 传 nil 时使用 DefaultPolicy
func NewService(repo *meta.Repository, vcs *version.Service, tracker *perf.Tracker, policy Policy) *Service {
	if policy == nil {
		policy = NewDefaultPolicy(tracker)
	}
	return &Service{repo: repo, vcs: vcs, tracker: tracker, policy: policy}
}

// CreateRollbackPlan 生成带安全分析的回滚计划 (只读，不触碰历史)
func (s *Service) CreateRollbackPlan(ctx context.Context, artifactID, targetVersionID string, reason Reason, createdBy string) (*Plan, error) {
	ctx, span := tracer.Start(ctx, "rollback.Service.CreateRollbackPlan")
	defer span.End()

	if _, ok := validReasons[reason]; !ok {
		return nil, errdef.Validationf("unknown rollback reason %q", reason)
	}

	if _, err := s.repo.GetArtifact(ctx, artifactID); err != nil {
		return nil, err
	}
	main, err := s.repo.GetActiveBranch(ctx, artifactID, types.MainBranch)
	if err != nil {
		return nil, err
	}
	if main.HeadVersionID == "" {
		return nil, errdef.Validationf("artifact %s has no versions to roll back", artifactID)
	}

	target, err := s.repo.GetVersion(ctx, targetVersionID)
	if err != nil {
		return nil, err
	}
	if target.ArtifactID != artifactID {
		return nil, errdef.Validationf("target version %s does not belong to artifact %s", targetVersionID, artifactID)
	}

	current, err := s.repo.GetVersion(ctx, main.HeadVersionID)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ArtifactID:       artifactID,
		Branch:           main.Name,
		TargetVersionID:  targetVersionID,
		CurrentVersionID: current.VersionID,
		Reason:           reason,
		State:            StateDrafted,
		Message:          fmt.Sprintf("Rollback to version %s due to %s", targetVersionID, reason),
		CreatedBy:        createdBy,
		CreatedAt:        time.Now(),
	}

	if err := s.runSafetyChecks(ctx, plan, current, target); err != nil {
		return nil, err
	}

	plan.Impact, err = analyzeRollbackImpact(current, target)
	if err != nil {
		return nil, err
	}

	policyWarnings, blocked, err := s.policy.Evaluate(ctx, plan)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	plan.Warnings = append(plan.Warnings, policyWarnings...)

	if blocked {
		plan.State = StateBlocked
		plan.CanRollback = false
		plan.Warnings = append(plan.Warnings, "Rollback blocked due to critical issues")
	} else {
		plan.State = StateExecutable
		plan.CanRollback = true
	}
	return plan, nil
}

// ExecuteRollback 执行计划
// 阻断的计划零改动，返回 ErrPolicyBlocked；成功时写入不可变审计日志
func (s *Service) ExecuteRollback(ctx context.Context, plan *Plan) (*Result, error) {
	ctx, span := tracer.Start(ctx, "rollback.Service.ExecuteRollback")
	defer span.End()

	if plan.State == StateExecuted {
		return nil, errdef.Validationf("plan already executed")
	}
	if !plan.CanRollback {
		result := &Result{
			Success:   false,
			Message:   "Rollback blocked by safety checks",
			Warnings:  plan.Warnings,
			CreatedAt: time.Now(),
		}
		return result, errdef.PolicyBlockedf("%s", strings.Join(plan.Warnings, "; "))
	}

	// 计划只是建议：真正写入时以数据库当前状态为准 (CAS 兜底并发)
	newVersion, err := s.vcs.RollbackToVersion(ctx, plan.ArtifactID, plan.TargetVersionID, plan.CreatedBy, plan.Message)
	if err != nil {
		span.RecordError(err)
		result := &Result{
			Success:   false,
			Message:   fmt.Sprintf("Rollback failed: %v", err),
			Warnings:  plan.Warnings,
			CreatedAt: time.Now(),
		}
		return result, err
	}

	// 性能对比仅供参考，缺数据不阻塞结果
	var perfChanges map[perf.Metric]float64
	if cmp, err := s.tracker.AnalyzeImpact(ctx, plan.CurrentVersionID, plan.TargetVersionID); err == nil {
		perfChanges = make(map[perf.Metric]float64, len(cmp.Changes))
		for _, change := range cmp.Changes {
			perfChanges[change.Metric] = change.ChangePercent
		}
	} else if !errors.Is(err, errdef.ErrNotFound) {
		return nil, err
	}

	plan.State = StateExecuted
	if err := s.appendAuditLog(ctx, plan, newVersion.VersionID); err != nil {
		return nil, err
	}

	return &Result{
		Success:           true,
		NewVersionID:      newVersion.VersionID,
		RolledBackTo:      plan.TargetVersionID,
		Message:           fmt.Sprintf("Successfully rolled back to version %s", plan.TargetVersionID),
		Warnings:          plan.Warnings,
		PerformanceImpact: perfChanges,
		CreatedAt:         time.Now(),
	}, nil
}

// ListRollbackCandidates 可回滚的活跃版本 (最新在前) 及其性能快照
func (s *Service) ListRollbackCandidates(ctx context.Context, artifactID string, limit int) ([]Candidate, error) {
	ctx, span := tracer.Start(ctx, "rollback.Service.ListRollbackCandidates")
	defer span.End()

	if limit <= 0 {
		limit = 10
	}
	versions, err := s.repo.ListActiveVersions(ctx, artifactID, limit)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(versions))
	for i, v := range versions {
		ids[i] = v.VersionID
	}
	snapshots, err := s.repo.GetSnapshots(ctx, ids)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, len(versions))
	for i, v := range versions {
		c := Candidate{Version: v}
		if snap, ok := snapshots[v.VersionID]; ok {
			snapCopy := snap
			c.Snapshot = &snapCopy
		}
		candidates[i] = c
	}
	return candidates, nil
}

// GetRollbackHistory 回滚审计日志 (最新在前)
func (s *Service) GetRollbackHistory(ctx context.Context, artifactID string) ([]meta.RollbackLogModel, error) {
	ctx, span := tracer.Start(ctx, "rollback.Service.GetRollbackHistory")
	defer span.End()
	return s.repo.ListRollbackLogs(ctx, artifactID)
}

// -----------------------------------------------------------------------------
// 内部
// -----------------------------------------------------------------------------

func (s *Service) runSafetyChecks(ctx context.Context, plan *Plan, current, target *meta.VersionModel) error {
	daysOld := int(time.Since(target.CreatedAt).Hours() / 24)
	if daysOld > staleDays {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("Target version is %d days old", daysOld))
	}
	if daysOld > ancientDays {
		plan.Warnings = append(plan.Warnings, "Rolling back to very old version - consider creating new version instead")
	}

	dependents, err := s.repo.CountActiveChildren(ctx, current.VersionID)
	if err != nil {
		return err
	}
	if dependents > 0 {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("%d versions depend on current version", dependents))
	}

	recent, err := s.repo.CountExecutionsSince(ctx, current.VersionID, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if recent > recentExecutionWarning {
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("Current version has %d recent executions", recent))
	}

	plan.SafetyChecks = []string{
		"Target version exists and is accessible",
		"Current version can be preserved",
		"Rollback operation is reversible",
		"No critical dependencies will be broken",
	}
	return nil
}

func analyzeRollbackImpact(current, target *meta.VersionModel) (ImpactAnalysis, error) {
	delta := len(current.Content) - len(target.Content)
	absDelta := delta
	if absDelta < 0 {
		absDelta = -absDelta
	}

	analysis := ImpactAnalysis{
		ContentDelta:      delta,
		SignificantChange: absDelta > contentRiskMedium,
		RiskLevel:         RiskLow,
	}

	currentMeta, err := unmarshalJSON(current.MetadataSnapshot)
	if err != nil {
		return analysis, err
	}
	targetMeta, err := unmarshalJSON(target.MetadataSnapshot)
	if err != nil {
		return analysis, err
	}
	if currentMeta != nil || targetMeta != nil {
		analysis.MetadataChanges = diff.Metadata(currentMeta, targetMeta)
	}

	switch {
	case absDelta > contentRiskHigh || len(analysis.MetadataChanges) > 3:
		analysis.RiskLevel = RiskHigh
	case absDelta > contentRiskMedium || len(analysis.MetadataChanges) > 1:
		analysis.RiskLevel = RiskMedium
	}
	return analysis, nil
}

func (s *Service) appendAuditLog(ctx context.Context, plan *Plan, newVersionID string) error {
	raw, err := json.Marshal(plan)
	if err != nil {
		return errdef.Validationf("plan is not serializable: %v", err)
	}
	return s.repo.AppendRollbackLog(ctx, &meta.RollbackLogModel{
		ID:           uuid.NewString(),
		ArtifactID:   plan.ArtifactID,
		Plan:         datatypes.JSON(raw),
		NewVersionID: newVersionID,
		RolledBackTo: plan.TargetVersionID,
		Reason:       string(plan.Reason),
		CreatedBy:    plan.CreatedBy,
		CreatedAt:    time.Now(),
	})
}

func unmarshalJSON(raw datatypes.JSON) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errdef.Validationf("stored metadata is corrupt: %v", err)
	}
	return m, nil
}
