package rollback

import (
	"context"
	"fmt"
	"testing"
	"time"

	"promptvault/pkg/diff"
	"promptvault/pkg/errdef"
	"promptvault/pkg/meta"
	"promptvault/pkg/perf"
	"promptvault/pkg/version"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupService 构建隔离的测试环境 (默认策略)
func setupService(t *testing.T) (*Service, *fixture) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	metaDB := meta.NewWithConn(db)
	require.NoError(t, metaDB.AutoMigrate(meta.AllModels()...))

	repo := meta.NewRepository(metaDB)
	vcs := version.NewService(repo, diff.NewLengthHeuristic())
	tracker := perf.NewTracker(repo)
	svc := NewService(repo, vcs, tracker, nil)

	artifact := &meta.ArtifactModel{ID: uuid.NewString(), Name: "fixture", CurrentVersion: "1.0.0"}
	branch := &meta.BranchModel{
		BranchID:       uuid.NewString(),
		ArtifactID:     artifact.ID,
		Name:           "main",
		BranchType:     "main",
		IsActive:       true,
		HeadGeneration: 1,
	}
	require.NoError(t, repo.CreateArtifact(context.Background(), artifact, branch))

	return svc, &fixture{repo: repo, tracker: tracker, artifact: artifact, branch: branch}
}

type fixture struct {
	repo     *meta.Repository
	tracker  *perf.Tracker
	artifact *meta.ArtifactModel
	branch   *meta.BranchModel
	appended int64
	lastID   string
}

// addVersion 在 main 上追加版本，CreatedAt 可控 (测目标版本年龄用)
func (f *fixture) addVersion(t *testing.T, content string, at time.Time) *meta.VersionModel {
	t.Helper()

	var parent *string
	if f.lastID != "" {
		id := f.lastID
		parent = &id
	}
	v := &meta.VersionModel{
		VersionID:       uuid.NewString(),
		ArtifactID:      f.artifact.ID,
		Content:         content,
		SemVer:          fmt.Sprintf("1.0.%d", f.appended+1),
		ParentVersionID: parent,
		BranchName:      "main",
		BranchType:      "main",
		Status:          "active",
		CreatedAt:       at,
	}
	require.NoError(t, f.repo.AppendVersion(context.Background(), v, f.branch.BranchID, f.appended+1))
	f.appended++
	f.lastID = v.VersionID
	return v
}

func (f *fixture) recordScore(t *testing.T, versionID string, score float64) {
	t.Helper()
	err := f.tracker.RecordExecution(context.Background(), versionID, perf.ExecutionReport{
		Success:       true,
		QualityScore:  &score,
		TokensUsed:    100,
		Cost:          0.01,
		ExecutionTime: 1.0,
	})
	require.NoError(t, err)
}

// -----------------------------------------------------------------------------
// 测试用例
// -----------------------------------------------------------------------------

func TestParseReason(t *testing.T) {
	r, err := ParseReason("performance_degradation")
	require.NoError(t, err)
	assert.Equal(t, ReasonPerformanceDegradation, r)

	_, err = ParseReason("gut feeling")
	assert.ErrorIs(t, err, errdef.ErrValidation)
}

func TestService_PlanAndExecute(t *testing.T) {
	svc, f := setupService(t)
	ctx := context.Background()

	good := f.addVersion(t, "good old content", time.Now().Add(-48*time.Hour))
	f.addVersion(t, "regressed content!!", time.Now())

	plan, err := svc.CreateRollbackPlan(ctx, f.artifact.ID, good.VersionID, ReasonPerformanceDegradation, "ops")
	require.NoError(t, err)

	assert.Equal(t, StateExecutable, plan.State)
	assert.True(t, plan.CanRollback)
	assert.Equal(t, good.VersionID, plan.TargetVersionID)
	assert.Len(t, plan.SafetyChecks, 4)
	assert.Equal(t, RiskLow, plan.Impact.RiskLevel)

	result, err := svc.ExecuteRollback(ctx, plan)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, good.VersionID, result.RolledBackTo)

	// 新版本挂在 main 头上，内容来自目标版本
	newVersion, err := f.repo.GetVersion(ctx, result.NewVersionID)
	require.NoError(t, err)
	assert.Equal(t, "good old content", newVersion.Content)
	assert.Contains(t, newVersion.CommitMessage, "performance_degradation")

	// 审计日志落盘，计划整体以 JSON 入库
	history, err := svc.GetRollbackHistory(ctx, f.artifact.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, result.NewVersionID, history[0].NewVersionID)
	assert.Equal(t, string(ReasonPerformanceDegradation), history[0].Reason)
	assert.Contains(t, string(history[0].Plan), good.VersionID)

	// 已执行的计划不能重放
	_, err = svc.ExecuteRollback(ctx, plan)
	assert.ErrorIs(t, err, errdef.ErrValidation)
}

func TestService_Plan_Validation(t *testing.T) {
	svc, f := setupService(t)
	ctx := context.Background()

	v := f.addVersion(t, "content", time.Now())

	// 原因非法
	_, err := svc.CreateRollbackPlan(ctx, f.artifact.ID, v.VersionID, Reason("vibes"), "ops")
	assert.ErrorIs(t, err, errdef.ErrValidation)

	// 目标版本不存在
	_, err = svc.CreateRollbackPlan(ctx, f.artifact.ID, "no-such", ReasonUserRequest, "ops")
	assert.ErrorIs(t, err, errdef.ErrNotFound)

	// 目标版本属于别的 Artifact
	other := &meta.ArtifactModel{ID: uuid.NewString(), Name: "other", CurrentVersion: "1.0.0"}
	otherBranch := &meta.BranchModel{
		BranchID: uuid.NewString(), ArtifactID: other.ID, Name: "main",
		BranchType: "main", IsActive: true, HeadGeneration: 1,
	}
	require.NoError(t, f.repo.CreateArtifact(ctx, other, otherBranch))
	foreign := &meta.VersionModel{
		VersionID: uuid.NewString(), ArtifactID: other.ID, Content: "x",
		SemVer: "1.0.1", BranchName: "main", BranchType: "main", Status: "active",
	}
	require.NoError(t, f.repo.AppendVersion(ctx, foreign, otherBranch.BranchID, 1))

	_, err = svc.CreateRollbackPlan(ctx, f.artifact.ID, foreign.VersionID, ReasonUserRequest, "ops")
	assert.ErrorIs(t, err, errdef.ErrValidation)
}

func TestService_Plan_SafetyWarnings(t *testing.T) {
	svc, f := setupService(t)
	ctx := context.Background()

	// 目标版本 40 天前创建
	old := f.addVersion(t, "ancient content", time.Now().Add(-40*24*time.Hour))
	head := f.addVersion(t, "current content", time.Now())

	// 当前头有一个活跃子版本 (另一个分支上的派生)
	branch := &meta.BranchModel{
		BranchID: uuid.NewString(), ArtifactID: f.artifact.ID, Name: "feature/x",
		BaseVersionID: head.VersionID, HeadVersionID: head.VersionID,
		BranchType: "feature", IsActive: true, HeadGeneration: 1,
	}
	require.NoError(t, f.repo.CreateBranch(ctx, branch))
	child := &meta.VersionModel{
		VersionID: uuid.NewString(), ArtifactID: f.artifact.ID, Content: "derived",
		SemVer: "1.0.3", ParentVersionID: &head.VersionID,
		BranchName: "feature/x", BranchType: "feature", Status: "active",
	}
	require.NoError(t, f.repo.AppendVersion(ctx, child, branch.BranchID, 1))

	plan, err := svc.CreateRollbackPlan(ctx, f.artifact.ID, old.VersionID, ReasonManualRevert, "ops")
	require.NoError(t, err)

	joined := fmt.Sprint(plan.Warnings)
	assert.Contains(t, joined, "days old")
	assert.Contains(t, joined, "depend on current version")
	// 警告不阻断
	assert.True(t, plan.CanRollback)
}

func TestService_Execute_BlockedByPolicy(t *testing.T) {
	svc, f := setupService(t)
	ctx := context.Background()

	// 目标版本性能远差于当前：回滚本身就是 critical 回归
	bad := f.addVersion(t, "bad content", time.Now().Add(-24*time.Hour))
	good := f.addVersion(t, "good content", time.Now())
	f.recordScore(t, bad.VersionID, 0.3)
	f.recordScore(t, good.VersionID, 0.9)

	plan, err := svc.CreateRollbackPlan(ctx, f.artifact.ID, bad.VersionID, ReasonUserRequest, "ops")
	require.NoError(t, err)
	assert.Equal(t, StateBlocked, plan.State)
	assert.False(t, plan.CanRollback)
	assert.Contains(t, fmt.Sprint(plan.Warnings), "critical")

	headBefore, err := f.repo.GetBranch(ctx, f.branch.BranchID)
	require.NoError(t, err)

	result, err := svc.ExecuteRollback(ctx, plan)
	assert.ErrorIs(t, err, errdef.ErrPolicyBlocked)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Warnings)

	// 零副作用：头指针没动，审计日志为空
	headAfter, err := f.repo.GetBranch(ctx, f.branch.BranchID)
	require.NoError(t, err)
	assert.Equal(t, headBefore.HeadGeneration, headAfter.HeadGeneration)

	history, err := svc.GetRollbackHistory(ctx, f.artifact.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestService_Execute_TargetVanished(t *testing.T) {
	svc, f := setupService(t)
	ctx := context.Background()

	good := f.addVersion(t, "good old content", time.Now().Add(-24*time.Hour))
	f.addVersion(t, "regressed content!!", time.Now())

	plan, err := svc.CreateRollbackPlan(ctx, f.artifact.ID, good.VersionID, ReasonUserRequest, "ops")
	require.NoError(t, err)
	require.True(t, plan.CanRollback)

	headBefore, err := f.repo.GetBranch(ctx, f.branch.BranchID)
	require.NoError(t, err)

	// 计划创建后目标版本消失 (比如被并发清理)：执行失败但结果结构完整
	plan.TargetVersionID = "no-such-version"

	result, err := svc.ExecuteRollback(ctx, plan)
	assert.ErrorIs(t, err, errdef.ErrNotFound)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "Rollback failed")

	// 零副作用：头指针没动，审计日志为空
	headAfter, err := f.repo.GetBranch(ctx, f.branch.BranchID)
	require.NoError(t, err)
	assert.Equal(t, headBefore.HeadGeneration, headAfter.HeadGeneration)

	history, err := svc.GetRollbackHistory(ctx, f.artifact.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestService_Execute_IncludesPerformanceComparison(t *testing.T) {
	svc, f := setupService(t)
	ctx := context.Background()

	// 目标比当前好：policy 放行，结果附带性能对比
	good := f.addVersion(t, "good content", time.Now().Add(-24*time.Hour))
	bad := f.addVersion(t, "bad content!", time.Now())
	f.recordScore(t, good.VersionID, 0.9)
	f.recordScore(t, bad.VersionID, 0.5)

	plan, err := svc.CreateRollbackPlan(ctx, f.artifact.ID, good.VersionID, ReasonPerformanceDegradation, "ops")
	require.NoError(t, err)
	require.True(t, plan.CanRollback)

	result, err := svc.ExecuteRollback(ctx, plan)
	require.NoError(t, err)

	require.Contains(t, result.PerformanceImpact, perf.MetricAverageScore)
	// 0.5 -> 0.9: +80%
	assert.InDelta(t, 80.0, result.PerformanceImpact[perf.MetricAverageScore], 0.01)
}

func TestService_ListRollbackCandidates(t *testing.T) {
	svc, f := setupService(t)
	ctx := context.Background()

	v1 := f.addVersion(t, "one", time.Now().Add(-2*time.Hour))
	v2 := f.addVersion(t, "two", time.Now().Add(-time.Hour))
	f.recordScore(t, v1.VersionID, 0.8)

	candidates, err := svc.ListRollbackCandidates(ctx, f.artifact.ID, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	// 最新在前；有快照的带性能数据
	assert.Equal(t, v2.VersionID, candidates[0].Version.VersionID)
	assert.Nil(t, candidates[0].Snapshot)
	require.NotNil(t, candidates[1].Snapshot)
	assert.InDelta(t, 0.8, candidates[1].Snapshot.AverageScore, 1e-9)
}
