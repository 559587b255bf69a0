package e2e

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"promptvault/pkg/app"
	"promptvault/pkg/impact"
	"promptvault/pkg/perf"
	"promptvault/pkg/rollback"
	"promptvault/pkg/version"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openApp(t *testing.T) *app.App {
	t.Helper()

	viper.Reset()
	viper.Set("cache.enabled", false)
	viper.Set("identity.name", "e2e")

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	application, err := app.NewAppWithConn(conn)
	require.NoError(t, err)
	return application
}

func record(t *testing.T, pv *app.App, versionID string, score float64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		s := score
		err := pv.Tracker.RecordExecution(context.Background(), versionID, perf.ExecutionReport{
			Success:       true,
			QualityScore:  &s,
			TokensUsed:    100,
			Cost:          0.02,
			ExecutionTime: 1.2,
		})
		require.NoError(t, err)
	}
}

// TestPromptLifecycle_Workflow 串起全部核心链路：
// 创建 -> 提交 -> 分支 -> 合并 -> 遥测 -> 趋势/影响分析 -> 回滚计划与执行
func TestPromptLifecycle_Workflow(t *testing.T) {
	pv := openApp(t)
	ctx := context.Background()

	// 1. 创建 Artifact
	// -------------------------------------------------------------
	t.Log("Step 1: Create artifact...")
	rootContent := "You are a helpful support agent. Greet the user politely."
	artifact, root, err := pv.Versions.CreateArtifact(ctx, "support-agent", rootContent,
		map[string]any{"model": "gpt-4"}, pv.Identity)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", root.SemVer)

	record(t, pv, root.VersionID, 0.9, 3)

	// 2. 提交一个 (质量更差的) 新版本
	// -------------------------------------------------------------
	t.Log("Step 2: Commit a second version on main...")
	v2Content := "You are a helpful support agent. Greet the user politely and thank them."
	v2, err := pv.Versions.CreateVersion(ctx, artifact.ID, version.Changes{
		Content:       &v2Content,
		CommitMessage: "add closing thanks",
		CreatedBy:     pv.Identity,
	})
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", v2.SemVer)

	record(t, pv, v2.VersionID, 0.6, 3)

	// 3. 分支 + 合并
	// -------------------------------------------------------------
	t.Log("Step 3: Branch, commit and merge...")
	branch, err := pv.Versions.CreateBranch(ctx, artifact.ID, "experiment/friendlier", "", pv.Identity)
	require.NoError(t, err)
	assert.Equal(t, "experiment", branch.BranchType)

	expContent := "You are a friendly support agent. Greet the user warmly and thank them!!"
	_, err = pv.Versions.CreateVersion(ctx, artifact.ID, version.Changes{
		Content:       &expContent,
		CommitMessage: "warmer tone",
		CreatedBy:     pv.Identity,
		Branch:        "experiment/friendlier",
	})
	require.NoError(t, err)

	merge, err := pv.Versions.MergeBranch(ctx, artifact.ID, "experiment/friendlier", "main", pv.Identity)
	require.NoError(t, err)
	require.True(t, merge.Success, "lengths are close, the heuristic must not flag a conflict")

	record(t, pv, merge.MergedVersionID, 0.55, 3)

	history, err := pv.Versions.GetVersionHistory(ctx, artifact.ID)
	require.NoError(t, err)
	assert.Len(t, history, 4) // root + v2 + experiment commit + merge

	// 4. 趋势与影响分析
	// -------------------------------------------------------------
	t.Log("Step 4: Trend and impact analysis...")
	trend, err := pv.Tracker.GetTrend(ctx, artifact.ID, perf.MetricAverageScore, 30)
	require.NoError(t, err)
	require.NotNil(t, trend)
	assert.Equal(t, 3, trend.SampleCount) // 只有三个版本有执行记录

	analysis, err := pv.Analyzer.AnalyzeVersionImpact(ctx, v2.VersionID)
	require.NoError(t, err)
	require.NotNil(t, analysis.Impact)
	assert.Equal(t, perf.VerdictNegative, analysis.Impact.Overall)
	require.NotNil(t, analysis.Regression)
	assert.Equal(t, impact.SeverityHigh, analysis.Regression.Severity) // 0.9 -> 0.6 即 -33%
	require.NotNil(t, analysis.Alert)
	assert.Equal(t, impact.RecommendInvestigate, analysis.Alert.Recommendation)

	// 5. 回滚到最初的高分版本
	// -------------------------------------------------------------
	t.Log("Step 5: Plan and execute rollback...")
	plan, err := pv.Rollback.CreateRollbackPlan(ctx, artifact.ID, root.VersionID,
		rollback.ReasonPerformanceDegradation, pv.Identity)
	require.NoError(t, err)
	// 回到更好的版本不是回归，策略不应阻断
	require.True(t, plan.CanRollback, "warnings: %v", plan.Warnings)

	result, err := pv.Rollback.ExecuteRollback(ctx, plan)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, root.VersionID, result.RolledBackTo)
	assert.Greater(t, result.PerformanceImpact[perf.MetricAverageScore], 0.0,
		"rolling back to the 0.9 version must read as a score gain")

	restored, err := pv.Versions.GetVersion(ctx, result.NewVersionID)
	require.NoError(t, err)
	assert.Equal(t, rootContent, restored.Content)
	assert.Equal(t, "1.0.4", restored.SemVer)

	// 6. 审计与候选列表
	// -------------------------------------------------------------
	t.Log("Step 6: Audit log and candidates...")
	logs, err := pv.Rollback.GetRollbackHistory(ctx, artifact.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, string(rollback.ReasonPerformanceDegradation), logs[0].Reason)

	candidates, err := pv.Rollback.ListRollbackCandidates(ctx, artifact.ID, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, candidates)
	assert.Equal(t, result.NewVersionID, candidates[0].Version.VersionID, "newest first")

	t.Log("✅ SUCCESS: full lifecycle passed!")
}

// TestSnapshotCache_Workflow 验证 Redis 快照缓存的读穿与失效
func TestSnapshotCache_Workflow(t *testing.T) {
	redisAddr := "localhost:6379"
	if conn, err := net.DialTimeout("tcp", redisAddr, 1*time.Second); err != nil {
		t.Skip("Skipping E2E test: Redis not available")
	} else {
		conn.Close()
	}

	pv := openApp(t)
	ctx := context.Background()

	_, root, err := pv.Versions.CreateArtifact(ctx, "cached-agent", "Answer in one sentence.", nil, pv.Identity)
	require.NoError(t, err)

	cache, err := perf.NewCachedSnapshots(pv.Repo, perf.CacheConfig{
		RedisURL: fmt.Sprintf("redis://%s/0", redisAddr),
		TTL:      time.Hour,
	})
	require.NoError(t, err)
	cached := perf.NewCachedTracker(pv.Repo, cache)

	record(t, pv, root.VersionID, 0.8, 2)

	// 第一次读穿数据库并回填，第二次命中缓存，两次结果必须一致
	first, err := cached.GetVersionPerformance(ctx, root.VersionID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.EqualValues(t, 2, first.TotalExecutions)

	second, err := cached.GetVersionPerformance(ctx, root.VersionID)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.AverageScore, second.AverageScore)

	// 紧跟着读之后立刻写：上一次 miss 的异步回填可能还在飞行中。
	// 失效的墓碑必须挡住它，否则下面会读到 2 次执行的旧快照
	s := 0.4
	err = cached.RecordExecution(ctx, root.VersionID, perf.ExecutionReport{Success: true, QualityScore: &s})
	require.NoError(t, err)

	third, err := cached.GetVersionPerformance(ctx, root.VersionID)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.EqualValues(t, 3, third.TotalExecutions, "stale snapshot must be evicted after a new execution")

	// 墓碑存活期内的每次读都落库，结果保持新鲜
	fourth, err := cached.GetVersionPerformance(ctx, root.VersionID)
	require.NoError(t, err)
	require.NotNil(t, fourth)
	assert.EqualValues(t, 3, fourth.TotalExecutions)

	t.Log("✅ SUCCESS: snapshot cache behaves!")
}
