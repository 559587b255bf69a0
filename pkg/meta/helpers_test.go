package meta

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 通用辅助函数 (Helpers)
// 注意：文件名必须以 _test.go 结尾，否则会被编译进生产代码！
// -----------------------------------------------------------------------------

// fptr 可选评分字段的字面量辅助
func fptr(v float64) *float64 { return &v }

func sptr(s string) *string { return &s }

// mustCreateArtifact 创建 Artifact + main 分支，失败直接终止测试
func mustCreateArtifact(t *testing.T, repo *Repository, name string) (*ArtifactModel, *BranchModel) {
	t.Helper()

	artifact := &ArtifactModel{
		ID:             uuid.NewString(),
		Name:           name,
		CurrentVersion: "1.0.0",
	}
	branch := &BranchModel{
		BranchID:       uuid.NewString(),
		ArtifactID:     artifact.ID,
		Name:           "main",
		BranchType:     "main",
		IsActive:       true,
		HeadGeneration: 1,
		CreatedBy:      "tester",
	}
	require.NoError(t, repo.CreateArtifact(context.Background(), artifact, branch))
	return artifact, branch
}

// newTestVersion 构造版本行；CreatedAt 显式可控，保证排序类断言的确定性
func newTestVersion(artifactID string, parent *string, semVer, branchName, content string, at time.Time) *VersionModel {
	return &VersionModel{
		VersionID:       uuid.NewString(),
		ArtifactID:      artifactID,
		Content:         content,
		SemVer:          semVer,
		ParentVersionID: parent,
		BranchName:      branchName,
		BranchType:      "main",
		CommitMessage:   "test commit",
		Status:          "active",
		CreatedAt:       at,
		CreatedBy:       "tester",
	}
}

// mustAppendVersion 追加版本，适用于 Happy Path
func mustAppendVersion(t *testing.T, repo *Repository, v *VersionModel, branchID string, expectedGeneration int64, msgAndArgs ...any) {
	t.Helper()
	err := repo.AppendVersion(context.Background(), v, branchID, expectedGeneration)
	require.NoError(t, err, msgAndArgs...)
}

// mustRecordExecution 上报一条执行结果，失败则终止
func mustRecordExecution(t *testing.T, repo *Repository, versionID string, success bool, score *float64, tokens int64, cost, execTime float64) {
	t.Helper()
	err := repo.RecordExecution(context.Background(), &ExecutionModel{
		ID:            uuid.NewString(),
		VersionID:     versionID,
		Success:       success,
		QualityScore:  score,
		TokensUsed:    tokens,
		Cost:          cost,
		ExecutionTime: execTime,
		ExecutedAt:    time.Now(),
	})
	require.NoError(t, err)
}
