// Package version 实现提示词的版本控制：提交、分支、合并、回退与 diff
package version

import (
	"context"
	"encoding/json"
	"fmt"

	"promptvault/pkg/diff"
	"promptvault/pkg/errdef"
	"promptvault/pkg/meta"
	"promptvault/pkg/types"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"gorm.io/datatypes"
)

var tracer = otel.Tracer("promptvault/pkg/version")

// Service 版本控制服务
// 所有写路径最终落到 Repository 的 CAS 事务上：
// 读分支头 -> 基于它构造新版本 -> 带着读到的 generation 提交，
// 中途被人抢先则报 ErrConflict，由调用方决定是否重试
type Service struct {
	repo     *meta.Repository
	detector diff.ConflictDetector
}

func NewService(repo *meta.Repository, detector diff.ConflictDetector) *Service {
	return &Service{repo: repo, detector: detector}
}

// Changes 一次提交携带的变更
// Content 为 nil 表示沿用当前头版本的内容 (仅改元数据)，Metadata 同理
type Changes struct {
	Content       *string
	Metadata      map[string]any
	CommitMessage string
	CreatedBy     string

	// Branch 提交到哪条分支，空串默认 main
	Branch string
}

// MergeResult 合并结果
// Success == false 且 Conflicts 非空时表示合并被冲突中止，数据库零改动
type MergeResult struct {
	Success         bool
	MergedVersionID string
	Conflicts       []string
	Message         string
}

// VersionInfo 历史列表条目：版本 + 可选的性能快照 (没执行过的版本为 nil)
type VersionInfo struct {
	Version  meta.VersionModel
	Snapshot *meta.SnapshotModel
}

// VersionDiff 两个版本间的结构化差异
type VersionDiff struct {
	FromVersionID string
	ToVersionID   string
	Content       []diff.Segment
	Metadata      map[string]diff.MetadataChange
}

// -----------------------------------------------------------------------------
// Artifact 与版本创建
// -----------------------------------------------------------------------------

// CreateArtifact 创建新的提示词：Artifact 本体 + main 分支 + 根版本 1.0.0
func (s *Service) CreateArtifact(ctx context.Context, name, content string, metadata map[string]any, createdBy string) (*meta.ArtifactModel, *meta.VersionModel, error) {
	ctx, span := tracer.Start(ctx, "version.Service.CreateArtifact")
	defer span.End()

	if name == "" {
		return nil, nil, errdef.Validationf("artifact name must not be empty")
	}

	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, nil, err
	}

	artifact := &meta.ArtifactModel{
		ID:             uuid.NewString(),
		Name:           name,
		CurrentVersion: types.InitialVersion.String(),
	}
	mainBranch := &meta.BranchModel{
		BranchID:       uuid.NewString(),
		ArtifactID:     artifact.ID,
		Name:           types.MainBranch,
		BranchType:     string(types.BranchMain),
		IsActive:       true,
		HeadGeneration: 1,
		CreatedBy:      createdBy,
	}
	if err := s.repo.CreateArtifact(ctx, artifact, mainBranch); err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	root := &meta.VersionModel{
		VersionID:        uuid.NewString(),
		ArtifactID:       artifact.ID,
		Content:          content,
		MetadataSnapshot: metaJSON,
		SemVer:           types.InitialVersion.String(),
		ParentVersionID:  nil, // 唯一允许无 parent 的版本
		BranchName:       types.MainBranch,
		BranchType:       string(types.BranchMain),
		CommitMessage:    "Initial version",
		Status:           string(types.StatusActive),
		CreatedBy:        createdBy,
	}
	if err := s.repo.AppendVersion(ctx, root, mainBranch.BranchID, 1); err != nil {
		span.RecordError(err)
		return nil, nil, err
	}
	artifact.CurrentVersion = root.SemVer
	artifact.TotalVersions = 1
	return artifact, root, nil
}

// CreateVersion 在指定分支追加一个新版本
// 省略的字段 (Content / Metadata) 沿用分支头版本的值；
// 版本号在 Artifact 级别单调递增 (patch +1)
func (s *Service) CreateVersion(ctx context.Context, artifactID string, changes Changes) (*meta.VersionModel, error) {
	ctx, span := tracer.Start(ctx, "version.Service.CreateVersion")
	defer span.End()

	branchName := changes.Branch
	if branchName == "" {
		branchName = types.MainBranch
	}

	artifact, err := s.repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	branch, err := s.repo.GetActiveBranch(ctx, artifactID, branchName)
	if err != nil {
		return nil, err
	}

	content := ""
	metadata := datatypes.JSON(nil)
	var parent *string
	if branch.HeadVersionID != "" {
		head, err := s.repo.GetVersion(ctx, branch.HeadVersionID)
		if err != nil {
			return nil, err
		}
		content = head.Content
		metadata = head.MetadataSnapshot
		parent = &head.VersionID
	}

	if changes.Content != nil {
		content = *changes.Content
	}
	if changes.Metadata != nil {
		metadata, err = marshalMetadata(changes.Metadata)
		if err != nil {
			return nil, err
		}
	}

	nextSemVer, err := s.nextSemVer(artifact)
	if err != nil {
		return nil, err
	}

	v := &meta.VersionModel{
		VersionID:        uuid.NewString(),
		ArtifactID:       artifactID,
		Content:          content,
		MetadataSnapshot: metadata,
		SemVer:           nextSemVer,
		ParentVersionID:  parent,
		BranchName:       branch.Name,
		BranchType:       branch.BranchType,
		CommitMessage:    changes.CommitMessage,
		Status:           string(types.StatusActive),
		CreatedBy:        changes.CreatedBy,
	}
	if err := s.repo.AppendVersion(ctx, v, branch.BranchID, branch.HeadGeneration); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return v, nil
}

// -----------------------------------------------------------------------------
// 分支
// -----------------------------------------------------------------------------

// CreateBranch 从某个版本分出新分支
// baseVersionID 为空时默认从 main 的当前头分出
func (s *Service) CreateBranch(ctx context.Context, artifactID, name, baseVersionID, createdBy string) (*meta.BranchModel, error) {
	ctx, span := tracer.Start(ctx, "version.Service.CreateBranch")
	defer span.End()

	if name == "" {
		return nil, errdef.Validationf("branch name must not be empty")
	}
	if name == types.MainBranch {
		return nil, errdef.Validationf("branch name %q is reserved", types.MainBranch)
	}

	if baseVersionID == "" {
		main, err := s.repo.GetActiveBranch(ctx, artifactID, types.MainBranch)
		if err != nil {
			return nil, err
		}
		if main.HeadVersionID == "" {
			return nil, errdef.Validationf("artifact %s has no versions to branch from", artifactID)
		}
		baseVersionID = main.HeadVersionID
	}

	branch := &meta.BranchModel{
		BranchID:       uuid.NewString(),
		ArtifactID:     artifactID,
		Name:           name,
		BaseVersionID:  baseVersionID,
		HeadVersionID:  baseVersionID,
		BranchType:     string(types.InferBranchType(name)),
		IsActive:       true,
		HeadGeneration: 1,
		CreatedBy:      createdBy,
	}
	if err := s.repo.CreateBranch(ctx, branch); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return branch, nil
}

// MergeBranch 把 source 分支合并回 target 分支
// 检测到冲突时中止：返回冲突列表，数据库零改动，不返回 error
// (冲突是业务结果而非故障)
func (s *Service) MergeBranch(ctx context.Context, artifactID, sourceName, targetName, createdBy string) (*MergeResult, error) {
	ctx, span := tracer.Start(ctx, "version.Service.MergeBranch")
	defer span.End()

	if sourceName == targetName {
		return nil, errdef.Validationf("cannot merge branch %q into itself", sourceName)
	}

	artifact, err := s.repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	source, err := s.repo.GetActiveBranch(ctx, artifactID, sourceName)
	if err != nil {
		return nil, err
	}
	target, err := s.repo.GetActiveBranch(ctx, artifactID, targetName)
	if err != nil {
		return nil, err
	}
	if source.HeadVersionID == "" || target.HeadVersionID == "" {
		return nil, errdef.Validationf("both branches need at least one version to merge")
	}

	sourceHead, err := s.repo.GetVersion(ctx, source.HeadVersionID)
	if err != nil {
		return nil, err
	}
	targetHead, err := s.repo.GetVersion(ctx, target.HeadVersionID)
	if err != nil {
		return nil, err
	}

	if conflicts := s.detector.Detect(sourceHead.Content, targetHead.Content); len(conflicts) > 0 {
		return &MergeResult{
			Success:   false,
			Conflicts: conflicts,
			Message:   fmt.Sprintf("merge of %q into %q aborted: manual resolution required", sourceName, targetName),
		}, nil
	}

	nextSemVer, err := s.nextSemVer(artifact)
	if err != nil {
		return nil, err
	}

	message := fmt.Sprintf("Merge branch '%s' into '%s'", sourceName, targetName)
	mergeVersion := &meta.VersionModel{
		VersionID:        uuid.NewString(),
		ArtifactID:       artifactID,
		Content:          sourceHead.Content,
		MetadataSnapshot: sourceHead.MetadataSnapshot,
		SemVer:           nextSemVer,
		ParentVersionID:  &targetHead.VersionID,
		BranchName:       target.Name,
		BranchType:       target.BranchType,
		CommitMessage:    message,
		Status:           string(types.StatusActive),
		CreatedBy:        createdBy,
	}
	if err := s.repo.FinalizeMerge(ctx, mergeVersion, target.BranchID, target.HeadGeneration, source); err != nil {
		span.RecordError(err)
		return nil, err
	}

	return &MergeResult{
		Success:         true,
		MergedVersionID: mergeVersion.VersionID,
		Message:         message,
	}, nil
}

// -----------------------------------------------------------------------------
// 查询与比较
// -----------------------------------------------------------------------------

func (s *Service) GetVersion(ctx context.Context, versionID string) (*meta.VersionModel, error) {
	return s.repo.GetVersion(ctx, versionID)
}

// GetVersionHistory 返回全部版本 (最新在前)，并附带各自的性能快照
func (s *Service) GetVersionHistory(ctx context.Context, artifactID string) ([]VersionInfo, error) {
	ctx, span := tracer.Start(ctx, "version.Service.GetVersionHistory")
	defer span.End()

	versions, err := s.repo.ListVersions(ctx, artifactID)
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

	history := make([]VersionInfo, len(versions))
	for i, v := range versions {
		info := VersionInfo{Version: v}
		if snap, ok := snapshots[v.VersionID]; ok {
			snapCopy := snap
			info.Snapshot = &snapCopy
		}
		history[i] = info
	}
	return history, nil
}

// CompareVersions 结构化比较两个版本 (必须属于同一 Artifact)
func (s *Service) CompareVersions(ctx context.Context, fromID, toID string) (*VersionDiff, error) {
	ctx, span := tracer.Start(ctx, "version.Service.CompareVersions")
	defer span.End()

	from, err := s.repo.GetVersion(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.repo.GetVersion(ctx, toID)
	if err != nil {
		return nil, err
	}
	if from.ArtifactID != to.ArtifactID {
		return nil, errdef.Validationf("versions %s and %s belong to different artifacts", fromID, toID)
	}

	fromMeta, err := unmarshalMetadata(from.MetadataSnapshot)
	if err != nil {
		return nil, err
	}
	toMeta, err := unmarshalMetadata(to.MetadataSnapshot)
	if err != nil {
		return nil, err
	}

	return &VersionDiff{
		FromVersionID: fromID,
		ToVersionID:   toID,
		Content:       diff.Content(from.Content, to.Content),
		Metadata:      diff.Metadata(fromMeta, toMeta),
	}, nil
}

// -----------------------------------------------------------------------------
// 回退原语
// -----------------------------------------------------------------------------

// RollbackToVersion 回退 = 在 main 上追加一个内容等于目标版本的新提交
// 历史不可变：绝不删除或改写中间版本，永远只向前走
// message 为空时使用默认的回退提交信息
func (s *Service) RollbackToVersion(ctx context.Context, artifactID, targetVersionID, createdBy, message string) (*meta.VersionModel, error) {
	ctx, span := tracer.Start(ctx, "version.Service.RollbackToVersion")
	defer span.End()

	target, err := s.repo.GetVersion(ctx, targetVersionID)
	if err != nil {
		return nil, err
	}
	if target.ArtifactID != artifactID {
		return nil, errdef.Validationf("version %s does not belong to artifact %s", targetVersionID, artifactID)
	}

	artifact, err := s.repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	main, err := s.repo.GetActiveBranch(ctx, artifactID, types.MainBranch)
	if err != nil {
		return nil, err
	}
	if main.HeadVersionID == "" {
		return nil, errdef.Validationf("artifact %s has no versions", artifactID)
	}

	nextSemVer, err := s.nextSemVer(artifact)
	if err != nil {
		return nil, err
	}

	if message == "" {
		message = fmt.Sprintf("Rollback to version %s (%s)", target.SemVer, target.VersionID)
	}

	v := &meta.VersionModel{
		VersionID:        uuid.NewString(),
		ArtifactID:       artifactID,
		Content:          target.Content,
		MetadataSnapshot: target.MetadataSnapshot,
		SemVer:           nextSemVer,
		ParentVersionID:  &main.HeadVersionID,
		BranchName:       main.Name,
		BranchType:       main.BranchType,
		CommitMessage:    message,
		Status:           string(types.StatusActive),
		CreatedBy:        createdBy,
	}
	if err := s.repo.AppendVersion(ctx, v, main.BranchID, main.HeadGeneration); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return v, nil
}

// -----------------------------------------------------------------------------
// 内部工具
// -----------------------------------------------------------------------------

func (s *Service) nextSemVer(artifact *meta.ArtifactModel) (string, error) {
	current, err := types.ParseSemanticVersion(artifact.CurrentVersion)
	if err != nil {
		return "", errdef.Validationf("artifact %s carries malformed version %q", artifact.ID, artifact.CurrentVersion)
	}
	next, err := current.BumpPatch()
	if err != nil {
		return "", errdef.Validationf("artifact %s: %v", artifact.ID, err)
	}
	return next.String(), nil
}

func marshalMetadata(m map[string]any) (datatypes.JSON, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, errdef.Validationf("metadata is not serializable: %v", err)
	}
	return datatypes.JSON(raw), nil
}

func unmarshalMetadata(raw datatypes.JSON) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errdef.Validationf("stored metadata is corrupt: %v", err)
	}
	return m, nil
}
