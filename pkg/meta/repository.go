package meta

import (
	"context"
	"errors"
	"time"

	"promptvault/pkg/errdef"

	"go.opentelemetry.io/otel"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("promptvault/pkg/meta")

// Repository 封装所有对 SQL 数据库的操作
// 所有修改分支头指针的写入都走 CAS (head_generation 比对)，
// 防止两个并发提交读到同一个头之后静默分叉历史
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) conn(ctx context.Context) *gorm.DB {
	return r.db.GetConn().WithContext(ctx)
}

// -----------------------------------------------------------------------------
// 1. Artifact 管理
// -----------------------------------------------------------------------------

// CreateArtifact 创建 Artifact 本体及其 main 分支 (单事务)
// main 分支初始没有头指针，第一次 AppendVersion 时指向根版本
func (r *Repository) CreateArtifact(ctx context.Context, artifact *ArtifactModel, mainBranch *BranchModel) error {
	ctx, span := tracer.Start(ctx, "meta.Repository.CreateArtifact")
	defer span.End()

	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(artifact).Error; err != nil {
			return err
		}
		return tx.Create(mainBranch).Error
	})
	if err != nil {
		span.RecordError(err)
		return errdef.StoreUnavailablef(err, "create artifact")
	}
	return nil
}

func (r *Repository) GetArtifact(ctx context.Context, artifactID string) (*ArtifactModel, error) {
	ctx, span := tracer.Start(ctx, "meta.Repository.GetArtifact")
	defer span.End()

	var artifact ArtifactModel
	err := r.conn(ctx).Where("id = ?", artifactID).First(&artifact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdef.NotFoundf("artifact %s", artifactID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, errdef.StoreUnavailablef(err, "get artifact")
	}
	return &artifact, nil
}

// DeleteArtifact 级联删除：版本、分支、执行记录、快照、审计日志一并清除
func (r *Repository) DeleteArtifact(ctx context.Context, artifactID string) error {
	ctx, span := tracer.Start(ctx, "meta.Repository.DeleteArtifact")
	defer span.End()

	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var versionIDs []string
		if err := tx.Model(&VersionModel{}).
			Where("artifact_id = ?", artifactID).
			Pluck("version_id", &versionIDs).Error; err != nil {
			return err
		}

		if len(versionIDs) > 0 {
			if err := tx.Where("version_id IN ?", versionIDs).Delete(&ExecutionModel{}).Error; err != nil {
				return err
			}
			if err := tx.Where("version_id IN ?", versionIDs).Delete(&SnapshotModel{}).Error; err != nil {
				return err
			}
		}

		for _, m := range []any{&VersionModel{}, &BranchModel{}, &RollbackLogModel{}} {
			if err := tx.Where("artifact_id = ?", artifactID).Delete(m).Error; err != nil {
				return err
			}
		}
		return tx.Where("id = ?", artifactID).Delete(&ArtifactModel{}).Error
	})
	if err != nil {
		span.RecordError(err)
		return errdef.StoreUnavailablef(err, "delete artifact")
	}
	return nil
}

// -----------------------------------------------------------------------------
// 2. 分支管理
// -----------------------------------------------------------------------------

func (r *Repository) GetBranch(ctx context.Context, branchID string) (*BranchModel, error) {
	ctx, span := tracer.Start(ctx, "meta.Repository.GetBranch")
	defer span.End()

	var branch BranchModel
	err := r.conn(ctx).Where("branch_id = ?", branchID).First(&branch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdef.NotFoundf("branch %s", branchID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, errdef.StoreUnavailablef(err, "get branch")
	}
	return &branch, nil
}

// GetActiveBranch 按名字查活跃分支 (名字只在活跃分支里唯一)
func (r *Repository) GetActiveBranch(ctx context.Context, artifactID, name string) (*BranchModel, error) {
	ctx, span := tracer.Start(ctx, "meta.Repository.GetActiveBranch")
	defer span.End()

	var branch BranchModel
	err := r.conn(ctx).
		Where("artifact_id = ? AND name = ? AND is_active = ?", artifactID, name, true).
		First(&branch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdef.NotFoundf("active branch %q on artifact %s", name, artifactID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, errdef.StoreUnavailablef(err, "get active branch")
	}
	return &branch, nil
}

func (r *Repository) ListActiveBranches(ctx context.Context, artifactID string) ([]BranchModel, error) {
	ctx, span := tracer.Start(ctx, "meta.Repository.ListActiveBranches")
	defer span.End()

	var branches []BranchModel
	err := r.conn(ctx).
		Where("artifact_id = ? AND is_active = ?", artifactID, true).
		Order("created_at ASC").
		Find(&branches).Error
	if err != nil {
		span.RecordError(err)
		return nil, errdef.StoreUnavailablef(err, "list branches")
	}
	return branches, nil
}

// CreateBranch 创建分支 (单事务)
// 事务内校验：base 版本必须属于同一 Artifact；活跃分支名不可重复
func (r *Repository) CreateBranch(ctx context.Context, branch *BranchModel) error {
	ctx, span := tracer.Start(ctx, "meta.Repository.CreateBranch")
	defer span.End()

	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var baseCount int64
		if err := tx.Model(&VersionModel{}).
			Where("version_id = ? AND artifact_id = ?", branch.BaseVersionID, branch.ArtifactID).
			Count(&baseCount).Error; err != nil {
			return errdef.StoreUnavailablef(err, "check base version")
		}
		if baseCount == 0 {
			return errdef.Validationf("base version %s not found on artifact %s", branch.BaseVersionID, branch.ArtifactID)
		}

		var nameCount int64
		if err := tx.Model(&BranchModel{}).
			Where("artifact_id = ? AND name = ? AND is_active = ?", branch.ArtifactID, branch.Name, true).
			Count(&nameCount).Error; err != nil {
			return errdef.StoreUnavailablef(err, "check branch name")
		}
		if nameCount > 0 {
			return errdef.Validationf("branch %q already exists", branch.Name)
		}

		if err := tx.Create(branch).Error; err != nil {
			return errdef.StoreUnavailablef(err, "insert branch")
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// -----------------------------------------------------------------------------
// 3. 版本管理
// -----------------------------------------------------------------------------

func (r *Repository) GetVersion(ctx context.Context, versionID string) (*VersionModel, error) {
	ctx, span := tracer.Start(ctx, "meta.Repository.GetVersion")
	defer span.End()

	var version VersionModel
	err := r.conn(ctx).Where("version_id = ?", versionID).First(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errdef.NotFoundf("version %s", versionID)
	}
	if err != nil {
		span.RecordError(err)
		return nil, errdef.StoreUnavailablef(err, "get version")
	}
	return &version, nil
}

// ListVersions 返回某 Artifact 的全部版本，最新在前
func (r *Repository) ListVersions(ctx context.Context, artifactID string) ([]VersionModel, error) {
	ctx, span := tracer.Start(ctx, "meta.Repository.ListVersions")
	defer span.End()

	var versions []VersionModel
	err := r.conn(ctx).
		Where("artifact_id = ?", artifactID).
		Order("created_at DESC").
		Find(&versions).Error
	if err != nil {
		span.RecordError(err)
		return nil, errdef.StoreUnavailablef(err, "list versions")
	}
	return versions, nil
}

func (r *Repository) ListActiveVersions(ctx context.Context, artifactID string, limit int) ([]VersionModel, error) {
	ctx, span := tracer.Start(ctx, "meta.Repository.ListActiveVersions")
	defer span.End()

	var versions []VersionModel
	err := r.conn(ctx).
		Where("artifact_id = ? AND status = ?", artifactID, "active").
		Order("created_at DESC").
		Limit(limit).
		Find(&versions).Error
	if err != nil {
		span.RecordError(err)
		return nil, errdef.StoreUnavailablef(err, "list active versions")
	}
	return versions, nil
}

// CountActiveChildren 统计以某版本为 parent 的活跃版本数 (回滚安全检查用)
func (r *Repository) CountActiveChildren(ctx context.Context, parentVersionID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "meta.Repository.CountActiveChildren")
	defer span.End()

	var count int64
	err := r.conn(ctx).Model(&VersionModel{}).
		Where("parent_version_id = ? AND status = ?", parentVersionID, "active").
		Count(&count).Error
	if err != nil {
		span.RecordError(err)
		return 0, errdef.StoreUnavailablef(err, "count children")
	}
	return count, nil
}

// AppendVersion 原子追加版本并推进分支头 (CAS - Compare And Swap)
// expectedGeneration: 调用方读取分支时看到的 head_generation。
// 如果数据库里现在的值不等于它，说明有人抢先提交了，整个事务回滚并报 ErrConflict。
func (r *Repository) AppendVersion(ctx context.Context, version *VersionModel, branchID string, expectedGeneration int64) error {
	ctx, span := tracer.Start(ctx, "meta.Repository.AppendVersion")
	defer span.End()

	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(version).Error; err != nil {
			return errdef.StoreUnavailablef(err, "insert version")
		}

		if err := advanceHead(tx, branchID, version.VersionID, expectedGeneration); err != nil {
			return err
		}

		return bumpArtifact(tx, version.ArtifactID, version.SemVer)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// FinalizeMerge 合并收尾 (单事务)：
// 在目标分支追加合并版本 (CAS)、停用源分支并记录 merged_at、
// 将源分支上的活跃版本标记为 merged。任何一步失败则整体回滚，零副作用。
func (r *Repository) FinalizeMerge(ctx context.Context, mergeVersion *VersionModel, targetBranchID string, expectedGeneration int64, source *BranchModel) error {
	ctx, span := tracer.Start(ctx, "meta.Repository.FinalizeMerge")
	defer span.End()

	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(mergeVersion).Error; err != nil {
			return errdef.StoreUnavailablef(err, "insert merge version")
		}

		if err := advanceHead(tx, targetBranchID, mergeVersion.VersionID, expectedGeneration); err != nil {
			return err
		}

		now := time.Now()
		result := tx.Model(&BranchModel{}).
			Where("branch_id = ? AND is_active = ?", source.BranchID, true).
			Updates(map[string]any{"is_active": false, "merged_at": now})
		if result.Error != nil {
			return errdef.StoreUnavailablef(result.Error, "deactivate source branch")
		}
		if result.RowsAffected == 0 {
			return errdef.Conflictf("branch %s already merged or deleted", source.BranchID)
		}

		if err := tx.Model(&VersionModel{}).
			Where("artifact_id = ? AND branch_name = ? AND status = ?", source.ArtifactID, source.Name, "active").
			Update("status", "merged").Error; err != nil {
			return errdef.StoreUnavailablef(err, "mark source versions merged")
		}

		return bumpArtifact(tx, mergeVersion.ArtifactID, mergeVersion.SemVer)
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// advanceHead 关键检查：影响行数为 0 说明 generation 不匹配（被人抢先改了）
func advanceHead(tx *gorm.DB, branchID, newHeadID string, expectedGeneration int64) error {
	result := tx.Model(&BranchModel{}).
		Where("branch_id = ? AND head_generation = ?", branchID, expectedGeneration).
		Updates(map[string]any{
			"head_version_id": newHeadID,
			"head_generation": gorm.Expr("head_generation + 1"),
		})
	if result.Error != nil {
		return errdef.StoreUnavailablef(result.Error, "advance branch head")
	}
	if result.RowsAffected == 0 {
		return errdef.Conflictf("branch head moved concurrently (expected generation %d)", expectedGeneration)
	}
	return nil
}

func bumpArtifact(tx *gorm.DB, artifactID, semVer string) error {
	result := tx.Model(&ArtifactModel{}).
		Where("id = ?", artifactID).
		Updates(map[string]any{
			"current_version": semVer,
			"total_versions":  gorm.Expr("total_versions + 1"),
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return errdef.StoreUnavailablef(result.Error, "bump artifact version info")
	}
	if result.RowsAffected == 0 {
		return errdef.NotFoundf("artifact %s", artifactID)
	}
	return nil
}

// -----------------------------------------------------------------------------
// 4. 执行记录与性能快照
// -----------------------------------------------------------------------------

// snapshotAggregate 聚合查询的扫描目标
// 指针字段：AVG 在无有效行时返回 NULL
type snapshotAggregate struct {
	TotalExecutions     int64
	SuccessRate         *float64
	AverageScore        *float64
	AverageTokens       *float64
	AverageCost         *float64
	AverageResponseTime *float64
}

// RecordExecution 追加一条原始执行记录并全量重算该版本的快照 (单事务)
// 全量重算保证幂等：同一批结果无论以什么顺序回放，快照都一致，
// 也不存在增量更新的舍入误差累积
func (r *Repository) RecordExecution(ctx context.Context, execution *ExecutionModel) error {
	ctx, span := tracer.Start(ctx, "meta.Repository.RecordExecution")
	defer span.End()

	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(execution).Error; err != nil {
			return errdef.StoreUnavailablef(err, "insert execution")
		}

		var agg snapshotAggregate
		err := tx.Raw(`
			SELECT
				COUNT(*)                                      AS total_executions,
				AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END)  AS success_rate,
				AVG(quality_score)                            AS average_score,
				AVG(tokens_used)                              AS average_tokens,
				AVG(cost)                                     AS average_cost,
				AVG(execution_time)                           AS average_response_time
			FROM prompt_executions
			WHERE version_id = ?`, execution.VersionID).Scan(&agg).Error
		if err != nil {
			return errdef.StoreUnavailablef(err, "aggregate executions")
		}

		snapshot := SnapshotModel{
			VersionID:           execution.VersionID,
			AverageScore:        deref(agg.AverageScore),
			TotalExecutions:     agg.TotalExecutions,
			SuccessRate:         deref(agg.SuccessRate),
			AverageTokens:       deref(agg.AverageTokens),
			AverageCost:         deref(agg.AverageCost),
			AverageResponseTime: deref(agg.AverageResponseTime),
			LastUpdated:         time.Now(),
		}

		err = tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "version_id"}},
			UpdateAll: true,
		}).Create(&snapshot).Error
		if err != nil {
			return errdef.StoreUnavailablef(err, "upsert snapshot")
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// GetSnapshot 查询版本快照。没有执行过的版本返回 (nil, nil)，不算错误
func (r *Repository) GetSnapshot(ctx context.Context, versionID string) (*SnapshotModel, error) {
	ctx, span := tracer.Start(ctx, "meta.Repository.GetSnapshot")
	defer span.End()

	var snapshot SnapshotModel
	err := r.conn(ctx).Where("version_id = ?", versionID).First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, errdef.StoreUnavailablef(err, "get snapshot")
	}
	return &snapshot, nil
}

// GetSnapshots 批量查询，结果按 version_id 索引 (历史列表的标注用)
func (r *Repository) GetSnapshots(ctx context.Context, versionIDs []string) (map[string]SnapshotModel, error) {
	ctx, span := tracer.Start(ctx, "meta.Repository.GetSnapshots")
	defer span.End()

	result := make(map[string]SnapshotModel, len(versionIDs))
	if len(versionIDs) == 0 {
		return result, nil
	}

	var snapshots []SnapshotModel
	err := r.conn(ctx).Where("version_id IN ?", versionIDs).Find(&snapshots).Error
	if err != nil {
		span.RecordError(err)
		return nil, errdef.StoreUnavailablef(err, "get snapshots")
	}
	for _, s := range snapshots {
		result[s.VersionID] = s
	}
	return result, nil
}

// TrendPoint 某版本创建时刻对应的快照指标值
type TrendPoint struct {
	OccurredAt  time.Time `gorm:"column:occurred_at"`
	MetricValue float64   `gorm:"column:metric_value"`
}

// 允许的快照指标列 (防止拼接注入)
var allowedMetricColumns = map[string]struct{}{
	"average_score":         {},
	"success_rate":          {},
	"average_tokens":        {},
	"average_cost":          {},
	"average_response_time": {},
}

// TrendPoints 按版本创建时间升序返回某指标的时间序列
func (r *Repository) TrendPoints(ctx context.Context, artifactID, column string, since time.Time) ([]TrendPoint, error) {
	ctx, span := tracer.Start(ctx, "meta.Repository.TrendPoints")
	defer span.End()

	if _, ok := allowedMetricColumns[column]; !ok {
		return nil, errdef.Validationf("unknown metric column %q", column)
	}

	var points []TrendPoint
	err := r.conn(ctx).
		Table("prompt_versions AS v").
		Select("v.created_at AS occurred_at, s."+column+" AS metric_value").
		Joins("JOIN prompt_performance_snapshots s ON s.version_id = v.version_id").
		Where("v.artifact_id = ? AND v.created_at >= ?", artifactID, since).
		Order("v.created_at ASC").
		Scan(&points).Error
	if err != nil {
		span.RecordError(err)
		return nil, errdef.StoreUnavailablef(err, "trend points")
	}
	return points, nil
}

// CountExecutionsSince 统计某版本在 since 之后的执行次数 (回滚安全检查用)
func (r *Repository) CountExecutionsSince(ctx context.Context, versionID string, since time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "meta.Repository.CountExecutionsSince")
	defer span.End()

	var count int64
	err := r.conn(ctx).Model(&ExecutionModel{}).
		Where("version_id = ? AND executed_at > ?", versionID, since).
		Count(&count).Error
	if err != nil {
		span.RecordError(err)
		return 0, errdef.StoreUnavailablef(err, "count executions")
	}
	return count, nil
}

// -----------------------------------------------------------------------------
// 5. 回滚审计日志
// -----------------------------------------------------------------------------

// AppendRollbackLog 追加一条不可变审计记录
func (r *Repository) AppendRollbackLog(ctx context.Context, entry *RollbackLogModel) error {
	ctx, span := tracer.Start(ctx, "meta.Repository.AppendRollbackLog")
	defer span.End()

	if err := r.conn(ctx).Create(entry).Error; err != nil {
		span.RecordError(err)
		return errdef.StoreUnavailablef(err, "append rollback log")
	}
	return nil
}

func (r *Repository) ListRollbackLogs(ctx context.Context, artifactID string) ([]RollbackLogModel, error) {
	ctx, span := tracer.Start(ctx, "meta.Repository.ListRollbackLogs")
	defer span.End()

	var entries []RollbackLogModel
	err := r.conn(ctx).
		Where("artifact_id = ?", artifactID).
		Order("created_at DESC").
		Find(&entries).Error
	if err != nil {
		span.RecordError(err)
		return nil, errdef.StoreUnavailablef(err, "list rollback logs")
	}
	return entries, nil
}
