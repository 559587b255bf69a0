package meta

import (
	"time"

	"gorm.io/datatypes"
)

// ArtifactModel 被版本化的提示词本体
// 每个 Artifact 创建一次；分支头指针随每次提交移动；删除时级联清理全部版本/分支
type ArtifactModel struct {
	ID   string `gorm:"primaryKey;type:varchar(64)"`
	Name string `gorm:"type:varchar(255)"`

	// CurrentVersion 当前语义版本号 (main 分支)，例如 "1.0.12"
	CurrentVersion string `gorm:"type:varchar(32)"`

	// TotalVersions 历史版本总数，随每次 createVersion 单调递增
	TotalVersions int64 `gorm:"default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ArtifactModel) TableName() string { return "prompt_artifacts" }

// VersionModel 不可变的版本快照
// 不变量：content / metadata_snapshot 创建后永不修改；parent 必须指向同一
// Artifact 的更早版本；status 只通过 merge/rollback 的簿记逻辑改变
type VersionModel struct {
	VersionID  string `gorm:"primaryKey;type:varchar(64)"`
	ArtifactID string `gorm:"index;type:varchar(64);not null"`

	// Content 全量快照，永远不是 diff
	Content string `gorm:"type:text"`

	// MetadataSnapshot 模型参数、标签等非结构化元数据
	MetadataSnapshot datatypes.JSON

	// SemVer 该版本的语义版本号 (x.y.z)
	SemVer string `gorm:"type:varchar(32)"`

	// ParentVersionID 仅根版本为 NULL
	ParentVersionID *string `gorm:"index;type:varchar(64)"`

	BranchName    string `gorm:"type:varchar(255)"`
	BranchType    string `gorm:"type:varchar(32)"`
	CommitMessage string `gorm:"type:text"`
	Status        string `gorm:"index;type:varchar(32)"`

	CreatedAt time.Time `gorm:"index"`
	CreatedBy string    `gorm:"type:varchar(100)"`
}

func (VersionModel) TableName() string { return "prompt_versions" }

// BranchModel 分支：指向某条开发线最新版本的可变指针
type BranchModel struct {
	BranchID   string `gorm:"primaryKey;type:varchar(64)"`
	ArtifactID string `gorm:"index;type:varchar(64);not null"`

	// Name 在同一 Artifact 的活跃分支中唯一 (Repository 层保证)
	Name string `gorm:"type:varchar(255);not null"`

	BaseVersionID string `gorm:"type:varchar(64)"`

	// HeadVersionID 永远指向该分支最新提交的版本；根分支建立时为空
	HeadVersionID string `gorm:"type:varchar(64)"`

	BranchType string `gorm:"type:varchar(32)"`
	IsActive   bool   `gorm:"index;default:true"`
	MergedAt   *time.Time

	// HeadGeneration 用于乐观锁并发控制 (CAS)
	// 每次头指针移动时 +1，防止两个并发提交静默地挂到同一个 parent 上
	HeadGeneration int64 `gorm:"default:1"`

	CreatedAt time.Time
	CreatedBy string `gorm:"type:varchar(100)"`
}

func (BranchModel) TableName() string { return "prompt_branches" }

// ExecutionModel 执行层上报的单条原始执行结果
// 聚合快照永远从这些原始行全量重算，不做增量漂移
type ExecutionModel struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	VersionID string `gorm:"index;type:varchar(64);not null"`

	Success bool

	// QualityScore 可选：没有评分的执行不参与 average_score
	QualityScore *float64

	TokensUsed    int64
	Cost          float64
	ExecutionTime float64 // 秒

	ExecutedAt time.Time `gorm:"index"`
}

func (ExecutionModel) TableName() string { return "prompt_executions" }

// SnapshotModel 单个版本的聚合性能快照
type SnapshotModel struct {
	VersionID string `gorm:"primaryKey;type:varchar(64)"`

	AverageScore        float64
	TotalExecutions     int64
	SuccessRate         float64
	AverageTokens       float64
	AverageCost         float64
	AverageResponseTime float64

	LastUpdated time.Time
}

func (SnapshotModel) TableName() string { return "prompt_performance_snapshots" }

// RollbackLogModel 回滚操作的不可变审计日志
type RollbackLogModel struct {
	ID         string `gorm:"primaryKey;type:varchar(64)"`
	ArtifactID string `gorm:"index;type:varchar(64);not null"`

	// Plan 执行时的完整回滚计划快照 (JSON)
	Plan datatypes.JSON

	NewVersionID string `gorm:"type:varchar(64)"`
	RolledBackTo string `gorm:"type:varchar(64)"`
	Reason       string `gorm:"type:varchar(64)"`

	CreatedBy string `gorm:"type:varchar(100)"`
	CreatedAt time.Time
}

func (RollbackLogModel) TableName() string { return "prompt_rollback_log" }

// AllModels AutoMigrate 用
func AllModels() []any {
	return []any{
		&ArtifactModel{},
		&VersionModel{},
		&BranchModel{},
		&ExecutionModel{},
		&SnapshotModel{},
		&RollbackLogModel{},
	}
}
