// pkg/types/common.go
package types

import "strings"

// MainBranch 是每个 Artifact 创建时自带的默认分支名
const MainBranch = "main"

// BranchType 分支类型
type BranchType string

const (
	BranchMain       BranchType = "main"
	BranchFeature    BranchType = "feature"
	BranchExperiment BranchType = "experiment"
	BranchHotfix     BranchType = "hotfix"
)

// InferBranchType 根据分支名前缀推断类型
// 规则：hotfix/* -> hotfix, experiment/* -> experiment, 其余一律 feature
func InferBranchType(name string) BranchType {
	switch {
	case name == MainBranch:
		return BranchMain
	case strings.HasPrefix(name, "hotfix/"):
		return BranchHotfix
	case strings.HasPrefix(name, "experiment/"):
		return BranchExperiment
	default:
		return BranchFeature
	}
}

// VersionStatus 版本状态
// 状态只能通过 merge / rollback 的簿记逻辑改变，内容本身永远不变
type VersionStatus string

const (
	StatusActive    VersionStatus = "active"
	StatusMerged    VersionStatus = "merged"
	StatusAbandoned VersionStatus = "abandoned"
)
