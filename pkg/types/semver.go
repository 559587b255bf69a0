package types

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SemanticVersion 是一个类型化的语义版本号 (x.y.z)
// 替代原始实现里的 string split 技巧，带显式的解析/格式化/溢出处理
type SemanticVersion struct {
	Major int
	Minor int
	Patch int
}

// InitialVersion 每个 Artifact 的第一个版本号
var InitialVersion = SemanticVersion{Major: 1, Minor: 0, Patch: 0}

// ParseSemanticVersion 解析 "x.y.z" 格式
func ParseSemanticVersion(s string) (SemanticVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return SemanticVersion{}, fmt.Errorf("malformed semantic version %q: expected x.y.z", s)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return SemanticVersion{}, fmt.Errorf("malformed semantic version %q: segment %q is not a non-negative integer", s, p)
		}
		nums[i] = n
	}

	return SemanticVersion{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v SemanticVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// BumpPatch 返回 patch+1 的新值
// Patch 封顶 MaxInt32：一个 Artifact 不可能有 21 亿个版本，达到即视为数据损坏
func (v SemanticVersion) BumpPatch() (SemanticVersion, error) {
	if v.Patch >= math.MaxInt32 {
		return SemanticVersion{}, fmt.Errorf("patch overflow at %s", v)
	}
	return SemanticVersion{Major: v.Major, Minor: v.Minor, Patch: v.Patch + 1}, nil
}
