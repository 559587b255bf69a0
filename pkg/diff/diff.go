// Package diff 提供版本内容/元数据的结构化对比
package diff

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// SegmentType 内容差异段的类型
type SegmentType string

const (
	SegmentAdded     SegmentType = "added"
	SegmentRemoved   SegmentType = "removed"
	SegmentUnchanged SegmentType = "unchanged"
)

// Segment 一行内容及其变更类型
type Segment struct {
	Type SegmentType `json:"type"`
	Text string      `json:"content"`
}

// MetadataChange 元数据单个键的变更
type MetadataChange struct {
	Old any `json:"old_value"`
	New any `json:"new_value"`
}

// Content 逐行对比两段文本，输出 added/removed/unchanged 段序列
// 底层用 difflib 的 SequenceMatcher，与 unified diff 的判定一致
func Content(a, b string) []Segment {
	aLines := splitLines(a)
	bLines := splitLines(b)

	matcher := difflib.NewMatcher(aLines, bLines)

	var segments []Segment
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'e': // equal
			for _, line := range aLines[op.I1:op.I2] {
				segments = append(segments, Segment{Type: SegmentUnchanged, Text: line})
			}
		case 'd': // delete
			for _, line := range aLines[op.I1:op.I2] {
				segments = append(segments, Segment{Type: SegmentRemoved, Text: line})
			}
		case 'i': // insert
			for _, line := range bLines[op.J1:op.J2] {
				segments = append(segments, Segment{Type: SegmentAdded, Text: line})
			}
		case 'r': // replace = removed + added
			for _, line := range aLines[op.I1:op.I2] {
				segments = append(segments, Segment{Type: SegmentRemoved, Text: line})
			}
			for _, line := range bLines[op.J1:op.J2] {
				segments = append(segments, Segment{Type: SegmentAdded, Text: line})
			}
		}
	}
	return segments
}

// Metadata 对比两份元数据快照，返回值发生变化的键
// 两边的键取并集，任一侧缺失按 nil 处理
func Metadata(old, new map[string]any) map[string]MetadataChange {
	changes := make(map[string]MetadataChange)

	keys := make(map[string]struct{}, len(old)+len(new))
	for k := range old {
		keys[k] = struct{}{}
	}
	for k := range new {
		keys[k] = struct{}{}
	}

	for k := range keys {
		ov, nv := old[k], new[k]
		// JSON 解码后的值是 string/bool/float64/nil/[]any/map[string]any
		// 容器不可直接 ==，统一走 %v 字符串化后比较，足够用于变更检测
		if fmt.Sprintf("%v", ov) != fmt.Sprintf("%v", nv) {
			changes[k] = MetadataChange{Old: ov, New: nv}
		}
	}
	return changes
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
