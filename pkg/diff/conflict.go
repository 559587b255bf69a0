package diff

import "fmt"

// ConflictDetector 合并冲突检测能力
// 目前只有长度启发式实现；接口留在这里，将来换成真正的三路 diff
// 时不需要动 merge 的编排逻辑
type ConflictDetector interface {
	// Detect 返回冲突描述列表，空切片表示可以安全合并
	Detect(source, target string) []string
}

// LengthHeuristic 粗粒度冲突启发式：
// 两侧内容长度相差超过较短一侧的 50%，即认为改动过大需要人工介入
type LengthHeuristic struct{}

func NewLengthHeuristic() LengthHeuristic { return LengthHeuristic{} }

func (LengthHeuristic) Detect(source, target string) []string {
	ls, lt := len(source), len(target)

	smaller := ls
	if lt < smaller {
		smaller = lt
	}
	delta := ls - lt
	if delta < 0 {
		delta = -delta
	}

	// 一侧为空另一侧非空时 smaller == 0，任何差异都算冲突
	if (smaller == 0 && delta > 0) || (smaller > 0 && float64(delta) > float64(smaller)*0.5) {
		return []string{fmt.Sprintf(
			"significant content divergence: lengths %d vs %d differ by more than 50%% of the smaller side", ls, lt)}
	}
	return nil
}
