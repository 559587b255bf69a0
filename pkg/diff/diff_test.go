package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContent_Identical(t *testing.T) {
	segs := Content("Hello {{name}}\nsecond line", "Hello {{name}}\nsecond line")

	assert.Len(t, segs, 2)
	for _, s := range segs {
		assert.Equal(t, SegmentUnchanged, s.Type)
	}
}

func TestContent_Replace(t *testing.T) {
	segs := Content("Hello {{name}}", "Hi {{name}}!!!")

	// 一行被整体替换：removed 在前，added 在后
	assert.Equal(t, []Segment{
		{Type: SegmentRemoved, Text: "Hello {{name}}"},
		{Type: SegmentAdded, Text: "Hi {{name}}!!!"},
	}, segs)
}

func TestContent_AddAndKeep(t *testing.T) {
	a := "line1\nline2"
	b := "line1\nline2\nline3"

	segs := Content(a, b)
	assert.Equal(t, []Segment{
		{Type: SegmentUnchanged, Text: "line1"},
		{Type: SegmentUnchanged, Text: "line2"},
		{Type: SegmentAdded, Text: "line3"},
	}, segs)
}

func TestContent_Empty(t *testing.T) {
	assert.Empty(t, Content("", ""))

	segs := Content("", "new line")
	assert.Equal(t, []Segment{{Type: SegmentAdded, Text: "new line"}}, segs)
}

func TestMetadata_Diff(t *testing.T) {
	old := map[string]any{
		"model":       "gpt-4",
		"temperature": 0.7,
		"tags":        []any{"a", "b"},
	}
	new := map[string]any{
		"model":       "gpt-4",
		"temperature": 0.2,
		"max_tokens":  float64(2000),
	}

	changes := Metadata(old, new)

	assert.NotContains(t, changes, "model")
	assert.Contains(t, changes, "temperature")
	assert.Equal(t, 0.7, changes["temperature"].Old)
	assert.Equal(t, 0.2, changes["temperature"].New)

	// 单侧缺失的键：另一侧按 nil 对待
	assert.Contains(t, changes, "tags")
	assert.Nil(t, changes["tags"].New)
	assert.Contains(t, changes, "max_tokens")
	assert.Nil(t, changes["max_tokens"].Old)
}

func TestLengthHeuristic(t *testing.T) {
	d := NewLengthHeuristic()

	tests := []struct {
		name     string
		source   string
		target   string
		conflict bool
	}{
		{
			name:     "Same Content",
			source:   "abcdefgh",
			target:   "abcdefgh",
			conflict: false,
		},
		{
			name:     "Small Drift",
			source:   strings.Repeat("x", 100),
			target:   strings.Repeat("x", 120),
			conflict: false,
		},
		{
			name:     "Exceeds Half Of Smaller",
			source:   strings.Repeat("x", 100),
			target:   strings.Repeat("x", 151),
			conflict: true,
		},
		{
			name:     "Empty Versus NonEmpty",
			source:   "",
			target:   "anything",
			conflict: true,
		},
		{
			name:     "Both Empty",
			source:   "",
			target:   "",
			conflict: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Detect(tt.source, tt.target)
			if tt.conflict {
				assert.NotEmpty(t, got)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}
