package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInferBranchType(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  BranchType
	}{
		{
			name:  "Main Branch",
			input: "main",
			want:  BranchMain,
		},
		{
			name:  "Hotfix Prefix",
			input: "hotfix/fix-tone",
			want:  BranchHotfix,
		},
		{
			name:  "Experiment Prefix",
			input: "experiment/longer-context",
			want:  BranchExperiment,
		},
		{
			name:  "Plain Name Defaults To Feature",
			input: "try-new-persona",
			want:  BranchFeature,
		},
		{
			name:  "Feature Prefix Is Also Feature",
			input: "feature/x",
			want:  BranchFeature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferBranchType(tt.input))
		})
	}
}
