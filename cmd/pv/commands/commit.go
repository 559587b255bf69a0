package commands

import (
	"fmt"
	"time"

	"promptvault/pkg/version"

	"github.com/spf13/cobra"
)

var (
	commitMsg     string
	commitContent string
	commitBranch  string
	commitMeta    map[string]string
)

var commitCmd = &cobra.Command{
	Use:   "commit <artifact-id>",
	Short: "Record a new version of a prompt",
	Long:  `Append a new immutable version to a branch. Omitted fields (content, metadata) are inherited from the branch head.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// 0. 防御检查
		if PV == nil {
			return fmt.Errorf("application not initialized")
		}
		if commitMsg == "" {
			return fmt.Errorf("commit message cannot be empty (use -m)")
		}

		changes := version.Changes{
			Metadata:      toMetadata(commitMeta),
			CommitMessage: commitMsg,
			CreatedBy:     PV.Identity,
			Branch:        commitBranch,
		}
		// 区分"没传"和"传了空串"：空内容也是合法的提交
		if cmd.Flags().Changed("content") {
			changes.Content = &commitContent
		}

		start := time.Now()
		v, err := PV.Versions.CreateVersion(cmd.Context(), args[0], changes)
		if err != nil {
			return err
		}

		fmt.Printf("✅ [%s] %s\n", v.VersionID[:8], commitMsg)
		fmt.Printf("   Version: %s on %s | Time: %s\n", v.SemVer, v.BranchName, time.Since(start))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commitCmd)

	// 绑定 Flags
	commitCmd.Flags().StringVarP(&commitMsg, "message", "m", "", "commit message")
	commitCmd.Flags().StringVarP(&commitContent, "content", "c", "", "new prompt content (inherited from head when omitted)")
	commitCmd.Flags().StringVarP(&commitBranch, "branch", "b", "", "branch to commit to (default main)")
	commitCmd.Flags().StringToStringVar(&commitMeta, "meta", nil, "metadata key=value pairs (inherited when omitted)")
}
