package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var branchFrom string

var branchCmd = &cobra.Command{
	Use:   "branch <artifact-id> <name>",
	Short: "Create a branch",
	Long:  `Fork a new development line from a version. Branch type is inferred from the name prefix (hotfix/, experiment/, otherwise feature).`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if PV == nil {
			return fmt.Errorf("application not initialized")
		}

		branch, err := PV.Versions.CreateBranch(cmd.Context(), args[0], args[1], branchFrom, PV.Identity)
		if err != nil {
			return err
		}

		fmt.Printf("🌿 Created %s branch %q from %s\n", branch.BranchType, branch.Name, branch.BaseVersionID[:8])
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <artifact-id> <source-branch> [target-branch]",
	Short: "Merge a branch",
	Long:  `Merge the source branch into the target branch (default main). Aborts with a conflict list when the heads diverged too far.`,
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if PV == nil {
			return fmt.Errorf("application not initialized")
		}

		target := "main"
		if len(args) == 3 {
			target = args[2]
		}

		result, err := PV.Versions.MergeBranch(cmd.Context(), args[0], args[1], target, PV.Identity)
		if err != nil {
			return err
		}

		if !result.Success {
			fmt.Printf("❌ %s\n", result.Message)
			for _, c := range result.Conflicts {
				fmt.Printf("   conflict: %s\n", c)
			}
			return nil
		}

		fmt.Printf("✅ %s\n", result.Message)
		fmt.Printf("   Merge version: %s\n", result.MergedVersionID[:8])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(mergeCmd)

	branchCmd.Flags().StringVar(&branchFrom, "from", "", "base version id (default: main head)")
}
