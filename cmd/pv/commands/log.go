package commands

import (
	"fmt"
	"time"

	"promptvault/pkg/meta"
	"promptvault/pkg/version"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log <artifact-id>",
	Short: "Show version history",
	Long:  `Display the full version history of an artifact (newest first), with performance snapshots where executions were recorded.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if PV == nil {
			return fmt.Errorf("application not initialized")
		}

		history, err := PV.Versions.GetVersionHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(history) == 0 {
			fmt.Println("No versions yet.")
			return nil
		}

		for _, entry := range history {
			printVersionLog(entry)
		}
		return nil
	},
}

// printVersionLog 格式化输出 (仿 git log)
func printVersionLog(entry version.VersionInfo) {
	const (
		colorYellow = "\033[33m"
		colorReset  = "\033[0m"
	)
	v := entry.Version

	fmt.Printf("%sversion %s (%s, %s)%s\n", colorYellow, v.VersionID, v.SemVer, v.BranchName, colorReset)
	fmt.Printf("Author: %s\n", v.CreatedBy)
	fmt.Printf("Date:   %s\n", v.CreatedAt.Format(time.RFC1123))
	if v.Status != "active" {
		fmt.Printf("Status: %s\n", v.Status)
	}
	fmt.Printf("\n    %s\n", v.CommitMessage)
	if entry.Snapshot != nil {
		printSnapshotLine(entry.Snapshot)
	}
	fmt.Println()
}

func printSnapshotLine(s *meta.SnapshotModel) {
	fmt.Printf("\n    📊 %d executions | score %.2f | success %.0f%% | $%.4f/run\n",
		s.TotalExecutions, s.AverageScore, s.SuccessRate*100, s.AverageCost)
}

func init() {
	rootCmd.AddCommand(logCmd)
}
