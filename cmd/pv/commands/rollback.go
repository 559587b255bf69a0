package commands

import (
	"fmt"

	"promptvault/pkg/rollback"

	"github.com/spf13/cobra"
)

var (
	rollbackReason   string
	rollbackPlanOnly bool
	candidatesLimit  int
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <artifact-id> <target-version-id>",
	Short: "Roll the main branch back to an earlier version",
	Long: `Draft a rollback plan (safety checks, impact analysis, policy evaluation) and execute it.
Use --plan-only to inspect the plan without touching the branch head.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if PV == nil {
			return fmt.Errorf("application not initialized")
		}
		ctx := cmd.Context()

		reason, err := rollback.ParseReason(rollbackReason)
		if err != nil {
			return err
		}

		plan, err := PV.Rollback.CreateRollbackPlan(ctx, args[0], args[1], reason, PV.Identity)
		if err != nil {
			return err
		}
		printRollbackPlan(plan)

		if rollbackPlanOnly {
			return nil
		}
		if !plan.CanRollback {
			// 计划被策略阻断，直接结束，不去撞 ExecuteRollback 的错误
			return nil
		}

		result, err := PV.Rollback.ExecuteRollback(ctx, plan)
		if err != nil {
			return err
		}

		fmt.Printf("\n✅ %s\n", result.Message)
		fmt.Printf("   New version: %s (content restored from %s)\n", result.NewVersionID[:8], result.RolledBackTo[:8])
		if len(result.PerformanceImpact) > 0 {
			fmt.Println("   Expected performance change:")
			for metric, pct := range result.PerformanceImpact {
				fmt.Printf("   - %s: %+.1f%%\n", metric, pct)
			}
		}
		return nil
	},
}

func printRollbackPlan(plan *rollback.Plan) {
	fmt.Printf("📝 Rollback plan for %s (%s)\n", plan.ArtifactID, plan.State)
	fmt.Printf("   %s -> %s | reason: %s\n", plan.CurrentVersionID[:8], plan.TargetVersionID[:8], plan.Reason)
	fmt.Printf("   Risk: %s | content delta: %d chars | metadata changes: %d\n",
		plan.Impact.RiskLevel, plan.Impact.ContentDelta, len(plan.Impact.MetadataChanges))
	for _, check := range plan.SafetyChecks {
		fmt.Printf("   ✓ %s\n", check)
	}
	for _, warning := range plan.Warnings {
		fmt.Printf("   ⚠️ %s\n", warning)
	}
	if !plan.CanRollback {
		fmt.Printf("   ❌ %s\n", plan.Message)
	}
}

var candidatesCmd = &cobra.Command{
	Use:   "candidates <artifact-id>",
	Short: "List versions eligible for rollback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if PV == nil {
			return fmt.Errorf("application not initialized")
		}

		candidates, err := PV.Rollback.ListRollbackCandidates(cmd.Context(), args[0], candidatesLimit)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			fmt.Println("No rollback candidates.")
			return nil
		}

		for _, c := range candidates {
			fmt.Printf("%s  %s  %-20s %s\n", c.Version.VersionID[:8], c.Version.SemVer,
				c.Version.BranchName, c.Version.CommitMessage)
			if c.Snapshot != nil {
				printSnapshotLine(c.Snapshot)
			}
		}
		return nil
	},
}

var rollbackHistoryCmd = &cobra.Command{
	Use:   "rollback-history <artifact-id>",
	Short: "Show the rollback audit log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if PV == nil {
			return fmt.Errorf("application not initialized")
		}

		logs, err := PV.Rollback.GetRollbackHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			fmt.Println("No rollbacks recorded.")
			return nil
		}

		for _, entry := range logs {
			fmt.Printf("%s  %s -> restored %s  (%s, by %s)\n",
				entry.CreatedAt.Format("2006-01-02 15:04"),
				entry.NewVersionID[:8], entry.RolledBackTo[:8],
				entry.Reason, entry.CreatedBy)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(candidatesCmd)
	rootCmd.AddCommand(rollbackHistoryCmd)

	rollbackCmd.Flags().StringVar(&rollbackReason, "reason", string(rollback.ReasonManualRevert),
		"why this rollback is happening (performance_degradation, functionality_issue, user_request, security_concern, testing_failure, manual_revert)")
	rollbackCmd.Flags().BoolVar(&rollbackPlanOnly, "plan-only", false, "draft and print the plan without executing")
	candidatesCmd.Flags().IntVar(&candidatesLimit, "limit", 10, "max candidates to list")
}
