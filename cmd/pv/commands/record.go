package commands

import (
	"fmt"

	"promptvault/pkg/perf"

	"github.com/spf13/cobra"
)

var (
	recordSuccess bool
	recordScore   float64
	recordTokens  int64
	recordCost    float64
	recordTime    float64
)

var recordCmd = &cobra.Command{
	Use:   "record <version-id>",
	Short: "Record a prompt execution",
	Long:  `Record one execution of a version. The version's performance snapshot is recomputed immediately.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if PV == nil {
			return fmt.Errorf("application not initialized")
		}

		report := perf.ExecutionReport{
			Success:       recordSuccess,
			TokensUsed:    recordTokens,
			Cost:          recordCost,
			ExecutionTime: recordTime,
		}
		// 没打分就不存分，避免 0 分拉低平均值
		if cmd.Flags().Changed("score") {
			report.QualityScore = &recordScore
		}

		if err := PV.Tracker.RecordExecution(cmd.Context(), args[0], report); err != nil {
			return err
		}

		snapshot, err := PV.Tracker.GetVersionPerformance(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("✅ Execution recorded for %s\n", args[0][:8])
		if snapshot != nil {
			printSnapshotLine(snapshot)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recordCmd)

	recordCmd.Flags().BoolVar(&recordSuccess, "success", true, "whether the execution succeeded")
	recordCmd.Flags().Float64Var(&recordScore, "score", 0, "quality score in [0, 1]")
	recordCmd.Flags().Int64Var(&recordTokens, "tokens", 0, "tokens used")
	recordCmd.Flags().Float64Var(&recordCost, "cost", 0, "execution cost in USD")
	recordCmd.Flags().Float64Var(&recordTime, "time", 0, "execution time in seconds")
}
