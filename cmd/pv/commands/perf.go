package commands

import (
	"fmt"

	"promptvault/pkg/perf"

	"github.com/spf13/cobra"
)

var (
	trendMetric string
	trendDays   int
	topMetric   string
	topLimit    int
)

var trendCmd = &cobra.Command{
	Use:   "trend <artifact-id>",
	Short: "Show a performance trend",
	Long:  `Fit a regression line over the versions created inside the window and classify the metric as improving, declining, stable or volatile.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if PV == nil {
			return fmt.Errorf("application not initialized")
		}

		trend, err := PV.Tracker.GetTrend(cmd.Context(), args[0], perf.Metric(trendMetric), trendDays)
		if err != nil {
			return err
		}
		if trend == nil {
			fmt.Println("Not enough data points for a trend (need at least 2 versions with executions).")
			return nil
		}

		fmt.Printf("📈 %s over the last %d days: %s\n", trend.Metric, trend.WindowDays, trend.Direction)
		fmt.Printf("   Slope: %+.4f/day (95%% CI [%.4f, %.4f]) | Strength: %.2f | Samples: %d\n",
			trend.Slope, trend.ConfidenceLow, trend.ConfidenceHigh, trend.Strength, trend.SampleCount)
		return nil
	},
}

var topCmd = &cobra.Command{
	Use:   "top <artifact-id>",
	Short: "Rank versions by a metric",
	Long:  `List the best performing versions by a metric. Versions with fewer than 3 executions are excluded.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if PV == nil {
			return fmt.Errorf("application not initialized")
		}

		metric := perf.Metric(topMetric)
		ranked, err := PV.Tracker.ListTopPerforming(cmd.Context(), args[0], metric, topLimit)
		if err != nil {
			return err
		}
		if len(ranked) == 0 {
			fmt.Println("No versions with enough executions yet.")
			return nil
		}

		fmt.Printf("🏆 Top versions by %s:\n", metric)
		for i, entry := range ranked {
			fmt.Printf("%2d. %s (%s) %s=%.4f over %d executions\n",
				i+1, entry.Version.VersionID[:8], entry.Version.SemVer,
				metric, metric.Value(entry.Snapshot), entry.Snapshot.TotalExecutions)
		}
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <version-id>",
	Short: "Generate a performance report for a version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if PV == nil {
			return fmt.Errorf("application not initialized")
		}

		report, err := PV.Tracker.VersionReport(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("📋 Performance report for %s (%s)\n", report.VersionID[:8], report.GeneratedAt.Format("2006-01-02 15:04"))
		if report.Snapshot == nil {
			fmt.Println("   No executions recorded yet.")
		} else {
			printSnapshotLine(report.Snapshot)
		}
		if report.ParentImpact != nil {
			fmt.Printf("\n   vs parent: %s (weighted %.2f)\n", report.ParentImpact.Overall, report.ParentImpact.WeightedScore)
			printMetricChanges(report.ParentImpact.Changes)
		}
		if len(report.Trends) > 0 {
			fmt.Println("\n   Trends:")
			for _, trend := range report.Trends {
				fmt.Printf("   - %s: %s (slope %+.4f/day)\n", trend.Metric, trend.Direction, trend.Slope)
			}
		}
		if len(report.Recommendations) > 0 {
			fmt.Println("\n   Recommendations:")
			for _, rec := range report.Recommendations {
				fmt.Printf("   💡 %s\n", rec)
			}
		}
		return nil
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <version-id>",
	Short: "Analyze a version's impact",
	Long:  `Compare a version against its parent, classify regressions and improvements, raise alerts and detect statistical anomalies across the artifact's history.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if PV == nil {
			return fmt.Errorf("application not initialized")
		}
		ctx := cmd.Context()

		analysis, err := PV.Analyzer.AnalyzeVersionImpact(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Printf("🔍 Impact analysis for %s\n", analysis.VersionID[:8])
		if analysis.Impact == nil {
			fmt.Println("   No parent comparison available (root version or missing data).")
		} else {
			fmt.Printf("   Overall: %s | weighted %.2f | significance %.2f\n",
				analysis.Impact.Overall, analysis.Impact.WeightedScore, analysis.Impact.SignificanceScore)
			printMetricChanges(analysis.Impact.Changes)
		}

		if analysis.Regression != nil {
			fmt.Printf("\n⚠️ Regression (%s severity)\n", analysis.Regression.Severity)
			for metric, pct := range analysis.Regression.Metrics {
				fmt.Printf("   - %s: %+.1f%%\n", metric, pct)
			}
		}
		if analysis.Improvement != nil {
			fmt.Printf("\n✨ Improvement: %.1f%% average gain across %d metrics\n",
				analysis.Improvement.Magnitude, len(analysis.Improvement.Metrics))
		}
		if analysis.Alert != nil {
			fmt.Printf("\n🚨 ALERT [%s]: %s (recommended action: %s)\n",
				analysis.Alert.Severity, analysis.Alert.Summary, analysis.Alert.Recommendation)
		}

		version, err := PV.Versions.GetVersion(ctx, args[0])
		if err != nil {
			return err
		}
		anomalies, err := PV.Analyzer.DetectAnomalies(ctx, version.ArtifactID)
		if err != nil {
			return err
		}
		if len(anomalies) > 0 {
			fmt.Println("\n📉 Anomalies in recent history:")
			for _, a := range anomalies {
				fmt.Printf("   - %s %s on %s: %.4f (expected %.4f..%.4f)\n",
					a.Metric, a.Type, a.VersionID[:8], a.Value, a.ExpectedLow, a.ExpectedHigh)
			}
		}

		if len(analysis.Recommendations) > 0 {
			fmt.Println("\nRecommendations:")
			for _, rec := range analysis.Recommendations {
				fmt.Printf("   💡 %s\n", rec)
			}
		}
		return nil
	},
}

func printMetricChanges(changes []perf.MetricChange) {
	for _, c := range changes {
		marker := " "
		if c.Significant {
			marker = "*"
		}
		fmt.Printf("   %s %s: %.4f -> %.4f (%+.1f%%)\n", marker, c.Metric, c.OldValue, c.NewValue, c.ChangePercent)
	}
}

func init() {
	rootCmd.AddCommand(trendCmd)
	rootCmd.AddCommand(topCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(analyzeCmd)

	trendCmd.Flags().StringVar(&trendMetric, "metric", string(perf.MetricAverageScore), "metric to analyze")
	trendCmd.Flags().IntVar(&trendDays, "days", 0, "window in days (default 30)")
	topCmd.Flags().StringVar(&topMetric, "metric", string(perf.MetricAverageScore), "metric to rank by")
	topCmd.Flags().IntVar(&topLimit, "limit", 5, "how many versions to list")
}
