package commands

import (
	"fmt"

	"promptvault/pkg/diff"

	"github.com/spf13/cobra"
)

var diffCmd = &cobra.Command{
	Use:   "diff <from-version-id> <to-version-id>",
	Short: "Compare two versions",
	Long:  `Show line-level content changes and metadata changes between two versions of the same artifact.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if PV == nil {
			return fmt.Errorf("application not initialized")
		}

		d, err := PV.Versions.CompareVersions(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}

		const (
			colorGreen = "\033[32m"
			colorRed   = "\033[31m"
			colorReset = "\033[0m"
		)

		fmt.Printf("diff %s..%s\n", d.FromVersionID[:8], d.ToVersionID[:8])
		for _, seg := range d.Content {
			switch seg.Type {
			case diff.SegmentAdded:
				fmt.Printf("%s+ %s%s\n", colorGreen, seg.Text, colorReset)
			case diff.SegmentRemoved:
				fmt.Printf("%s- %s%s\n", colorRed, seg.Text, colorReset)
			default:
				fmt.Printf("  %s\n", seg.Text)
			}
		}

		if len(d.Metadata) > 0 {
			fmt.Println("\nmetadata:")
			for key, change := range d.Metadata {
				fmt.Printf("  %s: %v -> %v\n", key, change.Old, change.New)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(diffCmd)
}
