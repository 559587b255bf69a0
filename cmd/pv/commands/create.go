package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	createContent string
	createMeta    map[string]string
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new prompt artifact",
	Long:  `Create a prompt artifact with its main branch and an initial 1.0.0 version.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if PV == nil {
			return fmt.Errorf("application not initialized")
		}
		if createContent == "" {
			return fmt.Errorf("prompt content cannot be empty (use -c)")
		}

		artifact, root, err := PV.Versions.CreateArtifact(
			cmd.Context(), args[0], createContent, toMetadata(createMeta), PV.Identity)
		if err != nil {
			return err
		}

		fmt.Printf("✅ Created artifact %s (%s)\n", artifact.Name, artifact.ID)
		fmt.Printf("   Initial version: %s [%s]\n", root.SemVer, root.VersionID[:8])
		return nil
	},
}

// toMetadata CLI 只接受字符串键值；结构化元数据走 API
func toMetadata(kv map[string]string) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	m := make(map[string]any, len(kv))
	for k, v := range kv {
		m[k] = v
	}
	return m
}

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVarP(&createContent, "content", "c", "", "prompt content")
	createCmd.Flags().StringToStringVar(&createMeta, "meta", nil, "metadata key=value pairs")
}
