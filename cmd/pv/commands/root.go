package commands

import (
	"fmt"
	"os"

	"promptvault/pkg/app"
	"promptvault/pkg/config"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// 全局应用实例，供子命令使用
	PV *app.App
)

var rootCmd = &cobra.Command{
	Use:   "pv",
	Short: "PromptVault: prompt version control with performance-driven rollback",
	// 【关键】PersistentPreRunE 会在所有子命令执行前运行
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 统一初始化 App
		var err error
		PV, err = app.NewApp(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to initialize promptvault: %w\n(Is the database reachable?)", err)
		}
		return nil
	},
}

// Execute 是入口
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// 在初始化时，加载配置
	cobra.OnInitialize(initConfig)

	// 1. 定义全局参数 --config
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pv/config.yaml)")

	// 2. 定义 identity 参数，并绑定到 Viper
	// 这样用户既可以在 yaml 里写，也可以用 --as 覆盖
	rootCmd.PersistentFlags().String("as", "", "Operator name recorded in audit fields")
	err := viper.BindPFlag("identity.name", rootCmd.PersistentFlags().Lookup("as"))
	if err != nil {
		fmt.Println("Failed to bind flag:", err)
		os.Exit(1)
	}
}

// initConfig 读取配置文件和环境变量
func initConfig() {
	if err := config.Load(cfgFile); err != nil {
		fmt.Println("Config error:", err)
		os.Exit(1)
	}
}
