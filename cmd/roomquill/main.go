package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"roomquill/core/qlog"
	"roomquill/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath = os.Getenv(config.EnvPrefix + "CONFIG")
		envFile    = ".env"
		logLevel   string
	)

	cfg := config.Default()

	root := &cobra.Command{
		Use:           "roomquill",
		Short:         "Collaborative text editing over shared room storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.LoadEnvFile(envFile)
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				loaded.Log.Level = logLevel
			}
			*cfg = *loaded
			qlog.SetLogger(cfg.Log.ShowCaller, cfg.Log.Level)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = qlog.Sync()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", configPath, "YAML config file (env ROOMQUILL_CONFIG)")
	root.PersistentFlags().StringVar(&envFile, "env-file", envFile, ".env file to load before reading the config")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override: debug|info|warn|error")

	root.AddCommand(newDemoCmd(cfg), newJoinCmd(cfg))
	return root
}
