package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memohai/dingtalk-bridge/internal/config"
	"github.com/memohai/dingtalk-bridge/internal/version"
)

var configPath string // overridable via --config flag

func main() {
	root := &cobra.Command{
		Use:          "dingtalk-bridge",
		Short:        "DingTalk robot channel bridge",
		Long:         "dingtalk-bridge receives DingTalk robot messages over the stream or webhook transport and relays them to an agent gateway.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: $CONFIG_PATH or config.toml)")

	root.AddCommand(serveCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(normalizeCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.GetInfo())
			return err
		},
	}
}

// resolveConfigPath returns the config path from --config, CONFIG_PATH, or the default.
func resolveConfigPath() string {
	if strings.TrimSpace(configPath) != "" {
		return configPath
	}
	if p := strings.TrimSpace(os.Getenv("CONFIG_PATH")); p != "" {
		return p
	}
	return config.DefaultConfigPath
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
