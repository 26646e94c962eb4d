package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"zigbee-toolkit/internal/config"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var (
	cfgPath     string
	optionsPath string
)

var rootCmd = &cobra.Command{
	Use:   "zigbee-toolkit",
	Short: "Zigbee network management service",
	Long: `zigbee-toolkit drives a ZBOSS coordinator and exposes network management
commands (bindings, groups, scans, backups, key management) over MQTT,
HTTP, Lua scripts and cron schedules.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "config file")
	rootCmd.PersistentFlags().StringVar(&optionsPath, "options", config.DefaultOptionsFile, "Home Assistant add-on options file")

	rootCmd.AddCommand(serveCmd, execCmd, commandsCmd, configCmd, versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath, optionsPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
