// Package cmd implements the conductor command line.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/iammorganparry/clive/apps/conductor/internal/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Agent session and work-item orchestrator",
	Long: `Conductor runs agent CLI sessions as child processes, keeps their
conversation history, groups them under work items and streams every
session event to realtime subscribers.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file (default is $HOME/.conductor/config.yaml)")
}

// loadConfig reads the configuration named by --config, or the default
// locations when the flag is unset.
func loadConfig() (*viper.Viper, *config.Config, error) {
	v, err := config.New(configFile)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	return v, cfg, nil
}
