package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/autostop/pkg/config"
)

var (
	cfgFile      string
	outputFormat string
	logLevel     string

	v       *viper.Viper
	initErr error
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "autostopctl",
	Short: "Operate the billing-alarm emergency stop",
	Long: `autostopctl runs the emergency stop outside Lambda: invoke it once against
an SNS event, generate sample events, inspect the effective configuration,
or serve it over HTTP for SNS HTTP(S) subscriptions.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables override it")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	v, initErr = config.New(cfgFile)
	if initErr != nil {
		return
	}
	if logLevel != "" {
		v.Set("log_level", logLevel)
	}
}

// loadConfig decodes and validates the configuration resolved by initConfig
func loadConfig() (*config.Config, error) {
	if initErr != nil {
		return nil, initErr
	}
	if v == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}
	return config.FromViper(v)
}
