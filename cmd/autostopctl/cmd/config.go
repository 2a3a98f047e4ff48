package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration inspection",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Resolves the configuration from the config file and environment, validates
it, and prints it. Secrets such as API_TOKEN are never printed.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	format := outputFormat
	if format == "table" {
		format = "yaml"
	}
	if err := render(cmd.OutOrStdout(), format, cfg); err != nil {
		return fmt.Errorf("failed to print configuration: %w", err)
	}
	return nil
}
