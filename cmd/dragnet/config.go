package main

import (
	"fmt"

	"github.com/dragnet-project/dragnet/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Inspect dragnet configuration`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration",
	Long: `Print the configuration the server would run with, after applying
defaults, the configuration file, and DRAGNET_* environment variables.
Secrets are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader()
		if configFile != "" {
			loader.SetConfigPath(configFile)
		}
		settings, err := loader.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		if path := loader.ConfigFilePath(); path != "" {
			fmt.Printf("# config file: %s\n", path)
		} else {
			fmt.Println("# config file: none (defaults + environment)")
		}

		out, err := yaml.Marshal(settings.Redacted())
		if err != nil {
			return fmt.Errorf("failed to render configuration: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
