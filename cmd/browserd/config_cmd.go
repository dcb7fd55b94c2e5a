package main

import (
	"fmt"
	"os"

	"browserd/internal/config"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or inspect the config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the defaults",
	Args:  cobra.NoArgs,
	RunE:  configInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective config (file plus BROWSERD_* overrides)",
	Args:  cobra.NoArgs,
	RunE:  configShow,
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}

func configInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}
	// cfg already carries any environment overrides; write plain defaults.
	if err := config.DefaultConfig().Save(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
	return nil
}

func configShow(cmd *cobra.Command, args []string) error {
	shown := *cfg
	if shown.Stream.Secret != "" {
		shown.Stream.Secret = "<redacted>"
	}
	if len(cfg.CDP.Providers) > 0 {
		shown.CDP.Providers = make(map[string]config.ProviderConfig, len(cfg.CDP.Providers))
		for name, p := range cfg.CDP.Providers {
			if p.APIKey != "" {
				p.APIKey = "<redacted>"
			}
			shown.CDP.Providers[name] = p
		}
	}
	data, err := yaml.Marshal(&shown)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
