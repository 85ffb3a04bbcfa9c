package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pili2026/talos/internal/cli"
	"github.com/pili2026/talos/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate the config directory",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the config directory and report any errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(app.configDir)
		if err != nil {
			fmt.Fprintln(cmdOut, cli.Red("FAIL")+" "+app.configDir)
			fmt.Fprintf(cmdOut, "  %v\n", err)
			return err
		}

		fmt.Fprintln(cmdOut, cli.Green("OK")+" "+app.configDir)
		fmt.Fprintf(cmdOut, "  devices:       %d\n", len(cfg.Devices))
		fmt.Fprintf(cmdOut, "  alert rules:   %d device(s)\n", len(cfg.AlertRules))
		fmt.Fprintf(cmdOut, "  control rules: %d device(s)\n", len(cfg.ControlRules))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}
