package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pili2026/talos/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the talosctl version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmdOut, version.Info())
		return nil
	},
}
