// Command talosctl is the operator CLI for a Talos gateway host: it
// validates the config directory the daemon reads, reports the last
// known state of each configured device straight from the snapshot
// store, and drives the daemon's admin HTTP surface for maintenance
// tasks.
//
// Noun-verb pattern:
//
//	talosctl status [device-id]
//	talosctl config validate [-c /etc/talos]
//	talosctl admin cleanup [--retention-days N]
//	talosctl admin vacuum
//	talosctl version
//
// talosctl runs on the same host as talosd and reads the config
// directory and snapshot database directly; it never talks to the
// daemon process except through the admin HTTP surface.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// App holds CLI state shared across all commands.
type App struct {
	configDir   string
	adminAddr   string
	adminKeyEnv string
	jsonOutput  bool
}

var app = &App{}

// cmdOut is the writer commands print results to; swapped out in tests.
var cmdOut io.Writer = os.Stdout

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "talosctl",
	Short:         "Talos gateway operator CLI",
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `talosctl is the operator tool for a Talos edge gateway host.

  talosctl status                     # device list with last known readings
  talosctl status inverter-01_1       # single device detail
  talosctl config validate            # load and validate /etc/talos
  talosctl admin cleanup              # trigger snapshot retention cleanup
  talosctl admin vacuum               # compact the snapshot database`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&app.configDir, "config", "c", "/etc/talos", "config directory")
	rootCmd.PersistentFlags().StringVar(&app.adminAddr, "admin-addr", "http://127.0.0.1:9100", "talosd admin HTTP address")
	rootCmd.PersistentFlags().StringVar(&app.adminKeyEnv, "admin-key-env", "TALOS_ADMIN_KEY", "env var holding the admin key")
	rootCmd.PersistentFlags().BoolVar(&app.jsonOutput, "json", false, "output JSON instead of a table")

	rootCmd.AddCommand(statusCmd, configCmd, adminCmd, versionCmd)
}
