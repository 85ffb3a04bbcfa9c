package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/pili2026/talos/internal/cli"
	"github.com/pili2026/talos/internal/config"
	"github.com/pili2026/talos/internal/snapshot"
	"github.com/pili2026/talos/internal/snapshotstore"
)

var statusCmd = &cobra.Command{
	Use:   "status [device-id]",
	Short: "Show last known state of configured devices",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(app.configDir)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		store, err := snapshotstore.Open(cfg.SnapshotStorage.Path)
		if err != nil {
			return fmt.Errorf("opening snapshot store: %w", err)
		}
		defer store.Close()

		if len(args) == 1 {
			return showDeviceDetail(cfg, store, args[0])
		}
		return showFleetStatus(cfg, store)
	},
}

type deviceRow struct {
	DeviceID string  `json:"device_id"`
	Model    string  `json:"model"`
	Status   string  `json:"status"`
	LastSeen string  `json:"last_seen"`
	AgeSec   float64 `json:"age_seconds"`
}

func showFleetStatus(cfg *config.Config, store *snapshotstore.Store) error {
	devices := append([]config.DeviceInstance(nil), cfg.Devices...)
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })

	rows := make([]deviceRow, 0, len(devices))
	for _, dev := range devices {
		latest, err := store.GetLatestByDevice(dev.DeviceID, 1)
		if err != nil {
			return fmt.Errorf("reading snapshot for %s: %w", dev.DeviceID, err)
		}

		row := deviceRow{DeviceID: dev.DeviceID, Model: dev.Model, Status: "no_data"}
		if len(latest) > 0 {
			snap := latest[0]
			row.LastSeen = snap.SamplingTs.Format(time.RFC3339)
			row.AgeSec = time.Since(snap.SamplingTs).Seconds()
			if snap.IsOnline {
				row.Status = "online"
			} else {
				row.Status = "offline"
			}
		}
		rows = append(rows, row)
	}

	if app.jsonOutput {
		enc := json.NewEncoder(cmdOut)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	t := cli.NewTable("DEVICE", "MODEL", "STATUS", "LAST SEEN", "AGE")
	for _, r := range rows {
		age := "-"
		lastSeen := "-"
		if r.LastSeen != "" {
			lastSeen = r.LastSeen
			age = formatAge(r.AgeSec)
		}
		t.Row(r.DeviceID, r.Model, cli.StatusColor(r.Status), lastSeen, age)
	}
	t.Flush()
	return nil
}

func showDeviceDetail(cfg *config.Config, store *snapshotstore.Store, deviceID string) error {
	var dev *config.DeviceInstance
	for i := range cfg.Devices {
		if cfg.Devices[i].DeviceID == deviceID {
			dev = &cfg.Devices[i]
			break
		}
	}
	if dev == nil {
		return fmt.Errorf("device %q not found in config", deviceID)
	}

	latest, err := store.GetLatestByDevice(deviceID, 1)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}

	if app.jsonOutput {
		enc := json.NewEncoder(cmdOut)
		enc.SetIndent("", "  ")
		if len(latest) == 0 {
			return enc.Encode(map[string]any{"device_id": deviceID, "status": "no_data"})
		}
		return enc.Encode(latest[0])
	}

	fmt.Fprintln(cmdOut, cli.Bold(deviceID))
	fmt.Fprintf(cmdOut, "  model:       %s\n", dev.Model)
	fmt.Fprintf(cmdOut, "  device_type: %s\n", dev.DeviceType)
	fmt.Fprintf(cmdOut, "  bus:         %s (%s)\n", dev.BusName, dev.Bus.Port)

	if len(latest) == 0 {
		fmt.Fprintln(cmdOut, "  status:      "+cli.Yellow("no_data"))
		return nil
	}

	snap := latest[0]
	status := "online"
	if !snap.IsOnline {
		status = "offline"
	}
	fmt.Fprintf(cmdOut, "  status:      %s\n", cli.StatusColor(status))
	fmt.Fprintf(cmdOut, "  last_seen:   %s (%s ago)\n", snap.SamplingTs.Format(time.RFC3339), formatAge(time.Since(snap.SamplingTs).Seconds()))

	t := cli.NewTable("PARAMETER", "VALUE").WithPrefix("  ")
	params := sortedKeys(snap.Values)
	for _, p := range params {
		v := snap.Values[p]
		val := fmt.Sprintf("%g", v)
		if v == snapshot.Sentinel {
			val = cli.Dim("unavailable")
		}
		t.Row(p, val)
	}
	t.Flush()
	return nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatAge(sec float64) string {
	d := time.Duration(sec * float64(time.Second))
	if d < 0 {
		d = 0
	}
	return d.Round(time.Second).String()
}
