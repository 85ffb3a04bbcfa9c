package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pili2026/talos/internal/cli"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Drive talosd's admin HTTP surface",
}

var cleanupRetentionDays int

var adminCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete snapshots older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if cleanupRetentionDays > 0 {
			q.Set("retention_days", fmt.Sprintf("%d", cleanupRetentionDays))
		}
		body, err := postAdmin("/cleanup", q)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmdOut, cli.Green("cleanup ok"))
		fmt.Fprintln(cmdOut, string(body))
		return nil
	},
}

var adminVacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Compact the snapshot database",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := postAdmin("/vacuum", nil)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmdOut, cli.Green("vacuum ok"))
		fmt.Fprintln(cmdOut, string(body))
		return nil
	},
}

func init() {
	adminCleanupCmd.Flags().IntVar(&cleanupRetentionDays, "retention-days", 0, "override the configured retention window")
	adminCmd.AddCommand(adminCleanupCmd, adminVacuumCmd)
}

// postAdmin POSTs to one of talosd's admin endpoints, authenticating with
// the key read from app.adminKeyEnv, and returns the raw response body.
func postAdmin(path string, query url.Values) ([]byte, error) {
	key := os.Getenv(app.adminKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("admin key env var %s is not set", app.adminKeyEnv)
	}

	target := app.adminAddr + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequest(http.MethodPost, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building admin request: %w", err)
	}
	req.Header.Set("X-Admin-Key", key)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling talosd admin API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading admin response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("admin API returned %s: %s", resp.Status, bodyOrEmpty(body))
	}
	return body, nil
}

func bodyOrEmpty(body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
	}
	return string(body)
}
