package version

import "fmt"

// Version, GitCommit and BuildDate are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/pili2026/talos/pkg/version.Version=v1.0.0 \
//	  -X github.com/pili2026/talos/pkg/version.GitCommit=abc1234 \
//	  -X github.com/pili2026/talos/pkg/version.BuildDate=2026-01-01"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns a single-line human-readable version string for talosctl's
// "version" command and startup log lines.
func Info() string {
	return fmt.Sprintf("talos %s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
