package sender

import (
	"time"

	"github.com/pili2026/talos/internal/sender/convert"
)

// PushIMAData is the bit-exact upstream envelope (spec.md §6).
type PushIMAData struct {
	Func      string         `json:"FUNC"`
	Version   string         `json:"version"`
	GatewayID string         `json:"GatewayID"`
	Timestamp string         `json:"Timestamp"`
	Data      []PayloadEntry `json:"Data"`
}

// PayloadEntry is one converted device's wire record.
type PayloadEntry struct {
	DeviceID string         `json:"DeviceID"`
	Data     map[string]any `json:"Data"`
}

// NewEnvelope builds a PushIMAData for a tick, converting items to the
// wire entry shape.
func NewEnvelope(gatewayID string, tick time.Time, items []convert.Item) PushIMAData {
	entries := make([]PayloadEntry, 0, len(items))
	for _, it := range items {
		entries = append(entries, PayloadEntry{DeviceID: it.DeviceID, Data: it.Data})
	}
	return PushIMAData{
		Func:      "PushIMAData",
		Version:   "6.0",
		GatewayID: gatewayID,
		Timestamp: tick.Format("20060102150405"),
		Data:      entries,
	}
}

// NextTick computes the next tick instant >= now aligned to (anchor,
// interval) from midnight: floor((now-anchor)/interval)*interval + anchor + interval.
func NextTick(now time.Time, anchorSec, intervalSec float64) time.Time {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	elapsed := now.Sub(midnight).Seconds() - anchorSec
	n := floorDiv(elapsed, intervalSec)
	tickSec := n*intervalSec + anchorSec + intervalSec
	return midnight.Add(time.Duration(tickSec * float64(time.Second)))
}

func floorDiv(a, b float64) float64 {
	q := a / b
	if q < 0 && q != float64(int64(q)) {
		return float64(int64(q)) - 1
	}
	return float64(int64(q))
}
