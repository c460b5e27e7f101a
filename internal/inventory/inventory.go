// Package inventory collects a best-effort snapshot of the host that rides
// along with every heartbeat. Missing sources are skipped, never fatal.
package inventory

import (
	"encoding/json"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Snapshot is what the fleet server stores per device on each heartbeat.
type Snapshot struct {
	Hostname      string `json:"hostname,omitempty"`
	Kernel        string `json:"kernel,omitempty"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
	HTTPProxy     string `json:"http_proxy,omitempty"`
	HTTPSProxy    string `json:"https_proxy,omitempty"`
	AgentStarted  string `json:"agent_started"`
}

// Collector gathers snapshots. The proc paths are fields so tests can point
// them at fixtures.
type Collector struct {
	uptimePath  string
	versionPath string
	started     time.Time
}

func NewCollector() *Collector {
	return &Collector{
		uptimePath:  "/proc/uptime",
		versionPath: "/proc/sys/kernel/osrelease",
		started:     time.Now().UTC(),
	}
}

// Collect never fails; fields it cannot read stay empty.
func (c *Collector) Collect() Snapshot {
	snap := Snapshot{
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		HTTPProxy:    os.Getenv("http_proxy"),
		HTTPSProxy:   os.Getenv("https_proxy"),
		AgentStarted: c.started.Format(time.RFC3339),
	}

	if name, err := os.Hostname(); err == nil {
		snap.Hostname = name
	}
	if data, err := os.ReadFile(c.versionPath); err == nil {
		snap.Kernel = strings.TrimSpace(string(data))
	}
	if data, err := os.ReadFile(c.uptimePath); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) > 0 {
			if up, err := strconv.ParseFloat(fields[0], 64); err == nil {
				snap.UptimeSeconds = int64(up)
			}
		}
	}
	return snap
}

// JSON renders the snapshot for the heartbeat payload.
func (c *Collector) JSON() json.RawMessage {
	data, err := json.Marshal(c.Collect())
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
