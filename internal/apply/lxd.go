package apply

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config keys a task is allowed to touch on an LXD network. Anything
// outside this list is refused before any command runs.
var allowedLXDNetworkKeys = map[string]bool{
	"ipv4.address": true,
	"ipv4.nat":     true,
	"ipv4.dhcp":    true,
	"ipv6.address": true,
	"ipv6.nat":     true,
	"ipv6.dhcp":    true,
	"dns.domain":   true,
	"bridge.mtu":   true,
}

type lxdPayload struct {
	Network string            `json:"network"`
	Config  map[string]string `json:"config"`
}

type lxdKeyResult struct {
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	OK       bool   `json:"ok"`
}

type lxdResult struct {
	Network string                  `json:"network"`
	Verify  map[string]lxdKeyResult `json:"verify"`
}

func validateLXDPatch(config map[string]string) error {
	if len(config) == 0 {
		return fmt.Errorf("config must not be empty")
	}
	for key, val := range config {
		if !allowedLXDNetworkKeys[key] {
			return fmt.Errorf("config key not allowed: %s", key)
		}
		if (strings.HasSuffix(key, ".nat") || strings.HasSuffix(key, ".dhcp")) &&
			val != "true" && val != "false" {
			return fmt.Errorf("%s must be \"true\" or \"false\"", key)
		}
	}
	return nil
}

// applyLXDNetwork sets each allow-listed key via `lxc network set` and reads
// it back for verification. Keys are applied in sorted order so the command
// sequence is deterministic.
func (e *Executor) applyLXDNetwork(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p lxdPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode lxd payload: %w", err)
	}
	if p.Network == "" {
		return nil, fmt.Errorf("network name is required")
	}
	if err := validateLXDPatch(p.Config); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(p.Config))
	for key := range p.Config {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	verify := make(map[string]lxdKeyResult, len(keys))
	for _, key := range keys {
		want := p.Config[key]
		if _, err := e.run(ctx, 30*time.Second, "lxc", "network", "set", p.Network, key, want); err != nil {
			return nil, fmt.Errorf("failed to set %s on network %s: %w", key, p.Network, err)
		}
		got, err := e.run(ctx, 20*time.Second, "lxc", "network", "get", p.Network, key)
		if err != nil {
			return nil, fmt.Errorf("failed to read back %s on network %s: %w", key, p.Network, err)
		}
		verify[key] = lxdKeyResult{Expected: want, Actual: got, OK: got == want}
	}

	return json.Marshal(lxdResult{Network: p.Network, Verify: verify})
}
