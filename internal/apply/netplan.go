package apply

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type netplanPayload struct {
	YAML string `json:"yaml"`
}

type netplanResult struct {
	AppliedFile string `json:"appliedFile"`
	Backup      string `json:"backup,omitempty"`
	IPBrief     string `json:"ipBrief,omitempty"`
}

// validateNetplanYAML parses the document and requires a top-level `network`
// mapping, which every netplan file has. Anything else is rejected before it
// can reach the host.
func validateNetplanYAML(doc string) error {
	var parsed struct {
		Network map[string]any `yaml:"network"`
	}
	if err := yaml.Unmarshal([]byte(doc), &parsed); err != nil {
		return fmt.Errorf("payload is not valid YAML: %w", err)
	}
	if len(parsed.Network) == 0 {
		return fmt.Errorf("payload must contain a non-empty 'network' mapping")
	}
	return nil
}

// applyNetplan writes the document to the fleet-managed netplan file and
// applies it, running `netplan generate` against the staged file first so a
// syntactically broken config never replaces the live one.
func (e *Executor) applyNetplan(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p netplanPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode netplan payload: %w", err)
	}
	if err := validateNetplanYAML(p.YAML); err != nil {
		return nil, err
	}

	backup, err := e.backupFile(e.netplanPath)
	if err != nil {
		return nil, err
	}

	tmp := e.netplanPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(p.YAML), 0o600); err != nil {
		return nil, fmt.Errorf("failed to stage netplan file: %w", err)
	}
	defer os.Remove(tmp)

	if _, err := e.run(ctx, 30*time.Second, "netplan", "generate"); err != nil {
		return nil, fmt.Errorf("netplan rejected staged config: %w", err)
	}

	if err := os.Rename(tmp, e.netplanPath); err != nil {
		return nil, fmt.Errorf("failed to promote netplan file: %w", err)
	}
	if _, err := e.run(ctx, 60*time.Second, "netplan", "apply"); err != nil {
		return nil, fmt.Errorf("netplan apply failed: %w", err)
	}

	ipBrief, err := e.run(ctx, 15*time.Second, "ip", "-br", "addr")
	if err != nil {
		e.logger.Warn("Could not capture interface summary", "error", err)
		ipBrief = ""
	}

	return json.Marshal(netplanResult{
		AppliedFile: e.netplanPath,
		Backup:      backup,
		IPBrief:     ipBrief,
	})
}
