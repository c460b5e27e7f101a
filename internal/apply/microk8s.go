package apply

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type microk8sPayload struct {
	Enable  []string `json:"enable"`
	Disable []string `json:"disable"`
}

type addonResult struct {
	Addon  string `json:"addon"`
	OK     bool   `json:"ok"`
	Output string `json:"output,omitempty"`
}

type microk8sResult struct {
	Enable  []addonResult `json:"enable"`
	Disable []addonResult `json:"disable"`
	Status  string        `json:"status"`
}

// applyMicrok8sAddons toggles addons one at a time. A failing addon does not
// stop the rest; per-addon outcomes go into the result so the operator sees
// exactly which ones took.
func (e *Executor) applyMicrok8sAddons(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p microk8sPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode microk8s payload: %w", err)
	}

	result := microk8sResult{
		Enable:  make([]addonResult, 0, len(p.Enable)),
		Disable: make([]addonResult, 0, len(p.Disable)),
	}

	// Addon installs can pull images; give them a generous timeout.
	for _, addon := range p.Enable {
		out, err := e.run(ctx, 10*time.Minute, "microk8s", "enable", addon)
		if err != nil {
			e.logger.Warn("microk8s enable failed", "addon", addon, "error", err)
			result.Enable = append(result.Enable, addonResult{Addon: addon, OK: false, Output: err.Error()})
			continue
		}
		result.Enable = append(result.Enable, addonResult{Addon: addon, OK: true, Output: out})
	}
	for _, addon := range p.Disable {
		out, err := e.run(ctx, 10*time.Minute, "microk8s", "disable", addon)
		if err != nil {
			e.logger.Warn("microk8s disable failed", "addon", addon, "error", err)
			result.Disable = append(result.Disable, addonResult{Addon: addon, OK: false, Output: err.Error()})
			continue
		}
		result.Disable = append(result.Disable, addonResult{Addon: addon, OK: true, Output: out})
	}

	status, err := e.run(ctx, 5*time.Minute, "microk8s", "status", "--wait-ready")
	if err != nil {
		status = err.Error()
	}
	result.Status = status

	return json.Marshal(result)
}
