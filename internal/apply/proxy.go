package apply

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	proxyBlockStart = "# BEGIN EDGE-ONBOARD PROXY"
	proxyBlockEnd   = "# END EDGE-ONBOARD PROXY"
)

type proxyPayload struct {
	HTTPProxy  string `json:"httpProxy"`
	HTTPSProxy string `json:"httpsProxy"`
	NoProxy    string `json:"noProxy"`
}

type proxyResult struct {
	Applied proxyPayload      `json:"applied"`
	Backups map[string]string `json:"backups"`
	Verify  map[string]bool   `json:"verify"`
}

// validProxyURL accepts an empty value (meaning "clear") or an http/https URL.
func validProxyURL(v string) bool {
	if v == "" {
		return true
	}
	u, err := url.Parse(v)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// applyProxy writes the proxy settings into a managed block in
// /etc/environment, an apt proxy drop-in, and best-effort snap settings.
func (e *Executor) applyProxy(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p proxyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode proxy payload: %w", err)
	}
	if !validProxyURL(p.HTTPProxy) {
		return nil, fmt.Errorf("httpProxy must be an http/https URL")
	}
	if !validProxyURL(p.HTTPSProxy) {
		return nil, fmt.Errorf("httpsProxy must be an http/https URL")
	}

	backups := map[string]string{}
	if bak, err := e.backupFile(e.environmentPath); err != nil {
		return nil, err
	} else if bak != "" {
		backups["environment"] = bak
	}
	if bak, err := e.backupFile(e.aptProxyPath); err != nil {
		return nil, err
	} else if bak != "" {
		backups["apt"] = bak
	}

	block := buildProxyBlock(p)
	if err := replaceManagedBlock(e.environmentPath, block); err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", e.environmentPath, err)
	}

	apt := fmt.Sprintf("Acquire::http::Proxy %q;\nAcquire::https::Proxy %q;\n", p.HTTPProxy, p.HTTPSProxy)
	if err := os.WriteFile(e.aptProxyPath, []byte(apt), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write apt proxy config: %w", err)
	}

	// snap may not be installed; failure is not fatal.
	if _, err := e.run(ctx, 20*time.Second, "snap", "set", "system",
		"proxy.http="+p.HTTPProxy,
		"proxy.https="+p.HTTPSProxy,
		"proxy.no-proxy="+p.NoProxy,
	); err != nil {
		e.logger.Warn("snap proxy settings not applied", "error", err)
	}

	envAfter, err := os.ReadFile(e.environmentPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read back %s: %w", e.environmentPath, err)
	}

	result := proxyResult{
		Applied: p,
		Backups: backups,
		Verify: map[string]bool{
			"environmentHasBlock": strings.Contains(string(envAfter), proxyBlockStart) &&
				strings.Contains(string(envAfter), proxyBlockEnd),
		},
	}
	return json.Marshal(result)
}

func buildProxyBlock(p proxyPayload) string {
	lines := []string{
		proxyBlockStart,
		fmt.Sprintf("HTTP_PROXY=%q", p.HTTPProxy),
		fmt.Sprintf("HTTPS_PROXY=%q", p.HTTPSProxy),
		fmt.Sprintf("NO_PROXY=%q", p.NoProxy),
		fmt.Sprintf("http_proxy=%q", p.HTTPProxy),
		fmt.Sprintf("https_proxy=%q", p.HTTPSProxy),
		fmt.Sprintf("no_proxy=%q", p.NoProxy),
		proxyBlockEnd,
	}
	return strings.Join(lines, "\n") + "\n"
}

// replaceManagedBlock swaps the content between the block markers, or
// appends the block if the file has none yet. Content outside the markers is
// preserved byte for byte apart from surrounding blank lines.
func replaceManagedBlock(path, block string) error {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	content := string(existing)

	start := strings.Index(content, proxyBlockStart)
	end := strings.Index(content, proxyBlockEnd)

	var updated string
	if start != -1 && end != -1 && end > start {
		before := strings.TrimRight(content[:start], "\n")
		after := strings.TrimLeft(content[end+len(proxyBlockEnd):], "\n")
		if before != "" {
			before += "\n"
		}
		updated = before + block + after
	} else {
		trimmed := strings.TrimRight(content, "\n")
		if trimmed != "" {
			trimmed += "\n\n"
		}
		updated = trimmed + block
	}

	return os.WriteFile(path, []byte(updated), 0o644)
}
