package apply

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeonboard/internal/model"
)

type fakeRunner struct {
	calls   []string
	outputs map[string]string
	fail    map[string]error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{outputs: map[string]string{}, fail: map[string]error{}}
}

func (f *fakeRunner) run(_ context.Context, _ time.Duration, name string, args ...string) (string, error) {
	call := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, call)
	for prefix, err := range f.fail {
		if strings.HasPrefix(call, prefix) {
			return "", err
		}
	}
	for prefix, out := range f.outputs {
		if strings.HasPrefix(call, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func newTestExecutor(t *testing.T) (*Executor, *fakeRunner) {
	t.Helper()
	dir := t.TempDir()
	runner := newFakeRunner()

	e := NewExecutor(filepath.Join(dir, "backups"), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	e.run = runner.run
	e.environmentPath = filepath.Join(dir, "environment")
	e.aptProxyPath = filepath.Join(dir, "95edgeonboard-proxy")
	e.netplanPath = filepath.Join(dir, "99-edgeonboard.yaml")
	return e, runner
}

func TestApplyProxyWritesManagedBlock(t *testing.T) {
	e, runner := newTestExecutor(t)
	require.NoError(t, os.WriteFile(e.environmentPath, []byte("PATH=/usr/bin\n"), 0o644))

	payload := []byte(`{"httpProxy":"http://proxy:3128","httpsProxy":"http://proxy:3128","noProxy":"localhost"}`)
	result, err := e.Execute(context.Background(), model.TaskSetProxy, payload)
	require.NoError(t, err)

	env, err := os.ReadFile(e.environmentPath)
	require.NoError(t, err)
	assert.Contains(t, string(env), "PATH=/usr/bin")
	assert.Contains(t, string(env), proxyBlockStart)
	assert.Contains(t, string(env), `HTTP_PROXY="http://proxy:3128"`)
	assert.Contains(t, string(env), `no_proxy="localhost"`)

	apt, err := os.ReadFile(e.aptProxyPath)
	require.NoError(t, err)
	assert.Contains(t, string(apt), `Acquire::http::Proxy "http://proxy:3128";`)

	require.Len(t, runner.calls, 1)
	assert.True(t, strings.HasPrefix(runner.calls[0], "snap set system"))

	var res proxyResult
	require.NoError(t, json.Unmarshal(result, &res))
	assert.True(t, res.Verify["environmentHasBlock"])
	assert.NotEmpty(t, res.Backups["environment"])
}

func TestApplyProxyReplacesExistingBlock(t *testing.T) {
	e, _ := newTestExecutor(t)
	prior := "PATH=/usr/bin\n\n" + buildProxyBlock(proxyPayload{HTTPProxy: "http://old:1"})
	require.NoError(t, os.WriteFile(e.environmentPath, []byte(prior), 0o644))

	payload := []byte(`{"httpProxy":"http://new:2"}`)
	_, err := e.Execute(context.Background(), model.TaskSetProxy, payload)
	require.NoError(t, err)

	env, err := os.ReadFile(e.environmentPath)
	require.NoError(t, err)
	assert.NotContains(t, string(env), "http://old:1")
	assert.Contains(t, string(env), "http://new:2")
	assert.Equal(t, 1, strings.Count(string(env), proxyBlockStart))
}

func TestApplyProxyRejectsBadURL(t *testing.T) {
	e, runner := newTestExecutor(t)
	_, err := e.Execute(context.Background(), model.TaskSetProxy, []byte(`{"httpProxy":"ftp://nope"}`))
	require.Error(t, err)
	assert.Empty(t, runner.calls)
}

func TestApplyNetplanStagesBeforePromoting(t *testing.T) {
	e, runner := newTestExecutor(t)
	require.NoError(t, os.WriteFile(e.netplanPath, []byte("network: {version: 2}\n"), 0o600))
	runner.outputs["ip -br addr"] = "eth0 UP 192.0.2.10/24"

	doc := "network:\n  version: 2\n  ethernets:\n    eth0:\n      dhcp4: true\n"
	payload, err := json.Marshal(map[string]string{"yaml": doc})
	require.NoError(t, err)

	result, err := e.Execute(context.Background(), model.TaskApplyNetplan, payload)
	require.NoError(t, err)

	written, err := os.ReadFile(e.netplanPath)
	require.NoError(t, err)
	assert.Equal(t, doc, string(written))
	assert.Equal(t, []string{"netplan generate", "netplan apply", "ip -br addr"}, runner.calls)

	var res netplanResult
	require.NoError(t, json.Unmarshal(result, &res))
	assert.Equal(t, "eth0 UP 192.0.2.10/24", res.IPBrief)
	assert.NotEmpty(t, res.Backup)

	restored, err := RestoreBackup(res.Backup)
	require.NoError(t, err)
	assert.Equal(t, "network: {version: 2}\n", string(restored))
}

func TestApplyNetplanKeepsLiveConfigOnGenerateFailure(t *testing.T) {
	e, runner := newTestExecutor(t)
	prior := "network: {version: 2}\n"
	require.NoError(t, os.WriteFile(e.netplanPath, []byte(prior), 0o600))
	runner.fail["netplan generate"] = fmt.Errorf("invalid mapping")

	payload, err := json.Marshal(map[string]string{"yaml": "network:\n  version: 3\n"})
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), model.TaskApplyNetplan, payload)
	require.Error(t, err)

	current, err := os.ReadFile(e.netplanPath)
	require.NoError(t, err)
	assert.Equal(t, prior, string(current))
	assert.NoFileExists(t, e.netplanPath+".tmp")
}

func TestApplyNetplanRejectsNonNetworkYAML(t *testing.T) {
	e, runner := newTestExecutor(t)
	payload, err := json.Marshal(map[string]string{"yaml": "foo: bar\nbaz: 1\n"})
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), model.TaskApplyNetplan, payload)
	require.Error(t, err)
	assert.Empty(t, runner.calls)
}

func TestApplyLXDNetwork(t *testing.T) {
	e, runner := newTestExecutor(t)
	runner.outputs["lxc network get edgebr0 ipv4.nat"] = "true"
	runner.outputs["lxc network get edgebr0 dns.domain"] = "edge.local"

	payload := []byte(`{"network":"edgebr0","config":{"ipv4.nat":"true","dns.domain":"edge.local"}}`)
	result, err := e.Execute(context.Background(), model.TaskPatchLXDNetwork, payload)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"lxc network set edgebr0 dns.domain edge.local",
		"lxc network get edgebr0 dns.domain",
		"lxc network set edgebr0 ipv4.nat true",
		"lxc network get edgebr0 ipv4.nat",
	}, runner.calls)

	var res lxdResult
	require.NoError(t, json.Unmarshal(result, &res))
	assert.True(t, res.Verify["ipv4.nat"].OK)
	assert.True(t, res.Verify["dns.domain"].OK)
}

func TestApplyLXDNetworkRefusesUnknownKey(t *testing.T) {
	e, runner := newTestExecutor(t)
	payload := []byte(`{"network":"edgebr0","config":{"raw.dnsmasq":"something"}}`)
	_, err := e.Execute(context.Background(), model.TaskPatchLXDNetwork, payload)
	require.Error(t, err)
	assert.Empty(t, runner.calls)
}

func TestApplyLXDNetworkValidatesBooleanKeys(t *testing.T) {
	e, _ := newTestExecutor(t)
	payload := []byte(`{"network":"edgebr0","config":{"ipv4.nat":"yes"}}`)
	_, err := e.Execute(context.Background(), model.TaskPatchLXDNetwork, payload)
	require.Error(t, err)
}

func TestApplyMicrok8sAddonsContinuesPastFailures(t *testing.T) {
	e, runner := newTestExecutor(t)
	runner.fail["microk8s enable dns"] = fmt.Errorf("boom")
	runner.outputs["microk8s status"] = "microk8s is running"

	payload := []byte(`{"enable":["dns","ingress"],"disable":["registry"]}`)
	result, err := e.Execute(context.Background(), model.TaskMicrok8sAddons, payload)
	require.NoError(t, err)

	var res microk8sResult
	require.NoError(t, json.Unmarshal(result, &res))
	require.Len(t, res.Enable, 2)
	assert.False(t, res.Enable[0].OK)
	assert.True(t, res.Enable[1].OK)
	require.Len(t, res.Disable, 1)
	assert.True(t, res.Disable[0].OK)
	assert.Equal(t, "microk8s is running", res.Status)
}

func TestExecuteRejectsUnknownType(t *testing.T) {
	e, _ := newTestExecutor(t)
	_, err := e.Execute(context.Background(), model.TaskType("FORMAT_DISK"), []byte(`{}`))
	require.Error(t, err)
}
