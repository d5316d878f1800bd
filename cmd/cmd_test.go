package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/encodeous/qaodv/state"
	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chainScenario = `
seed: 3
duration: 10s
nodes:
  - {name: a, address: 10.0.0.1}
  - {name: b, address: 10.0.0.2}
  - {name: c, address: 10.0.0.3}
links:
  - {a: a, b: b, latency: 5ms}
  - {a: b, b: c, latency: 5ms}
flows:
  - {from: a, to: c, class: bulk, interval: 100ms}
`

func execute(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfigPrintsDefaults(t *testing.T) {
	out, err := execute(t, "config", "--id", "alpha", "--address", "10.0.0.9")
	require.NoError(t, err)

	var cfg state.NodeCfg
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "alpha", cfg.Id)
	assert.Equal(t, "10.0.0.9", cfg.Address.String())
	assert.Equal(t, state.DefaultAodvCfg(), cfg.Aodv)
	assert.Equal(t, state.DefaultQLearnCfg(), cfg.QLearn)
}

func TestCheck(t *testing.T) {
	out, err := execute(t, "check", "--scenario", writeFile(t, "chain.yaml", chainScenario))
	require.NoError(t, err)
	assert.Contains(t, out, "3 nodes, 2 links, 1 flows, 0 events")

	node := writeFile(t, "node.yaml", "id: alpha\naddress: 10.0.0.1\npeers:\n  - {address: 10.0.0.2, endpoint: 127.0.0.1:6002}\n")
	out, err = execute(t, "check", "--scenario=false", node)
	require.NoError(t, err)
	assert.Contains(t, out, "node alpha is valid")

	_, err = execute(t, "check", "--scenario=false", writeFile(t, "bad.yaml", "id: alpha\n"))
	assert.Error(t, err)
}

func TestSimPrintsReport(t *testing.T) {
	path := writeFile(t, "chain.yaml", chainScenario)
	out, err := execute(t, "sim", path, "--duration", "5s")
	require.NoError(t, err)
	assert.Contains(t, out, "a -> 10.0.0.3")

	again, err := execute(t, "sim", path, "--duration", "5s")
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestSimRejectsMissingScenario(t *testing.T) {
	_, err := execute(t, "sim", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
