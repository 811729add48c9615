package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = `
contacts:
  - id: alice
    name: Alice Park
    summary: Sourdough baking.
    tags: [baking]
    consent: [sms]
  - id: bob
    name: Bob Lee
    summary: Bicycle repair.
    tags: [bicycles]
    consent: [email]
referrals:
  - referrer: alice
    referred: bob
`

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf("sqlite:\n  path: %s\nlogging:\n  level: error\n", filepath.Join(dir, "admin.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	seedPath := filepath.Join(dir, "contacts.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(testSeed), 0o644))
	return cfgPath, seedPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSeedThenInspectLedger(t *testing.T) {
	cfgPath, seedPath := writeConfig(t)

	out, err := run(t, "--config", cfgPath, "seed", "--file", seedPath)
	require.NoError(t, err)
	assert.Contains(t, out, "contacts:   2")
	assert.Contains(t, out, "referrals:  1")

	out, err = run(t, "--config", cfgPath, "balance", "contributor", "alice")
	require.NoError(t, err)
	assert.Equal(t, "contributor:alice 0\n", out)

	out, err = run(t, "--config", cfgPath, "verify-ledger")
	require.NoError(t, err)
	assert.Equal(t, "ledger balanced\n", out)

	out, err = run(t, "--config", cfgPath, "contact", "disable", "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob disabled\n", out)
}

func TestBalanceJSON(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	out, err := run(t, "--config", cfgPath, "--format", "json", "balance", "platform", "platform_revenue")
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "platform", result["account_type"])
	assert.Equal(t, float64(0), result["balance_cents"])
}

func TestRejectsBadInput(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	_, err := run(t, "--config", cfgPath, "balance", "wallet", "alice")
	assert.ErrorContains(t, err, "unknown account type")

	_, err = run(t, "--config", cfgPath, "--format", "xml", "verify-ledger")
	assert.ErrorContains(t, err, "invalid format")

	_, err = run(t, "--config", cfgPath, "seed")
	assert.Error(t, err)

	_, err = run(t, "--config", cfgPath, "outreach-queue")
	assert.ErrorContains(t, err, "redis.enabled")
}
