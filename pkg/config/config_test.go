package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 0.70, cfg.Ledger.ContributorPool)
	assert.Equal(t, "zero", cfg.Ledger.UnusedPolicy)
	assert.Equal(t, 10, cfg.Matching.K)
	assert.Equal(t, 30*time.Minute, cfg.Query.DefaultTimeout)
	assert.Equal(t, []string{"sms", "push", "email"}, cfg.Outreach.Channels)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
ledger:
  contributorPool: 0.6
  platform: 0.3
  referrer: 0.1
  unusedPolicy: flat
query:
  defaultTimeout: 90s
matching:
  tagGroups:
    infra: [kubernetes, terraform]
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0.6, cfg.Ledger.ContributorPool)
	assert.Equal(t, "flat", cfg.Ledger.UnusedPolicy)
	assert.Equal(t, 90*time.Second, cfg.Query.DefaultTimeout)
	assert.Equal(t, []string{"kubernetes", "terraform"}, cfg.Matching.TagGroups["infra"])
}

func TestSplitMustSumToOne(t *testing.T) {
	path := writeConfig(t, `
ledger:
  contributorPool: 0.7
  platform: 0.2
  referrer: 0.2
`)

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must sum to 1.0")
}

func TestSplitToleratesFloatRepresentation(t *testing.T) {
	cfg := Default()
	// 0.1 + 0.2 is not exactly 0.3 in float64.
	cfg.Ledger.ContributorPool = 0.7
	cfg.Ledger.Platform = 0.1 + 0.1
	cfg.Ledger.Referrer = 0.1
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownPolicies(t *testing.T) {
	cfg := Default()
	cfg.Ledger.UnusedPolicy = "partial"
	cfg.Synthesis.Strictness = "lenient"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unusedPolicy")
	assert.Contains(t, err.Error(), "strictness")
}

func TestValidateRequiresBoundedTimeouts(t *testing.T) {
	cfg := Default()
	cfg.Synthesis.Timeout = 0
	cfg.Outreach.SendTimeout = -time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synthesis.timeout")
	assert.Contains(t, err.Error(), "outreach.sendTimeout")
}

func TestBasisPoints(t *testing.T) {
	assert.Equal(t, int64(7000), BasisPoints(0.7))
	assert.Equal(t, int64(3333), BasisPoints(0.33333))
	assert.Equal(t, int64(10000), BasisPoints(1))
}
