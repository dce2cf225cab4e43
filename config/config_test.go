package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scalarorg/fact-relayer/config"
	"github.com/scalarorg/fact-relayer/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const CHAINS_JSON = `[
	{
		"name": "hub",
		"chain_id": 11155111,
		"eid": 40161,
		"role": "hub",
		"rpc_url": "https://sepolia.example.org",
		"gateway": "0x6EDCE65403992e310A62460808c4b910D972f10f",
		"finality": 2,
		"block_time": "12s",
		"rate_limit": 5
	},
	{
		"name": "buyer",
		"chain_id": 421614,
		"eid": 40231,
		"role": "buyer",
		"rpc_url": "https://arbitrum-sepolia.example.org",
		"gateway": "0x6EDCE65403992e310A62460808c4b910D972f10f",
		"native_symbol": "ETH"
	}
]`

func writeConfigDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func TestLoad(t *testing.T) {
	dir := writeConfigDir(t, map[string]string{
		config.CHAINS_FILE:   CHAINS_JSON,
		config.ACCOUNTS_FILE: `[{"name": "sender", "private_key": "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", "capabilities": ["CROSS_CHAIN_SENDER"]}]`,
		config.FEES_FILE:     `[{"source_chain": "hub", "amount": "0.0005"}]`,
	})
	t.Setenv("CONFIG_PATH", dir)
	t.Setenv("DATABASE_DRIVER", "MEMORY")
	t.Setenv("RECEIPT_TIMEOUT", "90s")
	t.Setenv("MAX_RECONCILE_ATTEMPTS", "7")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 90*time.Second, cfg.Coordinator.ReceiptTimeout)
	assert.Equal(t, 7, cfg.Reconciler.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Reconciler.Interval)
	assert.Equal(t, "@every 1m", cfg.Reconciler.Schedule)
	assert.Equal(t, "CROSS_CHAIN_SENDER", cfg.Coordinator.RequiredCapability)

	require.Len(t, cfg.Chains, 2)
	hub := cfg.Chains[0]
	assert.Equal(t, uint64(11155111), hub.ChainID)
	assert.Equal(t, uint32(40161), hub.Eid)
	assert.Equal(t, types.RoleHub, hub.Role)
	assert.Equal(t, 12*time.Second, hub.BlockTime)
	assert.Equal(t, uint8(18), hub.NativeDecimals)
	assert.Equal(t, float64(5), hub.RateLimit)
	assert.Equal(t, uint64(2), hub.Finality)
	assert.Equal(t, 2*time.Second, cfg.Chains[1].BlockTime)
	assert.Equal(t, uint64(1), cfg.Chains[1].Finality)
	assert.Contains(t, cfg.Endpoints(), "buyer")

	require.Len(t, cfg.Accounts, 1)
	assert.Equal(t, []string{"CROSS_CHAIN_SENDER"}, cfg.Accounts[0].Capabilities)
	require.Len(t, cfg.FallbackFees, 1)
	assert.Equal(t, "0.0005", cfg.FallbackFees[0].Amount)
}

func TestLoadOptionalFiles(t *testing.T) {
	t.Setenv("CONFIG_PATH", writeConfigDir(t, map[string]string{config.CHAINS_FILE: CHAINS_JSON}))
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Accounts)
	assert.Empty(t, cfg.FallbackFees)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	testCases := []struct {
		name   string
		chains string
		env    map[string]string
	}{
		{name: "missing chains file", chains: ""},
		{name: "not an array", chains: `{"name": "hub"}`},
		{name: "empty", chains: `[]`},
		{name: "bad gateway", chains: `[{"name": "hub", "chain_id": 1, "eid": 1, "rpc_url": "https://a.example.org", "gateway": "nope"}]`},
		{name: "duplicate eid", chains: `[
			{"name": "hub", "chain_id": 1, "eid": 1, "rpc_url": "https://a.example.org", "gateway": "0x6EDCE65403992e310A62460808c4b910D972f10f"},
			{"name": "buyer", "chain_id": 2, "eid": 1, "rpc_url": "https://b.example.org", "gateway": "0x6EDCE65403992e310A62460808c4b910D972f10f"}
		]`},
		{name: "bad timeout", chains: CHAINS_JSON, env: map[string]string{"RECEIPT_TIMEOUT": "-1s"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			files := map[string]string{}
			if tc.chains != "" {
				files[config.CHAINS_FILE] = tc.chains
			}
			t.Setenv("CONFIG_PATH", writeConfigDir(t, files))
			for key, value := range tc.env {
				t.Setenv(key, value)
			}
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("FACT_RELAYER_TEST_VALUE=from-dotenv\n"), 0o600))
	t.Setenv("FACT_RELAYER_TEST_VALUE", "")
	require.NoError(t, os.Unsetenv("FACT_RELAYER_TEST_VALUE"))

	require.NoError(t, config.LoadEnv(envFile, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "from-dotenv", os.Getenv("FACT_RELAYER_TEST_VALUE"))
}
