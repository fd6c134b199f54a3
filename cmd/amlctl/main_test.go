package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCheck_RequiresTwoArgs(t *testing.T) {
	_, err := run("check", "eth")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 2 arg(s)")
}

func TestTrack_RequiresFlags(t *testing.T) {
	_, err := run("track", "--chain", "eth")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscriber")
}

func TestTrack_RefusesMemoryStore(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BADGER_PATH", "")
	t.Setenv("ETH_RPC_URL", "")

	out, err := run("track", "--subscriber", "4242", "--chain", "eth",
		"--address", "0x1111111111111111111111111111111111111111")
	require.ErrorIs(t, err, errNoPersistentStore)
	assert.NotContains(t, out, "Tracking")
}

func TestTrackAndScanOnce_Badger(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("BADGER_PATH", t.TempDir())
	t.Setenv("ETH_RPC_URL", "")

	out, err := run("track", "--subscriber", "4242", "--chain", "eth",
		"--address", "0x1111111111111111111111111111111111111111", "--label", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "Tracking ops on eth")

	// The chain has no RPC endpoint, so the scan fails per address but the
	// cycle itself completes.
	out, err = run("scan-once")
	require.NoError(t, err)
	assert.Contains(t, out, "1 listed")
	assert.Contains(t, out, "1 failed")
}
