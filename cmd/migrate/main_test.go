package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrate_RequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	out, err := execute(t, "status")
	require.Error(t, err)
	assert.Contains(t, out, "no database")
}

func TestMigrate_VersionArgs(t *testing.T) {
	_, err := execute(t, "up-to")
	assert.Error(t, err)

	_, err = execute(t, "up-to", "latest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid version")
}

func TestMigrate_UnknownCommand(t *testing.T) {
	_, err := execute(t, "sideways")
	assert.Error(t, err)
}
