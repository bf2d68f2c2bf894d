package cmd

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/gpteam/gpbot/gpbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	resetConfig(t)

	originalVersion := gpbot.Version
	originalCommitSHA := gpbot.CommitSHA
	originalBuildTime := gpbot.BuildTime

	t.Cleanup(
		func() {
			gpbot.Version = originalVersion
			gpbot.CommitSHA = originalCommitSHA
			gpbot.BuildTime = originalBuildTime
		},
	)

	gpbot.Version = "1.0.0"
	gpbot.CommitSHA = "abc123"
	gpbot.BuildTime = "2024-10-01T12:00:00Z"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	rootCmd.SetArgs([]string{"--config=" + filepath.Join(t.TempDir(), "missing.env"), "version"})
	require.NoError(t, rootCmd.Execute())

	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		gpbot.Version,
		gpbot.CommitSHA,
		gpbot.BuildTime,
	)
	assert.Equal(t, expected, out.String())
}
