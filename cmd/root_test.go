package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"daily", "research", "weekly", "assign", "alerts", "runs", "sync", "schedule", "serve"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "salesintel", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestResearchCommand_Args(t *testing.T) {
	assert.Error(t, researchCmd.Args(researchCmd, nil))
	assert.NoError(t, researchCmd.Args(researchCmd, []string{"lead-1"}))

	flag := researchCmd.Flags().Lookup("triggered-by")
	require.NotNil(t, flag)
	assert.Equal(t, "cli", flag.DefValue)
}

func TestSyncCommand_Flags(t *testing.T) {
	for _, name := range []string{"full", "push-scores"} {
		flag := syncCmd.Flags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Equal(t, "false", flag.DefValue)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "stats"} {
		assert.True(t, names[name], "expected runs subcommand %q not found", name)
	}
	assert.Equal(t, "168h0m0s", runsStatsCmd.Flags().Lookup("since").DefValue)
}
