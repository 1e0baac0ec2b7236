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

	expected := []string{
		"capture", "images", "extract", "analyze", "route", "ebay", "psa",
		"run", "status", "show", "review", "archive", "serve",
	}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "cardflow", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("json"))
}

func TestReviewCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range reviewCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "resolve", "retry", "sync"} {
		assert.True(t, names[name], "expected review subcommand %q not found", name)
	}
}

func TestReviewResolve_Flags(t *testing.T) {
	for _, name := range []string{"year", "set", "player", "number", "grade"} {
		require.NotNil(t, reviewResolveCmd.Flags().Lookup(name), "resolve should have --%s", name)
	}
}

func TestCaptureCommand_Flags(t *testing.T) {
	flag := captureCmd.Flags().Lookup("grade")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
	assert.Error(t, captureCmd.Args(captureCmd, []string{"front.jpg"}))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
	assert.NotNil(t, serveCmd.Flags().Lookup("cors-origin"))
}
