package main

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apergos/mw-media-sync/internal/config"
)

// newRootCmd() binds flags via StringVar/BoolVar, which resets the global
// flag variables to their zero values. Tests set globals only after the
// command is built, or let cobra parse them via SetArgs.

func TestRootCmd_ConfigfileRequired(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configfile")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestRootCmd_RejectsPositionalArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"-c", "/dev/null", "stray"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestRootCmd_UnknownFlagIsUsageError(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--no-such-flag"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestRootCmd_FlagParsing(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--configfile", "/etc/mw-media-sync.toml",
		"--projects", "enwiki,elwikt",
		"--retries", "5",
		"--wait", "2",
		"--dryrun",
		"--full",
	}))

	assert.Equal(t, "/etc/mw-media-sync.toml", flagConfigPath)
	assert.Equal(t, []string{"enwiki", "elwikt"}, flagProjects)
	assert.Equal(t, 5, flagRetries)
	assert.Equal(t, 2, flagWait)
	assert.True(t, flagDryRun)
	assert.True(t, flagFull)
	assert.False(t, flagContinue)
	assert.False(t, flagArchive)
}

func TestRootCmd_OverrideDefaultsUnset(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"-c", "x.toml"}))

	// Negative means "not specified": zero retries and zero wait are
	// meaningful values an operator may set explicitly.
	assert.Equal(t, -1, flagRetries)
	assert.Equal(t, -1, flagWait)
}

func TestBuildLogger_Default(t *testing.T) {
	newRootCmd()

	logger := buildLogger()
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_Verbose(t *testing.T) {
	newRootCmd()
	flagVerbose = true
	t.Cleanup(func() { flagVerbose = false })

	logger := buildLogger()
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}
