package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseArgsUnknownFlagsAreCollectedNotFatal(t *testing.T) {
	opts, unknown := parseArgs([]string{"--v", "--no-such-flag"})

	assert.Equal(t, []string{"--v", "--no-such-flag"}, unknown,
		"unknown flags are reported but must not stop startup")
	assert.False(t, opts.runSelfTest)
}

func TestParseArgsKnownFlags(t *testing.T) {
	opts, unknown := parseArgs([]string{
		"--test", "--debug", "--verbose",
		"--log-file", "/tmp/d.log",
		"--log-level", "warn",
		"--config", "/tmp/d.yaml",
	})

	assert.Empty(t, unknown)
	assert.True(t, opts.runSelfTest)
	assert.True(t, opts.debug)
	assert.True(t, opts.verbose)
	assert.Equal(t, "/tmp/d.log", opts.logFile)
	assert.Equal(t, "warn", opts.logLevel)
	assert.Equal(t, "/tmp/d.yaml", opts.configPath)
}

func TestParseArgsValueFlagAtEndOfArgs(t *testing.T) {
	opts, unknown := parseArgs([]string{"--log-file"})

	assert.Empty(t, unknown)
	assert.Empty(t, opts.logFile, "a value flag with no value is ignored")
}

func TestParseArgsNonFlagArgumentsIgnored(t *testing.T) {
	_, unknown := parseArgs([]string{"serve", "extra"})
	assert.Empty(t, unknown, "bare words are not reported as unknown flags")
}
