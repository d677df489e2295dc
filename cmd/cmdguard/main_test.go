package main

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/cmdguard/internal/recovery"
	"github.com/jkaninda/cmdguard/internal/router"
	"github.com/jkaninda/cmdguard/internal/runner"
	"github.com/jkaninda/cmdguard/internal/sandbox"
)

func TestExitCodeOf(t *testing.T) {
	code, ok := exitCodeOf(fmt.Errorf("wrapped: %w", &exitError{code: 124}))
	assert.True(t, ok)
	assert.Equal(t, 124, code)

	_, ok = exitCodeOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestExitStatus(t *testing.T) {
	assert.NoError(t, exitStatus(&runner.Outcome{}))

	err := exitStatus(&runner.Outcome{Err: &runner.DeniedError{Stage: "s", Reason: "r"}})
	code, ok := exitCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, 2, code)
}

func TestConfigPath(t *testing.T) {
	flagConfig = ""
	t.Setenv("CMDGUARD_CONFIG", "/etc/cmdguard.yaml")
	assert.Equal(t, "/etc/cmdguard.yaml", configPath())

	flagConfig = "./local.yaml"
	defer func() { flagConfig = "" }()
	assert.Equal(t, "./local.yaml", configPath())
}

func TestReport(t *testing.T) {
	var buf bytes.Buffer
	report(&buf, &runner.Outcome{
		Decision:   router.Decision{Mode: sandbox.ModeDirect, Downgraded: true, Warning: router.ErrSandboxUnavailable.Error()},
		Recovery:   &recovery.Session{Recovered: true, FinalFix: "pip install --user x", Attempts: []recovery.Attempt{{}, {}}},
		Checkpoint: "abc",
		Err:        &runner.ExecutionError{ExitCode: 1, Stderr: "boom"},
	})
	out := buf.String()
	assert.Contains(t, out, "warning: "+router.ErrSandboxUnavailable.Error())
	assert.Contains(t, out, "recovered after 2 attempt(s) with: pip install --user x")
	assert.Contains(t, out, "cmdguard checkpoints restore abc")
	assert.Contains(t, out, "exit code 1: boom")
}

func TestOutcomeJSON(t *testing.T) {
	var buf bytes.Buffer
	out := &runner.Outcome{Err: &runner.ConfirmationError{Feedback: "no"}}
	require.NoError(t, printJSON(&buf, outcomeJSON(out)))
	assert.Contains(t, buf.String(), `"exit_code": 2`)
	assert.Contains(t, buf.String(), `"error": "command declined: no"`)
}

func TestCommandLine(t *testing.T) {
	assert.Equal(t, "npm install left-pad", commandLine([]string{"npm", "install", "left-pad"}))
}
