package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imkarma/weave/internal/config"
)

func TestCLIRunner_PromptViaStdin(t *testing.T) {
	if !CLIAvailable("cat") {
		t.Skip("cat not in PATH")
	}
	r := NewCLIRunner("echoer", config.Agent{Mode: "cli", Cmd: "cat", PromptVia: "stdin"})
	resp, err := r.Run(context.Background(), Request{Prompt: "hello weave"})
	require.NoError(t, err)
	assert.False(t, resp.Failed())
	assert.Equal(t, "hello weave", resp.Output)
}

func TestCLIRunner_NonZeroExit(t *testing.T) {
	if !CLIAvailable("false") {
		t.Skip("false not in PATH")
	}
	r := NewCLIRunner("failing", config.Agent{Mode: "cli", Cmd: "false"})
	resp, err := r.Run(context.Background(), Request{Prompt: "ignored"})
	require.NoError(t, err)
	assert.True(t, resp.Failed())
	assert.Equal(t, 1, resp.ExitCode)
}

func TestNewRunner_UnknownMode(t *testing.T) {
	_, err := NewRunner("x", config.Agent{Mode: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestCLIRunner_Timeout(t *testing.T) {
	if !CLIAvailable("sleep") {
		t.Skip("sleep not in PATH")
	}
	r := NewCLIRunner("slow", config.Agent{Mode: "cli", Cmd: "sleep"})
	resp, err := r.Run(context.Background(), Request{Prompt: "5", TimeoutSec: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, -1, resp.ExitCode)
	assert.True(t, resp.Failed())
}

func TestCLIRunner_StderrInError(t *testing.T) {
	if !CLIAvailable("sh") {
		t.Skip("sh not in PATH")
	}
	r := NewCLIRunner("noisy", config.Agent{Mode: "cli", Cmd: "sh", Args: []string{"-c"}})
	resp, err := r.Run(context.Background(), Request{Prompt: "echo partial; echo boom >&2; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.ExitCode)
	assert.Equal(t, "partial\n", resp.Output)
	assert.ErrorContains(t, resp.Error, "boom")
}
