package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	all := append([]string{"codeclaw", "--no-log", "--data-dir", dataDir}, args...)
	err := Run(context.Background(), all, &bytes.Buffer{}, &stdout, &stderr)
	return stdout.String(), err
}

func TestTasksLifecycle(t *testing.T) {
	dir := t.TempDir()

	out, err := runCLI(t, dir, "tasks", "create", "--thread", "acme-app-42", "--interval", "1h", "--prompt", "check the CI")
	require.NoError(t, err)
	assert.Contains(t, out, "created")

	out, err = runCLI(t, dir, "tasks", "list", "--format", "json")
	require.NoError(t, err)

	var tasks []struct {
		ID       string `json:"id"`
		ThreadID string `json:"thread_id"`
		Status   string `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "acme-app-42", tasks[0].ThreadID)
	assert.Equal(t, "active", tasks[0].Status)
	id := tasks[0].ID

	out, err = runCLI(t, dir, "tasks", "pause", id)
	require.NoError(t, err)
	assert.Contains(t, out, "paused")

	out, err = runCLI(t, dir, "tasks", "get", id)
	require.NoError(t, err)
	assert.Contains(t, out, "paused")

	_, err = runCLI(t, dir, "tasks", "resume", id)
	require.NoError(t, err)

	_, err = runCLI(t, dir, "tasks", "cancel", id)
	require.NoError(t, err)

	_, err = runCLI(t, dir, "tasks", "get", id)
	assert.Error(t, err)
}

func TestInvalidCommand(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "does-not-exist")
	assert.Error(t, err)
}

func TestRunsEmpty(t *testing.T) {
	out, err := runCLI(t, t.TempDir(), "runs", "--format", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}
