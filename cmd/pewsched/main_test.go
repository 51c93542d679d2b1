package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pewsched.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCheck(t *testing.T) {
	ok := writeFile(t, "scheduler: {timezone: UTC}\ntasks:\n  - id: a\n    schedule: hourly\n    command: 'true'\n")
	out, err := execute(t, "check", "--config", ok, "--env-file", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Contains(t, out, "ok (1 tasks, timezone UTC, storage none)")

	bad := writeFile(t, "scheduler: {tick: 10ms}\ntasks:\n  - id: a\n    schedule: nope\n    command: 'true'\n")
	out, err = execute(t, "check", "--config", bad)
	require.Error(t, err)
	assert.Contains(t, out, "problem(s)")
	assert.Contains(t, out, "scheduler.tick")
}

func TestList(t *testing.T) {
	path := writeFile(t, "scheduler: {timezone: UTC}\ntasks:\n  - id: quarter\n    schedule: '*/15 * * * *'\n    command: 'true'\n")
	out, err := execute(t, "list", "--config", path, "--next", "2", "--from", "2026-03-02T10:07:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "quarter")
	assert.Contains(t, out, "2026-03-02 10:15 UTC, 2026-03-02 10:30 UTC")
	assert.Contains(t, out, "1 task(s), timezone UTC")
}

func TestBadTaskFailsCheckButNotList(t *testing.T) {
	path := writeFile(t, "scheduler: {timezone: UTC}\ntasks:\n  - id: good\n    schedule: hourly\n    command: 'true'\n  - id: bad\n    schedule: '61 * * * *'\n    command: 'true'\n")

	out, err := execute(t, "check", "--config", path)
	require.Error(t, err)
	assert.Contains(t, out, "1 problem(s)")
	assert.Contains(t, out, `tasks[1]: task "bad"`)

	out, err = execute(t, "list", "--config", path, "--from", "2026-03-02T10:07:00Z")
	require.NoError(t, err)
	assert.Contains(t, out, "good")
	assert.Contains(t, out, "1 task(s), timezone UTC")
	assert.Contains(t, out, `skipped tasks[1]: task "bad"`)
}

func TestConfigFromEnv(t *testing.T) {
	path := writeFile(t, "tasks: []\n")
	t.Setenv(envConfig, path)
	cfgPath = ""
	rootCmd.PersistentFlags().Lookup("config").Changed = false
	out, err := execute(t, "check")
	require.NoError(t, err)
	assert.Contains(t, out, path)
}
