package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/smartshell/internal/output"
	"github.com/gluk-w/smartshell/internal/sshtest"
)

func writeRunbook(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func decodeReport(t *testing.T, data string) runbookReport {
	t.Helper()
	var report runbookReport
	require.NoError(t, json.Unmarshal([]byte(data), &report))
	return report
}

func TestRunbook(t *testing.T) {
	srv := sshtest.NewServer(t, nil)
	path := writeRunbook(t, `
name: smoke
steps:
  - name: greet
    command: echo hello
    expect: hello
  - command: echo again
  - name: raw
    send: echo raw
    waitFor: '\nraw\r?\n'
    timeout: 2s
`)

	res := run(t, "", targetArgs(t, srv, "runbook", "--json", path)...)
	require.Equal(t, 0, res.code, res.stderr)

	report := decodeReport(t, res.stdout)
	assert.Equal(t, "smoke", report.Runbook)
	assert.Equal(t, "bash", report.ShellType)
	assert.True(t, report.Success)
	require.Len(t, report.Steps, 3)

	assert.Equal(t, "command", report.Steps[0].Kind)
	assert.Equal(t, "hello", strings.TrimSpace(report.Steps[0].Output))
	assert.Equal(t, "step 2", report.Steps[1].Name)
	assert.Equal(t, "send", report.Steps[2].Kind)
	assert.Contains(t, report.Steps[2].Output, "raw")
	for _, step := range report.Steps {
		assert.True(t, step.Success, step.Name)
	}
}

func TestRunbook_KnownShell(t *testing.T) {
	srv := sshtest.NewServer(t, nil)
	path := writeRunbook(t, `
shell: /bin/bash
steps:
  - command: echo fast
    expect: fast
`)

	report := filepath.Join(t.TempDir(), "report.json")
	res := run(t, "", targetArgs(t, srv, "runbook", "--report", report, path)...)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "fast")
	assert.Contains(t, res.stderr, "runbook succeeded: runbook.yaml")

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	got := decodeReport(t, string(data))
	assert.Equal(t, "bash", got.ShellType)
	assert.True(t, got.Success)
}

func TestRunbook_StopsOnFailure(t *testing.T) {
	srv := sshtest.NewServer(t, nil)
	path := writeRunbook(t, `
steps:
  - name: check
    command: echo hello
    expect: goodbye
  - name: skipped
    command: echo never
`)

	res := run(t, "", targetArgs(t, srv, "runbook", "--json", path)...)
	assert.Equal(t, 1, res.code)

	report := decodeReport(t, res.stdout)
	assert.False(t, report.Success)
	require.Len(t, report.Steps, 1)
	assert.Contains(t, report.Steps[0].Error, "goodbye")
}

func TestRunbook_ContinueOnError(t *testing.T) {
	srv := sshtest.NewServer(t, nil)
	path := writeRunbook(t, `
steps:
  - name: check
    command: echo hello
    expect: goodbye
    continueOnError: true
  - name: after
    command: echo after
`)

	res := run(t, "", targetArgs(t, srv, "runbook", "--json", path)...)
	assert.Equal(t, 1, res.code)

	report := decodeReport(t, res.stdout)
	assert.False(t, report.Success)
	require.Len(t, report.Steps, 2)
	assert.False(t, report.Steps[0].Success)
	assert.True(t, report.Steps[1].Success)
	assert.Equal(t, "after", strings.TrimSpace(report.Steps[1].Output))
}

func TestLoadRunbook(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"no steps", "name: empty\n", "no steps"},
		{"unknown field", "steps:\n  - command: ls\n    retries: 3\n", "retries"},
		{"both kinds", "steps:\n  - command: ls\n    send: ls\n", "exactly one"},
		{"neither kind", "steps:\n  - name: idle\n", "exactly one"},
		{"wait on command", "steps:\n  - command: ls\n    waitFor: x\n", "send steps only"},
		{"bad regexp", "steps:\n  - send: ls\n    waitFor: '('\n", "waitFor"},
		{"bad stream", "steps:\n  - command: ls\n    stream: both\n", "both"},
		{"diagnostic command", "steps:\n  - command: ls\n    stream: stderr\n", "primary"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadRunbook(writeRunbook(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadRunbook_Defaults(t *testing.T) {
	doc, err := loadRunbook(writeRunbook(t, `
steps:
  - send: top
    pause: 250ms
    stream: stdout
`))
	require.NoError(t, err)
	require.Len(t, doc.Steps, 1)

	step := doc.Steps[0]
	assert.Equal(t, "step 1", step.Name)
	assert.Equal(t, "send", step.kind())
	assert.Equal(t, output.PrimaryOnly, step.stream)
	assert.Equal(t, "250ms", step.Pause.String())
}
