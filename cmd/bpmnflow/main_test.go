package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bpmnflow/internal/store"
	"github.com/rendis/bpmnflow/pkg/schema"
)

const fixturePath = "../../internal/bpmn/testdata/material_flow.bpmn"

// setupEnv isolates the config dir and returns a process dir holding the
// fixture as "frame".
func setupEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("BPMNFLOW_LOG_LEVEL", "error")
	t.Setenv("BPMNFLOW_DB_PATH", filepath.Join(home, "flows.db"))

	dir := t.TempDir()
	data, err := os.ReadFile(fixturePath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame.bpmn"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.bpmn"), []byte("<definitions><process>"), 0o644))
	return dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestOrderCommand(t *testing.T) {
	dir := setupEnv(t)

	code, out, errOut := runCLI(t, "order", "-dir", dir, "frame")
	require.Equal(t, exitOK, code, errOut)

	var order []string
	require.NoError(t, json.Unmarshal([]byte(out), &order))
	assert.Equal(t, []string{"Task_Cut", "Task_Weld", "Task_Paint", "Task_Assemble"}, order)
}

func TestOrderCommandFromFile(t *testing.T) {
	setupEnv(t)

	code, out, errOut := runCLI(t, "order", fixturePath)
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "Task_Assemble")
}

func TestMaterialsAndSankeyCommands(t *testing.T) {
	dir := setupEnv(t)

	code, out, errOut := runCLI(t, "materials", "-dir", dir, "frame")
	require.Equal(t, exitOK, code, errOut)
	var entries []schema.TaskRequirementEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Len(t, entries, 4)

	code, out, errOut = runCLI(t, "sankey", "-dir", dir, "frame")
	require.Equal(t, exitOK, code, errOut)
	var flow schema.FlowDataset
	require.NoError(t, json.Unmarshal([]byte(out), &flow))
	assert.Len(t, flow.Links, 6)
}

func TestDeriveCommandQuery(t *testing.T) {
	dir := setupEnv(t)

	code, out, errOut := runCLI(t, "derive", "-dir", dir, "-q", ".task_order[0]", "frame")
	require.Equal(t, exitOK, code, errOut)
	assert.Equal(t, "\"Task_Cut\"\n", out)

	code, out, errOut = runCLI(t, "order", "-dir", dir, "-lang", "cel", "-q", "size(flow.links)", "frame")
	require.Equal(t, exitOK, code, errOut)
	assert.Equal(t, "6\n", out)
}

func TestDiagramCommand(t *testing.T) {
	dir := setupEnv(t)

	code, out, errOut := runCLI(t, "diagram", "-dir", dir, "-format", "sankey", "frame")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, "sankey-beta")

	target := filepath.Join(t.TempDir(), "flow.mmd")
	code, out, errOut = runCLI(t, "diagram", "-dir", dir, "-o", target, "frame")
	require.Equal(t, exitOK, code, errOut)
	assert.Empty(t, out)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Contains(t, string(data), "graph LR")

	code, _, _ = runCLI(t, "diagram", "-dir", dir, "-format", "png", "frame")
	assert.Equal(t, exitUsage, code, "png needs -o")

	code, _, _ = runCLI(t, "diagram", "-dir", dir, "-format", "svg", "frame")
	assert.Equal(t, exitUsage, code)
}

func TestRefreshAndHistoryCommands(t *testing.T) {
	dir := setupEnv(t)

	code, out, errOut := runCLI(t, "refresh", "-dir", dir, "frame")
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, `"changed": true`)

	code, out, errOut = runCLI(t, "history", "-dir", dir, "frame")
	require.Equal(t, exitOK, code, errOut)
	var list []store.SnapshotSummary
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list, 1)

	code, out, errOut = runCLI(t, "history", "-snapshot", list[0].ID)
	require.Equal(t, exitOK, code, errOut)
	assert.Contains(t, out, list[0].Digest)

	code, _, _ = runCLI(t, "history", "-q", ".", "frame")
	assert.Equal(t, exitUsage, code)
}

func TestCommandExitCodes(t *testing.T) {
	dir := setupEnv(t)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no args", nil, exitUsage},
		{"unknown command", []string{"explode"}, exitUsage},
		{"missing key arg", []string{"order", "-dir", dir}, exitUsage},
		{"unknown key", []string{"order", "-dir", dir, "missing"}, exitNotFound},
		{"malformed", []string{"order", "-dir", dir, "broken"}, exitBadProcess},
		{"bad query", []string{"derive", "-dir", dir, "-lang", "sql", "-q", "x", "frame"}, exitError},
		{"help", []string{"help"}, exitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := runCLI(t, tt.args...)
			assert.Equal(t, tt.want, code)
		})
	}
}

func TestDocumentKey(t *testing.T) {
	assert.Equal(t, "frame", documentKey("/srv/frame.bpmn"))
	assert.Equal(t, "frame", documentKey("frame.bpmn20.xml"))
	assert.Equal(t, "frame", documentKey("frame.xml"))
	assert.Equal(t, "README", documentKey("README"))
}
