package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/globalfit/internal/problem"
)

const seriesYAML = `
tag: shared-slope
model: linear
parameters:
  - [1.5, 0.5]
  - [1.5, 2]
identifiers:
  - [1, 1]
  - [1, 2]
runs:
  - thresholds: [0, 1, 2, 3, 4]
    targets: [1, 3, 5, 7, 9]
  - thresholds: [0, 1, 2, 3, 4]
    targets: [3, 5, 7, 9, 11]
seed: 3
---
tag: broken
model: cubic
runs:
  - thresholds: [0, 1]
    targets: [0, 1]
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRun(t *testing.T) {
	path := writeFile(t, "series.yaml", seriesYAML)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-f", path, "--hops", "1", "--no-errors"}, &stdout, &stderr)
	assert.Equal(t, exitConfig, code)

	var reports []problem.Report
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &reports))
	require.Len(t, reports, 2)

	good := reports[0]
	assert.Equal(t, "shared-slope", good.Tag)
	assert.True(t, good.Converged)
	assert.Empty(t, good.Error)
	assert.Equal(t, []string{"a", "b"}, good.ParameterNames)
	assert.InDelta(t, 2, good.Parameters[0][0], 1e-6)
	assert.InDelta(t, 1, good.Parameters[0][1], 1e-6)
	assert.InDelta(t, 3, good.Parameters[1][1], 1e-6)
	assert.Equal(t, int64(3), good.Seed)
	assert.Nil(t, good.ErrorUp)

	assert.Equal(t, "broken", reports[1].Tag)
	assert.NotEmpty(t, reports[1].Error)
}

func TestRunExitCodes(t *testing.T) {
	valid := writeFile(t, "one.json", `{"tag": "one", "model": "linear", "parameters": [[1, 0]],
		"identifiers": [[1, 1]], "runs": [{"thresholds": [0, 1, 2], "targets": [1, 2, 3]}]}`)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"converged", []string{"-f", valid, "--hops", "0", "--no-errors"}, exitOK},
		{"positional file", []string{valid, "--hops", "0", "--no-errors"}, exitOK},
		{"no files", []string{"--hops", "1"}, exitConfig},
		{"missing file", []string{"-f", filepath.Join(t.TempDir(), "absent.yaml")}, exitConfig},
		{"bad accuracy", []string{"-f", valid, "--accuracy", "-1"}, exitConfig},
		{"unknown flag", []string{"-f", valid, "--bogus"}, exitConfig},
		{"debug logging", []string{"-f", valid, "--hops", "0", "--no-errors", "--log-level", "debug"}, exitOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			assert.Equal(t, tt.want, run(context.Background(), tt.args, &stdout, &stderr))
		})
	}
}

func TestBaseConfig(t *testing.T) {
	opts, fs, err := parseFlags([]string{"-f", "x.yaml", "--seed", "11", "--accuracy", "0.2"}, &bytes.Buffer{})
	require.NoError(t, err)

	cfg := baseConfig(opts, fs)
	assert.Equal(t, int64(11), cfg.Seed)
	assert.Equal(t, 0.2, cfg.RequiredAccuracy)
	assert.Equal(t, 3, cfg.BasinHops)
	assert.Equal(t, []string{"x.yaml"}, opts.files)
}
